// Package transfer implements chunked file transfer between nodes.
//
// Outgoing files are read from a share directory opened with os.OpenRoot, so
// a request cannot escape it. Incoming chunks may arrive in any order; they
// are kept in SQLite until the received bytes cover the announced size, then
// written to the download directory.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/sqlite"
)

// DefaultChunkSize is the payload size of one FILE_CHUNK.
const DefaultChunkSize = 64 * 1024

// Config locates the share and download directories.
type Config struct {
	ShareDir    string
	DownloadDir string
	ChunkSize   int
}

// Service implements domain.FileTransfer.
type Service struct {
	db        *sqlite.DB
	share     *os.Root
	downloads *os.Root
	chunkSize int
	log       *zap.Logger
	now       func() time.Time
}

var _ domain.FileTransfer = (*Service)(nil)

// New opens both directories, creating them if needed.
func New(db *sqlite.DB, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	share, err := openRoot(cfg.ShareDir)
	if err != nil {
		return nil, fmt.Errorf("share dir: %w", err)
	}
	downloads, err := openRoot(cfg.DownloadDir)
	if err != nil {
		share.Close()
		return nil, fmt.Errorf("download dir: %w", err)
	}
	return &Service{
		db:        db,
		share:     share,
		downloads: downloads,
		chunkSize: cfg.ChunkSize,
		log:       logger,
		now:       time.Now,
	}, nil
}

func openRoot(dir string) (*os.Root, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenRoot(dir)
}

// Close releases the directory handles.
func (s *Service) Close() error {
	return errors.Join(s.share.Close(), s.downloads.Close())
}

// ─── Serving ────────────────────────────────────────────────────────────────

// Serve streams the shared file at name through emit in ordinal order. An
// empty file yields a single empty chunk.
func (s *Service) Serve(ctx context.Context, from domain.Contact, id, name string, emit func(*domain.FileChunk) error) error {
	clean, err := sharePath(name)
	if err != nil {
		return err
	}
	f, err := s.share.Open(clean)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidPath, name)
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", domain.ErrInvalidPath, name)
	}

	base := path.Base(clean)
	buf := make([]byte, s.chunkSize)
	var ordinal int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(f, buf)
		if n > 0 || ordinal == 0 {
			chunk := &domain.FileChunk{
				UUID:     id,
				Filename: base,
				Filesize: info.Size(),
				Ordinal:  ordinal,
				Data:     bytes.Clone(buf[:n]),
			}
			if err := emit(chunk); err != nil {
				return err
			}
			ordinal++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", name, rerr)
		}
	}
	s.log.Info("served file",
		zap.String("file", clean),
		zap.Int64("size", info.Size()),
		zap.Int64("chunks", ordinal),
		zap.Stringer("to", from))
	return nil
}

// sharePath normalises a requested path relative to the share root.
func sharePath(name string) (string, error) {
	name = filepath.ToSlash(name)
	if name == "" || path.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPath, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPath, name)
	}
	return clean, nil
}

// ─── Receiving ──────────────────────────────────────────────────────────────

// Receive stores chunk and reports whether the transfer is complete. The
// finished file is written into the download directory under its base name.
func (s *Service) Receive(from domain.Contact, chunk *domain.FileChunk) (bool, error) {
	if chunk.Ordinal < 0 || chunk.Filesize < 0 || int64(len(chunk.Data)) > max(chunk.Filesize, 0) {
		return false, fmt.Errorf("%w: ordinal %d of %s", domain.ErrChunkOutOfRange, chunk.Ordinal, chunk.UUID)
	}
	now := s.now()
	if err := s.db.CreateTransfer(chunk.UUID, from.String(), now); err != nil {
		return false, fmt.Errorf("record transfer: %w", err)
	}
	received, err := s.db.SaveChunk(chunk, now)
	if err != nil {
		return false, fmt.Errorf("store chunk: %w", err)
	}
	if received < chunk.Filesize {
		return false, nil
	}

	dest, err := s.assemble(chunk)
	if err != nil {
		s.db.FinishTransfer(chunk.UUID, domain.TransferFailed, "", now)
		return false, err
	}
	if err := s.db.FinishTransfer(chunk.UUID, domain.TransferComplete, dest, now); err != nil {
		return true, fmt.Errorf("finish transfer: %w", err)
	}
	s.log.Info("received file",
		zap.String("transfer", chunk.UUID),
		zap.String("dest", dest),
		zap.Int64("size", received),
		zap.Stringer("from", from))
	return true, nil
}

func (s *Service) assemble(chunk *domain.FileChunk) (string, error) {
	parts, err := s.db.ChunkData(chunk.UUID)
	if err != nil {
		return "", fmt.Errorf("load chunks: %w", err)
	}
	data := bytes.Join(parts, nil)
	if int64(len(data)) != chunk.Filesize {
		return "", fmt.Errorf("%w: %d bytes for a %d byte file", domain.ErrChunkOutOfRange, len(data), chunk.Filesize)
	}

	name := path.Base(filepath.ToSlash(chunk.Filename))
	if name == "." || name == "/" || name == ".." {
		name = chunk.UUID
	}
	f, err := s.downloads.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Join(s.downloads.Name(), name), nil
}

// ─── Bookkeeping ────────────────────────────────────────────────────────────

// Expire fails transfers that received nothing for maxIdle.
func (s *Service) Expire(maxIdle time.Duration) (int64, error) {
	now := s.now()
	n, err := s.db.ExpireTransfers(now.Add(-maxIdle), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("expired idle transfers", zap.Int64("count", n))
	}
	return n, nil
}

// List returns recent transfers.
func (s *Service) List(limit int) ([]domain.TransferRecord, error) {
	return s.db.ListTransfers(limit)
}

// Get returns one transfer.
func (s *Service) Get(id string) (*domain.TransferRecord, error) {
	return s.db.GetTransfer(id)
}

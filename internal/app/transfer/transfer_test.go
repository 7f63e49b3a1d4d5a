package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/sqlite"
)

var peer = domain.NewContact(domain.Address{Host: "10.0.0.7", Port: 5007}, domain.WithGUID(7))

type dirs struct {
	share, downloads string
}

func newTestService(t *testing.T, chunkSize int) (*Service, dirs) {
	t.Helper()
	base := t.TempDir()
	db, err := sqlite.Open(filepath.Join(base, "db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d := dirs{share: filepath.Join(base, "share"), downloads: filepath.Join(base, "downloads")}
	s, err := New(db, Config{ShareDir: d.share, DownloadDir: d.downloads, ChunkSize: chunkSize}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, d
}

func collect(t *testing.T, s *Service, name string) ([]*domain.FileChunk, error) {
	t.Helper()
	var chunks []*domain.FileChunk
	err := s.Serve(context.Background(), peer, "xfer-1", name, func(c *domain.FileChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

// ─── Serving ────────────────────────────────────────────────────────────────

func TestServe_SplitsIntoChunks(t *testing.T) {
	s, d := newTestService(t, 4)
	os.MkdirAll(filepath.Join(d.share, "docs"), 0755)
	os.WriteFile(filepath.Join(d.share, "docs", "notes.txt"), []byte("0123456789"), 0644)

	chunks, err := collect(t, s, "docs/notes.txt")
	if err != nil {
		t.Fatalf("Serve() error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	var data []byte
	for i, c := range chunks {
		if c.Ordinal != int64(i) || c.UUID != "xfer-1" || c.Filesize != 10 || c.Filename != "notes.txt" {
			t.Errorf("chunk %d = %+v", i, c)
		}
		data = append(data, c.Data...)
	}
	if string(data) != "0123456789" {
		t.Errorf("data = %q", data)
	}
}

func TestServe_ExactMultipleAndEmpty(t *testing.T) {
	s, d := newTestService(t, 5)
	os.WriteFile(filepath.Join(d.share, "ten"), []byte("abcdefghij"), 0644)
	os.WriteFile(filepath.Join(d.share, "empty"), nil, 0644)

	chunks, err := collect(t, s, "ten")
	if err != nil {
		t.Fatalf("Serve() error: %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(chunks))
	}

	chunks, err = collect(t, s, "empty")
	if err != nil {
		t.Fatalf("Serve() error: %v", err)
	}
	if len(chunks) != 1 || len(chunks[0].Data) != 0 || chunks[0].Filesize != 0 {
		t.Errorf("empty file chunks = %+v", chunks)
	}
}

func TestServe_RejectsEscapes(t *testing.T) {
	s, d := newTestService(t, 4)
	outside := filepath.Join(filepath.Dir(d.share), "secret")
	os.WriteFile(outside, []byte("x"), 0644)
	os.Mkdir(filepath.Join(d.share, "sub"), 0755)

	for _, name := range []string{"../secret", "/etc/passwd", "", ".", "sub/../../secret", "missing.txt", "sub"} {
		if _, err := collect(t, s, name); !errors.Is(err, domain.ErrInvalidPath) {
			t.Errorf("Serve(%q) error = %v, want ErrInvalidPath", name, err)
		}
	}
}

func TestServe_EmitErrorStops(t *testing.T) {
	s, d := newTestService(t, 1)
	os.WriteFile(filepath.Join(d.share, "f"), []byte("abc"), 0644)

	stop := errors.New("stop")
	calls := 0
	err := s.Serve(context.Background(), peer, "x", "f", func(*domain.FileChunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Serve() error = %v after %d calls", err, calls)
	}
}

// ─── Receiving ──────────────────────────────────────────────────────────────

func TestReceive_OutOfOrderAssembles(t *testing.T) {
	src, sd := newTestService(t, 3)
	content := []byte("the quick brown fox")
	os.WriteFile(filepath.Join(sd.share, "fox.txt"), content, 0644)
	chunks, err := collect(t, src, "fox.txt")
	if err != nil {
		t.Fatalf("Serve() error: %v", err)
	}

	dst, dd := newTestService(t, 3)
	slices.Reverse(chunks)
	for i, c := range chunks {
		done, err := dst.Receive(peer, c)
		if err != nil {
			t.Fatalf("Receive(%d) error: %v", c.Ordinal, err)
		}
		if done != (i == len(chunks)-1) {
			t.Errorf("Receive(%d) done = %v", c.Ordinal, done)
		}
	}

	got, err := os.ReadFile(filepath.Join(dd.downloads, "fox.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("assembled = %q, want %q", got, content)
	}

	rec, err := dst.Get("xfer-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.State != domain.TransferComplete || rec.Dest != filepath.Join(dd.downloads, "fox.txt") {
		t.Errorf("record = %+v", rec)
	}
}

func TestReceive_EmptyFile(t *testing.T) {
	s, d := newTestService(t, 4)
	done, err := s.Receive(peer, &domain.FileChunk{UUID: "e", Filename: "empty.bin"})
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if !done {
		t.Error("empty file should complete on its only chunk")
	}
	if _, err := os.Stat(filepath.Join(d.downloads, "empty.bin")); err != nil {
		t.Errorf("Stat() error: %v", err)
	}
}

func TestReceive_SanitisesFilename(t *testing.T) {
	s, d := newTestService(t, 4)
	done, err := s.Receive(peer, &domain.FileChunk{UUID: "u", Filename: "../../evil", Filesize: 2, Data: []byte("hi")})
	if err != nil || !done {
		t.Fatalf("Receive() = %v, %v", done, err)
	}
	if _, err := os.Stat(filepath.Join(d.downloads, "evil")); err != nil {
		t.Errorf("file should land in the download dir: %v", err)
	}
}

func TestReceive_OutOfRange(t *testing.T) {
	s, _ := newTestService(t, 4)
	bad := []*domain.FileChunk{
		{UUID: "a", Ordinal: -1, Filesize: 4, Data: []byte("x")},
		{UUID: "b", Filesize: 1, Data: []byte("too long")},
	}
	for _, c := range bad {
		if _, err := s.Receive(peer, c); !errors.Is(err, domain.ErrChunkOutOfRange) {
			t.Errorf("Receive(%s) error = %v, want ErrChunkOutOfRange", c.UUID, err)
		}
	}
}

func TestExpireAndList(t *testing.T) {
	s, _ := newTestService(t, 4)
	start := time.Now()
	s.now = func() time.Time { return start }
	if done, err := s.Receive(peer, &domain.FileChunk{UUID: "slow", Filename: "s", Filesize: 8, Data: []byte("abcd")}); err != nil || done {
		t.Fatalf("Receive() = %v, %v", done, err)
	}

	s.now = func() time.Time { return start.Add(time.Hour) }
	n, err := s.Expire(time.Minute)
	if err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Expire() = %d, want 1", n)
	}
	list, err := s.List(10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 || list[0].State != domain.TransferFailed {
		t.Errorf("List() = %+v", list)
	}
}

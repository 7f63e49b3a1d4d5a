// Package executor runs COMMAND envelopes against a fixed set of built-in
// commands. Nothing here reaches a shell.
package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/sqlite"
)

// Builtin is one named command. args excludes the command name.
type Builtin func(ctx context.Context, from domain.Contact, args []string) (string, error)

// Service implements domain.CommandExecutor.
type Service struct {
	db       *sqlite.DB
	log      *zap.Logger
	builtins map[string]Builtin
	now      func() time.Time
}

var _ domain.CommandExecutor = (*Service)(nil)

// Info feeds the introspective built-ins.
type Info struct {
	Version string
	Self    func() domain.Contact
	Peers   func() []domain.Contact
}

// NewService creates an executor with the default built-ins. db may be nil,
// in which case nothing is logged to storage.
func NewService(db *sqlite.DB, info Info, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		db:       db,
		log:      logger,
		builtins: make(map[string]Builtin),
		now:      time.Now,
	}
	s.Register("echo", func(_ context.Context, _ domain.Contact, args []string) (string, error) {
		return strings.Join(args, " "), nil
	})
	s.Register("time", func(context.Context, domain.Contact, []string) (string, error) {
		return s.now().UTC().Format(time.RFC3339), nil
	})
	s.Register("version", func(context.Context, domain.Contact, []string) (string, error) {
		if info.Version == "" {
			return "dev", nil
		}
		return info.Version, nil
	})
	s.Register("whoami", func(_ context.Context, from domain.Contact, _ []string) (string, error) {
		if info.Self == nil {
			return "", fmt.Errorf("%w: whoami unavailable", domain.ErrCommandFailed)
		}
		return fmt.Sprintf("you are %s, I am %s", from, info.Self()), nil
	})
	s.Register("peers", func(context.Context, domain.Contact, []string) (string, error) {
		if info.Peers == nil {
			return "", fmt.Errorf("%w: peer list unavailable", domain.ErrCommandFailed)
		}
		var b strings.Builder
		for _, c := range info.Peers() {
			fmt.Fprintln(&b, c)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
	return s
}

// Register adds or replaces a built-in.
func (s *Service) Register(name string, fn Builtin) {
	s.builtins[name] = fn
}

// Commands lists the registered built-in names in sorted order.
func (s *Service) Commands() []string {
	names := make([]string, 0, len(s.builtins))
	for name := range s.builtins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Execute implements domain.CommandExecutor.
func (s *Service) Execute(ctx context.Context, from domain.Contact, command string) (string, error) {
	start := s.now()
	out, err := s.run(ctx, from, command)

	rec := domain.CommandRecord{
		Timestamp:  start,
		Peer:       from.String(),
		Command:    command,
		Status:     domain.StatusOK.String(),
		Output:     out,
		DurationMs: s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		rec.Status = domain.StatusFail.String()
		rec.Output = err.Error()
	}
	if s.db != nil {
		if _, lerr := s.db.LogCommand(rec); lerr != nil {
			s.log.Warn("recording command failed", zap.Error(lerr))
		}
	}
	s.log.Info("command executed",
		zap.String("command", command),
		zap.Stringer("from", from),
		zap.String("status", rec.Status))
	return out, err
}

func (s *Service) run(ctx context.Context, from domain.Contact, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty command", domain.ErrUnknownCommand)
	}
	fn, ok := s.builtins[fields[0]]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownCommand, fields[0])
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrCommandFailed, err)
	}
	return fn(ctx, from, fields[1:])
}

// History returns the newest logged commands.
func (s *Service) History(limit int) ([]domain.CommandRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.RecentCommands(limit)
}

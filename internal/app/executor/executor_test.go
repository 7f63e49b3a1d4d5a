package executor

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/sqlite"
)

func newTestService(t *testing.T) (*Service, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	self := domain.NewContact(domain.Address{Host: "10.0.0.9", Port: 5009}, domain.WithGUID(9))
	peers := []domain.Contact{
		domain.NewContact(domain.Address{Host: "10.0.0.1", Port: 5001}, domain.WithGUID(1)),
		domain.NewContact(domain.Address{Host: "10.0.0.2", Port: 5002}, domain.WithGUID(2)),
	}
	s := NewService(db, Info{
		Version: "1.2.3",
		Self:    func() domain.Contact { return self },
		Peers:   func() []domain.Contact { return peers },
	}, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, db
}

var caller = domain.NewContact(domain.Address{Host: "10.0.0.5", Port: 5005}, domain.WithGUID(5))

func TestExecute_Builtins(t *testing.T) {
	s, _ := newTestService(t)

	tests := []struct {
		command string
		want    string
	}{
		{"echo hello  mesh", "hello mesh"},
		{"echo", ""},
		{"time", "2026-03-01T12:00:00Z"},
		{"version", "1.2.3"},
		{"peers", "1@10.0.0.1:5001\n2@10.0.0.2:5002"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := s.Execute(context.Background(), caller, tt.command)
			if err != nil {
				t.Fatalf("Execute(%q) error: %v", tt.command, err)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestExecute_Whoami(t *testing.T) {
	s, _ := newTestService(t)
	got, err := s.Execute(context.Background(), caller, "whoami")
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.Contains(got, caller.String()) {
		t.Errorf("whoami = %q, want caller %s", got, caller)
	}
}

func TestExecute_Unknown(t *testing.T) {
	s, _ := newTestService(t)
	for _, cmd := range []string{"rm -rf /", "", "   "} {
		if _, err := s.Execute(context.Background(), caller, cmd); !errors.Is(err, domain.ErrUnknownCommand) {
			t.Errorf("Execute(%q) error = %v, want ErrUnknownCommand", cmd, err)
		}
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	s, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Execute(ctx, caller, "echo hi"); !errors.Is(err, domain.ErrCommandFailed) {
		t.Errorf("Execute() error = %v, want ErrCommandFailed", err)
	}
}

func TestExecute_LogsHistory(t *testing.T) {
	s, _ := newTestService(t)
	s.Execute(context.Background(), caller, "echo one")
	s.Execute(context.Background(), caller, "bogus")

	hist, err := s.History(10)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("History() = %d entries, want 2", len(hist))
	}
	if hist[0].Command != "bogus" || hist[0].Status != "FAIL" {
		t.Errorf("newest = %+v", hist[0])
	}
	if hist[1].Output != "one" || hist[1].Status != "OK" || hist[1].Peer != caller.String() {
		t.Errorf("oldest = %+v", hist[1])
	}
}

func TestRegisterAndCommands(t *testing.T) {
	s := NewService(nil, Info{}, nil)
	s.Register("double", func(_ context.Context, _ domain.Contact, args []string) (string, error) {
		return strings.Repeat(strings.Join(args, ""), 2), nil
	})

	want := []string{"double", "echo", "peers", "time", "version", "whoami"}
	if got := s.Commands(); !slices.Equal(got, want) {
		t.Errorf("Commands() = %v, want %v", got, want)
	}
	if got, _ := s.Execute(context.Background(), caller, "double ab"); got != "abab" {
		t.Errorf("double = %q, want abab", got)
	}
	if got, _ := s.Execute(context.Background(), caller, "version"); got != "dev" {
		t.Errorf("version = %q, want dev", got)
	}
	if _, err := s.Execute(context.Background(), caller, "peers"); !errors.Is(err, domain.ErrCommandFailed) {
		t.Errorf("peers without source error = %v, want ErrCommandFailed", err)
	}
	if hist, err := s.History(5); err != nil || hist != nil {
		t.Errorf("History() without db = %v, %v", hist, err)
	}
}

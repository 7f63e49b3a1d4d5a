package propagate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshwork/meshnode/internal/app/dispatch"
	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/codec"
	"github.com/meshwork/meshnode/internal/infra/transport"
)

func contact(g domain.GUID) domain.Contact {
	return domain.NewContact(domain.Address{Host: "10.0.0.1", Port: 6000 + int(g)}, domain.WithGUID(g))
}

type fakeOverlay struct {
	self  domain.Contact
	peers []domain.Contact
	fail  domain.GUID

	mu   sync.Mutex
	sent []*domain.Envelope
}

func (f *fakeOverlay) Self() domain.Contact    { return f.self }
func (f *fakeOverlay) Peers() []domain.Contact { return f.peers }

func (f *fakeOverlay) Relay(env *domain.Envelope) error {
	if env.Receiver.GUID == f.fail {
		return errors.New("unreachable")
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func TestForward_SkipsSenderAndSelf(t *testing.T) {
	o := &fakeOverlay{
		self:  contact(1),
		peers: []domain.Contact{contact(1), contact(2), contact(3), contact(4)},
	}
	p := New(DefaultConfig(), nil)
	p.Attach(o)

	env := domain.NewEnvelope(domain.MessageCommand, contact(2), contact(1), &domain.Command{Command: "echo"})
	env.Propagation = true
	env.Signature = []byte("sig")
	p.Forward(env)

	if len(o.sent) != 2 {
		t.Fatalf("relayed = %d, want 2", len(o.sent))
	}
	for _, out := range o.sent {
		if out.Receiver.GUID != 3 && out.Receiver.GUID != 4 {
			t.Errorf("relayed to %d", out.Receiver.GUID)
		}
		if out.UUID != env.UUID || out.Sender != env.Sender || !out.Propagation {
			t.Errorf("relayed envelope = %+v", out)
		}
		if out.Signature != nil {
			t.Error("relayed envelope should be re-signed, not carry the old signature")
		}
	}
	if env.Receiver.GUID != 1 {
		t.Error("Forward modified the inbound envelope")
	}
}

func TestForward_Deduplicates(t *testing.T) {
	o := &fakeOverlay{self: contact(1), peers: []domain.Contact{contact(3)}}
	p := New(DefaultConfig(), nil)
	p.Attach(o)

	env := domain.NewEnvelope(domain.MessagePing, contact(2), contact(1), nil)
	if !p.Forward(env) {
		t.Error("first Forward() = false")
	}
	if p.Forward(env) {
		t.Error("second Forward() = true")
	}
	if len(o.sent) != 1 {
		t.Errorf("relayed = %d, want 1", len(o.sent))
	}
	if !p.Seen(env.UUID) {
		t.Error("Seen() = false after Forward")
	}
}

func TestForward_FanoutAndFailures(t *testing.T) {
	o := &fakeOverlay{
		self:  contact(1),
		peers: []domain.Contact{contact(3), contact(4), contact(5), contact(6)},
		fail:  3,
	}
	p := New(Config{Fanout: 2}, nil)
	p.Attach(o)

	p.Forward(domain.NewEnvelope(domain.MessagePing, contact(2), contact(1), nil))
	if len(o.sent) != 2 {
		t.Fatalf("relayed = %d, want 2", len(o.sent))
	}
	if o.sent[0].Receiver.GUID != 4 || o.sent[1].Receiver.GUID != 5 {
		t.Errorf("relayed to %d and %d, want 4 and 5", o.sent[0].Receiver.GUID, o.sent[1].Receiver.GUID)
	}
}

func TestForward_Unattached(t *testing.T) {
	p := New(DefaultConfig(), nil)
	env := domain.NewEnvelope(domain.MessagePing, contact(2), contact(1), nil)
	if !p.Forward(env) {
		t.Error("unattached Forward() should let the envelope be handled")
	}
	if p.Seen(env.UUID) {
		t.Error("unattached propagator should not record envelopes")
	}
}

func TestClean_ExpiresOldEntries(t *testing.T) {
	o := &fakeOverlay{self: contact(1)}
	p := New(Config{CacheExpiry: time.Minute}, nil)
	p.Attach(o)

	start := time.Now()
	p.now = func() time.Time { return start }
	p.Forward(domain.NewEnvelope(domain.MessagePing, contact(2), contact(1), nil))

	p.now = func() time.Time { return start.Add(30 * time.Second) }
	if n := p.clean(); n != 0 {
		t.Errorf("clean() = %d, want 0", n)
	}
	p.now = func() time.Time { return start.Add(2 * time.Minute) }
	if n := p.clean(); n != 1 {
		t.Errorf("clean() = %d, want 1", n)
	}
	if s := p.Stats(); s.CacheSize != 0 {
		t.Errorf("CacheSize = %d, want 0", s.CacheSize)
	}
}

func TestStartStop(t *testing.T) {
	p := New(Config{CleanInterval: time.Millisecond}, nil)
	p.Start()
	p.Start()
	if !p.Stats().Running {
		t.Error("Running = false after Start")
	}
	p.Stop()
	p.Stop()
	if p.Stats().Running {
		t.Error("Running = true after Stop")
	}
}

type countingExecutor struct {
	mu sync.Mutex
	n  int
}

func (c *countingExecutor) Execute(context.Context, domain.Contact, string) (string, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return "ok", nil
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// A propagated command sent to B reaches C through B exactly once.
func TestPropagationAcrossHub(t *testing.T) {
	hub := transport.NewHub()
	cfg := dispatch.DefaultConfig()
	cfg.SweepInterval = time.Hour

	type node struct {
		d    *dispatch.Dispatcher
		exec *countingExecutor
	}
	start := func(g domain.GUID) node {
		c := contact(g)
		exec := &countingExecutor{}
		p := New(DefaultConfig(), nil)
		d := dispatch.New(c, hub.Join(c.Address, codec.New(), nil), cfg, nil,
			dispatch.WithExecutor(exec), dispatch.WithForwarder(p))
		p.Attach(d)
		if err := d.Start(); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		t.Cleanup(func() { d.Close() })
		return node{d, exec}
	}
	a, b, c := start(1), start(2), start(3)
	a.d.Table().Insert(b.d.Self())
	b.d.Table().Insert(a.d.Self())
	b.d.Table().Insert(c.d.Self())
	c.d.Table().Insert(b.d.Self())

	_, err := a.d.Command(context.Background(), dispatch.CommandRequest{
		To: b.d.Self(), Command: "echo gossip", Propagate: true,
	})
	if err != nil {
		t.Fatalf("Command() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (b.exec.count() < 1 || c.exec.count() < 1) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if b.exec.count() != 1 || c.exec.count() != 1 {
		t.Errorf("executions b=%d c=%d, want 1 each", b.exec.count(), c.exec.count())
	}
	if a.exec.count() != 0 {
		t.Errorf("origin executed its own command %d times", a.exec.count())
	}
}

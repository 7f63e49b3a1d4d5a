package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/codec"
)

func recvWithin(t *testing.T, sub *domain.Subscription, d time.Duration) *domain.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return env
	case <-time.After(d):
		t.Fatal("timed out waiting for envelope")
	}
	return nil
}

// ─── Broker ─────────────────────────────────────────────────────────────────

func TestBroker_RoutesByType(t *testing.T) {
	b := NewBroker(4, zap.NewNop())
	pings := b.Subscribe(domain.MessagePing)
	leaves := b.Subscribe(domain.MessageLeave)

	b.Publish(&domain.Envelope{Type: domain.MessagePing, UUID: "p"})
	b.Publish(&domain.Envelope{Type: domain.MessageLeave, UUID: "l"})

	if env := recvWithin(t, pings, time.Second); env.UUID != "p" {
		t.Errorf("ping subscriber got %q", env.UUID)
	}
	if env := recvWithin(t, leaves, time.Second); env.UUID != "l" {
		t.Errorf("leave subscriber got %q", env.UUID)
	}
	select {
	case env := <-pings.C:
		t.Errorf("unexpected envelope %v", env)
	default:
	}
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker(1, zap.NewNop())
	sub := b.Subscribe(domain.MessagePing)

	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Publish(&domain.Envelope{Type: domain.MessagePing})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(sub.C) != 1 {
		t.Errorf("queued = %d, want 1", len(sub.C))
	}
}

func TestBroker_CancelAndClose(t *testing.T) {
	b := NewBroker(1, zap.NewNop())
	sub := b.Subscribe(domain.MessagePing)
	sub.Cancel()
	sub.Cancel()
	if _, ok := <-sub.C; ok {
		t.Error("cancelled subscription should be closed")
	}

	other := b.Subscribe(domain.MessageLeave)
	b.Close()
	b.Close()
	if _, ok := <-other.C; ok {
		t.Error("Close should close every subscription")
	}
	late := b.Subscribe(domain.MessagePing)
	if _, ok := <-late.C; ok {
		t.Error("subscription after Close should be closed")
	}
	other.Cancel()
}

// ─── Memory hub ─────────────────────────────────────────────────────────────

func TestMemory_DeliversThroughCodec(t *testing.T) {
	hub := NewHub()
	aAddr := domain.Address{Host: "a", Port: 1}
	bAddr := domain.Address{Host: "b", Port: 2}
	a := hub.Join(aAddr, codec.New(), nil)
	b := hub.Join(bAddr, codec.New(), nil)
	defer a.Close()
	defer b.Close()

	sub := b.Subscribe(domain.MessageFindNode)
	me := domain.NewContact(aAddr, domain.WithGUID(1))
	to := domain.Contact{Address: bAddr}
	sent := domain.NewEnvelope(domain.MessageFindNode, me, to, &domain.FindNode{GUID: 5})
	if err := a.Send(sent); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got := recvWithin(t, sub, time.Second)
	if got == sent {
		t.Error("hub should deliver a decoded copy, not the same pointer")
	}
	if got.UUID != sent.UUID || got.Sender != me {
		t.Errorf("delivered = %+v", got)
	}
}

func TestMemory_Unreachable(t *testing.T) {
	hub := NewHub()
	aAddr := domain.Address{Host: "a", Port: 1}
	bAddr := domain.Address{Host: "b", Port: 2}
	a := hub.Join(aAddr, codec.New(), nil)
	b := hub.Join(bAddr, codec.New(), nil)
	sub := b.Subscribe(domain.MessagePing)

	hub.SetReachable(bAddr, false)
	if hub.Probe(t.Context(), bAddr) {
		t.Error("Probe should fail for an unreachable node")
	}
	env := domain.NewEnvelope(domain.MessagePing, domain.NewContact(aAddr), domain.Contact{Address: bAddr}, nil)
	if err := a.Send(env); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	select {
	case got := <-sub.C:
		t.Errorf("unreachable node received %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	hub.SetReachable(bAddr, true)
	if !hub.Probe(t.Context(), bAddr) {
		t.Error("Probe should succeed once reachable")
	}
	if hub.Probe(t.Context(), domain.Address{Host: "nowhere", Port: 9}) {
		t.Error("Probe should fail for an unknown address")
	}
}

func TestMemory_SendAfterClose(t *testing.T) {
	hub := NewHub()
	a := hub.Join(domain.Address{Host: "a", Port: 1}, codec.New(), nil)
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	err := a.Send(&domain.Envelope{Type: domain.MessagePing})
	if !errors.Is(err, domain.ErrTransportClosed) {
		t.Errorf("Send after Close error = %v, want ErrTransportClosed", err)
	}
}

// ─── ZeroMQ ─────────────────────────────────────────────────────────────────

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestZMQ_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP sockets")
	}
	aAddr := domain.Address{Host: "127.0.0.1", Port: freePort(t)}
	bAddr := domain.Address{Host: "127.0.0.1", Port: freePort(t)}

	a, err := NewZMQ(aAddr, codec.New(), nil, WithIdentity("a"))
	if err != nil {
		t.Fatalf("NewZMQ(a) error: %v", err)
	}
	defer a.Close()
	b, err := NewZMQ(bAddr, codec.New(), nil, WithIdentity("b"))
	if err != nil {
		t.Fatalf("NewZMQ(b) error: %v", err)
	}
	defer b.Close()

	sub := b.Subscribe(domain.MessagePing)
	env := domain.NewEnvelope(domain.MessagePing,
		domain.NewContact(aAddr, domain.WithGUID(1)), domain.Contact{Address: bAddr}, nil)
	if err := a.Send(env); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got := recvWithin(t, sub, 5*time.Second)
	if got.UUID != env.UUID {
		t.Errorf("UUID = %q, want %q", got.UUID, env.UUID)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := a.Send(env); !errors.Is(err, domain.ErrTransportClosed) {
		t.Errorf("Send after Close error = %v, want ErrTransportClosed", err)
	}
}

// ─── Breakers ───────────────────────────────────────────────────────────────

func TestBreakers_Lifecycle(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }
	peer := domain.Address{Host: "10.0.0.9", Port: 7400}
	other := domain.Address{Host: "10.0.0.10", Port: 7400}

	if b.Failure(peer) {
		t.Fatal("one failure should not open the circuit")
	}
	if err := b.Allow(peer); err != nil {
		t.Fatalf("Allow() after one failure error: %v", err)
	}
	if !b.Failure(peer) {
		t.Fatal("second failure should open the circuit")
	}
	if err := b.Allow(peer); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() on open circuit = %v, want ErrCircuitOpen", err)
	}
	if err := b.Allow(other); err != nil {
		t.Errorf("other peers are unaffected, got %v", err)
	}
	if open := b.Open(); len(open) != 1 || open[0] != peer {
		t.Errorf("Open() = %v", open)
	}

	now = now.Add(10 * time.Second)
	if got := b.State(peer); got != BreakerHalfOpen {
		t.Fatalf("State() after reset timeout = %s, want HALF_OPEN", got)
	}
	if !b.Failure(peer) {
		t.Error("a failed probe should reopen the circuit")
	}

	now = now.Add(10 * time.Second)
	if err := b.Allow(peer); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	b.Success(peer)
	if got := b.State(peer); got != BreakerClosed {
		t.Errorf("State() after successful probe = %s, want CLOSED", got)
	}
}

func TestBreakers_SuccessResetsFailures(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 2})
	peer := domain.Address{Host: "10.0.0.9", Port: 7400}

	b.Failure(peer)
	b.Success(peer)
	if b.Failure(peer) {
		t.Error("failures should not accumulate across a success")
	}
}

func TestZMQ_CircuitOpensOnDeadPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP sockets")
	}
	aAddr := domain.Address{Host: "127.0.0.1", Port: freePort(t)}
	a, err := NewZMQ(aAddr, codec.New(), nil,
		WithDialRetry(0),
		WithBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}))
	if err != nil {
		t.Fatalf("NewZMQ() error: %v", err)
	}
	defer a.Close()

	dead := domain.Address{Host: "127.0.0.1", Port: freePort(t)}
	env := domain.NewEnvelope(domain.MessagePing,
		domain.NewContact(aAddr, domain.WithGUID(1)), domain.Contact{Address: dead}, nil)
	if err := a.Send(env); err != nil {
		t.Fatalf("first Send() error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.Breakers().State(dead) != BreakerOpen {
		if time.Now().After(deadline) {
			t.Fatal("circuit did not open for an unreachable peer")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := a.Send(env); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Send() to open circuit = %v, want ErrCircuitOpen", err)
	}
}

func (z *ZMQ) peerLoops() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.peers)
}

func TestZMQ_SendAfterPeerRetired(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP sockets")
	}
	aAddr := domain.Address{Host: "127.0.0.1", Port: freePort(t)}
	bAddr := domain.Address{Host: "127.0.0.1", Port: freePort(t)}

	a, err := NewZMQ(aAddr, codec.New(), nil, WithIdentity("a"), WithIdleTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewZMQ(a) error: %v", err)
	}
	defer a.Close()
	b, err := NewZMQ(bAddr, codec.New(), nil, WithIdentity("b"))
	if err != nil {
		t.Fatalf("NewZMQ(b) error: %v", err)
	}
	defer b.Close()

	sub := b.Subscribe(domain.MessagePing)
	from := domain.NewContact(aAddr, domain.WithGUID(1))
	send := func() {
		t.Helper()
		env := domain.NewEnvelope(domain.MessagePing, from, domain.Contact{Address: bAddr}, nil)
		if err := a.Send(env); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if got := recvWithin(t, sub, 5*time.Second); got.UUID != env.UUID {
			t.Errorf("UUID = %q, want %q", got.UUID, env.UUID)
		}
	}

	send()
	deadline := time.Now().Add(5 * time.Second)
	for a.peerLoops() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle send loop was not retired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	send()

	// A peer retired while still in the map is replaced, not reused.
	a.mu.Lock()
	stale := a.peers[bAddr]
	a.mu.Unlock()
	if stale == nil {
		t.Fatal("no send loop after Send")
	}
	a.retire(stale)
	if err := a.Send(domain.NewEnvelope(domain.MessagePing, from, domain.Contact{Address: bAddr}, nil)); err != nil {
		t.Fatalf("Send() after retire error: %v", err)
	}
	a.mu.Lock()
	fresh := a.peers[bAddr]
	a.mu.Unlock()
	if fresh == nil || fresh == stale || fresh.dead {
		t.Error("Send reused a retired peer")
	}
}

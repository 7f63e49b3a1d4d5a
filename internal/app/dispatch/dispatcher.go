// Package dispatch is the overlay's control plane. A Dispatcher owns the
// routing table, turns inbound envelopes into table updates and replies,
// correlates responses with outstanding requests by envelope uuid, and routes
// COMMAND and FILE_* traffic to the configured collaborators.
//
// All inbound envelopes are handled on a single loop goroutine. The routing
// table carries its own lock so the HTTP API may read it concurrently.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
	"github.com/meshwork/meshnode/internal/infra/routing"
)

// Config bounds the dispatcher's protocol timers.
type Config struct {
	BucketSize       int
	Alpha            int
	ChallengeTimeout time.Duration
	LookupTimeout    time.Duration
	LookupMaxRounds  int
	SweepInterval    time.Duration
	NATTimeout       time.Duration
	CommandTimeout   time.Duration
	TransferTimeout  time.Duration
	InboundBuffer    int
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		BucketSize:       routing.DefaultBucketSize,
		Alpha:            3,
		ChallengeTimeout: 3 * time.Second,
		LookupTimeout:    2 * time.Second,
		LookupMaxRounds:  8,
		SweepInterval:    500 * time.Millisecond,
		NATTimeout:       3 * time.Second,
		CommandTimeout:   10 * time.Second,
		TransferTimeout:  2 * time.Minute,
		InboundBuffer:    1024,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BucketSize <= 0 {
		c.BucketSize = def.BucketSize
	}
	if c.Alpha <= 0 {
		c.Alpha = def.Alpha
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = def.ChallengeTimeout
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = def.LookupTimeout
	}
	if c.LookupMaxRounds <= 0 {
		c.LookupMaxRounds = def.LookupMaxRounds
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.NATTimeout <= 0 {
		c.NATTimeout = def.NATTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = def.TransferTimeout
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = def.InboundBuffer
	}
	return c
}

// ─── Options ────────────────────────────────────────────────────────────────

// Option wires an optional collaborator.
type Option func(*Dispatcher)

// WithExecutor handles inbound COMMAND envelopes.
func WithExecutor(e domain.CommandExecutor) Option {
	return func(d *Dispatcher) { d.executor = e }
}

// WithFileTransfer handles FILE_REQUEST and FILE_CHUNK envelopes.
func WithFileTransfer(f domain.FileTransfer) Option {
	return func(d *Dispatcher) { d.transfer = f }
}

// WithForwarder relays envelopes flagged for propagation.
func WithForwarder(f domain.Forwarder) Option {
	return func(d *Dispatcher) { d.forwarder = f }
}

// WithProber answers NAT_REQUEST envelopes.
func WithProber(p domain.ReachabilityProber) Option {
	return func(d *Dispatcher) { d.prober = p }
}

// WithSigner signs every outbound envelope.
func WithSigner(s domain.Signer) Option {
	return func(d *Dispatcher) { d.signer = s }
}

// WithClock replaces time.Now for challenge and transfer expiry.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// ─── Dispatcher ─────────────────────────────────────────────────────────────

// Dispatcher is the control-plane state machine of one node.
type Dispatcher struct {
	cfg       Config
	table     *routing.Table
	transport domain.Transport
	log       *zap.Logger

	executor  domain.CommandExecutor
	transfer  domain.FileTransfer
	forwarder domain.Forwarder
	prober    domain.ReachabilityProber
	signer    domain.Signer
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *domain.Envelope
	subs   []*domain.Subscription
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	closed     bool
	natChecked bool
	waiters    map[string]*waiter
	challenges map[domain.GUID]*challenge
	transfers  map[string]*pendingTransfer
}

// waiter is a uuid-correlated response slot. ch has capacity 1 and is closed
// when the dispatcher shuts down.
type waiter struct {
	want domain.MessageType
	ch   chan *domain.Envelope
}

type pendingTransfer struct {
	peer    domain.Contact
	path    string
	expires time.Time
}

// New creates a dispatcher for self. Call Start to begin handling envelopes.
func New(self domain.Contact, transport domain.Transport, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		table:      routing.New(self, cfg.BucketSize),
		transport:  transport,
		log:        logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan *domain.Envelope, cfg.InboundBuffer),
		waiters:    make(map[string]*waiter),
		challenges: make(map[domain.GUID]*challenge),
		transfers:  make(map[string]*pendingTransfer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Self returns the local contact, including the latest NAT verdict.
func (d *Dispatcher) Self() domain.Contact { return d.table.Self() }

// Table exposes the routing table for read access.
func (d *Dispatcher) Table() *routing.Table { return d.table }

// Peers returns every contact in the routing table.
func (d *Dispatcher) Peers() []domain.Contact { return d.table.Nodes() }

// PeerCount returns the routing table size.
func (d *Dispatcher) PeerCount() int { return d.table.Len() }

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// NATChecked reports whether a helper has answered a NAT request.
func (d *Dispatcher) NATChecked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.natChecked
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Start subscribes to every message type and starts the handling loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrClosed
	}
	if d.started {
		return nil
	}
	d.started = true

	for _, t := range domain.MessageTypes() {
		sub := d.transport.Subscribe(t)
		d.subs = append(d.subs, sub)
		d.wg.Add(1)
		go d.fanIn(sub)
	}

	d.wg.Add(1)
	go d.loop()

	self := d.table.Self()
	d.log.Info("dispatcher started",
		zap.Stringer("guid", self.GUID),
		zap.Stringer("addr", self.Address),
		zap.Int("k", d.cfg.BucketSize))
	return nil
}

// fanIn forwards one subscription into the shared inbox.
func (d *Dispatcher) fanIn(sub *domain.Subscription) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			select {
			case d.inbox <- env:
			case <-d.ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case env := <-d.inbox:
			d.handle(env)
		case <-ticker.C:
			d.Sweep(d.now())
		}
	}
}

// Close fails every waiter, stops the loop and closes the transport.
// Idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, w := range d.waiters {
		close(w.ch)
		delete(d.waiters, id)
	}
	clear(d.challenges)
	clear(d.transfers)
	d.mu.Unlock()
	metrics.ChallengesPending.Set(0)

	d.cancel()
	for _, sub := range d.subs {
		sub.Cancel()
	}
	err := d.transport.Close()
	d.wg.Wait()

	d.log.Info("dispatcher closed")
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// ─── Correlation ────────────────────────────────────────────────────────────

// await registers a response slot for uuid.
func (d *Dispatcher) await(uuid string, want domain.MessageType) (chan *domain.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, domain.ErrClosed
	}
	ch := make(chan *domain.Envelope, 1)
	d.waiters[uuid] = &waiter{want: want, ch: ch}
	return ch, nil
}

// resolve hands env to the waiter registered for its uuid and type.
func (d *Dispatcher) resolve(env *domain.Envelope) bool {
	d.mu.Lock()
	w, ok := d.waiters[env.UUID]
	if ok && w.want == env.Type {
		delete(d.waiters, env.UUID)
	} else {
		ok = false
	}
	d.mu.Unlock()

	if ok {
		w.ch <- env
	}
	return ok
}

// outstanding reports whether a waiter of type want exists for uuid.
func (d *Dispatcher) outstanding(uuid string, want domain.MessageType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.waiters[uuid]
	return ok && w.want == want
}

func (d *Dispatcher) forget(uuid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, uuid)
}

// wait blocks for the response to uuid.
func (d *Dispatcher) wait(ctx context.Context, uuid string, ch chan *domain.Envelope) (*domain.Envelope, error) {
	select {
	case env, ok := <-ch:
		if !ok {
			return nil, domain.ErrClosed
		}
		return env, nil
	case <-ctx.Done():
		d.forget(uuid)
		return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	}
}

// ─── Sending ────────────────────────────────────────────────────────────────

// envelope builds an outbound envelope from the current self contact.
func (d *Dispatcher) envelope(t domain.MessageType, to domain.Contact, payload domain.Payload) *domain.Envelope {
	return domain.NewEnvelope(t, d.Self(), to, payload)
}

// send signs and transmits env. After Close it returns ErrClosed.
func (d *Dispatcher) send(env *domain.Envelope) error {
	if d.Closed() {
		d.log.Error("send after close",
			zap.Stringer("type", env.Type),
			zap.Stringer("to", env.Receiver.Address))
		return domain.ErrClosed
	}
	if d.signer != nil {
		if err := d.signer.Sign(env); err != nil {
			return fmt.Errorf("sign %s: %w", env.Type, err)
		}
	}
	if err := d.transport.Send(env); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type, env.Receiver.Address, err)
	}
	metrics.EnvelopesSent.WithLabelValues(env.Type.String()).Inc()
	return nil
}

// reply answers req with the same uuid. Failures are logged, never returned.
func (d *Dispatcher) reply(req *domain.Envelope, t domain.MessageType, payload domain.Payload) {
	if err := d.send(domain.Reply(req, d.Self(), t, payload)); err != nil {
		d.log.Warn("reply failed",
			zap.Stringer("type", t),
			zap.String("uuid", req.UUID),
			zap.Error(err))
	}
}

// replyAsync is reply for background work that may outlive Close.
func (d *Dispatcher) replyAsync(req *domain.Envelope, t domain.MessageType, payload domain.Payload) {
	if d.Closed() {
		return
	}
	d.reply(req, t, payload)
}

// goAsync runs fn on a tracked goroutine unless the dispatcher is closed.
func (d *Dispatcher) goAsync(fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
}

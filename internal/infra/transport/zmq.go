package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
)

// Defaults for the ZeroMQ transport.
const (
	DefaultOutboxSize  = 128
	DefaultDialRetry   = 250 * time.Millisecond
	DefaultIdleTimeout = 5 * time.Minute
)

// ZMQOption configures a ZMQ transport.
type ZMQOption func(*ZMQ)

// WithIdentity sets the socket identity announced to peers.
func WithIdentity(id string) ZMQOption {
	return func(z *ZMQ) { z.identity = id }
}

// WithOutboxSize sets the per-peer send queue length.
func WithOutboxSize(n int) ZMQOption {
	return func(z *ZMQ) {
		if n > 0 {
			z.outboxSize = n
		}
	}
}

// WithDialRetry sets the DEALER reconnect interval.
func WithDialRetry(d time.Duration) ZMQOption {
	return func(z *ZMQ) { z.dialRetry = d }
}

// WithBreaker configures the per-peer circuit breakers.
func WithBreaker(cfg BreakerConfig) ZMQOption {
	return func(z *ZMQ) { z.breakers = NewBreakers(cfg) }
}

// WithIdleTimeout closes DEALER sockets that have not sent for d.
func WithIdleTimeout(d time.Duration) ZMQOption {
	return func(z *ZMQ) { z.idleTimeout = d }
}

// ZMQ is a ROUTER/DEALER transport. One ROUTER socket receives from every
// peer; one DEALER socket per destination address sends. Each DEALER is fed
// by its own bounded outbox so a slow or dead peer never blocks the caller.
type ZMQ struct {
	listen domain.Address
	codec  domain.Codec
	broker *Broker
	log    *zap.Logger

	identity    string
	outboxSize  int
	dialRetry   time.Duration
	idleTimeout time.Duration
	breakers    *Breakers

	ctx    context.Context
	cancel context.CancelFunc
	router zmq4.Socket

	mu     sync.Mutex
	peers  map[domain.Address]*zmqPeer
	closed bool
	wg     sync.WaitGroup
}

type zmqPeer struct {
	addr   domain.Address
	outbox chan []byte
	dead   bool // set under ZMQ.mu once the send loop has let go of outbox
}

var _ domain.Transport = (*ZMQ)(nil)

// NewZMQ binds a ROUTER socket on listen and starts receiving.
func NewZMQ(listen domain.Address, codec domain.Codec, logger *zap.Logger, opts ...ZMQOption) (*ZMQ, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	z := &ZMQ{
		listen:      listen,
		codec:       codec,
		broker:      NewBroker(0, logger),
		log:         logger,
		outboxSize:  DefaultOutboxSize,
		dialRetry:   DefaultDialRetry,
		idleTimeout: DefaultIdleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[domain.Address]*zmqPeer),
		breakers:    NewBreakers(DefaultBreakerConfig()),
	}
	for _, opt := range opts {
		opt(z)
	}

	routerOpts := []zmq4.Option{}
	if z.identity != "" {
		routerOpts = append(routerOpts, zmq4.WithID(zmq4.SocketIdentity(z.identity)))
	}
	z.router = zmq4.NewRouter(ctx, routerOpts...)
	if err := z.router.Listen(endpoint(listen)); err != nil {
		cancel()
		return nil, fmt.Errorf("bind router on %s: %w", listen, err)
	}

	z.wg.Add(1)
	go z.receiveLoop()

	z.log.Info("transport listening", zap.String("endpoint", endpoint(listen)))
	return z, nil
}

func endpoint(a domain.Address) string {
	return "tcp://" + a.String()
}

// Breakers exposes the per-peer circuit state.
func (z *ZMQ) Breakers() *Breakers { return z.breakers }

// Subscribe implements domain.Transport.
func (z *ZMQ) Subscribe(t domain.MessageType) *domain.Subscription {
	return z.broker.Subscribe(t)
}

// Send encodes env and queues it for the receiver's address. Peers whose
// dials keep failing are refused with ErrCircuitOpen until their reset
// timeout passes.
func (z *ZMQ) Send(env *domain.Envelope) error {
	if err := z.breakers.Allow(env.Receiver.Address); err != nil {
		metrics.EnvelopesDropped.WithLabelValues("circuit_open").Inc()
		return err
	}
	data, err := z.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return domain.ErrTransportClosed
	}
	p, ok := z.peers[env.Receiver.Address]
	if !ok || p.dead {
		p = &zmqPeer{
			addr:   env.Receiver.Address,
			outbox: make(chan []byte, z.outboxSize),
		}
		z.peers[p.addr] = p
		z.wg.Add(1)
		go z.sendLoop(p)
	}
	// Enqueue under mu so a concurrent retire cannot strand the message.
	select {
	case p.outbox <- data:
		z.mu.Unlock()
		return nil
	default:
		z.mu.Unlock()
		metrics.EnvelopesDropped.WithLabelValues("outbox_full").Inc()
		return fmt.Errorf("%w: %s", domain.ErrOutboxFull, p.addr)
	}
}

// sendLoop owns one DEALER socket. A failed dial discards the queue and
// retires the peer so the next Send starts over.
func (z *ZMQ) sendLoop(p *zmqPeer) {
	defer z.wg.Done()

	dealerOpts := []zmq4.Option{zmq4.WithDialerRetry(z.dialRetry)}
	if z.identity != "" {
		dealerOpts = append(dealerOpts, zmq4.WithID(zmq4.SocketIdentity(z.identity)))
	}
	dealer := zmq4.NewDealer(z.ctx, dealerOpts...)
	defer func() {
		if err := dealer.Close(); err != nil {
			z.log.Debug("close dealer", zap.Stringer("peer", p.addr), zap.Error(err))
		}
	}()

	if err := dealer.Dial(endpoint(p.addr)); err != nil {
		z.log.Warn("dial peer failed", zap.Stringer("peer", p.addr), zap.Error(err))
		if z.breakers.Failure(p.addr) {
			z.log.Info("peer circuit opened", zap.Stringer("peer", p.addr))
		}
		z.retire(p)
		return
	}

	idle := time.NewTimer(z.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-z.ctx.Done():
			return
		case <-idle.C:
			if !z.retireIdle(p) {
				idle.Reset(z.idleTimeout)
				continue
			}
			return
		case data := <-p.outbox:
			if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
				metrics.EnvelopesDropped.WithLabelValues("send_failed").Inc()
				z.log.Warn("send failed", zap.Stringer("peer", p.addr), zap.Error(err))
				z.breakers.Failure(p.addr)
				z.retire(p)
				return
			}
			z.breakers.Success(p.addr)
			idle.Reset(z.idleTimeout)
		}
	}
}

// retire forgets p and drops whatever is still queued for it.
func (z *ZMQ) retire(p *zmqPeer) {
	z.mu.Lock()
	p.dead = true
	if z.peers[p.addr] == p {
		delete(z.peers, p.addr)
	}
	z.mu.Unlock()
	for {
		select {
		case <-p.outbox:
			metrics.EnvelopesDropped.WithLabelValues("peer_retired").Inc()
		default:
			return
		}
	}
}

// retireIdle retires p only if nothing was queued since the idle timer
// fired. It reports whether p was retired.
func (z *ZMQ) retireIdle(p *zmqPeer) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if len(p.outbox) > 0 {
		return false
	}
	p.dead = true
	if z.peers[p.addr] == p {
		delete(z.peers, p.addr)
	}
	return true
}

// receiveLoop reads from the ROUTER socket. The first frame is the sender's
// identity; the payload is the last frame.
func (z *ZMQ) receiveLoop() {
	defer z.wg.Done()

	for {
		msg, err := z.router.Recv()
		if err != nil {
			if z.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			z.log.Debug("router recv", zap.Error(err))
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}
		env, err := z.codec.Unmarshal(msg.Frames[len(msg.Frames)-1])
		if err != nil {
			metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
			z.log.Warn("dropping undecodable envelope", zap.Error(err))
			continue
		}
		z.broker.Publish(env)
	}
}

// Close stops every socket and closes all subscriptions. Idempotent.
func (z *ZMQ) Close() error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil
	}
	z.closed = true
	z.mu.Unlock()

	z.cancel()
	err := z.router.Close()
	z.wg.Wait()
	z.broker.Close()
	if err != nil {
		return fmt.Errorf("close router: %w", err)
	}
	return nil
}

// Package transport provides the envelope transports used by the dispatcher:
// a ZeroMQ ROUTER/DEALER transport for real deployments and an in-process hub
// for tests and single-host simulations. Both fan inbound envelopes out
// through a Broker keyed by message type.
package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
)

// DefaultSubscriptionBuffer is the per-subscription queue length.
const DefaultSubscriptionBuffer = 256

// Broker delivers inbound envelopes to per-type subscribers. Publish never
// blocks: a subscriber whose queue is full loses the envelope.
type Broker struct {
	mu     sync.RWMutex
	subs   map[domain.MessageType]map[int]chan *domain.Envelope
	nextID int
	buffer int
	closed bool
	log    *zap.Logger
}

// NewBroker creates a broker. buffer <= 0 selects DefaultSubscriptionBuffer.
func NewBroker(buffer int, logger *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:   make(map[domain.MessageType]map[int]chan *domain.Envelope),
		buffer: buffer,
		log:    logger,
	}
}

// Subscribe registers interest in one message type.
func (b *Broker) Subscribe(t domain.MessageType) *domain.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *domain.Envelope, b.buffer)
	if b.closed {
		close(ch)
		return domain.NewSubscription(ch, nil)
	}
	id := b.nextID
	b.nextID++
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]chan *domain.Envelope)
	}
	b.subs[t][id] = ch

	return domain.NewSubscription(ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[t][id]; ok {
			delete(b.subs[t], id)
			close(c)
		}
	})
}

// Publish hands env to every subscriber of its type.
func (b *Broker) Publish(env *domain.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	subs := b.subs[env.Type]
	if len(subs) == 0 {
		metrics.EnvelopesDropped.WithLabelValues("no_subscriber").Inc()
		return
	}
	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			metrics.EnvelopesDropped.WithLabelValues("subscriber_full").Inc()
			b.log.Warn("subscriber queue full, dropping envelope",
				zap.Stringer("type", env.Type), zap.String("uuid", env.UUID))
		}
	}
}

// Close closes every subscription channel. Later subscriptions are closed on
// creation.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for t, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, t)
	}
}

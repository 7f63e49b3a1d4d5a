package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
)

// Hub connects in-process transports by address. Every envelope goes through
// the codec, so a hub exercises the same bytes a socket would carry.
type Hub struct {
	mu          sync.RWMutex
	nodes       map[domain.Address]*Memory
	unreachable map[domain.Address]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		nodes:       make(map[domain.Address]*Memory),
		unreachable: make(map[domain.Address]bool),
	}
}

// Join attaches a transport listening on addr.
func (h *Hub) Join(addr domain.Address, codec domain.Codec, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		hub:    h,
		addr:   addr,
		codec:  codec,
		broker: NewBroker(0, logger),
		log:    logger,
	}
	h.mu.Lock()
	h.nodes[addr] = m
	h.mu.Unlock()
	return m
}

// SetReachable toggles delivery to addr. Unreachable nodes silently lose
// inbound envelopes and fail reachability probes.
func (h *Hub) SetReachable(addr domain.Address, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ok {
		delete(h.unreachable, addr)
	} else {
		h.unreachable[addr] = true
	}
}

// Probe implements domain.ReachabilityProber over the hub.
func (h *Hub) Probe(_ context.Context, addr domain.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[addr]
	return ok && !h.unreachable[addr]
}

func (h *Hub) lookup(addr domain.Address) (*Memory, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.nodes[addr]
	if !ok || h.unreachable[addr] {
		return nil, false
	}
	return m, true
}

func (h *Hub) leave(addr domain.Address, m *Memory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nodes[addr] == m {
		delete(h.nodes, addr)
	}
}

// Memory is a hub-attached transport.
type Memory struct {
	hub    *Hub
	addr   domain.Address
	codec  domain.Codec
	broker *Broker
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ domain.Transport = (*Memory)(nil)

// Addr returns the address the transport listens on.
func (m *Memory) Addr() domain.Address { return m.addr }

// Subscribe implements domain.Transport.
func (m *Memory) Subscribe(t domain.MessageType) *domain.Subscription {
	return m.broker.Subscribe(t)
}

// Send encodes env and delivers it to the receiver's address. Envelopes for
// unknown or unreachable addresses are dropped without error.
func (m *Memory) Send(env *domain.Envelope) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return domain.ErrTransportClosed
	}

	data, err := m.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	dst, ok := m.hub.lookup(env.Receiver.Address)
	if !ok {
		metrics.EnvelopesDropped.WithLabelValues("unreachable").Inc()
		return nil
	}
	dst.deliver(data)
	return nil
}

func (m *Memory) deliver(data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	env, err := m.codec.Unmarshal(data)
	if err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		m.log.Warn("dropping undecodable envelope", zap.Error(err))
		return
	}
	m.broker.Publish(env)
}

// Close detaches from the hub and closes every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.hub.leave(m.addr, m)
	m.broker.Close()
	return nil
}

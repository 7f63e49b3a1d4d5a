package domain

import (
	"context"
	"sync"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the dispatcher depends on them.

// Transport moves envelopes between peers. Delivery is best effort.
type Transport interface {
	// Subscribe returns a stream of inbound envelopes of one type.
	Subscribe(t MessageType) *Subscription

	// Send queues env for its receiver's address. It never waits for the peer.
	Send(env *Envelope) error

	// Close stops delivery and closes every subscription.
	Close() error
}

// Codec converts envelopes to and from their wire bytes.
type Codec interface {
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
}

// CommandExecutor runs the command string carried by a COMMAND envelope.
type CommandExecutor interface {
	Execute(ctx context.Context, from Contact, command string) (string, error)
}

// FileTransfer serves and reassembles chunked files.
type FileTransfer interface {
	// Serve streams the file at path through emit, one chunk at a time.
	// transferID is stamped into every chunk.
	Serve(ctx context.Context, from Contact, transferID, path string, emit func(*FileChunk) error) error

	// Receive stores one chunk. done is true once every byte has arrived.
	Receive(from Contact, chunk *FileChunk) (done bool, err error)
}

// Forwarder relays envelopes flagged for propagation. Forward reports false
// for an envelope it has already relayed; such envelopes are not handled
// again.
type Forwarder interface {
	Forward(env *Envelope) bool
}

// ReachabilityProber answers whether addr accepts inbound connections.
type ReachabilityProber interface {
	Probe(ctx context.Context, addr Address) bool
}

// Signer fills Envelope.Signature before the envelope leaves the node.
type Signer interface {
	Sign(env *Envelope) error
}

// ─── Subscription ───────────────────────────────────────────────────────────

// Subscription is a typed inbound stream. C is closed after Cancel.
type Subscription struct {
	C <-chan *Envelope

	once   sync.Once
	cancel func()
}

// NewSubscription wraps ch. cancel runs at most once.
func NewSubscription(ch <-chan *Envelope, cancel func()) *Subscription {
	return &Subscription{C: ch, cancel: cancel}
}

// Cancel detaches the subscription from its transport.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

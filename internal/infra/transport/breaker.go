package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshwork/meshnode/internal/domain"
)

// ErrCircuitOpen is returned by Send while a peer's circuit is open.
var ErrCircuitOpen = errors.New("peer circuit open")

// BreakerState is the circuit state of one peer address.
//   - Closed: sends pass through; failures accumulate.
//   - Open: sends are refused until ResetTimeout has passed.
//   - HalfOpen: sends pass as probes; HalfOpenMax successes close the
//     circuit, any failure opens it again.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures per-peer circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	ResetTimeout     time.Duration // time spent open before probing
	HalfOpenMax      int           // probe successes needed to close
}

// DefaultBreakerConfig returns the transport defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	state     BreakerState
	failures  int
	successes int
	trippedAt time.Time
}

// Breakers tracks one circuit per peer address. Safe for concurrent use.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[domain.Address]*circuit
}

// NewBreakers creates an empty breaker set. Zero config fields take their
// defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{cfg: cfg, now: time.Now, circuits: make(map[domain.Address]*circuit)}
}

// advance moves an expired open circuit to half-open. Caller holds mu.
func (b *Breakers) advance(c *circuit) {
	if c.state == BreakerOpen && b.now().Sub(c.trippedAt) >= b.cfg.ResetTimeout {
		c.state = BreakerHalfOpen
		c.successes = 0
	}
}

// Allow reports whether a send to addr may proceed.
func (b *Breakers) Allow(addr domain.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[addr]
	if !ok {
		return nil
	}
	b.advance(c)
	if c.state == BreakerOpen {
		return fmt.Errorf("%s: %w", addr, ErrCircuitOpen)
	}
	return nil
}

// Success records a delivered send to addr.
func (b *Breakers) Success(addr domain.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[addr]
	if !ok {
		return
	}
	switch c.state {
	case BreakerHalfOpen:
		c.successes++
		if c.successes >= b.cfg.HalfOpenMax {
			delete(b.circuits, addr)
		}
	case BreakerClosed:
		delete(b.circuits, addr)
	}
}

// Failure records a failed dial or send to addr. It reports whether the
// circuit is now open.
func (b *Breakers) Failure(addr domain.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[addr]
	if !ok {
		c = &circuit{}
		b.circuits[addr] = c
	}
	b.advance(c)
	switch c.state {
	case BreakerClosed:
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			c.state = BreakerOpen
			c.trippedAt = b.now()
		}
	case BreakerHalfOpen:
		c.state = BreakerOpen
		c.trippedAt = b.now()
	}
	return c.state == BreakerOpen
}

// State returns the circuit state of addr.
func (b *Breakers) State(addr domain.Address) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[addr]
	if !ok {
		return BreakerClosed
	}
	b.advance(c)
	return c.state
}

// Open lists the addresses whose circuit is currently open.
func (b *Breakers) Open() []domain.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Address
	for addr, c := range b.circuits {
		b.advance(c)
		if c.state == BreakerOpen {
			out = append(out, addr)
		}
	}
	return out
}

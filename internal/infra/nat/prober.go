// Package nat answers reachability questions for the overlay. A helper node
// receiving NAT_REQUEST dials the requester's advertised address back; if the
// dial succeeds the requester is publicly reachable.
package nat

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
)

// ─── Status ─────────────────────────────────────────────────────────────────

// Status classifies the local node's reachability.
type Status int

const (
	StatusUnknown Status = iota
	StatusPublic         // a helper reached us on our advertised address
	StatusNAT            // a helper could not reach us
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPublic:
		return "public"
	case StatusNAT:
		return "nat"
	default:
		return "unknown"
	}
}

// StatusOf maps the IsNAT flag of a checked contact to a Status.
func StatusOf(checked bool, isNAT bool) Status {
	if !checked {
		return StatusUnknown
	}
	if isNAT {
		return StatusNAT
	}
	return StatusPublic
}

// ─── Dial Prober ────────────────────────────────────────────────────────────

// DefaultProbeTimeout bounds a single dial-back.
const DefaultProbeTimeout = 3 * time.Second

// DialProber implements domain.ReachabilityProber with a TCP dial-back.
type DialProber struct {
	timeout time.Duration
	dialer  net.Dialer
	log     *zap.Logger
}

var _ domain.ReachabilityProber = (*DialProber)(nil)

// NewDialProber creates a prober. timeout <= 0 selects DefaultProbeTimeout.
func NewDialProber(timeout time.Duration, logger *zap.Logger) *DialProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialProber{timeout: timeout, log: logger}
}

// Probe reports whether a TCP connection to addr succeeds before the timeout
// or ctx expires.
func (p *DialProber) Probe(ctx context.Context, addr domain.Address) bool {
	if addr.IsZero() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		p.log.Debug("probe failed", zap.Stringer("addr", addr), zap.Error(err))
		return false
	}
	_ = conn.Close()
	p.log.Debug("probe succeeded", zap.Stringer("addr", addr),
		zap.Duration("latency", time.Since(start)))
	return true
}

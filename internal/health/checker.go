// Package health provides periodic health checks with auto-recovery.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/infra/metrics"
	"github.com/meshwork/meshnode/internal/infra/sqlite"
)

// DefaultInterval is how often checks run.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *zap.Logger
}

// NewChecker creates a checker over checks. A non-positive interval uses
// DefaultInterval.
func NewChecker(interval time.Duration, logger *zap.Logger, checks ...Check) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{interval: interval, checks: checks, log: logger}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check, attempting recovery for the failing ones.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now(), Healthy: true}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			c.log.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.log.Warn("recovery failed", zap.String("check", check.Name), zap.Error(rerr))
				} else {
					s.Recovered = true
					metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				}
			}
		}
		if s.Healthy {
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		} else {
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// SQLiteCheck pings the database. SQLite recovers on its own via WAL.
func SQLiteCheck(db *sqlite.DB) Check {
	return Check{
		Name:    "sqlite",
		CheckFn: func(context.Context) error { return db.Ping() },
	}
}

// DirCheck verifies that dir exists and is a directory, recreating it when
// missing.
func DirCheck(name, dir string) Check {
	return Check{
		Name: name,
		CheckFn: func(context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("check %s: %w", dir, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			return nil
		},
		RecoverFn: func(context.Context) error {
			if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return os.MkdirAll(dir, 0755)
		},
	}
}

// Overlay is the node state the overlay check inspects.
type Overlay interface {
	Closed() bool
	PeerCount() int
}

// ErrIsolated means the routing table is empty.
var ErrIsolated = errors.New("routing table is empty")

// OverlayCheck fails when the node is shut down or knows no peers, and
// recovers by calling rejoin.
func OverlayCheck(o Overlay, rejoin func(ctx context.Context) error) Check {
	return Check{
		Name: "overlay",
		CheckFn: func(context.Context) error {
			if o.Closed() {
				return errors.New("dispatcher closed")
			}
			if o.PeerCount() == 0 {
				return ErrIsolated
			}
			return nil
		},
		RecoverFn: func(ctx context.Context) error {
			if o.Closed() || rejoin == nil {
				return errors.New("cannot rejoin")
			}
			return rejoin(ctx)
		},
	}
}

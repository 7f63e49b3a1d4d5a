// Package propagate relays envelopes flagged for propagation to every known
// peer. Each envelope uuid is forwarded at most once per cache window, which
// stops gossip from looping.
package propagate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
)

// Overlay is the view of the local node the propagator needs.
type Overlay interface {
	Self() domain.Contact
	Peers() []domain.Contact
	Relay(env *domain.Envelope) error
}

// Config tunes the seen cache and fan-out.
type Config struct {
	// CacheExpiry is how long a forwarded uuid is remembered.
	CacheExpiry time.Duration
	// CleanInterval is how often expired uuids are purged.
	CleanInterval time.Duration
	// Fanout caps the peers one envelope is relayed to. Zero means all.
	Fanout int
}

// DefaultConfig returns the default propagation settings.
func DefaultConfig() Config {
	return Config{
		CacheExpiry:   5 * time.Minute,
		CleanInterval: time.Minute,
	}
}

// Propagator implements domain.Forwarder.
type Propagator struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	overlay Overlay
	seen    map[string]time.Time
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

var _ domain.Forwarder = (*Propagator)(nil)

// New creates a propagator. Attach must be called before envelopes are
// forwarded.
func New(cfg Config, logger *zap.Logger) *Propagator {
	def := DefaultConfig()
	if cfg.CacheExpiry <= 0 {
		cfg.CacheExpiry = def.CacheExpiry
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = def.CleanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{
		cfg:  cfg,
		log:  logger,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Attach binds the propagator to the node it relays for.
func (p *Propagator) Attach(o Overlay) {
	p.mu.Lock()
	p.overlay = o
	p.mu.Unlock()
}

// Start runs the cache cleaner.
func (p *Propagator) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.cacheCleaner(p.stop)
}

// Stop halts the cache cleaner.
func (p *Propagator) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()
}

// Forward relays env to every peer except its sender and the local node.
// It returns false for an envelope already forwarded within the cache window.
func (p *Propagator) Forward(env *domain.Envelope) bool {
	p.mu.Lock()
	o := p.overlay
	if o == nil {
		p.mu.Unlock()
		p.log.Warn("propagator not attached", zap.String("uuid", env.UUID))
		return true
	}
	if _, dup := p.seen[env.UUID]; dup {
		p.mu.Unlock()
		return false
	}
	p.seen[env.UUID] = p.now()
	p.mu.Unlock()

	self := o.Self()
	relayed := 0
	for _, peer := range o.Peers() {
		if p.cfg.Fanout > 0 && relayed == p.cfg.Fanout {
			break
		}
		if peer.GUID == env.Sender.GUID || peer.GUID == self.GUID {
			continue
		}
		out := env.Clone()
		out.Receiver = peer
		out.Signature = nil
		if err := o.Relay(out); err != nil {
			p.log.Debug("relay failed", zap.Stringer("to", peer), zap.Error(err))
			continue
		}
		relayed++
	}
	metrics.Forwarded.Add(float64(relayed))
	p.log.Debug("propagated envelope",
		zap.String("uuid", env.UUID),
		zap.Stringer("type", env.Type),
		zap.Int("peers", relayed))
	return true
}

// Seen reports whether uuid was forwarded within the cache window.
func (p *Propagator) Seen(uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[uuid]
	return ok
}

func (p *Propagator) cacheCleaner(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.clean()
		}
	}
}

// clean drops uuids older than the cache window.
func (p *Propagator) clean() int {
	cutoff := p.now().Add(-p.cfg.CacheExpiry)
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, ts := range p.seen {
		if ts.Before(cutoff) {
			delete(p.seen, id)
			removed++
		}
	}
	return removed
}

// Stats describes the propagator for the status endpoint.
type Stats struct {
	CacheSize int  `json:"cache_size"`
	Fanout    int  `json:"fanout"`
	Running   bool `json:"running"`
}

// Stats returns a snapshot of the propagator.
func (p *Propagator) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{CacheSize: len(p.seen), Fanout: p.cfg.Fanout, Running: p.running}
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/api"
	"github.com/meshwork/meshnode/internal/app/dispatch"
	"github.com/meshwork/meshnode/internal/app/executor"
	"github.com/meshwork/meshnode/internal/app/propagate"
	"github.com/meshwork/meshnode/internal/app/transfer"
	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/health"
	"github.com/meshwork/meshnode/internal/infra/codec"
	"github.com/meshwork/meshnode/internal/infra/nat"
	"github.com/meshwork/meshnode/internal/infra/sqlite"
	"github.com/meshwork/meshnode/internal/infra/transport"
	"github.com/meshwork/meshnode/internal/security"
)

// nodeInfoGUID is the node_info key holding the GUID across restarts.
const nodeInfoGUID = "guid"

// peerCacheSize bounds how many cached contacts are tried at startup.
const peerCacheSize = 64

// janitorInterval is how often stale transfers are expired and the peer
// cache is refreshed.
const janitorInterval = time.Minute

// Daemon is the mesh node runtime. It wires together all services.
type Daemon struct {
	Config Config
	Home   string
	Log    *zap.Logger

	DB         *sqlite.DB
	Keypair    *security.Keypair
	Transport  domain.Transport
	Node       *dispatch.Dispatcher
	Executor   *executor.Service
	Transfer   *transfer.Service
	Propagator *propagate.Propagator
	Health     *health.Checker
	Server     *api.Server

	version string
	prober  domain.ReachabilityProber
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Daemon before its services are wired.
type Option func(*Daemon)

// WithLogger replaces the logger built from the [logging] section.
func WithLogger(l *zap.Logger) Option { return func(d *Daemon) { d.Log = l } }

// WithTransport replaces the ZeroMQ transport.
func WithTransport(t domain.Transport) Option { return func(d *Daemon) { d.Transport = t } }

// WithProber replaces the TCP reachability prober.
func WithProber(p domain.ReachabilityProber) Option { return func(d *Daemon) { d.prober = p } }

// WithVersion sets the version reported by the API and the version command.
func WithVersion(v string) Option { return func(d *Daemon) { d.version = v } }

// WithHome sets the data directory instead of $MESHNODE_HOME.
func WithHome(home string) Option { return func(d *Daemon) { d.Home = home } }

// New creates and initializes a Daemon from the config file.
func New(opts ...Option) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, opts...)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, opts ...Option) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	d = &Daemon{Config: cfg, Home: meshHome(), version: "dev"}
	for _, opt := range opts {
		opt(d)
	}
	if d.Log == nil {
		if d.Log, err = NewLogger(cfg.Logging); err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	// Storage
	if d.DB, err = sqlite.Open(d.Home); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Identity
	guid, err := d.resolveGUID()
	if err != nil {
		return nil, err
	}
	self := domain.NewContact(cfg.AdvertiseAddress(), domain.WithGUID(guid))

	wire := codec.New()
	var dopts []dispatch.Option
	if cfg.Security.SignEnvelopes {
		if d.Keypair, err = security.LoadOrCreateKeypair(d.Home); err != nil {
			return nil, fmt.Errorf("load keypair: %w", err)
		}
		dopts = append(dopts, dispatch.WithSigner(security.NewEnvelopeSigner(d.Keypair, wire)))
	}

	// Transport
	if d.Transport == nil {
		zt, err := transport.NewZMQ(cfg.ListenAddress(), wire, d.Log.Named("transport"),
			transport.WithIdentity(self.String()))
		if err != nil {
			return nil, fmt.Errorf("start transport: %w", err)
		}
		d.Transport = zt
	}
	if d.prober == nil {
		d.prober = nat.NewDialProber(cfg.Protocol.NATTimeout.Duration, d.Log.Named("nat"))
	}

	// Services behind the dispatcher
	d.Executor = executor.NewService(d.DB, executor.Info{
		Version: d.version,
		Self:    func() domain.Contact { return d.Node.Self() },
		Peers:   func() []domain.Contact { return d.Node.Peers() },
	}, d.Log.Named("executor"))

	if d.Transfer, err = transfer.New(d.DB, transfer.Config{
		ShareDir:    cfg.Transfer.ShareDir,
		DownloadDir: cfg.Transfer.DownloadDir,
		ChunkSize:   cfg.Transfer.ChunkSize,
	}, d.Log.Named("transfer")); err != nil {
		return nil, err
	}

	d.Propagator = propagate.New(propagate.DefaultConfig(), d.Log.Named("propagate"))

	dopts = append(dopts,
		dispatch.WithExecutor(d.Executor),
		dispatch.WithFileTransfer(d.Transfer),
		dispatch.WithForwarder(d.Propagator),
		dispatch.WithProber(d.prober),
	)
	d.Node = dispatch.New(self, d.Transport, cfg.Dispatch(), d.Log.Named("dispatch"), dopts...)
	d.Propagator.Attach(d.Node)

	// Health
	d.Health = health.NewChecker(cfg.Telemetry.HealthInterval.Duration, d.Log.Named("health"),
		health.SQLiteCheck(d.DB),
		health.DirCheck("share_dir", cfg.Transfer.ShareDir),
		health.DirCheck("download_dir", cfg.Transfer.DownloadDir),
		health.OverlayCheck(d.Node, d.bootstrap),
	)

	// API
	d.Server = api.NewServer(d.Node, d.version, d.Log.Named("api"))
	d.Server.SetTransfers(d.Transfer)
	d.Server.SetCommands(d.Executor)
	d.Server.SetHealth(d.Health)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	d.Log.Info("node initialized",
		zap.Stringer("self", self),
		zap.String("home", d.Home),
		zap.Bool("signing", d.Keypair != nil))
	return d, nil
}

// resolveGUID picks the configured GUID, then the one stored by an earlier
// run, then a random one. The result is stored for the next run.
func (d *Daemon) resolveGUID() (domain.GUID, error) {
	raw := d.Config.Node.GUID
	if raw == "" {
		stored, err := d.DB.GetNodeInfo(nodeInfoGUID)
		if err != nil {
			return 0, fmt.Errorf("read stored guid: %w", err)
		}
		raw = stored
	}
	guid := domain.RandomGUID()
	if raw != "" {
		g, err := domain.ParseGUID(raw)
		if err != nil {
			return 0, fmt.Errorf("node guid: %w", err)
		}
		guid = g
	}
	if err := d.DB.SetNodeInfo(nodeInfoGUID, guid.String()); err != nil {
		return 0, fmt.Errorf("store guid: %w", err)
	}
	return guid, nil
}

// Start launches the overlay and background services without serving HTTP.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.Node.Start(); err != nil {
		return err
	}
	d.Propagator.Start()

	d.wg.Add(2)
	go d.janitor(ctx)
	go func() {
		defer d.wg.Done()
		if err := d.bootstrap(ctx); err != nil {
			d.Log.Warn("bootstrap failed", zap.Error(err))
		}
		d.Health.Run(ctx)
	}()
	return nil
}

// Serve starts the node and the HTTP API and blocks until a signal arrives
// or ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", d.Config.APIAddr())
	if err != nil {
		d.Close()
		return fmt.Errorf("api listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigCh:
			d.Log.Info("shutting down", zap.Stringer("signal", sig))
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Log.Info("api serving", zap.String("addr", ln.Addr().String()))
	if d.Config.Telemetry.Prometheus {
		d.Log.Info("metrics enabled", zap.String("url", "http://"+ln.Addr().String()+"/metrics"))
	}

	err = httpServer.Serve(ln)
	<-done
	d.Close()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bootstrap joins through the configured seeds and the cached peers, then
// checks reachability through the first peer that answered.
func (d *Daemon) bootstrap(ctx context.Context) error {
	seeds, err := d.Config.SeedAddresses()
	if err != nil {
		return err
	}
	if d.Config.Bootstrap.PeerCache {
		cached, err := d.DB.LoadPeers(peerCacheSize)
		if err != nil {
			d.Log.Warn("loading peer cache failed", zap.Error(err))
		}
		seen := make(map[domain.Address]bool, len(seeds))
		for _, a := range seeds {
			seen[a] = true
		}
		for _, c := range cached {
			if !seen[c.Address] {
				seen[c.Address] = true
				seeds = append(seeds, c.Address)
			}
		}
	}
	if len(seeds) == 0 {
		d.Log.Info("no bootstrap peers, waiting to be contacted")
		return nil
	}

	if err := d.Node.Join(ctx, seeds); err != nil {
		return err
	}
	d.Log.Info("joined overlay", zap.Int("peers", d.Node.PeerCount()))

	if d.Config.Bootstrap.CheckNAT {
		peers := d.Node.Peers()
		if len(peers) > 0 {
			isNAT, err := d.Node.CheckNAT(ctx, peers[0])
			if err != nil {
				return fmt.Errorf("nat check: %w", err)
			}
			d.Log.Info("reachability checked", zap.Bool("nat", isNAT))
		}
	}
	return nil
}

// janitor expires idle transfers and snapshots the routing table.
func (d *Daemon) janitor(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.Transfer.Expire(d.Config.Protocol.TransferTimeout.Duration); err != nil {
				d.Log.Warn("expiring transfers failed", zap.Error(err))
			} else if n > 0 {
				d.Log.Info("expired stale transfers", zap.Int64("count", n))
			}
			d.savePeers()
		}
	}
}

func (d *Daemon) savePeers() {
	if !d.Config.Bootstrap.PeerCache || d.Node == nil {
		return
	}
	peers := d.Node.Peers()
	if len(peers) == 0 {
		return
	}
	if err := d.DB.SavePeers(peers, time.Now()); err != nil {
		d.Log.Warn("saving peer cache failed", zap.Error(err))
	}
}

// Close leaves the overlay and shuts down all daemon resources. Background
// goroutines finish before storage is released. It is safe to call more than
// once.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.Node != nil && !d.Node.Closed() {
		if _, err := d.Node.Leave(); err != nil {
			d.Log.Warn("leave incomplete", zap.Error(err))
		}
		d.savePeers()
		_ = d.Node.Close()
	} else if d.Transport != nil && d.Node == nil {
		_ = d.Transport.Close()
	}
	if d.Propagator != nil {
		d.Propagator.Stop()
	}
	if d.Transfer != nil {
		_ = d.Transfer.Close()
		d.Transfer = nil
	}
	if d.DB != nil {
		_ = d.DB.Close()
		d.DB = nil
	}
	if d.Log != nil {
		_ = d.Log.Sync()
	}
}

package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/codec"
	"github.com/meshwork/meshnode/internal/infra/sqlite"
	"github.com/meshwork/meshnode/internal/infra/transport"
)

func testConfig(home string, port int) Config {
	cfg := DefaultConfig()
	cfg.Node.Host = "127.0.0.1"
	cfg.Node.Port = port
	cfg.Transfer.ShareDir = filepath.Join(home, "share")
	cfg.Transfer.DownloadDir = filepath.Join(home, "downloads")
	cfg.Protocol.LookupTimeout = Duration{200 * time.Millisecond}
	cfg.Protocol.NATTimeout = Duration{100 * time.Millisecond}
	cfg.Telemetry.HealthInterval = Duration{time.Hour}
	return cfg
}

// newHubDaemon builds a daemon whose transport is a hub endpoint.
func newHubDaemon(t *testing.T, hub *transport.Hub, home string, cfg Config) *Daemon {
	t.Helper()
	tr := hub.Join(cfg.AdvertiseAddress(), codec.New(), nil)
	d, err := NewWithConfig(cfg,
		WithHome(home),
		WithLogger(zap.NewNop()),
		WithTransport(tr),
		WithProber(hub),
		WithVersion("test"))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewWithConfig_PersistsGUID(t *testing.T) {
	home := t.TempDir()
	hub := transport.NewHub()

	d := newHubDaemon(t, hub, home, testConfig(home, 7501))
	first := d.Node.Self().GUID
	if d.Node.Self().Address.String() != "127.0.0.1:7501" {
		t.Errorf("self address = %s", d.Node.Self().Address)
	}
	d.Close()

	d = newHubDaemon(t, hub, home, testConfig(home, 7501))
	if got := d.Node.Self().GUID; got != first {
		t.Errorf("GUID after restart = %s, want %s", got, first)
	}
	d.Close()

	cfg := testConfig(home, 7501)
	cfg.Node.GUID = "42"
	d = newHubDaemon(t, hub, home, cfg)
	if got := d.Node.Self().GUID; got != 42 {
		t.Errorf("configured GUID = %s, want 42", got)
	}
}

func TestNewWithConfig_Invalid(t *testing.T) {
	cfg := testConfig(t.TempDir(), 7502)
	cfg.Node.Port = -1
	if _, err := NewWithConfig(cfg, WithHome(t.TempDir()), WithLogger(zap.NewNop())); err == nil {
		t.Error("invalid config should fail")
	}
}

func TestDaemon_BootstrapAndShutdown(t *testing.T) {
	hub := transport.NewHub()
	ctx := context.Background()

	seedHome := t.TempDir()
	seedCfg := testConfig(seedHome, 7510)
	seedCfg.Node.GUID = "1000"
	seed := newHubDaemon(t, hub, seedHome, seedCfg)
	if err := seed.Start(ctx); err != nil {
		t.Fatalf("seed Start() error: %v", err)
	}

	home := t.TempDir()
	cfg := testConfig(home, 7511)
	cfg.Node.GUID = "2000"
	cfg.Bootstrap.Peers = []string{"127.0.0.1:7510"}
	node := newHubDaemon(t, hub, home, cfg)
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	eventually(t, "join", func() bool { return node.Node.PeerCount() == 1 && seed.Node.PeerCount() == 1 })
	eventually(t, "nat check", func() bool { return node.Node.NATChecked() })
	if node.Node.Self().IsNAT {
		t.Error("hub address is reachable, node should not be behind NAT")
	}

	node.Close()
	eventually(t, "leave", func() bool { return seed.Node.PeerCount() == 0 })

	db, err := sqlite.Open(home)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()
	cached, err := db.LoadPeers(10)
	if err != nil {
		t.Fatalf("LoadPeers() error: %v", err)
	}
	if len(cached) != 1 || cached[0].GUID != domain.GUID(1000) {
		t.Errorf("peer cache = %v, want the seed", cached)
	}
}

func TestDaemon_RejoinFromPeerCache(t *testing.T) {
	hub := transport.NewHub()
	ctx := context.Background()

	seedHome := t.TempDir()
	seedCfg := testConfig(seedHome, 7520)
	seedCfg.Node.GUID = "1"
	seed := newHubDaemon(t, hub, seedHome, seedCfg)
	seed.Start(ctx)

	home := t.TempDir()
	db, err := sqlite.Open(home)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	db.SavePeers([]domain.Contact{seed.Node.Self()}, time.Now())
	db.Close()

	// No configured seeds; the cache is enough.
	cfg := testConfig(home, 7521)
	cfg.Bootstrap.CheckNAT = false
	node := newHubDaemon(t, hub, home, cfg)
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	eventually(t, "join from cache", func() bool { return node.Node.PeerCount() == 1 })
	if node.Node.NATChecked() {
		t.Error("NAT check is disabled")
	}
}

func TestDaemon_CloseWaitsForBootstrap(t *testing.T) {
	home := t.TempDir()
	hub := transport.NewHub()

	cfg := testConfig(home, 7530)
	cfg.Protocol.LookupTimeout = Duration{5 * time.Second}
	cfg.Bootstrap.Peers = []string{"127.0.0.1:7539"}
	d := newHubDaemon(t, hub, home, cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	start := time.Now()
	d.Close()
	if elapsed := time.Since(start); elapsed >= cfg.Protocol.LookupTimeout.Duration {
		t.Errorf("Close() took %v, want bootstrap cancelled", elapsed)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("background goroutines still running after Close")
	}
	if d.DB != nil || d.Transfer != nil {
		t.Error("Close should release storage")
	}
}

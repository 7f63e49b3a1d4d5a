// Package daemon manages the mesh node lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meshwork/meshnode/internal/app/dispatch"
	"github.com/meshwork/meshnode/internal/app/transfer"
	"github.com/meshwork/meshnode/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Routing   RoutingConfig   `toml:"routing"`
	Protocol  ProtocolConfig  `toml:"protocol"`
	Bootstrap BootstrapConfig `toml:"bootstrap"`
	API       APIConfig       `toml:"api"`
	Transfer  TransferConfig  `toml:"transfer"`
	Security  SecurityConfig  `toml:"security"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig identifies this node on the overlay.
type NodeConfig struct {
	// GUID is decimal. Empty reuses the GUID stored from the last run, or
	// draws a random one.
	GUID          string `toml:"guid"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	AdvertiseHost string `toml:"advertise_host"`
}

// RoutingConfig sizes the routing table and lookups.
type RoutingConfig struct {
	BucketSize int `toml:"bucket_size"`
	Alpha      int `toml:"alpha"`
}

// ProtocolConfig bounds the protocol timers.
type ProtocolConfig struct {
	ChallengeTimeout Duration `toml:"challenge_timeout"`
	LookupTimeout    Duration `toml:"lookup_timeout"`
	LookupMaxRounds  int      `toml:"lookup_max_rounds"`
	SweepInterval    Duration `toml:"sweep_interval"`
	NATTimeout       Duration `toml:"nat_timeout"`
	CommandTimeout   Duration `toml:"command_timeout"`
	TransferTimeout  Duration `toml:"transfer_timeout"`
}

// BootstrapConfig controls how the node joins the overlay.
type BootstrapConfig struct {
	Peers     []string `toml:"peers"`
	CheckNAT  bool     `toml:"check_nat"`
	PeerCache bool     `toml:"peer_cache"`
}

// APIConfig controls the local HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// TransferConfig locates shared and downloaded files.
type TransferConfig struct {
	ShareDir    string `toml:"share_dir"`
	DownloadDir string `toml:"download_dir"`
	ChunkSize   int    `toml:"chunk_size"`
}

// SecurityConfig controls envelope signing.
type SecurityConfig struct {
	SignEnvelopes bool `toml:"sign_envelopes"`
}

// TelemetryConfig controls metrics and health checks.
type TelemetryConfig struct {
	Prometheus     bool     `toml:"prometheus"`
	HealthInterval Duration `toml:"health_interval"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Duration is a time.Duration written as "3s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(v time.Duration) Duration { return Duration{v} }

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	home := meshHome()
	proto := dispatch.DefaultConfig()
	return Config{
		Node: NodeConfig{
			Host: "0.0.0.0",
			Port: 7400,
		},
		Routing: RoutingConfig{
			BucketSize: proto.BucketSize,
			Alpha:      proto.Alpha,
		},
		Protocol: ProtocolConfig{
			ChallengeTimeout: dur(proto.ChallengeTimeout),
			LookupTimeout:    dur(proto.LookupTimeout),
			LookupMaxRounds:  proto.LookupMaxRounds,
			SweepInterval:    dur(proto.SweepInterval),
			NATTimeout:       dur(proto.NATTimeout),
			CommandTimeout:   dur(proto.CommandTimeout),
			TransferTimeout:  dur(proto.TransferTimeout),
		},
		Bootstrap: BootstrapConfig{
			CheckNAT:  true,
			PeerCache: true,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7480,
		},
		Transfer: TransferConfig{
			ShareDir:    filepath.Join(home, "share"),
			DownloadDir: filepath.Join(home, "downloads"),
			ChunkSize:   transfer.DefaultChunkSize,
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: dur(60 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads config from $MESHNODE_HOME/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads config from path. A missing file yields defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// SaveConfig writes the config to $MESHNODE_HOME/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects values the node cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Node.GUID != "" {
		if _, err := domain.ParseGUID(c.Node.GUID); err != nil {
			errs = append(errs, fmt.Errorf("node.guid: %w", err))
		}
	}
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		errs = append(errs, fmt.Errorf("node.port %d out of range", c.Node.Port))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.Routing.BucketSize < 0 || c.Routing.Alpha < 0 {
		errs = append(errs, errors.New("routing values must not be negative"))
	}
	if c.Transfer.ChunkSize < 0 {
		errs = append(errs, errors.New("transfer.chunk_size must not be negative"))
	}
	for _, p := range c.Bootstrap.Peers {
		if _, err := domain.ParseAddress(p); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap.peers: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Dispatch converts the routing and protocol sections for the dispatcher.
func (c Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		BucketSize:       c.Routing.BucketSize,
		Alpha:            c.Routing.Alpha,
		ChallengeTimeout: c.Protocol.ChallengeTimeout.Duration,
		LookupTimeout:    c.Protocol.LookupTimeout.Duration,
		LookupMaxRounds:  c.Protocol.LookupMaxRounds,
		SweepInterval:    c.Protocol.SweepInterval.Duration,
		NATTimeout:       c.Protocol.NATTimeout.Duration,
		CommandTimeout:   c.Protocol.CommandTimeout.Duration,
		TransferTimeout:  c.Protocol.TransferTimeout.Duration,
	}
}

// ListenAddress is where the transport binds.
func (c Config) ListenAddress() domain.Address {
	return domain.Address{Host: c.Node.Host, Port: c.Node.Port}
}

// AdvertiseAddress is the address peers are told to use.
func (c Config) AdvertiseAddress() domain.Address {
	host := c.Node.AdvertiseHost
	if host == "" {
		host = c.Node.Host
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return domain.Address{Host: host, Port: c.Node.Port}
}

// SeedAddresses parses bootstrap.peers.
func (c Config) SeedAddresses() ([]domain.Address, error) {
	out := make([]domain.Address, 0, len(c.Bootstrap.Peers))
	for _, p := range c.Bootstrap.Peers {
		a, err := domain.ParseAddress(p)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// APIAddr is the host:port the HTTP API listens on.
func (c Config) APIAddr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// ConfigPath returns $MESHNODE_HOME/config.toml.
func ConfigPath() string {
	return filepath.Join(meshHome(), "config.toml")
}

// meshHome returns the node data directory.
func meshHome() string {
	if env := os.Getenv("MESHNODE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meshnode")
}

// MeshHome is exported for use by other packages.
func MeshHome() string {
	return meshHome()
}

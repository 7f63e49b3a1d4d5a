package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/meshwork/meshnode/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Overlay listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Overlay listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveAdvertise, "advertise", "", "Host peers should use to reach this node")
	serveCmd.Flags().IntVar(&serveAPIPort, "api-port", 0, "HTTP API port (overrides config)")
	serveCmd.Flags().StringSliceVar(&serveSeeds, "seed", nil, "Bootstrap peer host:port (repeatable)")
	serveCmd.Flags().Uint64Var(&serveGUID, "guid", 0, "Fixed node GUID (default: stored or random)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost      string
	servePort      int
	serveAdvertise string
	serveAPIPort   int
	serveSeeds     []string
	serveGUID      uint64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a mesh node",
	Long:  `Join the overlay and serve the local HTTP API at 127.0.0.1:7480.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)

	d, err := daemon.NewWithConfig(cfg, daemon.WithVersion(rootCmd.Version))
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}

// applyServeFlags overrides config values with the flags that were set.
func applyServeFlags(cmd *cobra.Command, cfg *daemon.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Node.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Node.Port = servePort
	}
	if flags.Changed("advertise") {
		cfg.Node.AdvertiseHost = serveAdvertise
	}
	if flags.Changed("api-port") {
		cfg.API.Port = serveAPIPort
	}
	if flags.Changed("seed") {
		cfg.Bootstrap.Peers = serveSeeds
	}
	if flags.Changed("guid") {
		cfg.Node.GUID = strconv.FormatUint(serveGUID, 10)
	}
}

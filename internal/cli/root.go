// Package cli implements the meshnode command-line interface using Cobra.
// "serve" runs a node; every other subcommand talks to a running node
// through its local HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "meshnode: peer-to-peer overlay node",
	Long: `meshnode runs a node of a Kademlia-style overlay network.

Nodes find each other by XOR distance between 64-bit GUIDs, keep
their routing tables fresh with liveness challenges, and exchange
commands and files over ZeroMQ.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Node API address host:port (default from config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshwork/meshnode/internal/api"
)

func init() {
	rootCmd.AddCommand(pingCmd, lookupCmd, natCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping PEER",
	Short: "Ping a peer (guid@host:port, host:port or a known GUID)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

func runPing(cmd *cobra.Command, args []string) error {
	ref, err := parsePeer(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp api.PingResponse
	if err := c.post(cmd.Context(), "/api/ping", api.PingRequest{PeerRef: ref}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "PING_RESPONSE from %s@%s in %dms\n", resp.Peer.GUID, resp.Peer.Address, resp.RTTMs)
	return nil
}

var lookupCmd = &cobra.Command{
	Use:   "lookup GUID",
	Short: "Run an iterative lookup for the contacts closest to GUID",
	Args:  cobra.ExactArgs(1),
	RunE:  runLookup,
}

func runLookup(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp api.LookupResponse
	if err := c.post(cmd.Context(), "/api/lookup", api.LookupRequest{GUID: args[0]}, &resp); err != nil {
		return err
	}
	return printContacts(cmd, resp.Contacts)
}

var natCmd = &cobra.Command{
	Use:   "nat PEER",
	Short: "Ask a peer whether this node accepts inbound connections",
	Args:  cobra.ExactArgs(1),
	RunE:  runNAT,
}

func runNAT(cmd *cobra.Command, args []string) error {
	ref, err := parsePeer(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp api.NATResponse
	if err := c.post(cmd.Context(), "/api/nat", api.NATRequest{PeerRef: ref}, &resp); err != nil {
		return err
	}
	if resp.IsNAT {
		fmt.Fprintln(cmd.OutOrStdout(), "Behind NAT: peers cannot reach this node directly.")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Reachable: peers can connect to this node.")
	}
	return nil
}

package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meshwork/meshnode/internal/api"
)

func init() {
	closestCmd.Flags().IntVarP(&closestCount, "count", "n", 20, "Number of contacts")
	rootCmd.AddCommand(statusCmd, peersCmd, closestCmd)
}

var closestCount int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local node's identity and state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var st api.StatusResponse
	if err := c.get(cmd.Context(), "/api/status", &st); err != nil {
		return err
	}

	nat := "unknown"
	if st.NATChecked {
		nat = strconv.FormatBool(st.Self.IsNAT)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "GUID:        %s\n", st.Self.GUID)
	fmt.Fprintf(out, "Address:     %s\n", st.Self.Address)
	fmt.Fprintf(out, "Behind NAT:  %s\n", nat)
	fmt.Fprintf(out, "Peers:       %d (k=%d)\n", st.Peers, st.BucketSize)
	fmt.Fprintf(out, "Challenges:  %d pending\n", st.PendingChallenges)
	fmt.Fprintf(out, "Transfers:   %d active\n", st.ActiveTransfers)
	fmt.Fprintf(out, "Version:     %s\n", st.Version)
	return nil
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Print the routing table",
	Args:  cobra.NoArgs,
	RunE:  runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp api.PeersResponse
	if err := c.get(cmd.Context(), "/api/peers", &resp); err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Routing table is empty.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUCKET\tGUID\tADDRESS\tNAT\tSPARES")
	for _, b := range resp.Buckets {
		for i, ct := range b.Contacts {
			spares := ""
			if i == 0 && b.Replacements > 0 {
				spares = strconv.Itoa(b.Replacements)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", b.Index, ct.GUID, ct.Address, ct.IsNAT, spares)
		}
	}
	return w.Flush()
}

var closestCmd = &cobra.Command{
	Use:   "closest [GUID]",
	Short: "List known contacts closest to a GUID (default: self)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClosest,
}

func runClosest(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	q := url.Values{"count": {strconv.Itoa(closestCount)}}
	if len(args) == 1 {
		q.Set("guid", args[0])
	}
	var resp api.LookupResponse
	if err := c.get(cmd.Context(), "/api/peers/closest?"+q.Encode(), &resp); err != nil {
		return err
	}
	return printContacts(cmd, resp.Contacts)
}

func printContacts(cmd *cobra.Command, contacts []api.ContactJSON) error {
	if len(contacts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No contacts.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GUID\tADDRESS\tNAT")
	for _, ct := range contacts {
		fmt.Fprintf(w, "%s\t%s\t%t\n", ct.GUID, ct.Address, ct.IsNAT)
	}
	return w.Flush()
}

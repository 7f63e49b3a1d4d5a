package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meshwork/meshnode/internal/api"
	"github.com/meshwork/meshnode/internal/domain"
)

func init() {
	transfersCmd.Flags().IntVarP(&transfersLimit, "limit", "n", 20, "Number of transfers")
	rootCmd.AddCommand(fetchCmd, transfersCmd)
}

var transfersLimit int

var fetchCmd = &cobra.Command{
	Use:   "fetch PEER PATH",
	Short: "Download a file from a peer's share directory",
	Long: `Send a FILE_REQUEST for PATH, relative to the peer's share directory.
Chunks are reassembled into the local download directory; follow the
transfer with "meshnode transfers".`,
	Args: cobra.ExactArgs(2),
	RunE: runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	ref, err := parsePeer(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp api.FileResponse
	if err := c.post(cmd.Context(), "/api/files", api.FileRequest{PeerRef: ref, Path: args[1]}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requested %s (transfer %s)\n", args[1], resp.Transfer)
	return nil
}

var transfersCmd = &cobra.Command{
	Use:   "transfers [ID]",
	Short: "List inbound file transfers, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTransfers,
}

func runTransfers(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		var rec domain.TransferRecord
		if err := c.get(cmd.Context(), "/api/transfers/"+args[0], &rec); err != nil {
			return err
		}
		fmt.Fprintf(out, "Transfer:  %s\n", rec.UUID)
		fmt.Fprintf(out, "Peer:      %s\n", rec.Peer)
		fmt.Fprintf(out, "File:      %s\n", rec.Filename)
		fmt.Fprintf(out, "Progress:  %s / %s (%d chunks)\n", humanBytes(rec.Received), humanBytes(rec.Filesize), rec.Chunks)
		fmt.Fprintf(out, "State:     %s\n", rec.State)
		if rec.Dest != "" {
			fmt.Fprintf(out, "Saved as:  %s\n", rec.Dest)
		}
		return nil
	}

	var resp struct {
		Transfers []domain.TransferRecord `json:"transfers"`
	}
	if err := c.get(cmd.Context(), "/api/transfers?limit="+strconv.Itoa(transfersLimit), &resp); err != nil {
		return err
	}
	if len(resp.Transfers) == 0 {
		fmt.Fprintln(out, "No transfers.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILE\tPEER\tPROGRESS\tSTATE\tUPDATED")
	for _, r := range resp.Transfers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.UUID,
			r.Filename,
			r.Peer,
			progress(r.Received, r.Filesize),
			r.State,
			r.UpdatedAt.Local().Format("15:04:05"),
		)
	}
	return w.Flush()
}

func progress(received, total int64) string {
	if total <= 0 {
		return "100%"
	}
	return fmt.Sprintf("%d%%", received*100/total)
}

// humanBytes formats n as B, KB, MB or GB.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 2; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMG"[exp])
}

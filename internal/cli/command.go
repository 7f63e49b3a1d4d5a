package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meshwork/meshnode/internal/api"
	"github.com/meshwork/meshnode/internal/domain"
)

func init() {
	commandCmd.Flags().BoolVar(&commandNoWait, "no-wait", false, "Send without waiting for COMMAND_RESPONSE")
	commandCmd.Flags().BoolVar(&commandPropagate, "propagate", false, "Ask receivers to relay the command to their peers")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries")
	rootCmd.AddCommand(commandCmd, historyCmd)
}

var (
	commandNoWait    bool
	commandPropagate bool
	historyLimit     int
)

var commandCmd = &cobra.Command{
	Use:   "command PEER COMMAND [ARGS...]",
	Short: "Run a built-in command on a peer",
	Long: `Send a COMMAND envelope to PEER. Peers run built-in commands only:
echo, time, version, whoami, peers.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCommand,
}

func runCommand(cmd *cobra.Command, args []string) error {
	ref, err := parsePeer(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	req := api.CommandRequest{
		PeerRef:   ref,
		Command:   strings.Join(args[1:], " "),
		Respond:   !commandNoWait,
		Propagate: commandPropagate,
	}
	var resp api.CommandResponse
	if err := c.post(cmd.Context(), "/api/command", req, &resp); err != nil {
		return err
	}
	if resp.Status == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Sent.")
		return nil
	}
	if resp.Status != domain.StatusOK.String() {
		return fmt.Errorf("remote command failed: %s", resp.Value)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Value)
	return nil
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List commands peers ran on this node",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		Commands []domain.CommandRecord `json:"commands"`
	}
	if err := c.get(cmd.Context(), "/api/commands?limit="+strconv.Itoa(historyLimit), &resp); err != nil {
		return err
	}
	if len(resp.Commands) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No commands yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPEER\tCOMMAND\tSTATUS\tMS")
	for _, r := range resp.Commands {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Peer,
			r.Command,
			r.Status,
			r.DurationMs,
		)
	}
	return w.Flush()
}

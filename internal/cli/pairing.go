package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/switchboard/pkg/pairing"
	"github.com/spf13/cobra"
)

var pairingState string

var pairingCmd = &cobra.Command{
	Use:   "pairing",
	Short: "Manage channel pairing requests",
}

var pairingListCmd = &cobra.Command{
	Use:   "list [channel]",
	Short: "List pairing requests",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPairingList,
}

var pairingApproveCmd = &cobra.Command{
	Use:   "approve <channel> <code>",
	Short: "Approve a pending pairing request by code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolvePairing(cmd, "pairing.approve", "Approved", args)
	},
}

var pairingRejectCmd = &cobra.Command{
	Use:   "reject <channel> <code>",
	Short: "Reject a pending pairing request by code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolvePairing(cmd, "pairing.reject", "Rejected", args)
	},
}

func init() {
	pairingListCmd.Flags().StringVar(&pairingState, "state", string(pairing.StatePending), "filter by state (pending, approved, rejected); empty lists all")
	pairingCmd.AddCommand(pairingListCmd, pairingApproveCmd, pairingRejectCmd)
	rootCmd.AddCommand(pairingCmd)
}

func runPairingList(cmd *cobra.Command, args []string) error {
	params := map[string]interface{}{"state": pairingState}
	if len(args) == 1 {
		params["channel"] = strings.ToLower(strings.TrimSpace(args[0]))
	}

	var requests []pairing.Request
	if err := callGateway(cmd, "pairing.list", params, &requests, defaultCallTimeout); err != nil {
		return err
	}
	if done, err := printStructured(cmd, requests); done {
		return err
	}
	if len(requests) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pairing requests.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tCODE\tSENDER\tREQUESTS\tSTATE\tEXPIRES IN")
	for _, req := range requests {
		expires := "-"
		if req.State == pairing.StatePending {
			remaining := time.Until(req.ExpiresAt).Round(time.Second)
			if remaining < 0 {
				remaining = 0
			}
			expires = formatDuration(remaining)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			req.Channel, req.Code, req.SenderID, req.RequestCount, req.State, expires)
	}
	return w.Flush()
}

func resolvePairing(cmd *cobra.Command, method, verb string, args []string) error {
	channel := strings.ToLower(strings.TrimSpace(args[0]))
	code := strings.ToUpper(strings.TrimSpace(args[1]))
	if channel == "" || code == "" {
		return fmt.Errorf("channel and code are required")
	}

	var req pairing.Request
	if err := callGateway(cmd, method, map[string]interface{}{"channel": channel, "code": code}, &req, defaultCallTimeout); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s pairing for %s (sender %s).\n", verb, channel, req.SenderID)
	return nil
}

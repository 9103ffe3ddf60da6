package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/harun/switchboard/pkg/gateway"
	"github.com/harun/switchboard/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsShowLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show the messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsShowCmd.Flags().IntVarP(&sessionsShowLimit, "limit", "n", 20, "show only the last n messages; 0 shows all")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	var infos []session.Info
	if err := callGateway(cmd, "sessions.list", nil, &infos, defaultCallTimeout); err != nil {
		return err
	}
	if done, err := printStructured(cmd, infos); done {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tMESSAGES\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.MessageCount, info.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	var detail gateway.SessionDetail
	params := map[string]interface{}{"key": args[0], "limit": sessionsShowLimit}
	if err := callGateway(cmd, "sessions.show", params, &detail, defaultCallTimeout); err != nil {
		return err
	}
	if done, err := printStructured(cmd, detail); done {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s (last seq %d)\n", detail.Meta.Key, detail.Meta.LastSeq)
	for _, msg := range detail.Messages {
		fmt.Fprintf(out, "[%d] %s %s: %s\n", msg.Seq, msg.Timestamp.Local().Format("15:04:05"), msg.Role, renderMessage(msg))
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	if err := callGateway(cmd, "sessions.delete", map[string]interface{}{"key": args[0]}, nil, defaultCallTimeout); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
	return nil
}

func renderMessage(msg session.Message) string {
	if text := msg.Text(); text != "" {
		return text
	}
	if calls := msg.ToolCalls(); len(calls) > 0 {
		names := make([]string, 0, len(calls))
		for _, c := range calls {
			names = append(names, c.Name)
		}
		return fmt.Sprintf("(tool calls: %v)", names)
	}
	if results := msg.ToolResults(); len(results) > 0 {
		return fmt.Sprintf("(%d tool results)", len(results))
	}
	return ""
}

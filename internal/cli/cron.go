package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/switchboard/pkg/cron"
	"github.com/harun/switchboard/pkg/gateway"
	"github.com/spf13/cobra"
)

var (
	cronListAll bool

	cronAddName           string
	cronAddEvery          time.Duration
	cronAddExpr           string
	cronAddTZ             string
	cronAddAt             string
	cronAddMessage        string
	cronAddSession        string
	cronAddDeliver        bool
	cronAddChannel        string
	cronAddTo             string
	cronAddDeleteAfterRun bool

	cronRunForce bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runCronList,
}

var cronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled job",
	Long: `Add a scheduled job. Exactly one of --every, --cron or --at selects the
schedule. When the job fires, --message is delivered to the agent as a
synthetic turn.`,
	Example: `  switchboard cron add --name standup --cron "0 9 * * 1-5" --tz Europe/Berlin --message "Post the standup reminder" --deliver
  switchboard cron add --name ping --every 1h --message "Check the build"
  switchboard cron add --name once --at 2026-12-24T18:00:00Z --message "Send greetings"`,
	Args: cobra.NoArgs,
	RunE: runCronAdd,
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRemove,
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCronEnabled(cmd, args[0], true)
	},
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCronEnabled(cmd, args[0], false)
	},
}

var cronRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Fire a scheduled job now",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRun,
}

func init() {
	cronListCmd.Flags().BoolVarP(&cronListAll, "all", "a", false, "include disabled jobs")

	f := cronAddCmd.Flags()
	f.StringVar(&cronAddName, "name", "", "job name")
	f.DurationVar(&cronAddEvery, "every", 0, "fixed interval, e.g. 30m")
	f.StringVar(&cronAddExpr, "cron", "", "5-field cron expression")
	f.StringVar(&cronAddTZ, "tz", "", "IANA timezone for --cron")
	f.StringVar(&cronAddAt, "at", "", "one-shot time, RFC 3339")
	f.StringVarP(&cronAddMessage, "message", "m", "", "message delivered to the agent")
	f.StringVar(&cronAddSession, "session", "", "session the turn runs in (default: the job's own)")
	f.BoolVar(&cronAddDeliver, "deliver", false, "send the reply to a channel")
	f.StringVar(&cronAddChannel, "channel", "", "reply channel (default: the session's last route)")
	f.StringVar(&cronAddTo, "to", "", "reply chat id")
	f.BoolVar(&cronAddDeleteAfterRun, "delete-after-run", false, "remove a one-shot job after it fires")
	_ = cronAddCmd.MarkFlagRequired("name")
	_ = cronAddCmd.MarkFlagRequired("message")

	cronRunCmd.Flags().BoolVarP(&cronRunForce, "force", "f", false, "run even when the job is disabled")

	cronCmd.AddCommand(cronListCmd, cronAddCmd, cronRemoveCmd, cronEnableCmd, cronDisableCmd, cronRunCmd)
	rootCmd.AddCommand(cronCmd)
}

func runCronList(cmd *cobra.Command, args []string) error {
	var jobs []cron.Job
	if err := callGateway(cmd, "cron.list", map[string]interface{}{"includeDisabled": cronListAll}, &jobs, defaultCallTimeout); err != nil {
		return err
	}
	if done, err := printStructured(cmd, jobs); done {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled jobs.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			job.ID, job.Name, describeSchedule(job.Schedule), job.Enabled,
			formatMs(job.State.NextRunAtMs), orDash(job.State.LastStatus))
	}
	return w.Flush()
}

// buildSchedule turns the add flags into a schedule. Exactly one kind must
// be selected.
func buildSchedule() (cron.Schedule, error) {
	var kinds []string
	var s cron.Schedule
	if cronAddEvery > 0 {
		kinds = append(kinds, "--every")
		s = cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: cronAddEvery.Milliseconds()}
	}
	if cronAddExpr != "" {
		kinds = append(kinds, "--cron")
		s = cron.Schedule{Kind: cron.ScheduleKindCron, Expr: cronAddExpr, TZ: cronAddTZ}
	}
	if cronAddAt != "" {
		kinds = append(kinds, "--at")
		at, err := time.Parse(time.RFC3339, cronAddAt)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at time: %w", err)
		}
		s = cron.Schedule{Kind: cron.ScheduleKindAt, AtMs: at.UnixMilli()}
	}
	switch len(kinds) {
	case 0:
		return cron.Schedule{}, fmt.Errorf("one of --every, --cron or --at is required")
	case 1:
	default:
		return cron.Schedule{}, fmt.Errorf("only one of %s may be set", strings.Join(kinds, ", "))
	}
	if cronAddTZ != "" && s.Kind != cron.ScheduleKindCron {
		return cron.Schedule{}, fmt.Errorf("--tz only applies to --cron schedules")
	}
	return s, cron.ValidateSchedule(s)
}

func runCronAdd(cmd *cobra.Command, args []string) error {
	schedule, err := buildSchedule()
	if err != nil {
		return err
	}
	params := map[string]interface{}{
		"name":     cronAddName,
		"schedule": schedule,
		"payload": cron.Payload{
			Message:    cronAddMessage,
			SessionKey: cronAddSession,
			Deliver:    cronAddDeliver,
			Channel:    cronAddChannel,
			To:         cronAddTo,
		},
		"deleteAfterRun": cronAddDeleteAfterRun,
	}

	var job cron.Job
	if err := callGateway(cmd, "cron.add", params, &job, defaultCallTimeout); err != nil {
		return err
	}
	if done, err := printStructured(cmd, job); done {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s), next run %s\n", job.ID, job.Name, formatMs(job.State.NextRunAtMs))
	return nil
}

func runCronRemove(cmd *cobra.Command, args []string) error {
	if err := callGateway(cmd, "cron.remove", map[string]interface{}{"id": args[0]}, nil, defaultCallTimeout); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
	return nil
}

func setCronEnabled(cmd *cobra.Command, id string, enabled bool) error {
	var job cron.Job
	if err := callGateway(cmd, "cron.enable", map[string]interface{}{"id": id, "enabled": enabled}, &job, defaultCallTimeout); err != nil {
		return err
	}
	state := "Disabled"
	if job.Enabled {
		state = "Enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s job %s (%s)\n", state, job.ID, job.Name)
	return nil
}

func runCronRun(cmd *cobra.Command, args []string) error {
	var ok gateway.OK
	if err := callGateway(cmd, "cron.run", map[string]interface{}{"id": args[0], "force": cronRunForce}, &ok, defaultCallTimeout); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Triggered job %s\n", args[0])
	return nil
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleKindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleKindAt:
		return "at " + time.UnixMilli(s.AtMs).Local().Format(time.RFC3339)
	case cron.ScheduleKindCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return string(s.Kind)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

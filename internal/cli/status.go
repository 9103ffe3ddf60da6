package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/harun/switchboard/internal/daemon"
	"github.com/harun/switchboard/pkg/gateway"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the Switchboard daemon is running and, when the gateway is reachable, its queue and scheduler state.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// StatusReport is the structured form of the status command.
type StatusReport struct {
	Running bool            `json:"running"`
	PID     int             `json:"pid,omitempty"`
	Gateway string          `json:"gateway,omitempty"`
	Health  *gateway.Health `json:"health,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	report := StatusReport{}
	pid, err := daemon.ReadPID(cfg.DataDir)
	switch {
	case err == nil:
		report.Running = true
		report.PID = pid
	case !errors.Is(err, daemon.ErrNotRunning):
		return err
	}

	if report.Running && cfg.Gateway.Enabled {
		report.Gateway = gatewayURL(cfg)
		var health gateway.Health
		if err := callGateway(cmd, "health", nil, &health, 5*time.Second); err != nil {
			report.Error = err.Error()
		} else {
			report.Health = &health
		}
	}

	if done, err := printStructured(cmd, report); done {
		return err
	}
	printStatus(cmd, report)
	return nil
}

func printStatus(cmd *cobra.Command, r StatusReport) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	if !r.Running {
		fmt.Fprint(out, "Status: ")
		red.Fprintln(out, "stopped")
		return
	}
	fmt.Fprint(out, "Status: ")
	green.Fprintln(out, "running")
	fmt.Fprintf(out, "PID: %d\n", r.PID)

	if r.Gateway == "" {
		return
	}
	fmt.Fprint(out, "Gateway: ")
	cyan.Fprintln(out, r.Gateway)
	if r.Error != "" {
		fmt.Fprint(out, "Health: ")
		red.Fprintf(out, "unreachable (%s)\n", r.Error)
		return
	}

	h := r.Health
	fmt.Fprintf(out, "Uptime: %s\n", h.Uptime)
	fmt.Fprintf(out, "Clients: %d\n", h.Clients)
	if h.Dispatcher != nil {
		fmt.Fprintf(out, "Queue: %d queued, %d active, %d workers\n",
			h.Dispatcher.Queue.Queued, h.Dispatcher.Queue.Active, h.Dispatcher.Queue.Workers)
	}
	if h.Cron != nil {
		fmt.Fprintf(out, "Cron: %d jobs (%d enabled), next wake %s\n", h.Cron.Jobs, h.Cron.Enabled, formatMs(h.Cron.NextWakeAtMs))
	}
}

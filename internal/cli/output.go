package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/gateway"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultCallTimeout = 30 * time.Second

// gatewayURL returns the base URL the CLI uses to reach the running daemon.
func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

// callGateway invokes an admin method on the running daemon.
func callGateway(cmd *cobra.Command, method string, params map[string]interface{}, out interface{}, timeout time.Duration) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Gateway.Enabled {
		return fmt.Errorf("gateway is disabled in the config; enable it to use admin commands")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client := gateway.NewRPCClient(gatewayURL(cfg), cfg.Gateway.SharedSecret)
	if err := client.Call(ctx, method, params, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// printStructured writes v as json or yaml when --output asks for it. It
// reports false for text output so the caller renders its own table.
func printStructured(cmd *cobra.Command, v interface{}) (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "", "text":
		return false, nil
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return true, nil
	case "yaml":
		// Go through JSON so raw JSON fields render as values.
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return true, nil
	default:
		return true, fmt.Errorf("unknown output format %q (want text, json or yaml)", outputFormat)
	}
}

func formatMs(ms *int64) string {
	if ms == nil || *ms == 0 {
		return "-"
	}
	return time.UnixMilli(*ms).Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

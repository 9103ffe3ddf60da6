package cli

import (
	"errors"
	"fmt"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/daemon"
	"github.com/harun/switchboard/internal/logger"
	"github.com/spf13/cobra"
)

var startPretty bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Switchboard daemon",
	Long: `Start the Switchboard daemon in the foreground.
The daemon receives messages from the configured channels, runs agent turns,
fires scheduled jobs and serves the admin gateway until it receives SIGINT
or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startPretty, "pretty", true, "human-readable console logs")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if pid, err := daemon.ReadPID(cfg.DataDir); err == nil {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	} else if !errors.Is(err, daemon.ErrNotRunning) {
		return err
	}

	log, err := logger.New(loggerConfig(cfg, startPretty))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	log.SetGlobal()

	d, err := daemon.New(cfg, daemon.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	return d.Run(cmd.Context())
}

// loggerConfig maps the logging section onto the logger, registering every
// configured credential for redaction.
func loggerConfig(cfg *config.Config, pretty bool) logger.Config {
	lc := logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  true,
	}
	for _, p := range cfg.AI.Profiles {
		lc.Secrets = append(lc.Secrets, p.APIKey)
	}
	lc.Secrets = append(lc.Secrets, cfg.Channels.Telegram.BotToken, cfg.Gateway.SharedSecret)
	return lc
}

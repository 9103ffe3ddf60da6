package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const secretAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading stdin and writing stdout.
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard over arbitrary streams.
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{reader: bufio.NewReader(in), out: out}
}

// GenerateSecret returns a random gateway shared secret.
func GenerateSecret() (string, error) {
	return gonanoid.Generate(secretAlphabet, 40)
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== Switchboard Configuration Wizard ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	w.println("API Keys (at least one is required):")
	w.println()

	for _, provider := range []struct{ id, label string }{
		{"anthropic", "Anthropic"},
		{"openai", "OpenAI"},
	} {
		for {
			w.printf("%s API Key (press Enter to skip): ", provider.label)
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, provider.id); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
				ID:       provider.id,
				Provider: provider.id,
				APIKey:   key,
				Priority: len(cfg.AI.Profiles),
			})
			break
		}
	}

	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}
	if cfg.AI.Profiles[0].Provider == "openai" {
		cfg.Agent.Model = "gpt-4o"
	}

	w.println()
	w.println("Telegram Configuration:")
	w.println()
	w.printf("Enable Telegram integration? (y/n) [y]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if enable == "" || strings.EqualFold(enable, "y") {
		cfg.Channels.Telegram.Enabled = true

		for {
			w.printf("Telegram Bot Token: ")
			token, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if token == "" {
				w.println("Error: Bot token is required when Telegram is enabled")
				continue
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Channels.Telegram.BotToken = token
			break
		}

		w.println()
		w.println("DM Policy options:")
		w.println("  pairing   - Unknown senders get a pairing code (default)")
		w.println("  allowlist - Only users in allowlist can DM")
		w.println("  open      - Anyone can DM")
		w.println("  disabled  - No DMs allowed")
		w.printf("DM Policy [pairing]: ")
		policy, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if policy == "" {
			policy = "pairing"
		}
		if err := validator.ValidateDMPolicy(policy); err != nil {
			w.printf("Warning: %v, using default (pairing)\n", err)
			policy = "pairing"
		}
		cfg.Channels.Telegram.Policy.DMPolicy = policy
	} else {
		cfg.Channels.Telegram.Enabled = false
	}

	w.println()
	w.println("Default Model:")
	w.printf("Model name [%s]: ", cfg.Agent.Model)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Agent.Model = model
	}

	w.println()
	w.println("Logging:")
	w.printf("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate gateway secret: %w", err)
	}
	cfg.Gateway.SharedSecret = secret

	w.println()
	w.println("Configuration complete!")
	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) printf(format string, args ...interface{}) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Wizard) println(args ...interface{}) {
	fmt.Fprintln(w.out, args...)
}

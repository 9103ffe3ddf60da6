package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the daemon configuration, read from
// ~/.switchboard/switchboard.json with SWITCHBOARD_* environment overrides.
type Config struct {
	// DataDir holds sessions, pairing state, cron jobs and the delivery ledger.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// Workspace holds MEMORY.md, HISTORY.md, HEARTBEAT.md, the bootstrap
	// files (AGENTS.md, SOUL.md, ...) and skills/.
	Workspace string `json:"workspace" mapstructure:"workspace"`

	AI         AIConfig         `json:"ai" mapstructure:"ai"`
	Agent      AgentConfig      `json:"agent" mapstructure:"agent"`
	Channels   ChannelsConfig   `json:"channels" mapstructure:"channels"`
	Pairing    PairingConfig    `json:"pairing" mapstructure:"pairing"`
	Dispatcher DispatcherConfig `json:"dispatcher" mapstructure:"dispatcher"`
	Cron       CronConfig       `json:"cron" mapstructure:"cron"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat" mapstructure:"heartbeat"`
	Subagents  SubagentsConfig  `json:"subagents" mapstructure:"subagents"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
}

// AIConfig holds LLM provider credentials.
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile is one provider credential. Lower priority is tried first.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig configures the agent loop.
type AgentConfig struct {
	Model              string           `json:"model" mapstructure:"model"`
	Temperature        float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens          int              `json:"max_tokens" mapstructure:"max_tokens"`
	MaxSteps           int              `json:"max_steps" mapstructure:"max_steps"`
	MaxRetries         int              `json:"max_retries" mapstructure:"max_retries"`
	ToolTimeoutSeconds int              `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	CallTimeoutSeconds int              `json:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
	MemoryWindow       int              `json:"memory_window" mapstructure:"memory_window"`
	SystemPrompt       string           `json:"system_prompt" mapstructure:"system_prompt"`
	Tools              ToolPolicyConfig `json:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// PolicyConfig is the consent policy of a channel.
type PolicyConfig struct {
	DMPolicy       string   `json:"dm_policy" mapstructure:"dm_policy"`       // pairing, allowlist, open, disabled
	GroupPolicy    string   `json:"group_policy" mapstructure:"group_policy"` // mention, open, allowlist, disabled
	AllowFrom      []string `json:"allow_from" mapstructure:"allow_from"`
	GroupAllowFrom []string `json:"group_allow_from" mapstructure:"group_allow_from"`
}

// ChannelsConfig holds per-channel settings. Default applies to channels
// without a policy of their own.
type ChannelsConfig struct {
	Default  PolicyConfig   `json:"default" mapstructure:"default"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled            bool         `json:"enabled" mapstructure:"enabled"`
	BotToken           string       `json:"bot_token" mapstructure:"bot_token"`
	PollTimeoutSeconds int          `json:"poll_timeout_seconds" mapstructure:"poll_timeout_seconds"`
	SendsPerSecond     float64      `json:"sends_per_second" mapstructure:"sends_per_second"`
	Policy             PolicyConfig `json:"policy" mapstructure:"policy"`
}

// PairingConfig bounds outstanding pairing requests.
type PairingConfig struct {
	MaxPending      int `json:"max_pending" mapstructure:"max_pending"`
	PendingTTLHours int `json:"pending_ttl_hours" mapstructure:"pending_ttl_hours"`
}

// DispatcherConfig sizes the gateway dispatcher.
type DispatcherConfig struct {
	Workers              int `json:"workers" mapstructure:"workers"`
	MaxQueued            int `json:"max_queued" mapstructure:"max_queued"`
	InboundBuffer        int `json:"inbound_buffer" mapstructure:"inbound_buffer"`
	OutboundBuffer       int `json:"outbound_buffer" mapstructure:"outbound_buffer"`
	MaxRequeue           int `json:"max_requeue" mapstructure:"max_requeue"`
	DedupeTTLSeconds     int `json:"dedupe_ttl_seconds" mapstructure:"dedupe_ttl_seconds"`
	SendTimeoutSeconds   int `json:"send_timeout_seconds" mapstructure:"send_timeout_seconds"`
	DrainTimeoutSeconds  int `json:"drain_timeout_seconds" mapstructure:"drain_timeout_seconds"`
	LedgerRetentionHours int `json:"ledger_retention_hours" mapstructure:"ledger_retention_hours"`
}

// CronConfig configures the scheduler.
type CronConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Timezone string `json:"timezone" mapstructure:"timezone"`
}

// HeartbeatConfig configures the periodic HEARTBEAT.md check.
type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	IntervalMinutes int    `json:"interval_minutes" mapstructure:"interval_minutes"`
	SessionKey      string `json:"session_key" mapstructure:"session_key"`
	Channel         string `json:"channel" mapstructure:"channel"`
	To              string `json:"to" mapstructure:"to"`
}

// SubagentsConfig bounds background tasks started with the spawn tool.
type SubagentsConfig struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	MaxConcurrent  int  `json:"max_concurrent" mapstructure:"max_concurrent"`
	MaxSteps       int  `json:"max_steps" mapstructure:"max_steps"`
	TimeoutMinutes int  `json:"timeout_minutes" mapstructure:"timeout_minutes"`
}

// GatewayConfig holds the admin gateway settings.
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{Profiles: []AIProfile{}},
		Agent: AgentConfig{
			Model:              "claude-sonnet-4-5",
			Temperature:        0.7,
			MaxTokens:          8192,
			MaxSteps:           20,
			MaxRetries:         3,
			ToolTimeoutSeconds: 30,
			CallTimeoutSeconds: 120,
			MemoryWindow:       50,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Channels: ChannelsConfig{
			Default: PolicyConfig{DMPolicy: "pairing", GroupPolicy: "mention"},
			Telegram: TelegramConfig{
				Enabled:            false,
				PollTimeoutSeconds: 30,
				SendsPerSecond:     1,
				Policy:             PolicyConfig{DMPolicy: "pairing", GroupPolicy: "mention"},
			},
		},
		Pairing: PairingConfig{
			MaxPending:      20,
			PendingTTLHours: 24,
		},
		Dispatcher: DispatcherConfig{
			Workers:              8,
			MaxQueued:            256,
			InboundBuffer:        100,
			OutboundBuffer:       100,
			MaxRequeue:           3,
			DedupeTTLSeconds:     1200,
			SendTimeoutSeconds:   30,
			DrainTimeoutSeconds:  30,
			LedgerRetentionHours: 72,
		},
		Cron: CronConfig{
			Enabled:  true,
			Timezone: "",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			IntervalMinutes: 30,
			SessionKey:      "heartbeat:main",
		},
		Subagents: SubagentsConfig{
			Enabled:        true,
			MaxConcurrent:  4,
			MaxSteps:       15,
			TimeoutMinutes: 10,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              18790,
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = maskSecret(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	masked.Channels.Telegram.BotToken = maskSecret(c.Channels.Telegram.BotToken)
	masked.Gateway.SharedSecret = maskSecret(c.Gateway.SharedSecret)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 4)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	seen := make(map[string]bool)
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when the Telegram channel is enabled")
	}
	if c.Gateway.Enabled {
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway shared_secret is required when the gateway is enabled")
		}
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
		}
	}
	if c.Dispatcher.Workers < 0 || c.Dispatcher.MaxQueued < 0 {
		return fmt.Errorf("dispatcher workers and max_queued must be >= 0")
	}

	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

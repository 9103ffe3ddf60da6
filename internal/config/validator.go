package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator checks individual configuration values.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey checks the key prefix the provider issues.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateTelegramToken checks the <bot_id>:<secret> token shape.
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateDMPolicy validates a direct-message consent policy.
func (v *Validator) ValidateDMPolicy(policy string) error {
	if policy == "" {
		return nil
	}
	return oneOf("DM policy", policy, "pairing", "allowlist", "open", "disabled")
}

// ValidateGroupPolicy validates a group consent policy.
func (v *Validator) ValidateGroupPolicy(policy string) error {
	if policy == "" {
		return nil
	}
	return oneOf("group policy", policy, "mention", "open", "allowlist", "disabled")
}

// ValidateTimezone checks an IANA zone name. Empty means local time.
func (v *Validator) ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return nil
}

// ValidateCronExpr checks a 5-field cron expression.
func (v *Validator) ValidateCronExpr(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

func oneOf(what, value string, valid ...string) error {
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(valid, ", "))
}

// ValidateConfig collects every value-level problem in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for i, profile := range cfg.AI.Profiles {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if cfg.Channels.Telegram.Enabled {
		add(v.ValidateTelegramToken(cfg.Channels.Telegram.BotToken))
	}
	if cfg.Channels.Telegram.SendsPerSecond < 0 {
		add(fmt.Errorf("telegram sends_per_second must be >= 0"))
	}
	for _, p := range []PolicyConfig{cfg.Channels.Default, cfg.Channels.Telegram.Policy} {
		add(v.ValidateDMPolicy(p.DMPolicy))
		add(v.ValidateGroupPolicy(p.GroupPolicy))
	}

	add(v.ValidateTemperature(cfg.Agent.Temperature))
	if cfg.Agent.MaxTokens != 0 {
		add(v.ValidateMaxTokens(cfg.Agent.MaxTokens))
	}
	if cfg.Agent.MaxSteps < 0 {
		add(fmt.Errorf("agent max_steps must be >= 0"))
	}

	if cfg.Dispatcher.DedupeTTLSeconds < 0 {
		add(fmt.Errorf("dispatcher dedupe_ttl_seconds must be >= 0"))
	}
	add(v.ValidateTimezone(cfg.Cron.Timezone))
	if cfg.Heartbeat.Enabled && cfg.Heartbeat.IntervalMinutes <= 0 {
		add(fmt.Errorf("heartbeat interval_minutes must be positive"))
	}
	if cfg.Subagents.MaxConcurrent < 0 || cfg.Subagents.MaxSteps < 0 || cfg.Subagents.TimeoutMinutes < 0 {
		add(fmt.Errorf("subagents limits must be >= 0"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add(fmt.Errorf("tracing sample_ratio must be between 0 and 1"))
	}
	add(v.ValidateLogLevel(cfg.Logging.Level))
	return errs
}

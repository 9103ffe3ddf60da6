package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-test123", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("invalid-key", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-test123", "openai"))
	assert.Error(t, v.ValidateAPIKey("invalid-key", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "anthropic"))
}

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTelegramToken("123456789:ABCdef_GHI-jkl"))
	assert.Error(t, v.ValidateTelegramToken(""))
	assert.Error(t, v.ValidateTelegramToken("no-colon"))
	assert.Error(t, v.ValidateTelegramToken("abc:def"))
}

func TestValidatePolicies(t *testing.T) {
	v := NewValidator()

	for _, p := range []string{"", "pairing", "allowlist", "open", "disabled"} {
		assert.NoError(t, v.ValidateDMPolicy(p), p)
	}
	assert.Error(t, v.ValidateDMPolicy("mention"))

	for _, p := range []string{"", "mention", "open", "allowlist", "disabled"} {
		assert.NoError(t, v.ValidateGroupPolicy(p), p)
	}
	assert.Error(t, v.ValidateGroupPolicy("pairing"))
}

func TestValidateRanges(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(2))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.1))

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))

	assert.NoError(t, v.ValidateTimezone(""))
	assert.NoError(t, v.ValidateTimezone("Europe/Berlin"))
	assert.Error(t, v.ValidateTimezone("Nowhere/Special"))

	assert.NoError(t, v.ValidateCronExpr("0 9 * * 1-5"))
	assert.Error(t, v.ValidateCronExpr("every day"))
}

func TestValidateConfigCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.Temperature = 5
	cfg.Logging.Level = "loud"
	cfg.Tracing.SampleRatio = 2
	cfg.Subagents.MaxConcurrent = -1

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 4)
}

func TestWizardRun(t *testing.T) {
	input := strings.Join([]string{
		"sk-ant-wizard",     // anthropic
		"",                  // openai skipped
		"y",                 // telegram
		"bad-token",         // rejected
		"123456:TokenValue", // accepted
		"",                  // dm policy default
		"",                  // model default
		"debug",             // log level
	}, "\n") + "\n"
	var out bytes.Buffer

	cfg, err := NewWizardIO(strings.NewReader(input), &out).Run()
	require.NoError(t, err)

	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, "123456:TokenValue", cfg.Channels.Telegram.BotToken)
	assert.Equal(t, "pairing", cfg.Channels.Telegram.Policy.DMPolicy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Len(t, cfg.Gateway.SharedSecret, 40)
	assert.Contains(t, out.String(), "Error: invalid Telegram bot token format")
	assert.NoError(t, cfg.Validate())
}

func TestWizardRequiresAPIKey(t *testing.T) {
	_, err := NewWizardIO(strings.NewReader("\n\n"), &bytes.Buffer{}).Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one API key")
}

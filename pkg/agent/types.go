package agent

import (
	"time"

	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

const (
	DefaultModel           = "claude-sonnet-4-5"
	DefaultMaxTokens       = 8192
	DefaultTemperature     = 0.7
	DefaultMaxSteps        = 20
	DefaultMaxRetries      = 3
	DefaultRetryBaseDelay  = time.Second
	DefaultToolTimeout     = 30 * time.Second
	DefaultCallTimeout     = 120 * time.Second
	DefaultProfileCooldown = time.Minute

	// MetadataMessageID keys the inbound event id in a user message's
	// metadata. A turn for an id already in the log resumes that turn.
	MetadataMessageID = "message_id"

	reflectPrompt  = "Reflect on the results and decide next steps."
	emptyReplyText = "I've completed processing but have no response to give."
)

// Config configures the agent loop.
type Config struct {
	Model          string                   `json:"model" mapstructure:"model"`
	MaxTokens      int                      `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64                  `json:"temperature" mapstructure:"temperature"`
	MaxSteps       int                      `json:"max_steps" mapstructure:"max_steps"`
	MaxRetries     int                      `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay time.Duration            `json:"retry_base_delay" mapstructure:"retry_base_delay"`
	ToolTimeout    time.Duration            `json:"tool_timeout" mapstructure:"tool_timeout"`
	CallTimeout    time.Duration            `json:"call_timeout" mapstructure:"call_timeout"`
	SystemPrompt   string                   `json:"system_prompt" mapstructure:"system_prompt"`
	MemoryWindow   int                      `json:"memory_window" mapstructure:"memory_window"`
	ToolPolicy     *toolexecutor.ToolPolicy `json:"tool_policy,omitempty" mapstructure:"tool_policy"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Model:          DefaultModel,
		MaxTokens:      DefaultMaxTokens,
		Temperature:    DefaultTemperature,
		MaxSteps:       DefaultMaxSteps,
		MaxRetries:     DefaultMaxRetries,
		RetryBaseDelay: DefaultRetryBaseDelay,
		ToolTimeout:    DefaultToolTimeout,
		CallTimeout:    DefaultCallTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.Temperature < 0 {
		c.Temperature = d.Temperature
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// AuthProfile is one set of provider credentials. Lower Priority is tried
// first; a failing profile cools down before it is tried again.
type AuthProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`

	cooldownUntil time.Time
	failureCount  int
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(o *TokenUsage) {
	if o == nil {
		return
	}
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Turn is one inbound event handed to the agent loop.
type Turn struct {
	SessionKey string
	Channel    string
	ChatID     string
	SenderID   string
	Parts      []session.Part
	Metadata   map[string]string
	// Synthetic turns (cron, heartbeat, admin) do not update the session's
	// reply route.
	Synthetic bool
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionKey string            `json:"session_key"`
	Reply      string            `json:"reply"`
	Steps      int               `json:"steps"`
	ToolCalls  int               `json:"tool_calls"`
	Usage      TokenUsage        `json:"usage"`
	Appended   []session.Message `json:"-"`
}

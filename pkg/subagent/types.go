package subagent

import (
	"errors"
	"time"
)

const (
	DefaultMaxConcurrent = 4
	DefaultTimeout       = 10 * time.Minute
	// DefaultMaxSteps bounds a background task's agent loop.
	DefaultMaxSteps = 15

	// SessionPrefix starts every child session key.
	SessionPrefix = "subagent:"

	runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	runIDLength   = 8
	labelMaxRunes = 30
)

// SystemPrompt frames the agent loop of a background task.
const SystemPrompt = `# Background Task

You are a background worker started by the main agent to complete one specific task.

## Rules
1. Stay focused and complete only the assigned task.
2. Your final response is reported back to the main agent, not to the user.
3. Do not start conversations or take on side tasks.
4. Be concise but informative in your findings.

You cannot message users directly or start other background tasks.`

// DeniedTools are withheld from background tasks.
var DeniedTools = []string{"spawn", "message", "cron", "sessions_send"}

var (
	ErrTooManyRuns = errors.New("too many background tasks running")
	ErrEmptyTask   = errors.New("task must not be empty")
	ErrClosed      = errors.New("coordinator is closed")
)

// RunStatus represents the execution state of a background task.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
)

// IsTerminal returns true if the status is terminal.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// SpawnParams describes a task to start in the background.
type SpawnParams struct {
	Task             string
	Label            string
	ParentSessionKey string
	// OriginChannel and OriginChatID address the chat the result is
	// announced to.
	OriginChannel string
	OriginChatID  string
}

// RunRecord tracks one background task.
type RunRecord struct {
	ID               string    `json:"id"`
	Label            string    `json:"label"`
	Task             string    `json:"task"`
	ParentSessionKey string    `json:"parent_session_key"`
	ChildSessionKey  string    `json:"child_session_key"`
	OriginChannel    string    `json:"origin_channel,omitempty"`
	OriginChatID     string    `json:"origin_chat_id,omitempty"`
	Status           RunStatus `json:"status"`
	StartedAt        int64     `json:"started_at"`
	CompletedAt      *int64    `json:"completed_at,omitempty"`
	Result           string    `json:"result,omitempty"`
	Error            string    `json:"error,omitempty"`
	Announced        bool      `json:"announced,omitempty"`
}

// Registry is the persisted form of the run table.
type Registry struct {
	Version     int          `json:"version"`
	Runs        []*RunRecord `json:"runs"`
	LastUpdated int64        `json:"last_updated"`
}

// Stats contains coordinator statistics.
type Stats struct {
	TotalRuns     int `json:"total_runs"`
	ActiveRuns    int `json:"active_runs"`
	CompletedRuns int `json:"completed_runs"`
	FailedRuns    int `json:"failed_runs"`
	AbortedRuns   int `json:"aborted_runs"`
}

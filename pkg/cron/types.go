package cron

import (
	"context"
	"errors"
	"time"

	"github.com/harun/switchboard/pkg/bus"
	"github.com/rs/zerolog"
)

var (
	ErrJobNotFound     = errors.New("cron job not found")
	ErrJobDisabled     = errors.New("cron job is disabled")
	ErrServiceStopped  = errors.New("cron service is stopped")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution
type Schedule struct {
	Kind ScheduleKind `json:"kind" yaml:"kind"`

	// For "at" schedule
	AtMs int64 `json:"atMs,omitempty" yaml:"atMs,omitempty"`

	// For "every" schedule
	EveryMs int64 `json:"everyMs,omitempty" yaml:"everyMs,omitempty"`

	// For "cron" schedule: 5-field expression, evaluated in TZ or the
	// service's default location.
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
	TZ   string `json:"tz,omitempty" yaml:"tz,omitempty"`
}

// Payload is the synthetic message a firing injects.
type Payload struct {
	Message string `json:"message" yaml:"message"`
	// SessionKey addresses the conversation the turn runs in. Empty means
	// a session of the job's own.
	SessionKey string `json:"sessionKey,omitempty" yaml:"sessionKey,omitempty"`
	// Deliver sends the turn's reply to Channel/To, or to the session's
	// last route when those are empty.
	Deliver bool   `json:"deliver,omitempty" yaml:"deliver,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	To      string `json:"to,omitempty" yaml:"to,omitempty"`
}

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty" yaml:"nextRunAtMs,omitempty"`
	// PendingRunAtMs is the boundary handed to the dispatcher but not yet
	// confirmed. It is redelivered on startup.
	PendingRunAtMs    *int64 `json:"pendingRunAtMs,omitempty" yaml:"pendingRunAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty" yaml:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty" yaml:"lastStatus,omitempty"` // "ok" or "error"
	LastError         string `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty" yaml:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty" yaml:"consecutiveErrors,omitempty"`
}

// Job represents a complete cron job definition
type Job struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty" yaml:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs" yaml:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs" yaml:"updatedAtMs"`
	Schedule       Schedule `json:"schedule" yaml:"schedule"`
	Payload        Payload  `json:"payload" yaml:"payload"`
	State          JobState `json:"state" yaml:"state"`
}

// AddParams contains parameters for creating a job
type AddParams struct {
	Name           string   `json:"name"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	// Disabled creates the job without scheduling it.
	Disabled bool `json:"disabled,omitempty"`
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionFinished EventAction = "finished"
	EventActionAdded    EventAction = "added"
	EventActionUpdated  EventAction = "updated"
	EventActionDeleted  EventAction = "deleted"
)

// Event represents a cron system event
type Event struct {
	Action      EventAction `json:"action"`
	JobID       string      `json:"jobId"`
	Status      string      `json:"status,omitempty"`
	Error       string      `json:"error,omitempty"`
	DurationMs  *int64      `json:"durationMs,omitempty"`
	NextRunAtMs *int64      `json:"nextRunAtMs,omitempty"`
}

// Status summarizes the service for the admin surface.
type Status struct {
	Running      bool   `json:"running" yaml:"running"`
	Jobs         int    `json:"jobs" yaml:"jobs"`
	Enabled      int    `json:"enabled" yaml:"enabled"`
	NextWakeAtMs *int64 `json:"nextWakeAtMs,omitempty" yaml:"nextWakeAtMs,omitempty"`
}

// DeliverFunc hands a synthetic event to the dispatcher. It may block for
// back-pressure.
type DeliverFunc func(ctx context.Context, msg bus.InboundMessage) error

// ServiceOptions configures the cron service
type ServiceOptions struct {
	StorePath string // Path to jobs.json
	// DefaultTZ is used for cron expressions without their own TZ.
	DefaultTZ string
	Deliver   DeliverFunc
	OnEvent   func(evt Event)
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// storeFile is the on-disk layout of jobs.json.
type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

const storeVersion = 1

// Int64Ptr returns a pointer to an int64 value
func Int64Ptr(v int64) *int64 {
	return &v
}

func (j *Job) clone() Job {
	out := *j
	out.State.NextRunAtMs = copyPtr(j.State.NextRunAtMs)
	out.State.PendingRunAtMs = copyPtr(j.State.PendingRunAtMs)
	out.State.LastRunAtMs = copyPtr(j.State.LastRunAtMs)
	out.State.LastDurationMs = copyPtr(j.State.LastDurationMs)
	return out
}

func copyPtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

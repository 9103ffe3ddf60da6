package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/bus"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	jobIDLength   = 8

	// retryDelay spaces attempts when a firing could not be persisted.
	retryDelay = 5 * time.Second
)

// Service keeps the job store and runs the scheduler loop. One goroutine
// sleeps until the earliest due job; mutations wake it to recompute.
type Service struct {
	opts   ServiceOptions
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
	holdoff map[string]time.Time
}

// NewService creates a cron service and loads the job store.
func NewService(opts ServiceOptions) (*Service, error) {
	observability.EnsureRegistered()

	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Deliver == nil {
		return nil, fmt.Errorf("deliver callback is required")
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	loc := time.Local
	if opts.DefaultTZ != "" {
		l, err := time.LoadLocation(opts.DefaultTZ)
		if err != nil {
			return nil, fmt.Errorf("invalid default timezone: %w", err)
		}
		loc = l
	}
	logger := log.With().Str("component", "cron").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Service{
		opts:    opts,
		loc:     loc,
		logger:  logger,
		now:     opts.Now,
		jobs:    make(map[string]*Job),
		wake:    make(chan struct{}, 1),
		holdoff: make(map[string]time.Time),
	}

	jobs, err := loadStore(opts.StorePath)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}

	s.logger.Info().Int("jobCount", len(s.jobs)).Msg("Cron service initialized")
	return s, nil
}

// Start recovers unconfirmed firings and launches the scheduler loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}

	now := s.now()
	var pending []Job
	for _, job := range s.jobs {
		if job.State.PendingRunAtMs != nil {
			pending = append(pending, job.clone())
		}
		if job.Enabled && job.State.NextRunAtMs == nil {
			next, ok, err := NextRun(job.Schedule, now, s.loc)
			if err != nil {
				s.logger.Warn().Err(err).Str("jobId", job.ID).Msg("Job has an invalid schedule")
				continue
			}
			if ok {
				job.State.NextRunAtMs = Int64Ptr(next)
			}
		}
	}
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	for _, job := range pending {
		scheduled := *job.State.PendingRunAtMs
		s.logger.Warn().
			Str("jobId", job.ID).
			Time("scheduledAt", time.UnixMilli(scheduled)).
			Msg("Redelivering unconfirmed firing")
		s.deliver(loopCtx, job, scheduled)
	}

	go s.loop(loopCtx)
	s.logger.Info().Msg("Cron scheduler started")
	return nil
}

// Stop ends the scheduler loop and persists the final state.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}
	s.logger.Info().Msg("Cron service stopped")
	return nil
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	for {
		due, wait := s.nextWake()
		for _, id := range due {
			if ctx.Err() != nil {
				return
			}
			s.fireDue(ctx, id)
		}
		if len(due) > 0 {
			continue
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// nextWake returns the jobs due now and how long to sleep otherwise. A
// negative wait means nothing is scheduled.
func (s *Service) nextWake() ([]string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nowMs := now.UnixMilli()
	var due []string
	earliest := int64(-1)
	for id, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		at := *job.State.NextRunAtMs
		if until, ok := s.holdoff[id]; ok && now.Before(until) {
			at = until.UnixMilli()
		} else if at <= nowMs {
			due = append(due, id)
			continue
		}
		if earliest < 0 || at < earliest {
			earliest = at
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return *s.jobs[due[i]].State.NextRunAtMs < *s.jobs[due[j]].State.NextRunAtMs
	})
	if earliest < 0 {
		return due, -1
	}
	wait := time.Duration(earliest-nowMs) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return due, wait
}

// fireDue advances a due job, persists the advanced state together with the
// pending marker, and only then delivers the firing.
func (s *Service) fireDue(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || !job.Enabled || job.State.NextRunAtMs == nil {
		s.mu.Unlock()
		return
	}
	before := job.clone()
	scheduled := *job.State.NextRunAtMs
	now := s.now()

	next, hasNext, err := advance(job.Schedule, scheduled, now, s.loc)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("jobId", id).Msg("Failed to calculate next run, disabling job")
		job.Enabled = false
		job.State.NextRunAtMs = nil
	case hasNext:
		job.State.NextRunAtMs = Int64Ptr(next)
	default:
		job.State.NextRunAtMs = nil
		if !job.DeleteAfterRun {
			job.Enabled = false
		}
	}
	job.State.PendingRunAtMs = Int64Ptr(scheduled)
	job.UpdatedAtMs = now.UnixMilli()

	if err := s.persistLocked(); err != nil {
		*job = before
		s.holdoff[id] = now.Add(retryDelay)
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("jobId", id).Msg("Failed to persist firing, will retry")
		return
	}
	delete(s.holdoff, id)
	snapshot := job.clone()
	s.mu.Unlock()

	s.deliver(ctx, snapshot, scheduled)
}

// RunJob fires a job immediately. Disabled jobs only run when force is set.
// The job's schedule is not changed.
func (s *Service) RunJob(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !job.Enabled && !force {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobDisabled, id)
	}
	scheduled := s.now().UnixMilli()
	job.State.PendingRunAtMs = Int64Ptr(scheduled)
	if err := s.persistLocked(); err != nil {
		job.State.PendingRunAtMs = nil
		s.mu.Unlock()
		return err
	}
	snapshot := job.clone()
	s.mu.Unlock()

	return s.deliver(ctx, snapshot, scheduled)
}

// deliver hands one firing to the dispatcher and records the outcome.
func (s *Service) deliver(ctx context.Context, job Job, scheduled int64) error {
	ctx, span := tracing.StartSpan(ctx, "switchboard.cron", "cron.fire",
		attribute.String("job_id", job.ID),
		attribute.Int64("scheduled_ms", scheduled),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := s.now()
	err := s.opts.Deliver(ctx, s.inboundFor(job, scheduled))
	duration := s.now().Sub(start).Milliseconds()
	observability.RecordCronFire(err == nil)

	s.mu.Lock()
	current, exists := s.jobs[job.ID]
	evt := Event{Action: EventActionFinished, JobID: job.ID, DurationMs: Int64Ptr(duration), Status: "ok"}
	if err != nil {
		evt.Status = "error"
		evt.Error = err.Error()
	}
	if exists {
		// The pending marker stays until Confirm; a failed hand-off keeps
		// it as well so the next start redelivers.
		current.State.LastRunAtMs = Int64Ptr(scheduled)
		current.State.LastDurationMs = Int64Ptr(duration)
		if err != nil {
			current.State.LastStatus = "error"
			current.State.LastError = err.Error()
			current.State.ConsecutiveErrors++
		} else {
			current.State.LastStatus = "ok"
			current.State.LastError = ""
			current.State.ConsecutiveErrors = 0
		}
		if perr := s.persistLocked(); perr != nil {
			logger.Error().Err(perr).Msg("Failed to persist job state")
		}
		evt.NextRunAtMs = copyPtr(current.State.NextRunAtMs)
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Str("jobId", job.ID).Msg("Job delivery failed")
	} else {
		logger.Info().Str("jobId", job.ID).Str("name", job.Name).Msg("Job fired")
	}
	s.opts.OnEvent(evt)
	return tracing.Fail(span, err)
}

func (s *Service) inboundFor(job Job, scheduled int64) bus.InboundMessage {
	sessionKey := job.Payload.SessionKey
	if sessionKey == "" {
		sessionKey = "cron:" + job.ID
	}
	return bus.InboundMessage{
		ID:              uuid.NewString(),
		Channel:         job.Payload.Channel,
		ChatID:          job.Payload.To,
		SenderID:        "cron",
		Content:         job.Payload.Message,
		Timestamp:       s.now(),
		Origin:          bus.OriginCron,
		SessionOverride: sessionKey,
		DedupeKey:       DedupeKey(job.ID, scheduled),
		Silent:          !job.Payload.Deliver,
		Metadata: map[string]string{
			"cron_job_id":   job.ID,
			"cron_job_name": job.Name,
			"scheduled_at":  time.UnixMilli(scheduled).UTC().Format(time.RFC3339),
		},
	}
}

// Confirm records that the firing of jobID at scheduledMs reached a turn
// and clears its pending marker. A one-shot job marked DeleteAfterRun is
// removed at this point. It reports whether the marker was cleared.
func (s *Service) Confirm(jobID string, scheduledMs int64) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.State.PendingRunAtMs == nil || *job.State.PendingRunAtMs != scheduledMs {
		s.mu.Unlock()
		return false
	}
	before := job.clone()
	job.State.PendingRunAtMs = nil
	deleted := false
	if job.DeleteAfterRun && job.Schedule.Kind == ScheduleKindAt && job.State.NextRunAtMs == nil {
		delete(s.jobs, jobID)
		delete(s.holdoff, jobID)
		deleted = true
	}
	if err := s.persistLocked(); err != nil {
		s.jobs[jobID] = job
		*job = before
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("jobId", jobID).Msg("Failed to persist delivery confirmation")
		return false
	}
	s.mu.Unlock()

	s.logger.Debug().Str("jobId", jobID).Time("scheduledAt", time.UnixMilli(scheduledMs)).Msg("Firing confirmed")
	if deleted {
		s.logger.Info().Str("jobId", jobID).Msg("One-shot job removed after run")
		s.opts.OnEvent(Event{Action: EventActionDeleted, JobID: jobID})
	}
	return true
}

// AddJob creates a job and wakes the scheduler.
func (s *Service) AddJob(params AddParams) (*Job, error) {
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(params.Payload.Message) == "" {
		return nil, fmt.Errorf("job message is required")
	}
	if err := ValidateSchedule(params.Schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrServiceStopped
	}

	now := s.now()
	next, ok, err := NextRun(params.Schedule, now, s.loc)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: schedule has no future run", ErrInvalidSchedule)
	}

	id, err := gonanoid.Generate(jobIDAlphabet, jobIDLength)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}
	job := &Job{
		ID:             id,
		Name:           params.Name,
		Enabled:        !params.Disabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		Schedule:       params.Schedule,
		Payload:        params.Payload,
	}
	if job.Enabled {
		job.State.NextRunAtMs = Int64Ptr(next)
	}
	s.jobs[id] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	out := job.clone()
	s.mu.Unlock()

	s.notify()
	s.logger.Info().
		Str("jobId", id).
		Str("name", job.Name).
		Time("nextRun", time.UnixMilli(next)).
		Msg("Job created")
	s.opts.OnEvent(Event{Action: EventActionAdded, JobID: id, NextRunAtMs: copyPtr(out.State.NextRunAtMs)})
	return &out, nil
}

// SetEnabled enables or disables a job. Enabling recomputes the next run
// from now.
func (s *Service) SetEnabled(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	before := job.clone()
	now := s.now()
	job.Enabled = enabled
	job.UpdatedAtMs = now.UnixMilli()
	job.State.NextRunAtMs = nil
	if enabled {
		next, hasNext, err := NextRun(job.Schedule, now, s.loc)
		if err != nil || !hasNext {
			*job = before
			s.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("%w: schedule has no future run", ErrInvalidSchedule)
			}
			return nil, err
		}
		job.State.NextRunAtMs = Int64Ptr(next)
	}
	delete(s.holdoff, id)
	if err := s.persistLocked(); err != nil {
		*job = before
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	out := job.clone()
	s.mu.Unlock()

	s.notify()
	s.logger.Info().Str("jobId", id).Bool("enabled", enabled).Msg("Job updated")
	s.opts.OnEvent(Event{Action: EventActionUpdated, JobID: id, NextRunAtMs: copyPtr(out.State.NextRunAtMs)})
	return &out, nil
}

// RemoveJob deletes a job
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	delete(s.holdoff, id)
	if err := s.persistLocked(); err != nil {
		s.jobs[id] = job
		s.mu.Unlock()
		return fmt.Errorf("failed to persist job: %w", err)
	}
	s.mu.Unlock()

	s.notify()
	s.logger.Info().Str("jobId", id).Str("name", job.Name).Msg("Job removed")
	s.opts.OnEvent(Event{Action: EventActionDeleted, JobID: id})
	return nil
}

// ListJobs returns copies of the jobs ordered by next run; jobs without a
// next run come last in creation order.
func (s *Service) ListJobs(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !includeDisabled && !job.Enabled {
			continue
		}
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].State.NextRunAtMs, jobs[j].State.NextRunAtMs
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs
	})
	return jobs
}

// GetJob returns a copy of one job.
func (s *Service) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.clone(), true
}

// Status reports the job count and the next wake time.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Jobs: len(s.jobs)}
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		st.Enabled++
		if next := job.State.NextRunAtMs; next != nil && (st.NextWakeAtMs == nil || *next < *st.NextWakeAtMs) {
			st.NextWakeAtMs = Int64Ptr(*next)
		}
	}
	return st
}

func (s *Service) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAtMs != jobs[j].CreatedAtMs {
			return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs
		}
		return jobs[i].ID < jobs[j].ID
	})
	return saveStore(s.opts.StorePath, jobs)
}

package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TurnRunner runs one agent turn. The daemon passes a Runner configured
// for background work.
type TurnRunner interface {
	RunTurn(ctx context.Context, turn agent.Turn) (*agent.TurnResult, error)
}

// Config holds coordinator configuration.
type Config struct {
	RegistryPath string
	Runner       TurnRunner
	// Announce hands the finished task's report to the dispatcher as an
	// inbound event on the parent session.
	Announce      func(ctx context.Context, msg bus.InboundMessage) error
	MaxConcurrent int
	Timeout       time.Duration
	Logger        *zerolog.Logger
	Now           func() time.Time
}

// Coordinator starts background tasks and tracks them until their result
// has been announced.
type Coordinator struct {
	runs          map[string]*RunRecord
	registryPath  string
	runner        TurnRunner
	announce      func(ctx context.Context, msg bus.InboundMessage) error
	maxConcurrent int
	timeout       time.Duration
	logger        zerolog.Logger
	now           func() time.Time
	mu            sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewCoordinator creates a coordinator. Call Initialize to load the
// registry before spawning.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.RegistryPath == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Announce == nil {
		return nil, fmt.Errorf("announce function is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.With().Str("component", "subagent").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		runs:          make(map[string]*RunRecord),
		registryPath:  cfg.RegistryPath,
		runner:        cfg.Runner,
		announce:      cfg.Announce,
		maxConcurrent: cfg.MaxConcurrent,
		timeout:       cfg.Timeout,
		logger:        logger,
		now:           cfg.Now,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Initialize loads the registry from disk. Runs that were still going when
// the process stopped are marked aborted.
func (c *Coordinator) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.registryPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}

	var registry Registry
	if err := json.Unmarshal(data, &registry); err != nil {
		c.logger.Error().Err(err).Msg("Failed to parse registry file, starting with empty registry")
		return nil
	}

	aborted := 0
	for _, run := range registry.Runs {
		if !run.Status.IsTerminal() {
			run.Status = StatusAborted
			run.Error = "interrupted by restart"
			now := c.now().UnixMilli()
			run.CompletedAt = &now
			aborted++
		}
		c.runs[run.ID] = run
	}
	if aborted > 0 {
		c.saveLocked()
	}

	c.logger.Info().
		Int("runs", len(c.runs)).
		Int("aborted", aborted).
		Msg("Registry loaded")
	return nil
}

// Spawn registers a run and starts it in the background.
func (c *Coordinator) Spawn(params SpawnParams) (*RunRecord, error) {
	task := strings.TrimSpace(params.Task)
	if task == "" {
		return nil, ErrEmptyTask
	}
	id, err := gonanoid.Generate(runIDAlphabet, runIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}
	label := strings.TrimSpace(params.Label)
	if label == "" {
		label = defaultLabel(task)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.countActiveLocked() >= c.maxConcurrent {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyRuns, c.maxConcurrent)
	}
	record := &RunRecord{
		ID:               id,
		Label:            label,
		Task:             task,
		ParentSessionKey: params.ParentSessionKey,
		ChildSessionKey:  SessionPrefix + id,
		OriginChannel:    params.OriginChannel,
		OriginChatID:     params.OriginChatID,
		Status:           StatusRunning,
		StartedAt:        c.now().UnixMilli(),
	}
	c.runs[id] = record
	c.saveLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info().
		Str("runId", id).
		Str("parentSession", params.ParentSessionKey).
		Str("label", label).
		Msg("Run started")

	snapshot := *record
	go c.run(snapshot)
	return &snapshot, nil
}

func (c *Coordinator) run(record RunRecord) {
	defer c.wg.Done()
	logger := c.logger.With().Str("runId", record.ID).Logger()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	res, err := c.runner.RunTurn(ctx, agent.Turn{
		SessionKey: record.ChildSessionKey,
		SenderID:   record.ParentSessionKey,
		Parts:      []session.Part{session.TextPart(record.Task)},
		Metadata:   map[string]string{"subagent_id": record.ID},
		Synthetic:  true,
	})

	status := StatusCompleted
	var result, errText string
	switch {
	case err != nil && c.ctx.Err() != nil:
		status = StatusAborted
		errText = "stopped by shutdown"
	case err != nil:
		status = StatusFailed
		errText = err.Error()
	case res != nil:
		result = res.Reply
	}
	c.finish(record.ID, status, result, errText)
	if status == StatusAborted {
		logger.Info().Msg("Run aborted")
		return
	}
	logger.Info().Str("status", string(status)).Msg("Run finished")

	record.Status, record.Result, record.Error = status, result, errText
	msg := AnnounceMessage(record)
	// Detached from c.ctx: a finished result is still announced during Close.
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sendCancel()
	if err := c.announce(sendCtx, msg); err != nil {
		logger.Error().Err(err).Msg("Failed to announce result")
		return
	}
	c.markAnnounced(record.ID)
}

func (c *Coordinator) finish(id string, status RunStatus, result, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.runs[id]
	if !ok {
		return
	}
	now := c.now().UnixMilli()
	record.Status = status
	record.CompletedAt = &now
	record.Result = result
	record.Error = errText
	c.saveLocked()
}

func (c *Coordinator) markAnnounced(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if record, ok := c.runs[id]; ok {
		record.Announced = true
		c.saveLocked()
	}
}

// AnnounceMessage builds the synthetic inbound event that reports a
// finished run to its parent session.
func AnnounceMessage(record RunRecord) bus.InboundMessage {
	statusText := "completed successfully"
	content := record.Result
	if record.Status != StatusCompleted {
		statusText = "failed"
		content = "Error: " + record.Error
	}
	text := fmt.Sprintf("[Background task '%s' %s]\n\nTask: %s\n\nResult:\n%s\n\n"+
		"Summarize this naturally for the user. Keep it brief (1-2 sentences). "+
		"Do not mention technical details like background tasks or task IDs.",
		record.Label, statusText, record.Task, content)

	return bus.InboundMessage{
		Channel:         record.OriginChannel,
		ChatID:          record.OriginChatID,
		SenderID:        "subagent",
		Content:         text,
		Origin:          bus.OriginSubagent,
		SessionOverride: record.ParentSessionKey,
		DedupeKey:       SessionPrefix + record.ID,
		Metadata:        map[string]string{"subagent_id": record.ID},
	}
}

// GetRun returns a copy of a run, or nil.
func (c *Coordinator) GetRun(id string) *RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.runs[id]
	if !ok {
		return nil
	}
	cp := *record
	return &cp
}

// ListChildren returns the runs started from a parent session, oldest first.
func (c *Coordinator) ListChildren(parentKey string) []RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []RunRecord
	for _, record := range c.runs {
		if record.ParentSessionKey == parentKey {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt < out[j].StartedAt })
	return out
}

// CountActiveRuns returns the number of runs still going.
func (c *Coordinator) CountActiveRuns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countActiveLocked()
}

func (c *Coordinator) countActiveLocked() int {
	n := 0
	for _, record := range c.runs {
		if !record.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Cleanup drops terminal runs that completed more than retention ago.
func (c *Coordinator) Cleanup(retention time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-retention).UnixMilli()
	removed := 0
	for id, record := range c.runs {
		if record.Status.IsTerminal() && record.CompletedAt != nil && *record.CompletedAt < cutoff {
			delete(c.runs, id)
			removed++
		}
	}
	if removed > 0 {
		c.saveLocked()
		c.logger.Info().Int("removed", removed).Msg("Cleaned up old runs")
	}
	return removed
}

// GetStats returns coordinator statistics.
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := Stats{TotalRuns: len(c.runs)}
	for _, record := range c.runs {
		switch record.Status {
		case StatusRunning:
			stats.ActiveRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed:
			stats.FailedRuns++
		case StatusAborted:
			stats.AbortedRuns++
		}
	}
	return stats
}

// Close stops running tasks, waits for them and saves the registry.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveLocked()
	return nil
}

// saveLocked persists the registry with an atomic rename. Failures are
// logged; the in-memory table stays authoritative.
func (c *Coordinator) saveLocked() {
	if err := os.MkdirAll(filepath.Dir(c.registryPath), 0o700); err != nil {
		c.logger.Error().Err(err).Msg("Failed to create registry directory")
		return
	}
	runs := make([]*RunRecord, 0, len(c.runs))
	for _, record := range c.runs {
		runs = append(runs, record)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt < runs[j].StartedAt })

	data, err := json.MarshalIndent(Registry{Version: 1, Runs: runs, LastUpdated: c.now().UnixMilli()}, "", "  ")
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal registry")
		return
	}
	tmp := c.registryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		c.logger.Error().Err(err).Msg("Failed to write temp registry file")
		return
	}
	if err := os.Rename(tmp, c.registryPath); err != nil {
		c.logger.Error().Err(err).Msg("Failed to rename registry file")
		os.Remove(tmp)
	}
}

func defaultLabel(task string) string {
	runes := []rune(task)
	if len(runes) <= labelMaxRunes {
		return task
	}
	return string(runes[:labelMaxRunes]) + "..."
}

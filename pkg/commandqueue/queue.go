package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultWorkers   = 8
	DefaultMaxQueued = 1024
)

var (
	ErrClosed   = errors.New("command queue closed")
	ErrDraining = errors.New("command queue draining")
)

// Task is the unit of work executed in a lane.
type Task func(ctx context.Context) (interface{}, error)

// Result is the outcome of a task.
type Result struct {
	Value interface{}
	Err   error
}

// Options configures a CommandQueue.
type Options struct {
	// Workers bounds how many lanes execute at the same time.
	Workers int
	// MaxQueued bounds queued plus running tasks across all lanes. Submit
	// blocks when the bound is reached.
	MaxQueued int
}

type taskRecord struct {
	id         string
	lane       string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan Result
}

// laneState holds the FIFO of one lane. At most one task of a lane is
// running at any time.
type laneState struct {
	queue   []*taskRecord
	running bool
}

// LaneStats describes one lane.
type LaneStats struct {
	Lane       string `json:"lane"`
	Queued     int    `json:"queued"`
	Processing bool   `json:"processing"`
}

// Stats describes the whole queue.
type Stats struct {
	Queued  int         `json:"queued"`
	Active  int         `json:"active"`
	Workers int         `json:"workers"`
	Lanes   []LaneStats `json:"lanes,omitempty"`
}

// CommandQueue serializes tasks per lane and runs distinct lanes in parallel
// on a bounded worker pool.
type CommandQueue struct {
	opts Options

	mu        sync.Mutex
	lanes     map[string]*laneState
	queued    int
	active    int
	taskIDSeq int
	draining  bool
	closed    bool

	slots   chan struct{}
	workers chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a CommandQueue.
func New(opts Options) *CommandQueue {
	observability.EnsureRegistered()
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = DefaultMaxQueued
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		opts:    opts,
		lanes:   make(map[string]*laneState),
		slots:   make(chan struct{}, opts.MaxQueued),
		workers: make(chan struct{}, opts.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit queues task on lane and returns a channel that receives its result.
// It blocks while the queue is full, until ctx is done.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task) (<-chan Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if lane == "" {
		return nil, fmt.Errorf("lane is required")
	}
	if err := cq.admissible(); err != nil {
		return nil, err
	}

	select {
	case cq.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cq.ctx.Done():
		return nil, ErrClosed
	}

	cq.mu.Lock()
	if cq.closed || cq.draining {
		cq.mu.Unlock()
		<-cq.slots
		if cq.closed {
			return nil, ErrClosed
		}
		return nil, ErrDraining
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		lane:       lane,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan Result, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	cq.queued++
	depth, laneDepth := cq.queued, len(ls.queue)
	cq.wg.Add(1)
	cq.mu.Unlock()

	observability.RecordQueueEnqueue(depth)
	enqLogger := tracing.LoggerFromContext(ctx, log.Logger)
	enqLogger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("laneDepth", laneDepth).
		Msg("Task enqueued")

	cq.schedule(lane)
	return record.result, nil
}

// Enqueue queues task and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	ch, err := cq.Submit(ctx, lane, task)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cq *CommandQueue) admissible() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	switch {
	case cq.closed:
		return ErrClosed
	case cq.draining:
		return ErrDraining
	}
	return nil
}

// schedule starts the head of lane when the lane is idle.
func (cq *CommandQueue) schedule(lane string) {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok || ls.running || len(ls.queue) == 0 {
		cq.mu.Unlock()
		return
	}
	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true
	cq.mu.Unlock()

	go cq.execute(record)
}

func (cq *CommandQueue) execute(record *taskRecord) {
	if cq.ctx.Err() != nil {
		cq.finish(record, Result{Err: ErrClosed}, 0)
		return
	}
	select {
	case cq.workers <- struct{}{}:
	case <-cq.ctx.Done():
		cq.finish(record, Result{Err: ErrClosed}, 0)
		return
	}

	cq.mu.Lock()
	cq.queued--
	cq.active++
	depth, active := cq.queued, cq.active
	cq.mu.Unlock()
	observability.SetQueueState(depth, active)

	taskCtx, span := tracing.StartSpan(record.ctx, "switchboard.commandqueue", "commandqueue.execute",
		attribute.String("lane", record.lane),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", record.lane).Logger()
	logger.Debug().
		Str("taskId", record.id).
		Dur("waited", time.Since(record.enqueuedAt)).
		Msg("Task started")

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()
	if err != nil {
		tracing.Fail(span, err)
		logger.Warn().Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}
	span.End()
	observability.RecordQueueCompletion(duration, err == nil)

	<-cq.workers
	cq.mu.Lock()
	cq.active--
	cq.mu.Unlock()
	cq.finish(record, Result{Value: value, Err: err}, 1)
}

// finish publishes the result, frees the lane and starts its next task.
func (cq *CommandQueue) finish(record *taskRecord, res Result, ran int) {
	record.result <- res
	close(record.result)

	cq.mu.Lock()
	if ran == 0 {
		cq.queued--
	}
	ls := cq.lanes[record.lane]
	ls.running = false
	if len(ls.queue) == 0 {
		delete(cq.lanes, record.lane)
	}
	depth, active := cq.queued, cq.active
	cq.mu.Unlock()
	observability.SetQueueState(depth, active)

	<-cq.slots
	cq.wg.Done()
	cq.schedule(record.lane)
}

func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// IsProcessing reports whether a task of lane is running.
func (cq *CommandQueue) IsProcessing(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ok && ls.running
}

// QueueSize returns the number of tasks waiting in lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Stats returns a snapshot of the queue.
func (cq *CommandQueue) Stats() Stats {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	stats := Stats{Queued: cq.queued, Active: cq.active, Workers: cq.opts.Workers}
	for lane, ls := range cq.lanes {
		stats.Lanes = append(stats.Lanes, LaneStats{Lane: lane, Queued: len(ls.queue), Processing: ls.running})
	}
	sort.Slice(stats.Lanes, func(i, j int) bool { return stats.Lanes[i].Lane < stats.Lanes[j].Lane })
	return stats
}

// Drain stops accepting tasks and waits for queued and running tasks to
// finish. It returns ctx.Err() if they do not finish in time.
func (cq *CommandQueue) Drain(ctx context.Context) error {
	cq.mu.Lock()
	cq.draining = true
	pending := cq.queued + cq.active
	cq.mu.Unlock()
	log.Info().Int("pending", pending).Msg("Draining command queue")

	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Command queue drained")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Timeout draining command queue")
		return ctx.Err()
	}
}

// Close cancels running tasks, fails queued ones and waits for all lanes.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/channels"
	"github.com/harun/switchboard/pkg/commandqueue"
	"github.com/harun/switchboard/pkg/dedupe"
	"github.com/harun/switchboard/pkg/pairing"
	"github.com/harun/switchboard/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRequeue      = 3
	DefaultRequeueDelay    = 500 * time.Millisecond
	DefaultMaxRequeueDelay = 30 * time.Second
	DefaultSendTimeout     = 30 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrNotStarted     = errors.New("dispatcher not started")
)

// TurnRunner executes one agent turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, turn agent.Turn) (*agent.TurnResult, error)
}

// RouteLookup returns the last reply route recorded for a session.
type RouteLookup interface {
	Route(ctx context.Context, key string) (session.Route, error)
}

// Options configures a Dispatcher.
type Options struct {
	Bus      *bus.MessageBus
	Channels *channels.Registry
	Runner   TurnRunner
	Routes   RouteLookup
	// Gate is optional; without it every event is accepted.
	Gate *pairing.Gate
	// Ledger is optional; it records delivered synthetic events across restarts.
	Ledger *dedupe.Ledger

	Workers         int
	MaxQueued       int
	DedupeTTL       time.Duration
	// MaxRequeue is how many times an unpersisted turn is retried before
	// the user is told. The event stays parked on its lane afterwards and
	// is retried with backoff capped at MaxRequeueDelay.
	MaxRequeue      int
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration
	SendTimeout     time.Duration

	// Suppress reports whether reply must not be delivered for msg.
	Suppress func(msg bus.InboundMessage, reply string) bool
	// OnDelivered is called once an event carrying a DedupeKey has been
	// processed, or was found already processed in the ledger.
	OnDelivered func(msg bus.InboundMessage)

	Logger *zerolog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Dispatcher routes inbound events to the agent loop and replies back to
// their channel.
type Dispatcher struct {
	opts     Options
	bus      *bus.MessageBus
	channels *channels.Registry
	runner   TurnRunner
	queue    *commandqueue.CommandQueue
	logger   zerolog.Logger

	mu        sync.Mutex
	started   bool
	drained   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	outCancel context.CancelFunc
	cache     *dedupe.Cache
	intakeWG  sync.WaitGroup
	outWG     sync.WaitGroup
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	observability.EnsureRegistered()

	if opts.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if opts.Bus == nil {
		opts.Bus = bus.New(bus.Options{})
	}
	if opts.Channels == nil {
		opts.Channels = channels.NewRegistry()
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = dedupe.DefaultTTL
	}
	if opts.MaxRequeue < 0 {
		opts.MaxRequeue = 0
	} else if opts.MaxRequeue == 0 {
		opts.MaxRequeue = DefaultMaxRequeue
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = DefaultRequeueDelay
	}
	if opts.MaxRequeueDelay < opts.RequeueDelay {
		opts.MaxRequeueDelay = DefaultMaxRequeueDelay
		if opts.MaxRequeueDelay < opts.RequeueDelay {
			opts.MaxRequeueDelay = opts.RequeueDelay
		}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := log.With().Str("component", "dispatcher").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Dispatcher{
		opts:     opts,
		bus:      opts.Bus,
		channels: opts.Channels,
		runner:   opts.Runner,
		queue:    commandqueue.New(commandqueue.Options{Workers: opts.Workers, MaxQueued: opts.MaxQueued}),
		logger:   logger,
	}, nil
}

// Register adds a channel adapter. Adapters registered after Start are
// started immediately.
func (d *Dispatcher) Register(a channels.Adapter) error {
	if err := d.channels.Register(a); err != nil {
		return err
	}
	d.mu.Lock()
	started, ctx := d.started, d.runCtx
	d.mu.Unlock()
	if started {
		return d.channels.Start(ctx, a.Name(), d.bus.PublishInbound)
	}
	return nil
}

// Channels returns the adapter registry.
func (d *Dispatcher) Channels() *channels.Registry { return d.channels }

// Start launches the intake loop, the outbound router and all adapters.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.runCtx, d.cancel = context.WithCancel(context.Background())
	outCtx, outCancel := context.WithCancel(context.Background())
	d.outCancel = outCancel
	d.cache = dedupe.NewCache(d.runCtx, d.opts.DedupeTTL)
	runCtx := d.runCtx
	d.mu.Unlock()

	d.outWG.Add(1)
	go d.routeOutbound(outCtx)

	d.intakeWG.Add(1)
	go d.intake(runCtx)

	if err := d.channels.StartAll(runCtx, d.bus.PublishInbound); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	d.logger.Info().Strs("channels", d.channels.Names()).Msg("Dispatcher started")
	return nil
}

// Publish hands a synthetic or adapter event to the intake loop. It blocks
// while the inbound bus is full.
func (d *Dispatcher) Publish(ctx context.Context, msg bus.InboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.opts.Now()
	}
	return d.bus.PublishInbound(ctx, msg)
}

// Chat runs one admin turn on sessionKey and returns the reply. The turn
// shares the session's lane with channel traffic; the reply is returned to
// the caller instead of a channel.
func (d *Dispatcher) Chat(ctx context.Context, message, sessionKey string) (string, error) {
	if sessionKey == "" {
		sessionKey = bus.DefaultSessionKey
	}
	if err := session.ValidateKey(sessionKey); err != nil {
		return "", err
	}
	channel, id := bus.SplitSessionKey(sessionKey)
	msg := bus.InboundMessage{
		ID:              uuid.NewString(),
		Channel:         channel,
		SenderID:        id,
		Content:         message,
		Timestamp:       d.opts.Now(),
		Origin:          bus.OriginAdmin,
		SessionOverride: sessionKey,
		Silent:          true,
	}

	value, err := d.queue.Enqueue(ctx, sessionKey, func(ctx context.Context) (interface{}, error) {
		return d.process(ctx, msg)
	})
	reply, _ := value.(string)
	return reply, err
}

// Stats reports queue and bus occupancy.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queue:       d.queue.Stats(),
		InboundLen:  d.bus.InboundLen(),
		OutboundLen: d.bus.OutboundLen(),
	}
}

// Stats describes the dispatcher's backlog.
type Stats struct {
	Queue       commandqueue.Stats `json:"queue"`
	InboundLen  int                `json:"inbound_len"`
	OutboundLen int                `json:"outbound_len"`
}

// IsProcessing reports whether a turn is running for sessionKey.
func (d *Dispatcher) IsProcessing(sessionKey string) bool {
	return d.queue.IsProcessing(sessionKey)
}

// Drain stops intake, waits for queued and in-flight turns, stops the
// adapters and flushes pending replies. Work still running when ctx ends
// is cancelled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	if d.drained {
		d.mu.Unlock()
		return nil
	}
	d.drained = true
	d.mu.Unlock()

	d.logger.Info().Msg("Draining dispatcher")
	d.bus.Close()

	var firstErr error
	if err := waitGroup(ctx, &d.intakeWG); err != nil {
		firstErr = err
	}
	if err := d.queue.Drain(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.channels.StopAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	d.outCancel()
	if err := waitGroup(ctx, &d.outWG); err != nil && firstErr == nil {
		firstErr = err
	}

	d.cancel()
	d.cache.Stop()
	if err := d.queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		d.logger.Warn().Err(firstErr).Msg("Dispatcher drain incomplete")
		return firstErr
	}
	d.logger.Info().Msg("Dispatcher drained")
	return nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

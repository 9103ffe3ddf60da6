package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/logger"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/channels"
	"github.com/harun/switchboard/pkg/cron"
	"github.com/harun/switchboard/pkg/dedupe"
	"github.com/harun/switchboard/pkg/dispatcher"
	"github.com/harun/switchboard/pkg/gateway"
	"github.com/harun/switchboard/pkg/memory"
	"github.com/harun/switchboard/pkg/pairing"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/subagent"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/harun/switchboard/pkg/workspace"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyRunning = errors.New("daemon is already running")
	ErrNotRunning     = errors.New("daemon is not running")
)

// Options carries collaborators that tests or embedders replace.
type Options struct {
	Logger *logger.Logger
	// Providers builds LLM clients; nil uses the SDK-backed factory.
	Providers agent.ProviderCreator
	// Adapters are registered in addition to the configured channels.
	Adapters []channels.Adapter
	Now      func() time.Time
}

// Daemon owns every long-lived component and is the one place they are
// wired together.
type Daemon struct {
	config *config.Config
	log    *logger.Logger
	logger zerolog.Logger
	now    func() time.Time

	bus        *bus.MessageBus
	sessions   *session.Store
	memory     *memory.Store
	workspace  *workspace.Loader
	watcher    *memory.FileWatcher
	tools      *toolexecutor.ToolExecutor
	runner     *agent.Runner
	pairing    *pairing.Service
	gate       *pairing.Gate
	ledger     *dedupe.Ledger
	dispatcher *dispatcher.Dispatcher
	cron       *cron.Service
	heartbeat  *cron.Heartbeat
	subagents  *subagent.Coordinator
	gateway    *gateway.Server

	lifecycle   *LifecycleManager
	maintenance *Maintenance

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	tracingEnabled bool
}

// Status is a snapshot of the daemon's state.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
	Channels  []string      `json:"channels"`
	Gateway   string        `json:"gateway,omitempty"`
}

// New builds the daemon from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		l, err := logger.New(logger.Config{Level: cfg.Logging.Level})
		if err != nil {
			return nil, err
		}
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		log:    opts.Logger,
		logger: opts.Logger.Component("daemon"),
		now:    opts.Now,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("switchboard", cfg.Tracing.SampleRatio); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(opts); err != nil {
		d.closeStores()
		return nil, err
	}
	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.logger)
	d.maintenance = NewMaintenance(d)
	return d, nil
}

// Start starts every service. It returns once they are running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.startTime = d.now()
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	d.logger.Info().Msg("Starting switchboard daemon")

	if err := d.lifecycle.Start(); err != nil {
		return d.abortStart(err)
	}
	if err := d.dispatcher.Start(runCtx); err != nil {
		return d.abortStart(fmt.Errorf("failed to start dispatcher: %w", err))
	}
	if d.cron != nil {
		if err := d.cron.Start(runCtx); err != nil {
			return d.abortStart(fmt.Errorf("failed to start cron service: %w", err))
		}
	}
	if d.heartbeat != nil {
		d.heartbeat.Start(runCtx)
	}
	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return d.abortStart(fmt.Errorf("failed to start gateway: %w", err))
		}
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.maintenance.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.publishCommands(runCtx)
	}()

	if err := ctx.Err(); err != nil {
		return d.abortStart(err)
	}
	d.logger.Info().
		Strs("channels", d.dispatcher.Channels().Names()).
		Str("gateway", d.GatewayAddr()).
		Msg("Daemon started")
	return nil
}

func (d *Daemon) abortStart(err error) error {
	d.logger.Error().Err(err).Msg("Daemon start failed")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.Stop(stopCtx)
	return err
}

// Stop shuts the daemon down in reverse dependency order: the admin surface
// and schedulers first, then the dispatcher drain, then the stores.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping switchboard daemon")
	var errs []error

	if d.gateway != nil {
		if err := d.gateway.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	if d.heartbeat != nil {
		d.heartbeat.Stop()
	}
	if d.cron != nil {
		if err := d.cron.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("cron: %w", err))
		}
	}
	if d.subagents != nil {
		if err := d.subagents.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("subagents: %w", err))
		}
	}

	drainCtx := ctx
	if timeout := time.Duration(d.config.Dispatcher.DrainTimeoutSeconds) * time.Second; timeout > 0 {
		var drainCancel context.CancelFunc
		drainCtx, drainCancel = context.WithTimeout(ctx, timeout)
		defer drainCancel()
	}
	if err := d.dispatcher.Drain(drainCtx); err != nil && !errors.Is(err, dispatcher.ErrNotStarted) {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("Timeout waiting for background loops")
	}

	d.closeStores()
	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}
	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		d.logger.Error().Err(err).Msg("Daemon stopped with errors")
	} else {
		d.logger.Info().Msg("Daemon stopped")
	}
	return err
}

func (d *Daemon) closeStores() {
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop workspace watcher")
		}
		d.watcher = nil
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close delivery ledger")
		}
		d.ledger = nil
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close audit logger")
	}
}

// Run starts the daemon and blocks until ctx ends or SIGINT/SIGTERM
// arrives, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.logger.Info().Msg("Shutdown signal received")

	timeout := time.Duration(d.config.Dispatcher.DrainTimeoutSeconds)*time.Second + 10*time.Second
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Status returns a snapshot of the daemon's state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running, Channels: d.dispatcher.Channels().Names()}
	if d.running {
		st.StartTime = d.startTime
		st.Uptime = d.now().Sub(d.startTime)
		st.Gateway = d.GatewayAddr()
	}
	return st
}

// GatewayAddr returns the admin gateway's listen address, or "" when the
// gateway is disabled or not started.
func (d *Daemon) GatewayAddr() string {
	if d.gateway == nil {
		return ""
	}
	return d.gateway.Addr()
}

// Dispatcher returns the gateway dispatcher.
func (d *Daemon) Dispatcher() *dispatcher.Dispatcher { return d.dispatcher }

// Sessions returns the session store.
func (d *Daemon) Sessions() *session.Store { return d.sessions }

// Cron returns the cron service, or nil when cron is disabled.
func (d *Daemon) Cron() *cron.Service { return d.cron }

// Pairing returns the pairing service.
func (d *Daemon) Pairing() *pairing.Service { return d.pairing }

// Config returns the daemon's configuration.
func (d *Daemon) Config() *config.Config { return d.config }

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/telegram"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/channels"
	"github.com/harun/switchboard/pkg/coretools"
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
)

const watchDebounce = 500 * time.Millisecond

// initialize builds the components in dependency order. Each step only
// uses what earlier steps produced.
func (d *Daemon) initialize(opts Options) error {
	cfg := d.config
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to open audit log, using stderr")
	}

	if err := d.initStores(); err != nil {
		return err
	}
	if err := d.initAgent(opts); err != nil {
		return err
	}
	if err := d.initDispatcher(); err != nil {
		return err
	}
	if err := d.initSchedulers(); err != nil {
		return err
	}
	if err := d.initSubagents(opts); err != nil {
		return err
	}
	if err := coretools.RegisterCoreTools(d.tools, d.coreToolOptions()); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	if err := workspace.RegisterSkillTools(d.tools, d.workspace); err != nil {
		return err
	}
	if err := d.initChannels(opts.Adapters); err != nil {
		return err
	}
	d.initWatcher()
	return d.initGateway()
}

func (d *Daemon) initStores() error {
	cfg := d.config
	var err error

	d.bus = bus.New(bus.Options{
		InboundCapacity:  cfg.Dispatcher.InboundBuffer,
		OutboundCapacity: cfg.Dispatcher.OutboundBuffer,
	})

	if d.sessions, err = session.NewWithOptions(session.Options{Dir: filepath.Join(cfg.DataDir, "sessions"), Now: d.now}); err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	if d.memory, err = memory.NewStore(cfg.Workspace); err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	wsLogger := d.log.Component("workspace")
	if d.workspace, err = workspace.NewLoader(workspace.Options{Dir: cfg.Workspace, Logger: &wsLogger, Now: d.now}); err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}
	if d.ledger, err = dedupe.OpenLedger(filepath.Join(cfg.DataDir, "dedupe.db")); err != nil {
		return fmt.Errorf("failed to open delivery ledger: %w", err)
	}

	d.pairing = pairing.NewService(pairing.ServiceOptions{
		DataDir:    cfg.DataDir,
		MaxPending: cfg.Pairing.MaxPending,
		PendingTTL: time.Duration(cfg.Pairing.PendingTTLHours) * time.Hour,
		Now:        d.now,
	})
	d.gate = pairing.NewGate(d.pairing, map[string]pairing.Policy{
		telegram.ChannelName: pairingPolicy(cfg.Channels.Telegram.Policy),
	}, pairingPolicy(cfg.Channels.Default))

	d.tools = toolexecutor.New()
	d.logger.Debug().Str("dataDir", cfg.DataDir).Msg("Stores opened")
	return nil
}

func (d *Daemon) initAgent(opts Options) error {
	logger := d.log.Component("agent")
	runner, err := agent.NewRunner(agent.Options{
		Sessions:     d.sessions,
		Tools:        d.tools,
		Memory:       d.memory,
		Workspace:    d.workspace,
		AuthProfiles: authProfiles(d.config.AI.Profiles),
		Providers:    opts.Providers,
		Config:       agentConfig(d.config.Agent),
		Logger:       &logger,
		Now:          d.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner
	return nil
}

func (d *Daemon) initDispatcher() error {
	cfg := d.config.Dispatcher
	logger := d.log.Component("dispatcher")
	disp, err := dispatcher.New(dispatcher.Options{
		Bus:         d.bus,
		Channels:    channels.NewRegistry(),
		Runner:      d.runner,
		Routes:      d.sessions,
		Gate:        d.gate,
		Ledger:      d.ledger,
		Workers:     cfg.Workers,
		MaxQueued:   cfg.MaxQueued,
		DedupeTTL:   time.Duration(cfg.DedupeTTLSeconds) * time.Second,
		MaxRequeue:  cfg.MaxRequeue,
		SendTimeout: time.Duration(cfg.SendTimeoutSeconds) * time.Second,
		Suppress:    cron.SuppressHeartbeatReply,
		OnDelivered: d.onDelivered,
		Logger:      &logger,
		Now:         d.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d.dispatcher = disp
	return nil
}

func (d *Daemon) initSchedulers() error {
	cfg := d.config
	if cfg.Cron.Enabled {
		logger := d.log.Component("cron")
		svc, err := cron.NewService(cron.ServiceOptions{
			StorePath: filepath.Join(cfg.DataDir, "cron", "jobs.json"),
			DefaultTZ: cfg.Cron.Timezone,
			Deliver:   d.dispatcher.Publish,
			OnEvent:   d.onCronEvent,
			Logger:    &logger,
			Now:       d.now,
		})
		if err != nil {
			return fmt.Errorf("failed to create cron service: %w", err)
		}
		d.cron = svc
	}

	if cfg.Heartbeat.Enabled {
		logger := d.log.Component("heartbeat")
		hb, err := cron.NewHeartbeat(cron.HeartbeatOptions{
			Workspace:  cfg.Workspace,
			Interval:   time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute,
			SessionKey: cfg.Heartbeat.SessionKey,
			Channel:    cfg.Heartbeat.Channel,
			To:         cfg.Heartbeat.To,
			Deliver:    d.dispatcher.Publish,
			Logger:     &logger,
			Now:        d.now,
		})
		if err != nil {
			return fmt.Errorf("failed to create heartbeat: %w", err)
		}
		d.heartbeat = hb
	}
	return nil
}

// initSubagents builds the background task coordinator. Background turns
// run on their own Runner with a reduced tool set and step budget; results
// come back through the dispatcher as synthetic events.
func (d *Daemon) initSubagents(opts Options) error {
	cfg := d.config.Subagents
	if !cfg.Enabled {
		return nil
	}
	agentCfg := agentConfig(d.config.Agent)
	agentCfg.SystemPrompt = subagent.SystemPrompt
	agentCfg.MaxSteps = cfg.MaxSteps
	if agentCfg.MaxSteps <= 0 {
		agentCfg.MaxSteps = subagent.DefaultMaxSteps
	}
	policy := &toolexecutor.ToolPolicy{Deny: append([]string(nil), subagent.DeniedTools...)}
	if agentCfg.ToolPolicy != nil {
		policy.Allow = agentCfg.ToolPolicy.Allow
		policy.Deny = append(policy.Deny, agentCfg.ToolPolicy.Deny...)
	}
	agentCfg.ToolPolicy = policy

	runnerLogger := d.log.Component("subagent")
	runner, err := agent.NewRunner(agent.Options{
		Sessions:     d.sessions,
		Tools:        d.tools,
		Workspace:    d.workspace,
		AuthProfiles: authProfiles(d.config.AI.Profiles),
		Providers:    opts.Providers,
		Config:       agentCfg,
		Logger:       &runnerLogger,
		Now:          d.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create subagent runner: %w", err)
	}

	coordinator, err := subagent.NewCoordinator(subagent.Config{
		RegistryPath:  filepath.Join(d.config.DataDir, "subagents.json"),
		Runner:        runner,
		Announce:      d.dispatcher.Publish,
		MaxConcurrent: cfg.MaxConcurrent,
		Timeout:       time.Duration(cfg.TimeoutMinutes) * time.Minute,
		Logger:        &runnerLogger,
		Now:           d.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create subagent coordinator: %w", err)
	}
	if err := coordinator.Initialize(); err != nil {
		return fmt.Errorf("failed to load subagent registry: %w", err)
	}
	d.subagents = coordinator
	return nil
}

// onDelivered clears the cron pending marker once the firing's turn ran.
func (d *Daemon) onDelivered(msg bus.InboundMessage) {
	if d.cron == nil {
		return
	}
	if jobID, scheduledMs, ok := cron.ParseDedupeKey(msg.DedupeKey); ok {
		d.cron.Confirm(jobID, scheduledMs)
	}
}

func (d *Daemon) onCronEvent(ev cron.Event) {
	if d.gateway != nil {
		d.gateway.CronEventSink(ev)
	}
}

func (d *Daemon) coreToolOptions() coretools.Options {
	opts := coretools.Options{
		Publish:  d.bus.PublishOutbound,
		Routes:   d.sessions,
		Memory:   d.memory,
		Sessions: d.sessions,
	}
	if d.cron != nil {
		opts.Cron = d.cron
	}
	if d.subagents != nil {
		opts.Spawner = d.subagents
	}
	return opts
}

func (d *Daemon) initChannels(extra []channels.Adapter) error {
	tg := d.config.Channels.Telegram
	if tg.Enabled {
		logger := d.log.Component("telegram")
		adapter, err := telegram.New(telegram.Options{
			Token:          tg.BotToken,
			PollTimeout:    time.Duration(tg.PollTimeoutSeconds) * time.Second,
			SendsPerSecond: tg.SendsPerSecond,
			MediaDir:       filepath.Join(d.config.DataDir, "media", telegram.ChannelName),
			Logger:         &logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram adapter: %w", err)
		}
		if err := d.dispatcher.Register(adapter); err != nil {
			return err
		}
	}
	for _, a := range extra {
		if err := d.dispatcher.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// initWatcher reloads MEMORY.md on outside edits and wakes the heartbeat
// when HEARTBEAT.md changes. A watcher failure is not fatal.
func (d *Daemon) initWatcher() {
	fw, err := memory.NewFileWatcher(d.log.Component("watcher"), watchDebounce)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Workspace watcher unavailable")
		return
	}
	if err := memory.WatchStore(fw, d.memory); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to watch memory directory")
	}
	if d.heartbeat != nil {
		fw.OnChange(cron.HeartbeatFile, d.heartbeat.TriggerNow)
		if err := fw.Watch(d.config.Workspace); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to watch workspace")
		}
	}
	d.watcher = fw
}

func (d *Daemon) initGateway() error {
	cfg := d.config.Gateway
	if !cfg.Enabled {
		return nil
	}
	logger := d.log.Component("gateway")
	gwCfg := gateway.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		SharedSecret:      cfg.SharedSecret,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Pairing:           d.pairing,
		Sessions:          d.sessions,
		Dispatcher:        d.dispatcher,
		Logger:            &logger,
	}
	if d.cron != nil {
		gwCfg.Cron = d.cron
	}
	srv, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gateway = srv
	return nil
}

// publishCommands pushes adapter command menus once the channels run.
func (d *Daemon) publishCommands(ctx context.Context) {
	type commandPublisher interface {
		PublishCommands(ctx context.Context) error
	}
	for _, name := range d.dispatcher.Channels().Names() {
		a, ok := d.dispatcher.Channels().Get(name)
		if !ok {
			continue
		}
		if p, ok := a.(commandPublisher); ok {
			if err := p.PublishCommands(ctx); err != nil {
				d.logger.Warn().Err(err).Str("channel", name).Msg("Failed to publish commands")
			}
		}
	}
}

func pairingPolicy(p config.PolicyConfig) pairing.Policy {
	return pairing.Policy{
		DMPolicy:       p.DMPolicy,
		GroupPolicy:    p.GroupPolicy,
		AllowFrom:      p.AllowFrom,
		GroupAllowFrom: p.GroupAllowFrom,
	}
}

// authProfiles converts configured credentials, lowest priority value first.
func authProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func agentConfig(c config.AgentConfig) agent.Config {
	cfg := agent.Config{
		Model:        c.Model,
		MaxTokens:    c.MaxTokens,
		Temperature:  c.Temperature,
		MaxSteps:     c.MaxSteps,
		MaxRetries:   c.MaxRetries,
		ToolTimeout:  time.Duration(c.ToolTimeoutSeconds) * time.Second,
		CallTimeout:  time.Duration(c.CallTimeoutSeconds) * time.Second,
		SystemPrompt: c.SystemPrompt,
		MemoryWindow: c.MemoryWindow,
	}
	if len(c.Tools.Allow) > 0 || len(c.Tools.Deny) > 0 {
		cfg.ToolPolicy = &toolexecutor.ToolPolicy{Allow: c.Tools.Allow, Deny: c.Tools.Deny}
	}
	return cfg
}

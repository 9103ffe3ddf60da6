package cron

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeatInterval   = 30 * time.Minute
	DefaultHeartbeatSessionKey = "heartbeat:main"

	HeartbeatFile    = "HEARTBEAT.md"
	HeartbeatOKToken = "HEARTBEAT_OK"
	HeartbeatPrompt  = "Heartbeat check. The current contents of HEARTBEAT.md from your workspace follow.\n" +
		"Follow any instructions or tasks listed there.\n" +
		"If nothing needs attention, reply with just: " + HeartbeatOKToken

	maxHeartbeatContent = 16 << 10
)

// HeartbeatOptions configures a Heartbeat.
type HeartbeatOptions struct {
	Workspace  string
	Interval   time.Duration
	SessionKey string
	// Channel and To route replies; empty uses the session's last route.
	Channel string
	To      string
	Deliver DeliverFunc
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Heartbeat periodically wakes the agent when HEARTBEAT.md lists work.
type Heartbeat struct {
	opts   HeartbeatOptions
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// NewHeartbeat creates a heartbeat service.
func NewHeartbeat(opts HeartbeatOptions) (*Heartbeat, error) {
	observability.EnsureRegistered()

	if opts.Deliver == nil {
		return nil, fmt.Errorf("deliver callback is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.SessionKey == "" {
		opts.SessionKey = DefaultHeartbeatSessionKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.With().Str("component", "heartbeat").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Heartbeat{opts: opts, logger: logger, trigger: make(chan struct{}, 1)}, nil
}

// Path returns the HEARTBEAT.md location.
func (h *Heartbeat) Path() string {
	return filepath.Join(h.opts.Workspace, HeartbeatFile)
}

// Start launches the interval loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(loopCtx, h.done)
	h.logger.Info().Dur("interval", h.opts.Interval).Msg("Heartbeat started")
}

// Stop ends the loop and waits for an in-progress tick.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// TriggerNow requests an immediate tick from the running loop.
func (h *Heartbeat) TriggerNow() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

func (h *Heartbeat) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.trigger:
		}
		if _, err := h.Tick(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn().Err(err).Msg("Heartbeat tick failed")
		}
	}
}

// Tick runs one heartbeat: it reads HEARTBEAT.md and, when the file lists
// actionable content, injects the heartbeat prompt. fired reports whether
// an event was delivered.
func (h *Heartbeat) Tick(ctx context.Context) (fired bool, err error) {
	data, err := os.ReadFile(h.Path())
	if err != nil && !os.IsNotExist(err) {
		observability.RecordHeartbeat("error")
		return false, fmt.Errorf("failed to read %s: %w", HeartbeatFile, err)
	}
	if IsHeartbeatEmpty(string(data)) {
		observability.RecordHeartbeat("skipped")
		h.logger.Debug().Msg("Heartbeat skipped, nothing actionable")
		return false, nil
	}

	now := h.opts.Now()
	msg := bus.InboundMessage{
		Channel:         h.opts.Channel,
		ChatID:          h.opts.To,
		SenderID:        "heartbeat",
		Content:         HeartbeatMessage(string(data)),
		Timestamp:       now,
		Origin:          bus.OriginHeartbeat,
		SessionOverride: h.opts.SessionKey,
		DedupeKey:       fmt.Sprintf("heartbeat:%d", now.UnixMilli()),
	}
	if err := h.opts.Deliver(ctx, msg); err != nil {
		observability.RecordHeartbeat("error")
		return false, err
	}
	observability.RecordHeartbeat("fired")
	h.logger.Info().Str("sessionKey", h.opts.SessionKey).Msg("Heartbeat fired")
	return true, nil
}

// HeartbeatMessage builds the synthetic message for a heartbeat with the
// file's content inlined, cut at a rune boundary when oversized.
func HeartbeatMessage(content string) string {
	content = strings.TrimSpace(content)
	if len(content) > maxHeartbeatContent {
		cut := maxHeartbeatContent
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "\n... [truncated]"
	}
	return HeartbeatPrompt + "\n\n## " + HeartbeatFile + "\n\n" + content
}

// IsHeartbeatEmpty reports whether content has nothing actionable: only
// blank lines, headings, HTML comments and bare checkboxes.
func IsHeartbeatEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "",
			strings.HasPrefix(line, "#"),
			strings.HasPrefix(line, "<!--"),
			line == "- [ ]", line == "* [ ]", line == "- [x]", line == "* [x]":
			continue
		}
		return false
	}
	return true
}

// IsHeartbeatOK reports whether reply acknowledges a heartbeat with nothing
// to report. Case and underscores are ignored.
func IsHeartbeatOK(reply string) bool {
	normalize := func(s string) string { return strings.ReplaceAll(strings.ToUpper(s), "_", "") }
	return strings.Contains(normalize(reply), normalize(HeartbeatOKToken))
}

// SuppressHeartbeatReply reports whether a turn's reply to msg must not be
// delivered.
func SuppressHeartbeatReply(msg bus.InboundMessage, reply string) bool {
	return msg.Origin == bus.OriginHeartbeat && IsHeartbeatOK(reply)
}

package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotRegistered = errors.New("channel not registered")

const (
	minRestartBackoff = 500 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// Registry holds the adapters and pumps their inbound streams into the
// dispatcher.
type Registry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewRegistry constructs an adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:   log.With().Str("component", "channels").Logger(),
		adapters: make(map[string]Adapter),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register adds an adapter. Names are unique.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	name := strings.TrimSpace(a.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// IsRegistered reports whether an adapter with that name exists.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.TrimSpace(name)]
	return a, ok
}

// Names returns sorted adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers msg through the adapter named by msg.Channel.
func (r *Registry) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a, ok := r.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, msg.Channel)
	}
	err := a.Send(ctx, msg)
	observability.RecordOutbound(msg.Channel, err == nil)
	return err
}

// Typing shows a typing indicator when the adapter supports it.
func (r *Registry) Typing(ctx context.Context, channel, chatID string) error {
	a, ok := r.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, channel)
	}
	ti, ok := a.(TypingIndicator)
	if !ok {
		return nil
	}
	return ti.Typing(ctx, chatID)
}

// StartAll starts pumping every registered adapter into publish.
func (r *Registry) StartAll(ctx context.Context, publish PublishFunc) error {
	for _, name := range r.Names() {
		if err := r.Start(ctx, name, publish); err != nil {
			return err
		}
	}
	return nil
}

// Start pumps one adapter. A stream that ends while ctx is live is reopened
// with exponential backoff.
func (r *Registry) Start(ctx context.Context, name string, publish PublishFunc) error {
	if publish == nil {
		return fmt.Errorf("publish function is required")
	}
	r.mu.Lock()
	a, ok := r.adapters[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if _, running := r.cancels[name]; running {
		r.mu.Unlock()
		return nil
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	r.cancels[name] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pump(pumpCtx, a, publish)
	}()
	r.logger.Info().Str("channel", name).Msg("Channel started")
	return nil
}

func (r *Registry) pump(ctx context.Context, a Adapter, publish PublishFunc) {
	logger := r.logger.With().Str("channel", a.Name()).Logger()
	backoff := minRestartBackoff

	for ctx.Err() == nil {
		stream, err := a.Receive(ctx)
		if err != nil {
			logger.Error().Err(err).Dur("retryIn", backoff).Msg("Channel receive failed")
		} else {
			received := 0
			for msg := range stream {
				received++
				if msg.Channel == "" {
					msg.Channel = a.Name()
				}
				if msg.ID == "" {
					msg.ID = uuid.NewString()
				}
				if msg.Origin == "" {
					msg.Origin = bus.OriginChannel
				}
				if msg.Timestamp.IsZero() {
					msg.Timestamp = time.Now()
				}
				if err := publish(ctx, msg); err != nil {
					if ctx.Err() != nil {
						return
					}
					observability.RecordInbound(a.Name(), "dropped")
					logger.Warn().Err(err).Str("sender", msg.SenderID).Msg("Failed to publish inbound message")
				}
			}
			if ctx.Err() != nil {
				return
			}
			if received > 0 {
				backoff = minRestartBackoff
			}
			logger.Warn().Dur("retryIn", backoff).Msg("Channel stream ended, restarting")
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

// StopAll stops pumping and waits for the pumps to exit, then stops
// adapters that hold resources of their own.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	for name, cancel := range r.cancels {
		cancel()
		delete(r.cancels, name)
	}
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, a := range adapters {
		if s, ok := a.(Stopper); ok {
			if err := s.Stop(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to stop channel %q: %w", a.Name(), err)
			}
		}
	}
	return firstErr
}

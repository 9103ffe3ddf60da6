package pairing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/rs/zerolog/log"
)

// ServiceOptions configures the multi-channel pairing service.
type ServiceOptions struct {
	DataDir    string
	MaxPending int
	PendingTTL time.Duration
	Now        func() time.Time
}

// Service lazily creates one Manager per channel under <data>/pairing.
type Service struct {
	opts ServiceOptions

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewService creates the pairing service.
func NewService(opts ServiceOptions) *Service {
	return &Service{opts: opts, managers: make(map[string]*Manager)}
}

// Manager returns the manager for channel, creating it on first use.
func (s *Service) Manager(channel string) (*Manager, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("pairing channel is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.managers[channel]; ok {
		return m, nil
	}

	var requestsPath, allowlistPath string
	if s.opts.DataDir != "" {
		requestsPath, allowlistPath = DefaultPaths(s.opts.DataDir, channel)
	}
	m, err := NewManager(ManagerOptions{
		Channel:       channel,
		RequestsPath:  requestsPath,
		AllowlistPath: allowlistPath,
		MaxPending:    s.opts.MaxPending,
		PendingTTL:    s.opts.PendingTTL,
		Now:           s.opts.Now,
	})
	if err != nil {
		return nil, err
	}
	s.managers[channel] = m
	return m, nil
}

// Channels returns every channel with pairing state, on disk or in memory.
func (s *Service) Channels() []string {
	seen := make(map[string]bool)
	if s.opts.DataDir != "" {
		matches, _ := filepath.Glob(filepath.Join(s.opts.DataDir, "pairing", "*-requests.json"))
		for _, path := range matches {
			seen[strings.TrimSuffix(filepath.Base(path), "-requests.json")] = true
		}
	}
	s.mu.Lock()
	for channel := range s.managers {
		seen[channel] = true
	}
	s.mu.Unlock()

	out := make([]string, 0, len(seen))
	for channel := range seen {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// List returns requests for channel, or for every channel when channel is
// empty. An empty state returns all states.
func (s *Service) List(channel string, state State) ([]Request, error) {
	channels := []string{channel}
	if strings.TrimSpace(channel) == "" {
		channels = s.Channels()
	}
	var out []Request
	for _, ch := range channels {
		m, err := s.Manager(ch)
		if err != nil {
			return nil, err
		}
		out = append(out, m.List(state)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Approve approves a pending code on channel.
func (s *Service) Approve(ctx context.Context, channel, code, actor string) (Request, error) {
	return s.resolve(ctx, channel, code, actor, true)
}

// Reject rejects a pending code on channel.
func (s *Service) Reject(ctx context.Context, channel, code, actor string) (Request, error) {
	return s.resolve(ctx, channel, code, actor, false)
}

func (s *Service) resolve(ctx context.Context, channel, code, actor string, approve bool) (Request, error) {
	m, err := s.Manager(channel)
	if err != nil {
		return Request{}, err
	}
	var req Request
	action := "reject"
	if approve {
		action = "approve"
		req, err = m.Approve(code)
	} else {
		req, err = m.Reject(code)
	}
	if err != nil {
		return Request{}, err
	}

	observability.RecordPairingAudit(ctx, action, channel, req.SenderID, actor)
	log.Info().
		Str("channel", channel).
		Str("sender", req.SenderID).
		Str("action", action).
		Msg("Pairing request resolved")
	return req, nil
}

// Reset removes all pairing state for channel. Used by tests and by the
// admin surface when a channel is decommissioned.
func (s *Service) Reset(channel string) error {
	s.mu.Lock()
	delete(s.managers, channel)
	s.mu.Unlock()
	if s.opts.DataDir == "" {
		return nil
	}
	requestsPath, allowlistPath := DefaultPaths(s.opts.DataDir, channel)
	for _, path := range []string{requestsPath, allowlistPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

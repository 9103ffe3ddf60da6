package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// complete sends request through the auth profiles in priority order.
// Profiles that fail cool down; each profile gets bounded retries first.
func (r *Runner) complete(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)
	var lastErr error

	for _, profile := range r.available() {
		provider, err := r.provider(profile)
		if err != nil {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		req := request
		if profile.Model != "" {
			req.Model = profile.Model
		}
		resp, err := r.callWithRetry(ctx, provider, req)
		if err == nil {
			r.markSuccess(profile.ID)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		r.markFailure(profile.ID)
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
	}

	if lastErr == nil {
		return nil, ErrNoProvider
	}
	return nil, lastErr
}

// callWithRetry retries retryable transport errors with exponential backoff.
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.llm_call",
		attribute.String("provider", provider.Provider()),
		attribute.String("model", request.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		resp, err := provider.Call(callCtx, request)
		cancel()
		if err == nil {
			return resp, nil
		}

		var te *TransportError
		if !errors.As(err, &te) {
			err = newTransportError(provider.Provider(), 0, err)
		}
		if ctx.Err() != nil {
			return nil, tracing.Fail(span, ctx.Err())
		}
		lastErr = err
		if !IsRetryable(err) || attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		observability.RecordLLMRetry(provider.Provider())
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying LLM call")
		if err := r.sleep(ctx, delay); err != nil {
			return nil, tracing.Fail(span, err)
		}
	}
	return nil, tracing.Fail(span, fmt.Errorf("llm call failed: %w", lastErr))
}

// available returns profiles outside their cooldown, in priority order.
// When every profile is cooling down all of them are returned, so a single
// profile is never locked out by one bad call.
func (r *Runner) available() []AuthProfile {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	now := r.now()
	var ready []AuthProfile
	for _, p := range r.authProfiles {
		if p.cooldownUntil.IsZero() || !now.Before(p.cooldownUntil) {
			ready = append(ready, p)
		}
	}
	if len(ready) == 0 {
		return append([]AuthProfile(nil), r.authProfiles...)
	}
	return ready
}

func (r *Runner) provider(profile AuthProfile) (LLMProvider, error) {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	if p, ok := r.clients[profile.ID]; ok {
		return p, nil
	}
	p, err := r.providers.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	r.clients[profile.ID] = p
	return p, nil
}

func (r *Runner) markSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].failureCount = 0
			r.authProfiles[i].cooldownUntil = time.Time{}
			observability.SetProviderCooldown(profileID, false)
			return
		}
	}
}

func (r *Runner) markFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].failureCount++
			cooldown := DefaultProfileCooldown * time.Duration(r.authProfiles[i].failureCount)
			r.authProfiles[i].cooldownUntil = r.now().Add(cooldown)
			observability.SetProviderCooldown(profileID, true)
			return
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

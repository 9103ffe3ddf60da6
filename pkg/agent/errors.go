package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/harun/switchboard/pkg/session"
)

var (
	// ErrSessionBusy is returned when a turn is already running for the key.
	ErrSessionBusy = errors.New("session busy")
	// ErrTurnLimitExceeded is returned when a turn needs more LLM steps than
	// allowed. It is never retried.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	// ErrNoProvider is returned when every auth profile is cooling down or
	// could not be constructed.
	ErrNoProvider = errors.New("no llm provider available")
)

// TransportError is a failed LLM call.
type TransportError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s transport error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a TransportError worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// newTransportError classifies a provider failure. Rate limits, server
// errors and network failures are retryable; other API errors are not.
func newTransportError(provider string, status int, err error) *TransportError {
	te := &TransportError{Provider: provider, StatusCode: status, Err: err}
	switch {
	case status == 429 || status == 408 || status == 409:
		te.Retryable = true
	case status >= 500:
		te.Retryable = true
	case status > 0:
		te.Retryable = false
	case errors.Is(err, context.Canceled):
		te.Retryable = false
	case errors.Is(err, context.DeadlineExceeded):
		te.Retryable = true
	default:
		var netErr net.Error
		msg := strings.ToLower(err.Error())
		te.Retryable = errors.As(err, &netErr) ||
			strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "eof") ||
			strings.Contains(msg, "timeout")
	}
	return te
}

// UserMessage renders err as the apology sent back to the user when a turn
// cannot complete.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrTurnLimitExceeded):
		return "Sorry, I couldn't finish that request within the allowed number of steps."
	case errors.Is(err, ErrSessionBusy):
		return "I'm still working on your previous message. Please wait a moment."
	case session.IsPersistenceError(err):
		return "Sorry, I couldn't save our conversation. Please try again shortly."
	case IsRetryable(err), errors.Is(err, ErrNoProvider):
		return "Sorry, the language model is unavailable right now. Please try again later."
	default:
		return fmt.Sprintf("Sorry, I encountered an error: %v", err)
	}
}

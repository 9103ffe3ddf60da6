package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey     = errors.New("invalid session key")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotFound       = errors.New("session not found")
)

// PersistenceError reports a failed durable write or read of session state.
// Turns that hit it are retried by the dispatcher rather than acknowledged.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err wraps a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}

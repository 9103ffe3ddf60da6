package pairing

import (
	"errors"
	"time"
)

const (
	DefaultPendingLimit = 20
	DefaultPendingTTL   = 24 * time.Hour
	CodeLength          = 8
	codeAlphabet        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var (
	ErrPairingRequired     = errors.New("pairing required")
	ErrNotAuthorized       = errors.New("sender not authorized")
	ErrPendingLimitReached = errors.New("pairing pending limit reached")
	ErrRequestNotFound     = errors.New("pairing request not found")
	ErrAlreadyApproved     = errors.New("sender is already approved")
)

// State of a pairing request.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
)

// Request is one pairing attempt by a sender on a channel. Resolved requests
// are kept as history and never change again.
type Request struct {
	Channel      string     `json:"channel" yaml:"channel"`
	SenderID     string     `json:"sender_id" yaml:"sender_id"`
	ChatID       string     `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	Code         string     `json:"code" yaml:"code"`
	RequestCount int        `json:"request_count" yaml:"request_count"`
	State        State      `json:"state" yaml:"state"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
	LastSeenAt   time.Time  `json:"last_seen_at" yaml:"last_seen_at"`
	ExpiresAt    time.Time  `json:"expires_at" yaml:"expires_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// AllowlistEntry is an approved sender.
type AllowlistEntry struct {
	SenderID string    `json:"sender_id" yaml:"sender_id"`
	AddedAt  time.Time `json:"added_at" yaml:"added_at"`
	Reason   string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type requestsFile struct {
	Requests []Request `json:"requests"`
}

type allowlistFile struct {
	Entries []AllowlistEntry `json:"entries"`
}

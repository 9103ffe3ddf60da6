package bus

import (
	"strings"
	"time"
)

// PeerKind distinguishes direct conversations from group chats.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Origin marks where an inbound event came from.
type Origin string

const (
	OriginChannel   Origin = "channel"
	OriginCron      Origin = "cron"
	OriginHeartbeat Origin = "heartbeat"
	OriginAdmin     Origin = "admin"
	OriginSubagent  Origin = "subagent"
)

// DefaultSessionKey is used by the admin chat surface when no key is given.
const DefaultSessionKey = "cli:direct"

// MediaRef points at an attachment an adapter has already stored locally.
type MediaRef struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
}

// InboundMessage is a normalized event produced by a channel adapter or
// synthesized by the scheduler.
type InboundMessage struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Media     []MediaRef        `json:"media,omitempty"`
	PeerKind  PeerKind          `json:"peer_kind,omitempty"`
	Mentioned bool              `json:"mentioned,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Origin    Origin            `json:"origin,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// SessionOverride addresses a specific session instead of the one derived
	// from channel and sender. Set by scheduler and admin events.
	SessionOverride string `json:"session_override,omitempty"`
	// DedupeKey identifies redeliveries of the same logical event.
	DedupeKey string `json:"dedupe_key,omitempty"`
	// Silent suppresses outbound delivery of the turn's reply.
	Silent bool `json:"silent,omitempty"`
}

// SessionKey returns the conversation key this event belongs to.
func (m InboundMessage) SessionKey() string {
	if m.SessionOverride != "" {
		return m.SessionOverride
	}
	return SessionKeyFor(m.Channel, m.SenderID)
}

// IsSynthetic reports whether the event was generated internally.
func (m InboundMessage) IsSynthetic() bool {
	return m.Origin != "" && m.Origin != OriginChannel
}

// IsGroup reports whether the event came from a group context.
func (m InboundMessage) IsGroup() bool {
	return m.PeerKind == PeerGroup
}

// SessionKeyFor builds the canonical "channel:sender" session key.
func SessionKeyFor(channel, senderID string) string {
	return channel + ":" + senderID
}

// SplitSessionKey splits a key into channel and identifier. Keys without a
// separator are treated as belonging to the "cli" channel.
func SplitSessionKey(key string) (channel, id string) {
	channel, id, ok := strings.Cut(key, ":")
	if !ok {
		return "cli", key
	}
	return channel, id
}

// OutboundMessage is a reply routed back through a channel adapter.
type OutboundMessage struct {
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []MediaRef        `json:"media,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for tracing context keys.
type ContextKey string

const (
	TraceIDKey    ContextKey = "trace_id"
	TurnIDKey     ContextKey = "turn_id"
	SessionKeyKey ContextKey = "session_key"
	ChannelKey    ContextKey = "channel"
	RequestIDKey  ContextKey = "request_id"
)

// Fields holds the identifiers carried through a request.
type Fields struct {
	TraceID    string
	TurnID     string
	SessionKey string
	Channel    string
	RequestID  string
}

// NewID returns a random identifier suitable for traces and turns.
func NewID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return withValue(ctx, TraceIDKey, id)
}

func WithTurnID(ctx context.Context, id string) context.Context {
	return withValue(ctx, TurnIDKey, id)
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return withValue(ctx, SessionKeyKey, key)
}

func WithChannel(ctx context.Context, channel string) context.Context {
	return withValue(ctx, ChannelKey, channel)
}

// WithRequestID tags the context with an admin request id (used for idempotency).
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, RequestIDKey, id)
}

func GetTraceID(ctx context.Context) string    { return value(ctx, TraceIDKey) }
func GetTurnID(ctx context.Context) string     { return value(ctx, TurnIDKey) }
func GetSessionKey(ctx context.Context) string { return value(ctx, SessionKeyKey) }
func GetChannel(ctx context.Context) string    { return value(ctx, ChannelKey) }
func GetRequestID(ctx context.Context) string  { return value(ctx, RequestIDKey) }

// FromContext extracts all tracing fields from ctx.
func FromContext(ctx context.Context) Fields {
	return Fields{
		TraceID:    GetTraceID(ctx),
		TurnID:     GetTurnID(ctx),
		SessionKey: GetSessionKey(ctx),
		Channel:    GetChannel(ctx),
		RequestID:  GetRequestID(ctx),
	}
}

// NewContext copies non-empty fields onto ctx.
func NewContext(ctx context.Context, f Fields) context.Context {
	if f.TraceID != "" {
		ctx = WithTraceID(ctx, f.TraceID)
	}
	if f.TurnID != "" {
		ctx = WithTurnID(ctx, f.TurnID)
	}
	if f.SessionKey != "" {
		ctx = WithSessionKey(ctx, f.SessionKey)
	}
	if f.Channel != "" {
		ctx = WithChannel(ctx, f.Channel)
	}
	if f.RequestID != "" {
		ctx = WithRequestID(ctx, f.RequestID)
	}
	return ctx
}

// NewTurnContext starts a turn scope: keeps an existing trace id or creates one,
// and always assigns a fresh turn id.
func NewTurnContext(ctx context.Context, sessionKey string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewID())
	}
	ctx = WithTurnID(ctx, NewID())
	return WithSessionKey(ctx, sessionKey)
}

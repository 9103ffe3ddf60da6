package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base enriched with the tracing fields found in ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FromContext(ctx)
	lc := base.With()
	if f.TraceID != "" {
		lc = lc.Str("trace_id", f.TraceID)
	}
	if f.TurnID != "" {
		lc = lc.Str("turn_id", f.TurnID)
	}
	if f.SessionKey != "" {
		lc = lc.Str("session_key", f.SessionKey)
	}
	if f.Channel != "" {
		lc = lc.Str("channel", f.Channel)
	}
	return lc.Logger()
}

// MergeContext copies tracing fields from source into target where target has none.
func MergeContext(target, source context.Context) context.Context {
	have := FromContext(target)
	add := FromContext(source)
	if have.TraceID == "" {
		have.TraceID = add.TraceID
	}
	if have.TurnID == "" {
		have.TurnID = add.TurnID
	}
	if have.SessionKey == "" {
		have.SessionKey = add.SessionKey
	}
	if have.Channel == "" {
		have.Channel = add.Channel
	}
	if have.RequestID == "" {
		have.RequestID = add.RequestID
	}
	return NewContext(target, have)
}

// Detach returns a background context carrying only the tracing fields of ctx.
// Work queued past the lifetime of a request uses it so cancellation of the
// request does not abort the queued turn.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

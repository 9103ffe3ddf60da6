package toolexecutor

import (
	"context"
	"time"
)

// ExecutionContext describes the turn a tool call belongs to.
type ExecutionContext struct {
	SessionKey string
	Channel    string
	ChatID     string
	SenderID   string
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the execution context attached to ctx, or nil.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	execCtx, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx
}

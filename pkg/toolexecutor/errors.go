package toolexecutor

import (
	"errors"
	"fmt"
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrToolDenied    = errors.New("tool not allowed by policy")
	ErrInvalidParams = errors.New("parameter validation failed")
	ErrToolTimeout   = errors.New("tool execution timeout")
)

// ToolExecutionError describes why a tool invocation failed. It is carried
// back to the model as an error tool result; the turn continues.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

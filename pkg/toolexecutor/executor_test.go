package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo the input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			{Name: "times", Type: "integer", Description: "Repeat count"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, []string{"echo"}, te.ListTools())
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New()
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "Test", Handler: noop}},
		{"empty description", ToolDefinition{Name: "test", Handler: noop}},
		{"nil handler", ToolDefinition{Name: "test", Description: "Test"}},
		{"bad param type", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "date", Description: "x"}}}},
		{"duplicate param", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{
				{Name: "x", Type: "string", Description: "x"},
				{Name: "x", Type: "string", Description: "x"},
			}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
}

func TestToolExecutor_Execute_Success(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	res := te.Execute(context.Background(), "echo", map[string]interface{}{"text": "hello"}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, "hello", res.Payload())
	assert.NoError(t, res.Err())
}

func TestToolExecutor_Execute_Failures(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "broken",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("oops")
		},
	}))

	tests := []struct {
		name    string
		tool    string
		params  map[string]interface{}
		execCtx *ExecutionContext
		want    error
		errText string
	}{
		{name: "unknown tool", tool: "missing", want: ErrToolNotFound},
		{name: "missing required", tool: "echo", params: map[string]interface{}{}, want: ErrInvalidParams},
		{name: "unexpected param", tool: "echo", params: map[string]interface{}{"text": "x", "extra": 1}, want: ErrInvalidParams},
		{name: "handler error", tool: "broken", errText: "disk on fire"},
		{name: "panic", tool: "panicky", errText: "panicked"},
		{name: "denied", tool: "echo", params: map[string]interface{}{"text": "x"},
			execCtx: &ExecutionContext{ToolPolicy: &ToolPolicy{Deny: []string{"echo"}}}, want: ErrToolDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := te.Execute(context.Background(), tt.tool, tt.params, tt.execCtx)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)

			var toolErr *ToolExecutionError
			require.ErrorAs(t, res.Err(), &toolErr)
			assert.Equal(t, tt.tool, toolErr.Tool)
			if tt.want != nil {
				assert.ErrorIs(t, res.Err(), tt.want)
			}
			if tt.errText != "" {
				assert.Contains(t, res.Error, tt.errText)
			}
		})
	}
}

func TestToolExecutor_Execute_Timeout(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Sleeps",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	start := time.Now()
	res := te.Execute(context.Background(), "slow", nil, &ExecutionContext{Timeout: 30 * time.Millisecond})
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Contains(t, res.Error, "timeout")
}

func TestToolExecutor_Execute_PassesExecutionContext(t *testing.T) {
	te := New()
	var seen *ExecutionContext
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "whoami",
		Description: "Reports the caller",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			seen = ExecContextFromContext(ctx)
			return "ok", nil
		},
	}))

	execCtx := &ExecutionContext{SessionKey: "telegram:42", Channel: "telegram", ChatID: "42"}
	res := te.Execute(context.Background(), "whoami", nil, execCtx)
	require.True(t, res.Success)
	require.NotNil(t, seen)
	assert.Equal(t, "telegram:42", seen.SessionKey)
}

func TestToolExecutor_TruncatesLargeOutput(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "big",
		Description: "Large output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return strings.Repeat("x", 20*1024), nil
		},
	}))

	res := te.Execute(context.Background(), "big", nil, nil)
	require.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Payload(), "[output truncated]")
}

func TestTruncateOutputKeepsRunesWhole(t *testing.T) {
	// "x" shifts every three-byte rune so the limit lands mid-rune.
	out, truncated := truncateOutput("x" + strings.Repeat("界", maxOutputSize))
	require.True(t, truncated)
	str, ok := out.(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(str))
	assert.True(t, strings.HasSuffix(str, "[output truncated]"))

	assert.Equal(t, 1, runeBoundary("a界", 2))
	assert.Equal(t, 4, runeBoundary("a界b", 4))
	assert.Equal(t, 2, runeBoundary("ab", 5))
}

func TestToolExecutor_Definitions(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "cron",
		Description: "Schedule",
		Parameters: []ToolParameter{
			{Name: "action", Type: "string", Description: "Action", Required: true, Enum: []string{"add", "list"}},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
	}))

	specs := te.Definitions(nil)
	require.Len(t, specs, 2)
	assert.Equal(t, "cron", specs[0].Name)
	assert.Equal(t, []string{"action"}, specs[0].InputSchema["required"])

	specs = te.Definitions(&ToolPolicy{Deny: []string{"cron"}})
	require.Len(t, specs, 1)
	assert.Equal(t, "echo", specs[0].Name)
}

func TestToolPolicy_IsToolAllowed(t *testing.T) {
	var nilPolicy *ToolPolicy
	assert.True(t, nilPolicy.IsToolAllowed("any"))
	assert.True(t, (&ToolPolicy{}).IsToolAllowed("any"))
	assert.False(t, (&ToolPolicy{Allow: []string{"echo"}}).IsToolAllowed("cron"))
	assert.True(t, (&ToolPolicy{Allow: []string{"*"}}).IsToolAllowed("cron"))
	assert.False(t, (&ToolPolicy{Allow: []string{"*"}, Deny: []string{"cron"}}).IsToolAllowed("cron"))
}

func TestToolResult_Payload(t *testing.T) {
	assert.Equal(t, "", ToolResult{}.Payload())
	assert.Equal(t, `{"a":1}`, ToolResult{Output: map[string]int{"a": 1}}.Payload())
}

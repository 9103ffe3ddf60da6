package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024
)

// ToolPolicy restricts which tools a turn may call. Deny overrides allow.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// IsToolAllowed reports whether toolName passes the policy. A nil policy or
// an empty allow list allows everything not denied.
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}
	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}
	if len(tp.Allow) == 0 {
		return true
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}
	return false
}

// ToolParameter defines a parameter for a tool.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolHandler is the function signature for tool execution.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolSpec is what the model sees for a registered tool.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	err error
}

// Err returns the *ToolExecutionError behind a failed result, or nil.
func (r ToolResult) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return &ToolExecutionError{Err: errors.New(r.Error)}
}

// Payload renders the output as text for the model.
func (r ToolResult) Payload() string {
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

type registeredTool struct {
	def        ToolDefinition
	schema     *gojsonschema.Schema
	schemaJSON map[string]interface{}
}

// ToolExecutor manages and executes tools.
type ToolExecutor struct {
	tools map[string]*registeredTool
	mu    sync.RWMutex
}

// New creates a new ToolExecutor.
func New() *ToolExecutor {
	observability.EnsureRegistered()
	return &ToolExecutor{tools: make(map[string]*registeredTool)}
}

// RegisterTool validates def and makes it callable by name.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	te.tools[def.Name] = &registeredTool{def: def, schema: schema, schemaJSON: schemaMap}
	te.mu.Unlock()

	log.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// UnregisterTool removes a tool.
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	delete(te.tools, name)
	te.mu.Unlock()
}

// GetTool returns a tool definition by name, or nil.
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	t, ok := te.tools[name]
	if !ok {
		return nil
	}
	def := t.def
	return &def
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()
	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the specs of tools permitted by policy, sorted by name.
func (te *ToolExecutor) Definitions(policy *ToolPolicy) []ToolSpec {
	te.mu.RLock()
	defer te.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(te.tools))
	for name, t := range te.tools {
		if !policy.IsToolAllowed(name) {
			continue
		}
		specs = append(specs, ToolSpec{Name: name, Description: t.def.Description, InputSchema: t.schemaJSON})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute runs the named tool. It never returns a Go error: failures come
// back as a result with Success=false.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	ctx, span := tracing.StartSpan(ctx, "switchboard.tools", "tool.execute", attribute.String("tool", toolName))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", toolName).Logger()
	start := time.Now()

	fail := func(err error, meta map[string]interface{}) ToolResult {
		toolErr := &ToolExecutionError{Tool: toolName, Err: err}
		tracing.Fail(span, toolErr)
		observability.RecordToolExecution(toolName, time.Since(start), false)
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta["duration"] = time.Since(start).Milliseconds()
		return ToolResult{Success: false, Error: toolErr.Error(), Metadata: meta, err: toolErr}
	}

	if execCtx != nil && !execCtx.ToolPolicy.IsToolAllowed(toolName) {
		logger.Warn().Str("session_key", execCtx.SessionKey).Msg("Tool execution blocked by policy")
		return fail(ErrToolDenied, map[string]interface{}{"policy_violation": true})
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	te.mu.RUnlock()
	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return fail(ErrToolNotFound, nil)
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(tool.schema, params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return fail(fmt.Errorf("%w: %v", ErrInvalidParams, err), nil)
	}

	timeout := DefaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	runCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		out interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.def.Handler(runCtx, params)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logger.Warn().Err(res.err).Msg("Tool execution failed")
			return fail(res.err, nil)
		}
		output, truncated := truncateOutput(res.out)
		duration := time.Since(start)
		observability.RecordToolExecution(toolName, duration, true)
		logger.Debug().Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata:  map[string]interface{}{"duration": duration.Milliseconds()},
		}

	case <-runCtx.Done():
		err := ErrToolTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		logger.Warn().Dur("timeout", timeout).Err(err).Msg("Tool execution interrupted")
		return fail(fmt.Errorf("%w after %v", err, timeout), nil)
	}
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	return nil
}

func buildSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}
	for _, p := range def.Parameters {
		ps := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			ps["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			ps["enum"] = enum
		}
		if p.Type == "array" {
			ps["items"] = map[string]interface{}{}
		}
		properties[p.Name] = ps
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%v", msgs)
	}
	return nil
}

func truncateOutput(output interface{}) (interface{}, bool) {
	var str string
	switch v := output.(type) {
	case string:
		str = v
	case nil:
		return nil, false
	default:
		data, err := json.Marshal(v)
		if err != nil {
			str = fmt.Sprintf("%v", v)
		} else {
			str = string(data)
		}
	}
	if len(str) <= maxOutputSize {
		return output, false
	}
	return str[:runeBoundary(str, maxOutputSize)] + "\n... [output truncated]", true
}

// runeBoundary returns the largest index <= n that starts a rune in s.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

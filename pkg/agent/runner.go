package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/memory"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "switchboard.agent"

// SessionStore is the part of the session store the agent loop needs.
type SessionStore interface {
	Append(ctx context.Context, key string, msg session.Message) (session.Message, error)
	Load(ctx context.Context, key string) ([]session.Message, error)
	TruncateThrough(ctx context.Context, key string, seq int64) (int, error)
	SetRoute(ctx context.Context, key string, route session.Route) error
}

// PromptContext supplies operator-authored workspace context for the
// system prompt.
type PromptContext interface {
	Bootstrap() string
	Skills() string
}

// Options configures a Runner.
type Options struct {
	Sessions     SessionStore
	Tools        *toolexecutor.ToolExecutor
	Memory       *memory.Store
	Workspace    PromptContext
	AuthProfiles []AuthProfile
	Providers    ProviderCreator
	Config       Config
	Logger       *zerolog.Logger
	Now          func() time.Time
	// Sleep waits between retries; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner executes agent turns.
type Runner struct {
	sessions     SessionStore
	tools        *toolexecutor.ToolExecutor
	memory       *memory.Store
	workspace    PromptContext
	consolidator *memory.Consolidator
	providers    ProviderCreator
	cfg          Config
	logger       zerolog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	authMu       sync.Mutex
	authProfiles []AuthProfile
	clients      map[string]LLMProvider

	busyMu sync.Mutex
	busy   map[string]bool
}

// NewRunner creates a new agent runner.
func NewRunner(opts Options) (*Runner, error) {
	observability.EnsureRegistered()

	if opts.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if len(opts.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if opts.Providers == nil {
		opts.Providers = &ProviderFactory{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := log.With().Str("component", "agent").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	profiles := append([]AuthProfile(nil), opts.AuthProfiles...)
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })

	r := &Runner{
		sessions:     opts.Sessions,
		tools:        opts.Tools,
		memory:       opts.Memory,
		workspace:    opts.Workspace,
		providers:    opts.Providers,
		cfg:          opts.Config.withDefaults(),
		logger:       logger,
		now:          opts.Now,
		sleep:        opts.Sleep,
		authProfiles: profiles,
		clients:      make(map[string]LLMProvider),
		busy:         make(map[string]bool),
	}
	if opts.Memory != nil {
		r.consolidator = memory.NewConsolidator(memory.ConsolidatorOptions{
			Sessions:   opts.Sessions,
			Store:      opts.Memory,
			Summarizer: r,
			Window:     r.cfg.MemoryWindow,
			Logger:     &r.logger,
		})
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// IsRunning reports whether a turn is in progress for key.
func (r *Runner) IsRunning(key string) bool {
	r.busyMu.Lock()
	defer r.busyMu.Unlock()
	return r.busy[key]
}

func (r *Runner) acquire(key string) bool {
	r.busyMu.Lock()
	defer r.busyMu.Unlock()
	if r.busy[key] {
		return false
	}
	r.busy[key] = true
	return true
}

func (r *Runner) release(key string) {
	r.busyMu.Lock()
	delete(r.busy, key)
	r.busyMu.Unlock()
}

// RunTurn processes one inbound event for turn.SessionKey. Every step is
// persisted before the next one starts.
func (r *Runner) RunTurn(ctx context.Context, turn Turn) (*TurnResult, error) {
	if err := session.ValidateKey(turn.SessionKey); err != nil {
		return nil, err
	}
	if !r.acquire(turn.SessionKey) {
		return nil, ErrSessionBusy
	}
	defer r.release(turn.SessionKey)

	if tracing.GetTurnID(ctx) == "" {
		ctx = tracing.NewTurnContext(ctx, turn.SessionKey)
	}
	ctx = tracing.WithSessionKey(ctx, turn.SessionKey)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.turn",
		attribute.String("session_key", turn.SessionKey),
		attribute.String("channel", turn.Channel),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	result, err := r.runTurn(ctx, turn, logger)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTurnLimitExceeded):
		outcome = "turn_limit"
	case session.IsPersistenceError(err):
		outcome = "persistence_error"
	case IsRetryable(err), errors.Is(err, ErrNoProvider):
		outcome = "transport_error"
	default:
		outcome = "error"
	}
	observability.RecordTurn(outcome, time.Since(start))
	if err != nil {
		logger.Warn().Err(err).Str("outcome", outcome).Msg("Turn failed")
		return result, tracing.Fail(span, err)
	}

	span.SetAttributes(attribute.Int("steps", result.Steps), attribute.Int("tool_calls", result.ToolCalls))
	logger.Info().
		Int("steps", result.Steps).
		Int("toolCalls", result.ToolCalls).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")

	r.consolidate(ctx, turn.SessionKey, logger)
	return result, nil
}

func (r *Runner) runTurn(ctx context.Context, turn Turn, logger zerolog.Logger) (*TurnResult, error) {
	key := turn.SessionKey
	result := &TurnResult{SessionKey: key}

	history, err := r.sessions.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	execCtx := &toolexecutor.ExecutionContext{
		SessionKey: key,
		Channel:    turn.Channel,
		ChatID:     turn.ChatID,
		SenderID:   turn.SenderID,
		Timeout:    r.cfg.ToolTimeout,
		ToolPolicy: r.cfg.ToolPolicy,
	}

	var messages []session.Message
	firstStep := 1
	if idx := findUserMessage(history, turn.Metadata[MetadataMessageID]); idx >= 0 {
		// A redelivered event: continue from what the log already holds.
		logger.Info().Int64("seq", history[idx].Seq).Msg("Resuming turn from session log")
		messages = history
		tail := history[idx+1:]
		for _, m := range tail {
			if m.Role == session.RoleAssistant {
				firstStep++
			}
		}
		if len(tail) > 0 {
			last := tail[len(tail)-1]
			if last.Role == session.RoleAssistant && len(last.ToolCalls()) == 0 {
				result.Steps = firstStep - 1
				result.Reply = last.Text()
				return result, nil
			}
			pending := unansweredCalls(tail)
			for _, tc := range pending {
				toolMsg := r.invokeTool(ctx, tc, execCtx, logger)
				toolMsg, err = r.sessions.Append(ctx, key, toolMsg)
				if err != nil {
					return result, err
				}
				result.ToolCalls++
				result.Appended = append(result.Appended, toolMsg)
				messages = append(messages, toolMsg)
			}
			if len(pending) > 0 || last.Role == session.RoleTool {
				messages = append(messages, session.NewTextMessage(session.RoleUser, reflectPrompt))
			}
		}
	} else {
		userMsg := session.Message{Role: session.RoleUser, Parts: turn.Parts, Metadata: turn.Metadata}
		userMsg, err = r.sessions.Append(ctx, key, userMsg)
		if err != nil {
			return nil, err
		}
		result.Appended = append(result.Appended, userMsg)
		messages = append(history, userMsg)
	}

	if !turn.Synthetic && turn.Channel != "" && turn.ChatID != "" {
		if err := r.sessions.SetRoute(ctx, key, session.Route{Channel: turn.Channel, ChatID: turn.ChatID}); err != nil {
			logger.Warn().Err(err).Msg("Failed to record reply route")
		}
	}

	system := r.systemPrompt(turn)
	specs := r.tools.Definitions(r.cfg.ToolPolicy)

	for step := firstStep; step <= r.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Steps = step

		resp, err := r.complete(ctx, LLMRequest{
			Model:        r.cfg.Model,
			SystemPrompt: system,
			Messages:     messages,
			Tools:        specs,
			Temperature:  r.cfg.Temperature,
			MaxTokens:    r.cfg.MaxTokens,
		})
		if err != nil {
			return result, err
		}
		result.Usage.add(resp.Usage)

		assistant := session.Message{Role: session.RoleAssistant}
		content := resp.Content
		if content == "" && len(resp.ToolCalls) == 0 {
			content = emptyReplyText
		}
		if content != "" {
			assistant.Parts = append(assistant.Parts, session.TextPart(content))
		}
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			assistant.Parts = append(assistant.Parts, session.Part{Type: session.PartToolCall, ToolCall: &tc})
		}
		assistant, err = r.sessions.Append(ctx, key, assistant)
		if err != nil {
			return result, err
		}
		result.Appended = append(result.Appended, assistant)
		messages = append(messages, assistant)

		if len(resp.ToolCalls) == 0 {
			result.Reply = content
			return result, nil
		}

		for _, tc := range resp.ToolCalls {
			toolMsg := r.invokeTool(ctx, tc, execCtx, logger)
			toolMsg, err = r.sessions.Append(ctx, key, toolMsg)
			if err != nil {
				return result, err
			}
			result.ToolCalls++
			result.Appended = append(result.Appended, toolMsg)
			messages = append(messages, toolMsg)
		}
		messages = append(messages, session.NewTextMessage(session.RoleUser, reflectPrompt))
	}

	return result, fmt.Errorf("%w: %d steps", ErrTurnLimitExceeded, r.cfg.MaxSteps)
}

// findUserMessage returns the index of the user message recorded for
// messageID, or -1.
func findUserMessage(history []session.Message, messageID string) int {
	if messageID == "" {
		return -1
	}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == session.RoleUser && m.Metadata[MetadataMessageID] == messageID {
			return i
		}
	}
	return -1
}

// unansweredCalls returns the tool calls of the last assistant message in
// msgs that have no recorded result.
func unansweredCalls(msgs []session.Message) []session.ToolCall {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range msgs[last+1:] {
		for _, tr := range m.ToolResults() {
			answered[tr.CallID] = true
		}
	}
	var pending []session.ToolCall
	for _, tc := range msgs[last].ToolCalls() {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

// invokeTool runs one tool call. Failures become an error ToolResult and are
// never retried.
func (r *Runner) invokeTool(ctx context.Context, tc session.ToolCall, execCtx *toolexecutor.ExecutionContext, logger zerolog.Logger) session.Message {
	tr := session.ToolResult{CallID: tc.ID, Name: tc.Name, Status: session.ToolStatusOK}

	params := map[string]interface{}{}
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &params); err != nil {
			tr.Status = session.ToolStatusError
			tr.Error = (&toolexecutor.ToolExecutionError{Tool: tc.Name, Err: fmt.Errorf("%w: %v", toolexecutor.ErrInvalidParams, err)}).Error()
		}
	}

	if tr.Status == session.ToolStatusOK {
		res := r.tools.Execute(ctx, tc.Name, params, execCtx)
		if res.Success {
			tr.Payload = res.Payload()
		} else {
			tr.Status = session.ToolStatusError
			tr.Error = res.Error
		}
	}

	if tr.Status == session.ToolStatusError {
		logger.Warn().Str("tool", tc.Name).Str("error", tr.Error).Msg("Tool call failed")
	}
	observability.RecordToolAudit(ctx, tc.Name, execCtx.SessionKey, string(tr.Status))
	return session.Message{
		Role:  session.RoleTool,
		Parts: []session.Part{{Type: session.PartToolResult, ToolResult: &tr}},
	}
}

func (r *Runner) systemPrompt(turn Turn) string {
	var b strings.Builder
	prompt := r.cfg.SystemPrompt
	if prompt == "" {
		prompt = "You are a helpful assistant reachable through chat channels. Use tools when they help, and answer concisely."
	}
	b.WriteString(prompt)

	var skills string
	if r.workspace != nil {
		if boot := r.workspace.Bootstrap(); boot != "" {
			b.WriteString("\n\n")
			b.WriteString(boot)
		}
		skills = r.workspace.Skills()
	}
	if r.memory != nil {
		if mem := r.memory.Context(); mem != "" {
			b.WriteString("\n\n")
			b.WriteString(mem)
		}
	}
	if skills != "" {
		b.WriteString("\n\n")
		b.WriteString(skills)
	}

	b.WriteString("\n\n## Current Session\n")
	fmt.Fprintf(&b, "Time: %s\n", r.now().Format("2006-01-02 15:04 (Monday) MST"))
	if turn.Channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", turn.Channel)
	}
	if turn.ChatID != "" {
		fmt.Fprintf(&b, "Chat ID: %s\n", turn.ChatID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Runner) consolidate(ctx context.Context, key string, logger zerolog.Logger) {
	if r.consolidator == nil {
		return
	}
	res, err := r.consolidator.Consolidate(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Msg("Memory consolidation failed")
		return
	}
	if res.Removed > 0 {
		logger.Info().
			Str("outcome", res.Outcome).
			Int("removed", res.Removed).
			Int("kept", res.Kept).
			Msg("Session consolidated")
	}
}

// Summarize implements memory.Summarizer with a tool-less LLM call.
func (r *Runner) Summarize(ctx context.Context, system, prompt string) (string, error) {
	resp, err := r.complete(ctx, LLMRequest{
		Model:        r.cfg.Model,
		SystemPrompt: system,
		Messages:     []session.Message{session.NewTextMessage(session.RoleUser, prompt)},
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/switchboard/pkg/memory"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step func(req LLMRequest) (*LLMResponse, error)

type scriptedProvider struct {
	name string

	mu      sync.Mutex
	steps   []step
	calls   []LLMRequest
	summary string
}

func (p *scriptedProvider) Provider() string { return p.name }

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	if req.SystemPrompt != "" && strings.Contains(req.SystemPrompt, "consolidate conversation history") {
		summary := p.summary
		p.mu.Unlock()
		return &LLMResponse{Content: summary}, nil
	}
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return &LLMResponse{Content: "done"}, nil
	}
	next := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()
	return next(req)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type staticFactory map[string]LLMProvider

func (f staticFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	p, ok := f[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for %s", profile.ID)
	}
	return p, nil
}

func reply(text string) step {
	return func(LLMRequest) (*LLMResponse, error) { return &LLMResponse{Content: text}, nil }
}

func callTool(id, name string, args map[string]interface{}) step {
	return func(LLMRequest) (*LLMResponse, error) {
		raw, _ := json.Marshal(args)
		return &LLMResponse{ToolCalls: []session.ToolCall{{ID: id, Name: name, Arguments: raw}}}, nil
	}
}

func fail(err error) step {
	return func(LLMRequest) (*LLMResponse, error) { return nil, err }
}

type fixture struct {
	runner   *Runner
	store    *session.Store
	provider *scriptedProvider
	sleeps   []time.Duration
}

func newFixture(t *testing.T, cfg Config, steps ...step) *fixture {
	t.Helper()
	store, err := session.New(t.TempDir())
	require.NoError(t, err)

	tools := toolexecutor.New()
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo the input",
		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "Text", Required: true}},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}))
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "broken",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	}))

	f := &fixture{store: store, provider: &scriptedProvider{name: "fake", steps: steps}}
	logger := zerolog.Nop()
	f.runner, err = NewRunner(Options{
		Sessions:     store,
		Tools:        tools,
		AuthProfiles: []AuthProfile{{ID: "primary", Provider: "fake"}},
		Providers:    staticFactory{"primary": f.provider},
		Config:       cfg,
		Logger:       &logger,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	})
	require.NoError(t, err)
	return f
}

func userTurn(key, text string) Turn {
	channel, chat, _ := strings.Cut(key, ":")
	return Turn{SessionKey: key, Channel: channel, ChatID: chat, SenderID: chat, Parts: []session.Part{session.TextPart(text)}}
}

func TestRunner_SimpleReply(t *testing.T) {
	f := newFixture(t, Config{}, reply("hello there"))
	ctx := context.Background()

	res, err := f.runner.RunTurn(ctx, userTurn("telegram:42", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Reply)
	assert.Equal(t, 1, res.Steps)

	msgs, err := f.store.Load(ctx, "telegram:42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.Equal(t, "hello there", msgs[1].Text())

	route, err := f.store.Route(ctx, "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, session.Route{Channel: "telegram", ChatID: "42"}, route)

	req := f.provider.calls[0]
	assert.Contains(t, req.SystemPrompt, "Channel: telegram")
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
}

func TestRunner_ToolFailureContinuesTurn(t *testing.T) {
	f := newFixture(t, Config{},
		callTool("c1", "echo", map[string]interface{}{"text": "ping"}),
		callTool("c2", "broken", nil),
		reply("recovered"),
	)
	ctx := context.Background()

	res, err := f.runner.RunTurn(ctx, userTurn("cli:direct", "go"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Reply)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 2, res.ToolCalls)

	msgs, err := f.store.Load(ctx, "cli:direct")
	require.NoError(t, err)
	roles := make([]session.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []session.Role{
		session.RoleUser,
		session.RoleAssistant, session.RoleTool,
		session.RoleAssistant, session.RoleTool,
		session.RoleAssistant,
	}, roles)

	ok := msgs[2].ToolResults()
	require.Len(t, ok, 1)
	assert.Equal(t, session.ToolStatusOK, ok[0].Status)
	assert.Equal(t, "ping", ok[0].Payload)

	failed := msgs[4].ToolResults()
	require.Len(t, failed, 1, "exactly one result per failing call")
	assert.Equal(t, session.ToolStatusError, failed[0].Status)
	assert.Equal(t, "c2", failed[0].CallID)
	assert.Contains(t, failed[0].Error, "disk on fire")

	last := f.provider.calls[2].Messages
	assert.Equal(t, reflectPrompt, last[len(last)-1].Text())
}

func TestRunner_TurnLimitExceeded(t *testing.T) {
	loop := callTool("c", "echo", map[string]interface{}{"text": "again"})
	f := newFixture(t, Config{MaxSteps: 3}, loop, loop, loop, loop)
	ctx := context.Background()

	_, err := f.runner.RunTurn(ctx, userTurn("cli:direct", "loop forever"))
	require.ErrorIs(t, err, ErrTurnLimitExceeded)
	assert.Equal(t, 3, f.provider.callCount())
	assert.Empty(t, f.sleeps, "turn limit is not retried")

	msgs, err := f.store.Load(ctx, "cli:direct")
	require.NoError(t, err)
	assert.Len(t, msgs, 1+3*2, "every completed step stays persisted")
	assert.False(t, f.runner.IsRunning("cli:direct"))
}

func TestRunner_SessionBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, Config{}, func(LLMRequest) (*LLMResponse, error) {
		close(started)
		<-release
		return &LLMResponse{Content: "slow"}, nil
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.RunTurn(ctx, userTurn("cli:direct", "first"))
		done <- err
	}()
	<-started

	assert.True(t, f.runner.IsRunning("cli:direct"))
	_, err := f.runner.RunTurn(ctx, userTurn("cli:direct", "second"))
	assert.ErrorIs(t, err, ErrSessionBusy)

	_, err = f.runner.RunTurn(ctx, userTurn("cli:other", "parallel"))
	assert.NoError(t, err, "other sessions are not blocked")

	close(release)
	require.NoError(t, <-done)
}

func TestRunner_RetriesTransportErrors(t *testing.T) {
	retryable := newTransportError("fake", 503, errors.New("overloaded"))
	f := newFixture(t, Config{}, fail(retryable), fail(retryable), reply("third time lucky"))

	res, err := f.runner.RunTurn(context.Background(), userTurn("cli:direct", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.Reply)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
}

func TestRunner_RetriesExhausted(t *testing.T) {
	retryable := newTransportError("fake", 429, errors.New("rate limited"))
	f := newFixture(t, Config{MaxRetries: 2}, fail(retryable), fail(retryable), fail(retryable), reply("never"))

	_, err := f.runner.RunTurn(context.Background(), userTurn("cli:direct", "hi"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 429, te.StatusCode)
	assert.Equal(t, 3, f.provider.callCount())
	assert.Len(t, f.sleeps, 2)
	assert.Contains(t, UserMessage(err), "unavailable")
}

func TestRunner_NonRetryableFailsFast(t *testing.T) {
	f := newFixture(t, Config{}, fail(newTransportError("fake", 400, errors.New("bad request"))))

	_, err := f.runner.RunTurn(context.Background(), userTurn("cli:direct", "hi"))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 1, f.provider.callCount())
	assert.Empty(t, f.sleeps)
}

func TestRunner_ProfileFailover(t *testing.T) {
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	primary := &scriptedProvider{name: "primary", steps: []step{fail(newTransportError("primary", 401, errors.New("invalid key")))}}
	backup := &scriptedProvider{name: "backup", steps: []step{reply("from backup")}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logger := zerolog.Nop()
	runner, err := NewRunner(Options{
		Sessions: store,
		Tools:    toolexecutor.New(),
		AuthProfiles: []AuthProfile{
			{ID: "backup", Provider: "openai", Priority: 2},
			{ID: "primary", Provider: "anthropic", Priority: 1},
		},
		Providers: staticFactory{"primary": primary, "backup": backup},
		Logger:    &logger,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	res, err := runner.RunTurn(context.Background(), userTurn("cli:direct", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "from backup", res.Reply)

	_, err = runner.RunTurn(context.Background(), userTurn("cli:direct", "again"))
	require.NoError(t, err)
	assert.Equal(t, 1, primary.callCount(), "failed profile cools down")
	assert.Equal(t, 2, backup.callCount())
}

type failingStore struct {
	*session.Store
	failRole session.Role
	// failures limits how many writes fail; zero fails every write.
	failures int
	failed   int
}

func (s *failingStore) Append(ctx context.Context, key string, msg session.Message) (session.Message, error) {
	if msg.Role == s.failRole && (s.failures == 0 || s.failed < s.failures) {
		s.failed++
		return session.Message{}, &session.PersistenceError{Op: "append", Key: key, Err: errors.New("disk full")}
	}
	return s.Store.Append(ctx, key, msg)
}

func TestRunner_PersistenceErrorStopsTurn(t *testing.T) {
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	provider := &scriptedProvider{name: "fake", steps: []step{callTool("c1", "x", nil), reply("unreachable")}}
	logger := zerolog.Nop()
	runner, err := NewRunner(Options{
		Sessions:     &failingStore{Store: store, failRole: session.RoleAssistant},
		Tools:        toolexecutor.New(),
		AuthProfiles: []AuthProfile{{ID: "p", Provider: "fake"}},
		Providers:    staticFactory{"p": provider},
		Logger:       &logger,
	})
	require.NoError(t, err)

	_, err = runner.RunTurn(context.Background(), userTurn("cli:direct", "hi"))
	require.Error(t, err)
	assert.True(t, session.IsPersistenceError(err))
	assert.Equal(t, 1, provider.callCount(), "no step runs after a failed write")
}

func TestRunner_RedeliveredEventIsRecordedOnce(t *testing.T) {
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	provider := &scriptedProvider{name: "fake", steps: []step{reply("a"), reply("b")}}
	logger := zerolog.Nop()
	runner, err := NewRunner(Options{
		Sessions:     &failingStore{Store: store, failRole: session.RoleAssistant, failures: 1},
		Tools:        toolexecutor.New(),
		AuthProfiles: []AuthProfile{{ID: "p", Provider: "fake"}},
		Providers:    staticFactory{"p": provider},
		Logger:       &logger,
	})
	require.NoError(t, err)

	turn := userTurn("cli:direct", "hello once")
	turn.Metadata = map[string]string{MetadataMessageID: "evt-1"}

	_, err = runner.RunTurn(context.Background(), turn)
	require.True(t, session.IsPersistenceError(err))

	res, err := runner.RunTurn(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Reply)

	msgs, err := store.Load(context.Background(), "cli:direct")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello once", msgs[0].Text())
	assert.Equal(t, "b", msgs[1].Text())

	second := provider.calls[1].Messages
	require.Len(t, second, 1, "the recorded user message is reused")
	assert.Equal(t, "hello once", second[0].Text())
}

func TestRunner_ResumesInterruptedTurn(t *testing.T) {
	ctx := context.Background()

	t.Run("unanswered tool call", func(t *testing.T) {
		f := newFixture(t, Config{}, reply("done"))
		user := session.NewTextMessage(session.RoleUser, "go")
		user.Metadata = map[string]string{MetadataMessageID: "evt-2"}
		_, err := f.store.Append(ctx, "cli:direct", user)
		require.NoError(t, err)
		call := session.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text":"ping"}`)}
		_, err = f.store.Append(ctx, "cli:direct", session.Message{
			Role:  session.RoleAssistant,
			Parts: []session.Part{{Type: session.PartToolCall, ToolCall: &call}},
		})
		require.NoError(t, err)

		turn := userTurn("cli:direct", "go")
		turn.Metadata = map[string]string{MetadataMessageID: "evt-2"}
		res, err := f.runner.RunTurn(ctx, turn)
		require.NoError(t, err)
		assert.Equal(t, "done", res.Reply)
		assert.Equal(t, 1, res.ToolCalls)
		assert.Equal(t, 2, res.Steps)

		msgs, err := f.store.Load(ctx, "cli:direct")
		require.NoError(t, err)
		require.Len(t, msgs, 4)
		results := msgs[2].ToolResults()
		require.Len(t, results, 1)
		assert.Equal(t, "c1", results[0].CallID)
		assert.Equal(t, "ping", results[0].Payload)

		sent := f.provider.calls[0].Messages
		assert.Equal(t, reflectPrompt, sent[len(sent)-1].Text())
	})

	t.Run("already answered", func(t *testing.T) {
		f := newFixture(t, Config{})
		user := session.NewTextMessage(session.RoleUser, "hi")
		user.Metadata = map[string]string{MetadataMessageID: "evt-3"}
		_, err := f.store.Append(ctx, "cli:direct", user)
		require.NoError(t, err)
		_, err = f.store.Append(ctx, "cli:direct", session.NewTextMessage(session.RoleAssistant, "hello"))
		require.NoError(t, err)

		turn := userTurn("cli:direct", "hi")
		turn.Metadata = map[string]string{MetadataMessageID: "evt-3"}
		res, err := f.runner.RunTurn(ctx, turn)
		require.NoError(t, err)
		assert.Equal(t, "hello", res.Reply)
		assert.Zero(t, f.provider.callCount())

		msgs, err := f.store.Load(ctx, "cli:direct")
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})
}

func TestRunner_ConsolidatesAfterTurn(t *testing.T) {
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	mem, err := memory.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, mem.WriteFacts("- Name: Ada\n"))

	provider := &scriptedProvider{
		name:    "fake",
		summary: `{"history_entry":"[2026-01-01 09:00] Chatted about tea.","memory_update":"- Likes green tea"}`,
	}
	logger := zerolog.Nop()
	runner, err := NewRunner(Options{
		Sessions:     store,
		Tools:        toolexecutor.New(),
		Memory:       mem,
		AuthProfiles: []AuthProfile{{ID: "p", Provider: "fake"}},
		Providers:    staticFactory{"p": provider},
		Config:       Config{MemoryWindow: 4},
		Logger:       &logger,
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := runner.RunTurn(ctx, userTurn("cli:direct", fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
	}

	msgs, err := store.Load(ctx, "cli:direct")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(msgs), 4)

	facts, err := mem.ReadFacts()
	require.NoError(t, err)
	assert.Contains(t, facts, "Name: Ada")
	assert.Contains(t, facts, "Likes green tea")

	history, err := mem.ReadHistory()
	require.NoError(t, err)
	assert.Contains(t, history, "Chatted about tea.")

	turnReq := provider.calls[0]
	assert.Contains(t, turnReq.SystemPrompt, "## Long-term Memory")
}

type staticContext struct{ bootstrap, skills string }

func (c staticContext) Bootstrap() string { return c.bootstrap }
func (c staticContext) Skills() string    { return c.skills }

func TestRunner_SystemPromptIncludesWorkspaceContext(t *testing.T) {
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	mem, err := memory.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, mem.WriteFacts("- Name: Ada\n"))

	provider := &scriptedProvider{name: "fake", steps: []step{reply("ok")}}
	logger := zerolog.Nop()
	runner, err := NewRunner(Options{
		Sessions: store,
		Tools:    toolexecutor.New(),
		Memory:   mem,
		Workspace: staticContext{
			bootstrap: "## SOUL.md\n\nBe kind.",
			skills:    "# Skills\n\n<skills>\n</skills>",
		},
		AuthProfiles: []AuthProfile{{ID: "p", Provider: "fake"}},
		Providers:    staticFactory{"p": provider},
		Config:       Config{SystemPrompt: "You are Switchboard."},
		Logger:       &logger,
	})
	require.NoError(t, err)

	_, err = runner.RunTurn(context.Background(), userTurn("cli:direct", "hi"))
	require.NoError(t, err)

	prompt := provider.calls[0].SystemPrompt
	soulAt := strings.Index(prompt, "## SOUL.md\n\nBe kind.")
	memoryAt := strings.Index(prompt, "Name: Ada")
	skillsAt := strings.Index(prompt, "<skills>")
	sessionAt := strings.Index(prompt, "## Current Session")
	assert.True(t, strings.HasPrefix(prompt, "You are Switchboard.\n\n## SOUL.md"))
	assert.Greater(t, memoryAt, soulAt)
	assert.Greater(t, skillsAt, memoryAt)
	assert.Greater(t, sessionAt, skillsAt)
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, UserMessage(ErrTurnLimitExceeded), "steps")
	assert.Contains(t, UserMessage(&session.PersistenceError{Op: "append", Err: errors.New("x")}), "save")
	assert.Equal(t, "Sorry, I encountered an error: boom", UserMessage(errors.New("boom")))
}

func TestNewTransportError_Classification(t *testing.T) {
	tests := []struct {
		status    int
		err       error
		retryable bool
	}{
		{429, errors.New("rate"), true},
		{500, errors.New("server"), true},
		{503, errors.New("overloaded"), true},
		{400, errors.New("bad"), false},
		{401, errors.New("auth"), false},
		{0, errors.New("read: connection reset by peer"), true},
		{0, context.DeadlineExceeded, true},
		{0, context.Canceled, false},
		{0, errors.New("invalid json"), false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %v", tt.status, tt.err), func(t *testing.T) {
			assert.Equal(t, tt.retryable, newTransportError("x", tt.status, tt.err).Retryable)
		})
	}
}

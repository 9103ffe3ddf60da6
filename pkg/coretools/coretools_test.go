package coretools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/cron"
	"github.com/harun/switchboard/pkg/memory"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/subagent"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outbox struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (o *outbox) publish(_ context.Context, msg bus.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

type routeMap map[string]session.Route

func (r routeMap) Route(_ context.Context, key string) (session.Route, error) {
	route, ok := r[key]
	if !ok {
		return session.Route{}, errors.New("no route")
	}
	return route, nil
}

func newCronService(t *testing.T) *cron.Service {
	t.Helper()
	svc, err := cron.NewService(cron.ServiceOptions{
		StorePath: filepath.Join(t.TempDir(), "jobs.json"),
		DefaultTZ: "UTC",
		Deliver:   func(context.Context, bus.InboundMessage) error { return nil },
		Now:       func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return svc
}

func TestRegisterCoreTools(t *testing.T) {
	store, err := memory.NewStore(t.TempDir())
	require.NoError(t, err)
	exec := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(exec, Options{
		Publish: (&outbox{}).publish,
		Cron:    newCronService(t),
		Memory:  store,
	}))
	assert.Equal(t, []string{"cron", "history_search", "memory_read", "message", "remember"}, exec.ListTools())

	exec = toolexecutor.New()
	require.NoError(t, RegisterCoreTools(exec, Options{}))
	assert.Empty(t, exec.ListTools())

	assert.Error(t, RegisterCoreTools(nil, Options{}))
}

func TestMessageTool(t *testing.T) {
	box := &outbox{}
	exec := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(exec, Options{
		Publish: box.publish,
		Routes:  routeMap{"cron:abc": {Channel: "telegram", ChatID: "42"}},
	}))
	ctx := context.Background()

	t.Run("defaults to current chat", func(t *testing.T) {
		res := exec.Execute(ctx, "message", map[string]interface{}{"content": "working on it"},
			&toolexecutor.ExecutionContext{SessionKey: "direct:u1", Channel: "direct", ChatID: "c1"})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "Message sent to direct:c1", res.Output)
	})

	t.Run("explicit target", func(t *testing.T) {
		res := exec.Execute(ctx, "message", map[string]interface{}{"content": "hi", "channel": "telegram", "chat_id": "7"},
			&toolexecutor.ExecutionContext{SessionKey: "direct:u1", Channel: "direct", ChatID: "c1"})
		require.True(t, res.Success, res.Error)
	})

	t.Run("falls back to session route", func(t *testing.T) {
		res := exec.Execute(ctx, "message", map[string]interface{}{"content": "reminder"},
			&toolexecutor.ExecutionContext{SessionKey: "cron:abc"})
		require.True(t, res.Success, res.Error)
	})

	t.Run("no route", func(t *testing.T) {
		res := exec.Execute(ctx, "message", map[string]interface{}{"content": "lost"},
			&toolexecutor.ExecutionContext{SessionKey: "cron:zzz"})
		assert.False(t, res.Success)
	})

	t.Run("empty content", func(t *testing.T) {
		res := exec.Execute(ctx, "message", map[string]interface{}{"content": "  "},
			&toolexecutor.ExecutionContext{Channel: "direct", ChatID: "c1"})
		assert.False(t, res.Success)
	})

	box.mu.Lock()
	defer box.mu.Unlock()
	require.Len(t, box.sent, 3)
	assert.Equal(t, bus.OutboundMessage{Channel: "direct", ChatID: "c1", Content: "working on it", SessionKey: "direct:u1"}, box.sent[0])
	assert.Equal(t, "telegram", box.sent[1].Channel)
	assert.Equal(t, "7", box.sent[1].ChatID)
	assert.Equal(t, "42", box.sent[2].ChatID)
}

func TestCronTool(t *testing.T) {
	svc := newCronService(t)
	exec := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(exec, Options{Cron: svc}))
	ctx := context.Background()
	owner := &toolexecutor.ExecutionContext{SessionKey: "telegram:42", Channel: "telegram", ChatID: "42"}
	other := &toolexecutor.ExecutionContext{SessionKey: "direct:u1", Channel: "direct", ChatID: "c1"}

	res := exec.Execute(ctx, "cron", map[string]interface{}{
		"action":    "add",
		"message":   "Check the oven",
		"cron_expr": "0 9 * * *",
		"tz":        "UTC",
	}, owner)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Payload(), "Created job 'Check the oven'")

	jobs := svc.ListJobs(true)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, cron.Payload{Message: "Check the oven", SessionKey: "telegram:42", Deliver: true, Channel: "telegram", To: "42"}, job.Payload)
	require.NotNil(t, job.State.NextRunAtMs)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli(), *job.State.NextRunAtMs)

	res = exec.Execute(ctx, "cron", map[string]interface{}{"action": "list"}, owner)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Payload(), job.ID)
	assert.Contains(t, res.Payload(), "2026-03-01T09:00:00Z")

	res = exec.Execute(ctx, "cron", map[string]interface{}{"action": "list"}, other)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "No scheduled jobs.", res.Output)

	res = exec.Execute(ctx, "cron", map[string]interface{}{"action": "remove", "job_id": job.ID}, other)
	assert.False(t, res.Success)

	res = exec.Execute(ctx, "cron", map[string]interface{}{"action": "remove", "job_id": job.ID}, owner)
	require.True(t, res.Success, res.Error)
	assert.Empty(t, svc.ListJobs(true))
}

func TestCronToolScheduleParams(t *testing.T) {
	svc := newCronService(t)
	exec := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(exec, Options{Cron: svc}))
	ctx := context.Background()
	execCtx := &toolexecutor.ExecutionContext{SessionKey: "direct:u1", Channel: "direct", ChatID: "c1"}

	tests := []struct {
		name   string
		params map[string]interface{}
		ok     bool
		kind   cron.ScheduleKind
	}{
		{"every", map[string]interface{}{"every_seconds": 600}, true, cron.ScheduleKindEvery},
		{"at", map[string]interface{}{"at": "2026-03-02T10:00:00Z"}, true, cron.ScheduleKindAt},
		{"bad at", map[string]interface{}{"at": "tomorrow"}, false, ""},
		{"none", map[string]interface{}{}, false, ""},
		{"two", map[string]interface{}{"every_seconds": 60, "cron_expr": "* * * * *"}, false, ""},
		{"bad expr", map[string]interface{}{"cron_expr": "not cron"}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]interface{}{"action": "add", "message": "ping " + tt.name}
			for k, v := range tt.params {
				params[k] = v
			}
			res := exec.Execute(ctx, "cron", params, execCtx)
			assert.Equal(t, tt.ok, res.Success, res.Error)
			if !tt.ok {
				return
			}
			for _, job := range svc.ListJobs(true) {
				if job.Payload.Message == "ping "+tt.name {
					assert.Equal(t, tt.kind, job.Schedule.Kind)
					assert.Equal(t, tt.kind == cron.ScheduleKindAt, job.DeleteAfterRun)
				}
			}
		})
	}
}

func seedSessions(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := store.Append(ctx, "telegram:42", session.NewTextMessage(session.RoleUser, fmt.Sprintf("note %d", i)))
		require.NoError(t, err)
	}
	_, err = store.Append(ctx, "cli:direct", session.NewTextMessage(session.RoleUser, "hello"))
	require.NoError(t, err)
	require.NoError(t, store.SetRoute(ctx, "telegram:42", session.Route{Channel: "telegram", ChatID: "42"}))
	return store
}

func TestSessionsTools(t *testing.T) {
	store := seedSessions(t)
	box := &outbox{}
	exec := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(exec, Options{Publish: box.publish, Routes: store, Sessions: store}))
	assert.Equal(t, []string{"message", "sessions_history", "sessions_list", "sessions_send"}, exec.ListTools())
	ctx := context.Background()
	caller := &toolexecutor.ExecutionContext{SessionKey: "cli:direct", Channel: "cli", ChatID: "direct"}

	t.Run("list", func(t *testing.T) {
		res := exec.Execute(ctx, "sessions_list", nil, caller)
		require.True(t, res.Success, res.Error)
		assert.Contains(t, res.Payload(), `"key":"telegram:42"`)
		assert.Contains(t, res.Payload(), `"key":"cli:direct"`)
		assert.Contains(t, res.Payload(), `"message_count":30`)
	})

	t.Run("history default limit", func(t *testing.T) {
		res := exec.Execute(ctx, "sessions_history", map[string]interface{}{"session": "telegram:42"}, caller)
		require.True(t, res.Success, res.Error)
		view, ok := res.Output.(historyView)
		require.True(t, ok)
		assert.Equal(t, 30, view.Total)
		require.Len(t, view.Messages, defaultHistoryLimit)
		assert.Equal(t, "note 10", view.Messages[0].Text)
		assert.Equal(t, "note 29", view.Messages[19].Text)
	})

	t.Run("history limit clamps", func(t *testing.T) {
		res := exec.Execute(ctx, "sessions_history", map[string]interface{}{"session": "telegram:42", "limit": 500}, caller)
		require.True(t, res.Success, res.Error)
		assert.Len(t, res.Output.(historyView).Messages, 30)

		res = exec.Execute(ctx, "sessions_history", map[string]interface{}{"session": "telegram:42", "limit": 0}, caller)
		require.True(t, res.Success, res.Error)
		require.Len(t, res.Output.(historyView).Messages, 1)
		assert.Equal(t, "note 29", res.Output.(historyView).Messages[0].Text)
	})

	t.Run("history unknown session", func(t *testing.T) {
		res := exec.Execute(ctx, "sessions_history", map[string]interface{}{"session": "telegram:999"}, caller)
		assert.False(t, res.Success)
		res = exec.Execute(ctx, "sessions_history", map[string]interface{}{"session": "../etc"}, caller)
		assert.False(t, res.Success)
	})

	t.Run("send", func(t *testing.T) {
		res := exec.Execute(ctx, "sessions_send", map[string]interface{}{"session": "telegram:42", "content": "Build is green"}, caller)
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "Sent message to session telegram:42", res.Output)

		res = exec.Execute(ctx, "sessions_send", map[string]interface{}{"session": "nochannel", "content": "x"}, caller)
		assert.False(t, res.Success)
		res = exec.Execute(ctx, "sessions_send", map[string]interface{}{"session": "telegram:42", "content": " "}, caller)
		assert.False(t, res.Success)
	})

	box.mu.Lock()
	defer box.mu.Unlock()
	require.Len(t, box.sent, 1)
	assert.Equal(t, bus.OutboundMessage{
		Channel:    "telegram",
		ChatID:     "42",
		Content:    "Build is green",
		SessionKey: "telegram:42",
		Metadata:   map[string]string{"forwarded_from": "cli:direct"},
	}, box.sent[0])
}

type spawnRecorder struct {
	params []subagent.SpawnParams
	err    error
}

func (s *spawnRecorder) Spawn(params subagent.SpawnParams) (*subagent.RunRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.params = append(s.params, params)
	label := params.Label
	if label == "" {
		label = params.Task
	}
	return &subagent.RunRecord{ID: "abc12345", Label: label}, nil
}

func TestSpawnTool(t *testing.T) {
	rec := &spawnRecorder{}
	exec := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(exec, Options{
		Spawner: rec,
		Routes:  routeMap{"cron:job1": {Channel: "telegram", ChatID: "42"}},
	}))
	ctx := context.Background()

	res := exec.Execute(ctx, "spawn", map[string]interface{}{"task": "Audit the dependencies", "label": "deps"},
		&toolexecutor.ExecutionContext{SessionKey: "telegram:42", Channel: "telegram", ChatID: "42"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Background task [deps] started (id: abc12345). I'll notify you when it completes.", res.Output)

	res = exec.Execute(ctx, "spawn", map[string]interface{}{"task": "Check the feed"},
		&toolexecutor.ExecutionContext{SessionKey: "cron:job1"})
	require.True(t, res.Success, res.Error)

	require.Len(t, rec.params, 2)
	assert.Equal(t, subagent.SpawnParams{
		Task:             "Audit the dependencies",
		Label:            "deps",
		ParentSessionKey: "telegram:42",
		OriginChannel:    "telegram",
		OriginChatID:     "42",
	}, rec.params[0])
	assert.Equal(t, "cron:job1", rec.params[1].ParentSessionKey)
	assert.Equal(t, "telegram", rec.params[1].OriginChannel)
	assert.Equal(t, "42", rec.params[1].OriginChatID)

	rec.err = subagent.ErrTooManyRuns
	res = exec.Execute(ctx, "spawn", map[string]interface{}{"task": "one more"},
		&toolexecutor.ExecutionContext{SessionKey: "telegram:42", Channel: "telegram", ChatID: "42"})
	assert.False(t, res.Success)
}

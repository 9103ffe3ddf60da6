package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		shouldErr bool
	}{
		{"valid key", "telegram:42", false},
		{"empty key", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "test/session", true},
		{"backslash", "test\\session", true},
		{"null byte", "test\x00session", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_AppendAssignsSequence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, "telegram:42", NewTextMessage(RoleUser, "hello"))
	require.NoError(t, err)
	second, err := s.Append(ctx, "telegram:42", NewTextMessage(RoleAssistant, "hi there"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.Timestamp.IsZero())

	msgs, err := s.Load(ctx, "telegram:42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text())
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestStore_AppendRejectsInvalid(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "k", Message{Parts: []Part{TextPart("x")}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.Append(ctx, "k", Message{Role: RoleUser})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.Append(ctx, "../k", NewTextMessage(RoleUser, "x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.False(t, IsPersistenceError(err))
}

func TestStore_ConcurrentAppendsStrictlyIncreasing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, "telegram:7", NewTextMessage(RoleUser, fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := s.Load(ctx, "telegram:7")
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i := range msgs {
		assert.Equal(t, int64(i+1), msgs[i].Seq, "file order must match sequence order")
	}
}

func TestStore_SequenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(dir)
	require.NoError(t, err)
	_, err = s1.Append(ctx, "cli:direct", NewTextMessage(RoleUser, "one"))
	require.NoError(t, err)

	s2, err := New(dir)
	require.NoError(t, err)
	msg, err := s2.Append(ctx, "cli:direct", NewTextMessage(RoleUser, "two"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Seq)
}

func TestStore_LoadSkipsCorruptLines(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "cli:direct", NewTextMessage(RoleUser, "ok"))
	require.NoError(t, err)

	f, err := os.OpenFile(s.path("cli:direct"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Append(ctx, "cli:direct", NewTextMessage(RoleUser, "after"))
	require.NoError(t, err)

	msgs, err := s.Load(ctx, "cli:direct")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "after", msgs[1].Text())
}

func TestStore_LoadMissing(t *testing.T) {
	s := setupTestStore(t)
	msgs, err := s.Load(context.Background(), "nobody:1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_TruncateThroughKeepsNumbering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	key := "telegram:42"

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, key, NewTextMessage(RoleUser, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	removed, err := s.TruncateThrough(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	msgs, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].Seq)

	meta, err := s.Meta(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.ConsolidatedSeq)
	assert.Equal(t, int64(5), meta.LastSeq)

	// Everything removed still keeps numbering monotonic after a restart.
	_, err = s.TruncateThrough(ctx, key, 5)
	require.NoError(t, err)
	s2, err := New(s.Dir())
	require.NoError(t, err)
	next, err := s2.Append(ctx, key, NewTextMessage(RoleUser, "later"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), next.Seq)
}

func TestStore_Route(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	key := "telegram:42"

	_, err := s.Route(ctx, key)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.SetRoute(ctx, key, Route{Channel: "telegram", ChatID: "-1001"}))
	_, err = s.Append(ctx, key, NewTextMessage(RoleUser, "hi"))
	require.NoError(t, err)

	route, err := s.Route(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Route{Channel: "telegram", ChatID: "-1001"}, route)

	require.NoError(t, s.SetRoute(ctx, key, Route{Channel: "telegram", ChatID: "42"}))
	msgs, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "route change must not drop messages")
}

func TestStore_ListAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "telegram:1", NewTextMessage(RoleUser, "a"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.Append(ctx, "cli:direct", NewTextMessage(RoleUser, "b"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "cli:direct", NewTextMessage(RoleAssistant, "c"))
	require.NoError(t, err)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byKey := map[string]Info{}
	for _, info := range infos {
		byKey[info.Key] = info
	}
	assert.Equal(t, 2, byKey["cli:direct"].MessageCount)
	assert.Equal(t, "cli", byKey["cli:direct"].Channel)
	assert.Equal(t, int64(1), byKey["telegram:1"].LastSeq)

	require.NoError(t, s.Delete(ctx, "telegram:1"))
	assert.ErrorIs(t, s.Delete(ctx, "telegram:1"), ErrNotFound)

	infos, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
	_, err = os.Stat(filepath.Join(s.Dir(), "telegram%3A1.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_AppendFailureIsPersistenceError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "cli:direct", NewTextMessage(RoleUser, "a"))
	require.NoError(t, err)
	require.NoError(t, os.Chmod(s.path("cli:direct"), 0400))
	t.Cleanup(func() { _ = os.Chmod(s.path("cli:direct"), 0600) })

	_, err = s.Append(ctx, "cli:direct", NewTextMessage(RoleUser, "b"))
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
}

func TestMessageHelpers(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("thinking"),
			{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "cron"}},
			{Type: PartToolResult, ToolResult: &ToolResult{CallID: "c1", Status: ToolStatusOK}},
		},
	}
	assert.Equal(t, "thinking", msg.Text())
	assert.Len(t, msg.ToolCalls(), 1)
	assert.Len(t, msg.ToolResults(), 1)
	assert.False(t, msg.empty())
	assert.True(t, Message{Role: RoleUser}.empty())
}

package memory

import (
	"context"
	"testing"

	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMemoryTools(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	exec := toolexecutor.New()
	require.NoError(t, RegisterMemoryTools(exec, store))

	assert.Equal(t, []string{"history_search", "memory_read", "remember"}, exec.ListTools())

	ctx := context.Background()
	res := exec.Execute(ctx, "remember", map[string]interface{}{"fact": "owns a bakery"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, "Saved to long-term memory.", res.Output)

	res = exec.Execute(ctx, "memory_read", nil, nil)
	require.True(t, res.Success)
	assert.Contains(t, res.Payload(), "- owns a bakery")

	require.NoError(t, store.AppendHistory("[2026-01-01 09:00] Discussed sourdough."))
	res = exec.Execute(ctx, "history_search", map[string]interface{}{"query": "sourdough"}, nil)
	require.True(t, res.Success)
	assert.Contains(t, res.Payload(), "Discussed sourdough.")

	res = exec.Execute(ctx, "remember", map[string]interface{}{}, nil)
	assert.False(t, res.Success)
}

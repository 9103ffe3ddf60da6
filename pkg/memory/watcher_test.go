package memory

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchStoreInvalidatesOnExternalEdit(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.WriteFacts("- one\n"))

	fw, err := NewFileWatcher(zerolog.Nop(), 20*time.Millisecond)
	require.NoError(t, err)
	defer fw.Stop()
	require.NoError(t, WatchStore(fw, s))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), MemoryFile), []byte("- edited\n"), 0644))

	assert.Eventually(t, func() bool {
		facts, _ := s.ReadFacts()
		return facts == "- edited\n"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFileWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(zerolog.Nop(), 100*time.Millisecond)
	require.NoError(t, err)
	defer fw.Stop()

	var calls atomic.Int32
	fw.OnChange("HEARTBEAT.md", func() { calls.Add(1) })
	require.NoError(t, fw.Watch(dir))

	path := filepath.Join(dir, "HEARTBEAT.md")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("- task\n"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.md"), []byte("x"), 0644))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output honours level", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "warn", Console: true, Output: &buf})
		require.NoError(t, err)
		defer l.Close()

		zl := l.Zerolog()
		zl.Info().Msg("hidden")
		zl.Warn().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "chatty", Console: true, Output: &buf})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Debug().Msg("debug line")
		zl.Info().Msg("info line")
		assert.NotContains(t, buf.String(), "debug line")
		assert.Contains(t, buf.String(), "info line")
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "switchboard.log")
		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		comp := l.Component("dispatcher")
		comp.Debug().Str("sessionKey", "telegram:1").Msg("Turn started")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"dispatcher"`)
		assert.Contains(t, string(data), `"sessionKey":"telegram:1"`)
	})

	t.Run("redacts configured secrets", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{
			Level:     "info",
			Console:   true,
			Output:    &buf,
			Redaction: true,
			Secrets:   []string{"hunter2-gateway"},
		})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Str("header", "hunter2-gateway").Msg("Handshake")
		assert.NotContains(t, buf.String(), "hunter2-gateway")
		assert.Contains(t, buf.String(), redacted)
		assert.NotNil(t, l.Redactor())
	})
}

func TestSetGlobal(t *testing.T) {
	previous := log.Logger
	defer func() { log.Logger = previous }()

	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Console: true, Output: &buf})
	require.NoError(t, err)
	l.SetGlobal()

	log.Info().Msg("via global")
	assert.Contains(t, buf.String(), "via global")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}

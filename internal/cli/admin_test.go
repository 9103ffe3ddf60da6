package cli

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/daemon"
	"github.com/harun/switchboard/internal/logger"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/cron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replyProvider struct{}

func (replyProvider) Provider() string { return "anthropic" }

func (replyProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &agent.LLMResponse{Content: "echo: " + last.Text()}, nil
}

type replyFactory struct{}

func (replyFactory) NewProvider(agent.AuthProfile) (agent.LLMProvider, error) {
	return replyProvider{}, nil
}

// startDaemon runs a daemon in-process and writes a config file that
// points the CLI at its gateway. It returns the config path.
func startDaemon(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Workspace = filepath.Join(dir, "workspace")
	cfg.Logging.AuditFile = filepath.Join(dir, "audit.log")
	cfg.AI.Profiles = []config.AIProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-ant-test"}}
	cfg.Heartbeat.Enabled = false
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "cli-test-secret"
	cfg.Dispatcher.DrainTimeoutSeconds = 5

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := daemon.New(cfg, daemon.Options{Logger: log, Providers: replyFactory{}})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	_, port, err := net.SplitHostPort(d.GatewayAddr())
	require.NoError(t, err)
	cfg.Gateway.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	path := filepath.Join(dir, "switchboard.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path
}

func TestAdminCommandsAgainstRunningDaemon(t *testing.T) {
	path := startDaemon(t)
	defer resetFlags()

	t.Run("status", func(t *testing.T) {
		out, err := execute(t, "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "running")
		assert.Contains(t, out, "PID:")
		assert.Contains(t, out, "Uptime:")
	})

	t.Run("status json", func(t *testing.T) {
		out, err := execute(t, "--config", path, "status", "-o", "json")
		require.NoError(t, err)
		var report StatusReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.Running)
		require.NotNil(t, report.Health)
		assert.Equal(t, "ok", report.Health.Status)
		assert.Contains(t, report.Health.Methods, "chat")
	})

	t.Run("chat", func(t *testing.T) {
		out, err := execute(t, "--config", path, "chat", "hello", "there")
		require.NoError(t, err)
		assert.Equal(t, "echo: hello there\n", out)
	})

	t.Run("sessions", func(t *testing.T) {
		out, err := execute(t, "--config", path, "sessions", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "cli:direct")

		out, err = execute(t, "--config", path, "sessions", "show", "cli:direct")
		require.NoError(t, err)
		assert.Contains(t, out, "user: hello there")
		assert.Contains(t, out, "assistant: echo: hello there")

		out, err = execute(t, "--config", path, "-o", "yaml", "sessions", "show", "cli:direct", "--limit", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "messages:")
		assert.Contains(t, out, "echo: hello there")
		assert.NotContains(t, out, "text: hello there")

		_, err = execute(t, "--config", path, "sessions", "show", "nobody:here")
		assert.Error(t, err)
	})

	t.Run("cron lifecycle", func(t *testing.T) {
		out, err := execute(t, "--config", path, "cron", "add", "--name", "standup", "--every", "1h", "--message", "post standup")
		require.NoError(t, err)
		assert.Contains(t, out, "Added job")

		out, err = execute(t, "--config", path, "cron", "list", "-o", "json")
		require.NoError(t, err)
		var jobs []cron.Job
		require.NoError(t, json.Unmarshal([]byte(out), &jobs))
		require.Len(t, jobs, 1)
		id := jobs[0].ID
		assert.Equal(t, "standup", jobs[0].Name)
		assert.Equal(t, "post standup", jobs[0].Payload.Message)

		out, err = execute(t, "--config", path, "cron", "disable", id)
		require.NoError(t, err)
		assert.Contains(t, out, "Disabled job "+id)

		out, err = execute(t, "--config", path, "cron", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "No scheduled jobs.")

		out, err = execute(t, "--config", path, "cron", "list", "--all")
		require.NoError(t, err)
		assert.Contains(t, out, "standup")
		assert.Contains(t, out, "every 1h0m0s")

		_, err = execute(t, "--config", path, "cron", "run", id)
		assert.Error(t, err)

		out, err = execute(t, "--config", path, "cron", "remove", id)
		require.NoError(t, err)
		assert.Contains(t, out, "Removed job "+id)

		_, err = execute(t, "--config", path, "cron", "remove", id)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("cron add requires schedule", func(t *testing.T) {
		_, err := execute(t, "--config", path, "cron", "add", "--name", "x", "--message", "y")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "one of --every, --cron or --at is required")
	})

	t.Run("pairing", func(t *testing.T) {
		out, err := execute(t, "--config", path, "pairing", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "No pairing requests.")

		_, err = execute(t, "--config", path, "pairing", "approve", "telegram", "NOPE1234")
		assert.Error(t, err)
	})
}

func TestCommandsWithoutDaemon(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Gateway.Port = 1
	cfg.Gateway.SharedSecret = "secret"
	path := filepath.Join(dir, "switchboard.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	defer resetFlags()

	out, err := execute(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")

	out, err = execute(t, "--config", path, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon is not running")

	_, err = execute(t, "--config", path, "sessions", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")

	_, err = execute(t, "--config", path, "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestConfigureWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.json")
	defer resetFlags()

	input := strings.Join([]string{"sk-ant-configure", "", "n", "", "warn"}, "\n") + "\n"
	resetFlags()
	cmd := GetRootCmd()
	out := &strings.Builder{}
	cmd.SetArgs([]string{"--config", path, "configure"})
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(out)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Configuration saved to: "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "sk-ant-configure", cfg.AI.Profiles[0].APIKey)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Channels.Telegram.Enabled)
	assert.NotEmpty(t, cfg.Gateway.SharedSecret)

	resetFlags()
	cmd.SetArgs([]string{"--config", path, "configure"})
	cmd.SetIn(strings.NewReader(input))
	err = cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}

func TestLoggerConfigCollectsSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AI.Profiles = []config.AIProfile{{ID: "a", APIKey: "sk-ant-one"}, {ID: "b", APIKey: "sk-two"}}
	cfg.Channels.Telegram.BotToken = "1:abc"
	cfg.Gateway.SharedSecret = "shh-secret"

	lc := loggerConfig(cfg, false)
	assert.Equal(t, []string{"sk-ant-one", "sk-two", "1:abc", "shh-secret"}, lc.Secrets)
	assert.True(t, lc.Console)
	assert.Equal(t, cfg.Logging.Level, lc.Level)
}

package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/cron"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayURL(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "http://127.0.0.1:18790", gatewayURL(cfg))

	cfg.Gateway.Host = "0.0.0.0"
	cfg.Gateway.Port = 9000
	assert.Equal(t, "http://127.0.0.1:9000", gatewayURL(cfg))

	cfg.Gateway.Host = "::1"
	assert.Equal(t, "http://[::1]:9000", gatewayURL(cfg))
}

func TestPrintStructured(t *testing.T) {
	defer resetFlags()
	value := map[string]interface{}{"name": "standup", "enabled": true}

	tests := []struct {
		format  string
		done    bool
		wantErr bool
		want    string
	}{
		{format: "text", done: false},
		{format: "json", done: true, want: `"name": "standup"`},
		{format: "yaml", done: true, want: "name: standup"},
		{format: "xml", done: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			outputFormat = tt.format
			out := &bytes.Buffer{}
			cmd := &cobra.Command{}
			cmd.SetOut(out)

			done, err := printStructured(cmd, value)
			assert.Equal(t, tt.done, done)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h0m1s", formatDuration(time.Hour+time.Second))
}

func TestBuildSchedule(t *testing.T) {
	defer resetFlags()

	tests := []struct {
		name    string
		set     func()
		want    cron.Schedule
		wantErr string
	}{
		{
			name: "every",
			set:  func() { cronAddEvery = 30 * time.Minute },
			want: cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: 1800000},
		},
		{
			name: "cron with timezone",
			set: func() {
				cronAddExpr = "0 9 * * *"
				cronAddTZ = "Europe/Berlin"
			},
			want: cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "0 9 * * *", TZ: "Europe/Berlin"},
		},
		{
			name: "at",
			set:  func() { cronAddAt = "2026-12-24T18:00:00Z" },
			want: cron.Schedule{Kind: cron.ScheduleKindAt, AtMs: time.Date(2026, 12, 24, 18, 0, 0, 0, time.UTC).UnixMilli()},
		},
		{
			name:    "none",
			set:     func() {},
			wantErr: "one of --every, --cron or --at is required",
		},
		{
			name: "two kinds",
			set: func() {
				cronAddEvery = time.Minute
				cronAddExpr = "* * * * *"
			},
			wantErr: "only one of",
		},
		{
			name: "tz without cron",
			set: func() {
				cronAddEvery = time.Minute
				cronAddTZ = "UTC"
			},
			wantErr: "--tz only applies",
		},
		{
			name:    "bad expression",
			set:     func() { cronAddExpr = "not a cron" },
			wantErr: "invalid cron expression",
		},
		{
			name:    "bad at",
			set:     func() { cronAddAt = "tomorrow" },
			wantErr: "invalid --at time",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			tt.set()
			got, err := buildSchedule()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescribeSchedule(t *testing.T) {
	assert.Equal(t, "every 1h0m0s", describeSchedule(cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: 3600000}))
	assert.Equal(t, `cron "0 9 * * *"`, describeSchedule(cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "0 9 * * *"}))
	assert.Equal(t, `cron "0 9 * * *" (UTC)`, describeSchedule(cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "0 9 * * *", TZ: "UTC"}))
}

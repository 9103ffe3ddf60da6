package coretools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/switchboard/pkg/cron"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

type cronJobView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	NextRun  string `json:"next_run,omitempty"`
	Message  string `json:"message"`
}

func cronTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "cron",
		Description: "Schedule reminders and recurring tasks for this conversation. Actions: add, list, remove.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "action", Type: "string", Description: "What to do", Required: true, Enum: []string{"add", "list", "remove"}},
			{Name: "message", Type: "string", Description: "Instruction to run when the job fires (add)"},
			{Name: "name", Type: "string", Description: "Short job name (add)"},
			{Name: "every_seconds", Type: "integer", Description: "Repeat interval in seconds (add)"},
			{Name: "cron_expr", Type: "string", Description: "5-field cron expression such as '0 9 * * *' (add)"},
			{Name: "tz", Type: "string", Description: "IANA timezone for cron_expr (add)"},
			{Name: "at", Type: "string", Description: "One-shot time in RFC3339 (add)"},
			{Name: "job_id", Type: "string", Description: "Job to remove (remove)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			execCtx := toolexecutor.ExecContextFromContext(ctx)
			if execCtx == nil {
				return nil, fmt.Errorf("execution context is required")
			}
			action, _ := params["action"].(string)
			switch action {
			case "add":
				return addCronJob(execCtx, opts.Cron, params)
			case "list":
				return listCronJobs(execCtx, opts.Cron), nil
			case "remove":
				id, _ := params["job_id"].(string)
				if id == "" {
					return nil, fmt.Errorf("job_id is required for remove")
				}
				if !ownsJob(execCtx, opts.Cron, id) {
					return nil, fmt.Errorf("%w: %s", cron.ErrJobNotFound, id)
				}
				if err := opts.Cron.RemoveJob(id); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Removed job %s", id), nil
			default:
				return nil, fmt.Errorf("unknown action %q", action)
			}
		},
	}
}

func addCronJob(execCtx *toolexecutor.ExecutionContext, scheduler Scheduler, params map[string]interface{}) (interface{}, error) {
	message, _ := params["message"].(string)
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required for add")
	}
	schedule, err := scheduleFromParams(params)
	if err != nil {
		return nil, err
	}
	name, _ := params["name"].(string)
	if strings.TrimSpace(name) == "" {
		name = truncate(message, 30)
	}

	job, err := scheduler.AddJob(cron.AddParams{
		Name:     name,
		Schedule: schedule,
		Payload: cron.Payload{
			Message:    message,
			SessionKey: execCtx.SessionKey,
			Deliver:    true,
			Channel:    execCtx.Channel,
			To:         execCtx.ChatID,
		},
		DeleteAfterRun: schedule.Kind == cron.ScheduleKindAt,
	})
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Created job '%s' (id: %s)", job.Name, job.ID), nil
}

func scheduleFromParams(params map[string]interface{}) (cron.Schedule, error) {
	expr, _ := params["cron_expr"].(string)
	at, _ := params["at"].(string)
	every := intParam(params["every_seconds"])

	set := 0
	for _, present := range []bool{expr != "", at != "", every > 0} {
		if present {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of every_seconds, cron_expr or at is required")
	}

	switch {
	case every > 0:
		return cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: int64(every) * 1000}, nil
	case expr != "":
		tz, _ := params["tz"].(string)
		return cron.Schedule{Kind: cron.ScheduleKindCron, Expr: expr, TZ: tz}, nil
	default:
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid at time: %w", err)
		}
		return cron.Schedule{Kind: cron.ScheduleKindAt, AtMs: t.UnixMilli()}, nil
	}
}

func listCronJobs(execCtx *toolexecutor.ExecutionContext, scheduler Scheduler) interface{} {
	var views []cronJobView
	for _, job := range scheduler.ListJobs(true) {
		if job.Payload.SessionKey != execCtx.SessionKey {
			continue
		}
		view := cronJobView{
			ID:       job.ID,
			Name:     job.Name,
			Enabled:  job.Enabled,
			Schedule: describeSchedule(job.Schedule),
			Message:  job.Payload.Message,
		}
		if job.State.NextRunAtMs != nil {
			view.NextRun = time.UnixMilli(*job.State.NextRunAtMs).UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	if len(views) == 0 {
		return "No scheduled jobs."
	}
	return views
}

func ownsJob(execCtx *toolexecutor.ExecutionContext, scheduler Scheduler, id string) bool {
	for _, job := range scheduler.ListJobs(true) {
		if job.ID == id {
			return job.Payload.SessionKey == execCtx.SessionKey
		}
	}
	return false
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleKindEvery:
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case cron.ScheduleKindAt:
		return "at " + time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
	default:
		if s.TZ != "" {
			return s.Expr + " (" + s.TZ + ")"
		}
		return s.Expr
	}
}

func intParam(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

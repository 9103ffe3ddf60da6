package coretools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/cron"
	"github.com/harun/switchboard/pkg/memory"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

// Scheduler is the part of the cron service the cron tool uses.
type Scheduler interface {
	AddJob(params cron.AddParams) (*cron.Job, error)
	ListJobs(includeDisabled bool) []cron.Job
	RemoveJob(id string) error
}

// RouteLookup returns the last reply route of a session.
type RouteLookup interface {
	Route(ctx context.Context, key string) (session.Route, error)
}

// Options configures core tool registration. Tools whose dependency is nil
// are not registered.
type Options struct {
	// Publish queues an outbound message for the adapters.
	Publish func(ctx context.Context, msg bus.OutboundMessage) error
	Routes  RouteLookup
	Cron    Scheduler
	Memory  *memory.Store

	// Sessions backs sessions_list and sessions_history; sessions_send
	// also needs Publish.
	Sessions SessionReader
	Spawner  Spawner
}

// RegisterCoreTools registers the orchestration-level builtin tools.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	var tools []toolexecutor.ToolDefinition
	if opts.Publish != nil {
		tools = append(tools, messageTool(opts))
	}
	if opts.Cron != nil {
		tools = append(tools, cronTool(opts))
	}
	if opts.Sessions != nil {
		tools = append(tools, sessionsListTool(opts), sessionsHistoryTool(opts))
		if opts.Publish != nil {
			tools = append(tools, sessionsSendTool(opts))
		}
	}
	if opts.Spawner != nil {
		tools = append(tools, spawnTool(opts))
	}
	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}

	if opts.Memory != nil {
		if err := memory.RegisterMemoryTools(executor, opts.Memory); err != nil {
			return err
		}
	}
	return nil
}

// currentRoute resolves where a tool's message goes: explicit parameters,
// then the turn's own chat, then the session's last route.
func currentRoute(ctx context.Context, opts Options, params map[string]interface{}) (session.Route, error) {
	channel, _ := params["channel"].(string)
	chatID, _ := params["chat_id"].(string)
	if channel != "" && chatID != "" {
		return session.Route{Channel: channel, ChatID: chatID}, nil
	}

	execCtx := toolexecutor.ExecContextFromContext(ctx)
	if execCtx == nil {
		return session.Route{}, fmt.Errorf("execution context is required")
	}
	if execCtx.Channel != "" && execCtx.ChatID != "" {
		return session.Route{Channel: execCtx.Channel, ChatID: execCtx.ChatID}, nil
	}
	if opts.Routes != nil && execCtx.SessionKey != "" {
		route, err := opts.Routes.Route(ctx, execCtx.SessionKey)
		if err == nil {
			return route, nil
		}
	}
	return session.Route{}, fmt.Errorf("no channel to send to; pass channel and chat_id")
}

func messageTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "message",
		Description: "Send a message to the user right away, before the turn finishes. Use it for progress updates or to reach another chat.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "content", Type: "string", Description: "Message text", Required: true},
			{Name: "channel", Type: "string", Description: "Target channel (defaults to the current one)"},
			{Name: "chat_id", Type: "string", Description: "Target chat (defaults to the current one)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			content, _ := params["content"].(string)
			if strings.TrimSpace(content) == "" {
				return nil, fmt.Errorf("content must not be empty")
			}
			route, err := currentRoute(ctx, opts, params)
			if err != nil {
				return nil, err
			}
			msg := bus.OutboundMessage{Channel: route.Channel, ChatID: route.ChatID, Content: content}
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				msg.SessionKey = execCtx.SessionKey
			}
			if err := opts.Publish(ctx, msg); err != nil {
				return nil, fmt.Errorf("failed to send message: %w", err)
			}
			return fmt.Sprintf("Message sent to %s:%s", route.Channel, route.ChatID), nil
		},
	}
}

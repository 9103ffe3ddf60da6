package coretools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// SessionReader is the read side of the session store.
type SessionReader interface {
	List(ctx context.Context) ([]session.Info, error)
	Load(ctx context.Context, key string) ([]session.Message, error)
}

type sessionView struct {
	Key          string `json:"key"`
	Channel      string `json:"channel,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
	MessageCount int    `json:"message_count"`
	UpdatedAt    string `json:"updated_at"`
}

type historyMessage struct {
	Seq       int64        `json:"seq"`
	Role      session.Role `json:"role"`
	Text      string       `json:"text,omitempty"`
	ToolCalls []string     `json:"tool_calls,omitempty"`
	Timestamp string       `json:"timestamp"`
}

type historyView struct {
	Session  string           `json:"session"`
	Total    int              `json:"total"`
	Messages []historyMessage `json:"messages"`
}

func sessionsListTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "sessions_list",
		Description: "List the known conversation sessions, most recently active first.",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			infos, err := opts.Sessions.List(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to list sessions: %w", err)
			}
			if len(infos) == 0 {
				return "No sessions found.", nil
			}
			views := make([]sessionView, 0, len(infos))
			for _, info := range infos {
				views = append(views, sessionView{
					Key:          info.Key,
					Channel:      info.Channel,
					ChatID:       info.ChatID,
					MessageCount: info.MessageCount,
					UpdatedAt:    info.UpdatedAt.UTC().Format(time.RFC3339),
				})
			}
			return map[string]interface{}{"sessions": views}, nil
		},
	}
}

func sessionsHistoryTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "sessions_history",
		Description: "Read the most recent messages of a session.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "session", Type: "string", Description: "Session key such as telegram:123456", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum messages to return (1-200)", Default: defaultHistoryLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			key, _ := params["session"].(string)
			if err := session.ValidateKey(key); err != nil {
				return nil, err
			}
			limit := defaultHistoryLimit
			if _, ok := params["limit"]; ok {
				limit = max(intParam(params["limit"]), 1)
			}
			limit = min(limit, maxHistoryLimit)

			msgs, err := opts.Sessions.Load(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to load session %s: %w", key, err)
			}
			if len(msgs) == 0 {
				return nil, fmt.Errorf("%w: %s", session.ErrNotFound, key)
			}
			start := len(msgs) - limit
			if start < 0 {
				start = 0
			}
			view := historyView{Session: key, Total: len(msgs), Messages: make([]historyMessage, 0, len(msgs)-start)}
			for _, m := range msgs[start:] {
				hm := historyMessage{
					Seq:       m.Seq,
					Role:      m.Role,
					Text:      m.Text(),
					Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
				}
				for _, tc := range m.ToolCalls() {
					hm.ToolCalls = append(hm.ToolCalls, tc.Name)
				}
				view.Messages = append(view.Messages, hm)
			}
			return view, nil
		},
	}
}

func sessionsSendTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "sessions_send",
		Description: "Send a plain message to another existing session.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "session", Type: "string", Description: "Target session key such as telegram:123456", Required: true},
			{Name: "content", Type: "string", Description: "Message text", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			key, _ := params["session"].(string)
			content, _ := params["content"].(string)
			if err := session.ValidateKey(key); err != nil {
				return nil, err
			}
			if strings.TrimSpace(content) == "" {
				return nil, fmt.Errorf("content must not be empty")
			}

			route, err := sessionRoute(ctx, opts, key)
			if err != nil {
				return nil, err
			}
			msg := bus.OutboundMessage{
				Channel:    route.Channel,
				ChatID:     route.ChatID,
				Content:    content,
				SessionKey: key,
			}
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				from := execCtx.SessionKey
				if execCtx.Channel != "" && execCtx.ChatID != "" {
					from = execCtx.Channel + ":" + execCtx.ChatID
				}
				if from != "" {
					msg.Metadata = map[string]string{"forwarded_from": from}
				}
			}
			if err := opts.Publish(ctx, msg); err != nil {
				return nil, fmt.Errorf("failed to send message: %w", err)
			}
			return fmt.Sprintf("Sent message to session %s", key), nil
		},
	}
}

// sessionRoute prefers the route a session last replied on and falls back
// to the channel and chat encoded in its key.
func sessionRoute(ctx context.Context, opts Options, key string) (session.Route, error) {
	if opts.Routes != nil {
		if route, err := opts.Routes.Route(ctx, key); err == nil && route.Channel != "" && route.ChatID != "" {
			return route, nil
		}
	}
	channel, chatID, ok := strings.Cut(key, ":")
	if !ok || channel == "" || chatID == "" {
		return session.Route{}, fmt.Errorf("session %q has no reply route", key)
	}
	return session.Route{Channel: channel, ChatID: chatID}, nil
}

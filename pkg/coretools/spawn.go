package coretools

import (
	"context"
	"fmt"

	"github.com/harun/switchboard/pkg/subagent"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

// Spawner starts background tasks.
type Spawner interface {
	Spawn(params subagent.SpawnParams) (*subagent.RunRecord, error)
}

func spawnTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "spawn",
		Description: "Start a background task for work that takes a while. It runs on its own and " +
			"its result is reported back to this conversation when it completes.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "task", Type: "string", Description: "What the background task should do", Required: true},
			{Name: "label", Type: "string", Description: "Short display label"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			execCtx := toolexecutor.ExecContextFromContext(ctx)
			if execCtx == nil || execCtx.SessionKey == "" {
				return nil, fmt.Errorf("execution context is required")
			}
			task, _ := params["task"].(string)
			label, _ := params["label"].(string)

			spawn := subagent.SpawnParams{
				Task:             task,
				Label:            label,
				ParentSessionKey: execCtx.SessionKey,
				OriginChannel:    execCtx.Channel,
				OriginChatID:     execCtx.ChatID,
			}
			if spawn.OriginChannel == "" || spawn.OriginChatID == "" {
				if route, err := currentRoute(ctx, opts, nil); err == nil {
					spawn.OriginChannel, spawn.OriginChatID = route.Channel, route.ChatID
				}
			}
			record, err := opts.Spawner.Spawn(spawn)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Background task [%s] started (id: %s). I'll notify you when it completes.", record.Label, record.ID), nil
		},
	}
}

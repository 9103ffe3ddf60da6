package memory

import (
	"context"
	"fmt"

	"github.com/harun/switchboard/pkg/toolexecutor"
)

// ToolRegistrar is the registration half of the tool executor.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// RegisterMemoryTools exposes the memory tiers to the agent.
func RegisterMemoryTools(registrar ToolRegistrar, store *Store) error {
	tools := []toolexecutor.ToolDefinition{
		{
			Name:        "remember",
			Description: "Save a durable fact about the user or their projects to long-term memory",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "fact", Type: "string", Description: "The fact to remember, one short sentence", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				fact, _ := params["fact"].(string)
				added, err := store.Remember(fact)
				if err != nil {
					return nil, err
				}
				if !added {
					return "Already remembered.", nil
				}
				return "Saved to long-term memory.", nil
			},
		},
		{
			Name:        "memory_read",
			Description: "Read the full long-term memory document",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				facts, err := store.ReadFacts()
				if err != nil {
					return nil, err
				}
				if facts == "" {
					return "(long-term memory is empty)", nil
				}
				return facts, nil
			},
		},
		{
			Name:        "history_search",
			Description: "Search summaries of past conversations by keyword",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "Text to look for", Required: true},
				{Name: "limit", Type: "integer", Description: "Maximum number of entries", Default: 5},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				query, _ := params["query"].(string)
				limit := 5
				if v, ok := params["limit"].(float64); ok && v > 0 {
					limit = int(v)
				}
				if v, ok := params["limit"].(int); ok && v > 0 {
					limit = v
				}
				return store.SearchHistory(query, limit)
			},
		},
	}

	for _, tool := range tools {
		if err := registrar.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

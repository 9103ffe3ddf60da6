package workspace

import (
	"context"
	"fmt"

	"github.com/harun/switchboard/pkg/toolexecutor"
)

// ToolRegistrar is the registration half of the tool executor.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// RegisterSkillTools lets the agent load a skill listed in its prompt.
func RegisterSkillTools(registrar ToolRegistrar, loader *Loader) error {
	tool := toolexecutor.ToolDefinition{
		Name:        "read_skill",
		Description: "Load the full instructions of an installed skill by name",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "name", Type: "string", Description: "Skill name from the <skills> list", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			name, _ := params["name"].(string)
			body, err := loader.LoadSkill(name)
			if err != nil {
				return nil, err
			}
			if body == "" {
				return fmt.Sprintf("Skill %s has no instructions.", name), nil
			}
			return body, nil
		},
	}
	if err := registrar.RegisterTool(tool); err != nil {
		return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
	}
	return nil
}

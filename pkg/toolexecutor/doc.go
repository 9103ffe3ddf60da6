// Package toolexecutor is the tool registry used by the agent loop: tools
// are registered with a parameter list, exposed to the model as JSON
// schemas and invoked by name.
//
// Invariants:
// - Tool names are unique; re-registering a name replaces the definition.
// - Parameters are schema-validated before a handler runs.
// - Every invocation is bounded by a timeout.
// - Failures are reported inside ToolResult (Success=false) and never as a
//   Go error, so a failed call cannot abort the surrounding turn.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	res := exec.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, nil)
package toolexecutor

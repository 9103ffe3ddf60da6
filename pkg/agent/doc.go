// Package agent runs the bounded reasoning loop for one session turn.
//
// A turn loads the session log, appends the inbound message, then alternates
// LLM calls and tool invocations until the model answers without tool calls.
//
// Invariants:
// - At most one turn runs per session key; a concurrent call gets ErrSessionBusy.
// - Each step (assistant message, each tool result) is persisted before the
//   next step starts.
// - Only TransportErrors marked retryable are retried, with exponential backoff.
// - A failing tool produces an error ToolResult; the turn continues.
// - More than MaxSteps LLM calls abort the turn with ErrTurnLimitExceeded.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Options{Sessions: store, Tools: tools, AuthProfiles: profiles})
//	res, err := runner.RunTurn(ctx, agent.Turn{
//		SessionKey: "telegram:42",
//		Channel:    "telegram",
//		ChatID:     "42",
//		Parts:      []session.Part{session.TextPart("hello")},
//	})
package agent

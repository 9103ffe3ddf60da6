// Package memory keeps the two-tier long-term memory of the agent and
// consolidates old session history into it.
//
// Tiers live under <workspace>/memory:
//   - MEMORY.md holds durable facts and is loaded into every turn's context.
//   - HISTORY.md is an append-only log of consolidation summaries.
//
// Invariants:
// - Fact updates are merged as a union of lines; a consolidation never
//   removes a fact that was already recorded.
// - Consolidation only runs when a session log exceeds the window, and always
//   leaves fewer messages than the window behind.
// - Running consolidation on a log at or below the window is a no-op.
//
// Usage:
//
//	store, _ := memory.NewStore("/workspace")
//	c := memory.NewConsolidator(memory.ConsolidatorOptions{Sessions: sessions, Store: store, Summarizer: s, Window: 50})
//	res, _ := c.Consolidate(ctx, "telegram:42")
package memory

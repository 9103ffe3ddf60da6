// Package session persists per-conversation message logs as JSONL files.
//
// Each file starts with a header record carrying the session key, the reply
// route and sequence bookkeeping, followed by one message per line.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Appends for the same key are serialized and receive strictly increasing
//   sequence numbers; numbering continues across truncation.
// - Rewrites (route updates, truncation) go through a temp file and rename.
// - Failed durable writes surface as *PersistenceError.
//
// Usage:
//
//	store, _ := session.New("/tmp/switchboard/sessions")
//	msg, _ := store.Append(ctx, "telegram:42", session.NewTextMessage(session.RoleUser, "hello"))
//	history, _ := store.Load(ctx, "telegram:42")
package session

// Package pairing implements the consent gate in front of the agent loop.
//
// Unknown direct-message senders receive a one-time pairing code; the owner
// approves or rejects it from the admin surface, after which the sender's
// messages bypass the gate.
//
// Invariants:
// - At most one pending request exists per (channel, sender); repeats reuse
//   its code and increment RequestCount.
// - Resolved requests are history and never change.
// - Files are written via temp file + rename and re-read when another process
//   changes them.
//
// Usage:
//
//	svc := pairing.NewService(pairing.ServiceOptions{DataDir: "~/.switchboard"})
//	gate := pairing.NewGate(svc, policies, pairing.Policy{})
//	decision, err := gate.Check(ctx, msg)
package pairing

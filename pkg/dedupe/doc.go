// Package dedupe suppresses duplicate inbound deliveries.
//
// Two layers are provided:
//   - Cache is an in-memory, time-bounded set used for adapter redeliveries.
//   - Ledger is a durable sqlite table of processed keys used for
//     at-least-once scheduler deliveries, keyed by (job_id, scheduled_time).
//
// Invariants:
// - Cache.Observe reports a key as new exactly once within its TTL.
// - A key marked in the Ledger survives process restarts until pruned.
package dedupe

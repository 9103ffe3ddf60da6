// Package dispatcher connects channel adapters and the scheduler to the
// agent loop.
//
// Inbound events flow adapter -> bounded bus -> intake -> per-session lane ->
// agent turn -> outbound bus -> adapter. Intake drops duplicates, applies the
// pairing gate and submits accepted events to the lane named by the session
// key.
//
// Invariants:
// - Events of one session are handled in arrival order, one at a time.
// - Different sessions run in parallel, bounded by the worker pool.
// - A full inbound bus or a full queue blocks producers instead of dropping.
// - Persistence failures are retried with backoff and never marked delivered.
// - Every other failure yields an explicit apology to the sender.
//
// Usage:
//
//	d, _ := dispatcher.New(dispatcher.Options{Bus: b, Channels: reg, Runner: runner, Routes: sessions})
//	_ = d.Start(ctx)
//	defer d.Drain(shutdownCtx)
package dispatcher

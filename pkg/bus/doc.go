// Package bus defines the normalized message model shared by channel
// adapters, the dispatcher and the scheduler, plus the bounded queues that
// connect them.
//
// Invariants:
// - Inbound publishing blocks when the inbound queue is full; adapters are
//   slowed down instead of events being dropped.
// - Once Close has been called, publishing returns ErrClosed.
//
// Usage:
//
//	b := bus.New(bus.Options{InboundCapacity: 256})
//	_ = b.PublishInbound(ctx, bus.InboundMessage{Channel: "telegram", SenderID: "42", ChatID: "42", Content: "hi"})
//	msg, ok := b.ConsumeInbound(ctx)
package bus

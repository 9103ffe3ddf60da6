// Package commandqueue runs tasks in per-lane FIFO order on a bounded worker
// pool. The dispatcher uses one lane per session key.
//
// Invariants:
// - Tasks in the same lane execute one at a time, in submission order.
// - Tasks in different lanes run concurrently, at most Workers at once.
// - Queued plus running tasks never exceed MaxQueued; Submit blocks instead.
// - Idle lanes are removed, so lane state does not grow with session count.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{Workers: 8})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "telegram:42", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue

package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("message bus closed")

const (
	DefaultInboundCapacity  = 256
	DefaultOutboundCapacity = 256
)

// Options configures a MessageBus.
type Options struct {
	InboundCapacity  int
	OutboundCapacity int
}

// MessageBus carries inbound events to the dispatcher and outbound replies to
// the adapter router over bounded channels.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a MessageBus.
func New(opts Options) *MessageBus {
	if opts.InboundCapacity <= 0 {
		opts.InboundCapacity = DefaultInboundCapacity
	}
	if opts.OutboundCapacity <= 0 {
		opts.OutboundCapacity = DefaultOutboundCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, opts.InboundCapacity),
		outbound: make(chan OutboundMessage, opts.OutboundCapacity),
		done:     make(chan struct{}),
	}
}

// PublishInbound queues msg, blocking while the inbound queue is full.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if b.Closed() {
		return ErrClosed
	}

	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublishInbound queues msg without blocking. It reports false when the
// queue is full or the bus is closed.
func (b *MessageBus) TryPublishInbound(msg InboundMessage) bool {
	if b.Closed() {
		return false
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		return false
	}
}

// ConsumeInbound waits for the next inbound event. ok is false once the bus
// is closed and drained or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.done:
		select {
		case msg := <-b.inbound:
			return msg, true
		default:
			return InboundMessage{}, false
		}
	}
}

// PublishOutbound queues a reply, blocking while the outbound queue is full.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound waits for the next reply. ok is false when ctx is done and
// no reply is buffered.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		select {
		case msg := <-b.outbound:
			return msg, true
		default:
			return OutboundMessage{}, false
		}
	}
}

// InboundLen returns the number of buffered inbound events.
func (b *MessageBus) InboundLen() int { return len(b.inbound) }

// OutboundLen returns the number of buffered replies.
func (b *MessageBus) OutboundLen() int { return len(b.outbound) }

// Close stops accepting inbound events. Buffered events can still be consumed.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Closed reports whether Close has been called.
func (b *MessageBus) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

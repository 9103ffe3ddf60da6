package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/switchboard/pkg/bus"
)

// DirectChannel is an in-process adapter. Inject feeds it inbound events and
// sent replies are kept in memory; it backs the local CLI path and tests.
type DirectChannel struct {
	name string

	mu      sync.Mutex
	inbound chan bus.InboundMessage
	sent    []bus.OutboundMessage
	typing  []string
	notify  chan struct{}
	sendErr error
}

// NewDirectChannel creates a direct adapter by name.
func NewDirectChannel(name string) *DirectChannel {
	return &DirectChannel{
		name:    strings.TrimSpace(name),
		inbound: make(chan bus.InboundMessage, 64),
		notify:  make(chan struct{}, 1),
	}
}

func (c *DirectChannel) Name() string {
	return c.name
}

// Receive returns a stream that ends when ctx is done.
func (c *DirectChannel) Receive(ctx context.Context) (<-chan bus.InboundMessage, error) {
	if c.name == "" {
		return nil, fmt.Errorf("channel name is required")
	}
	out := make(chan bus.InboundMessage)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-c.inbound:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Inject queues an inbound event as if it arrived from a chat user.
func (c *DirectChannel) Inject(ctx context.Context, senderID, chatID, content string) error {
	msg := bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		PeerKind:  bus.PeerDirect,
		Timestamp: time.Now(),
		Origin:    bus.OriginChannel,
	}
	return c.InjectMessage(ctx, msg)
}

// InjectMessage queues a fully formed inbound event.
func (c *DirectChannel) InjectMessage(ctx context.Context, msg bus.InboundMessage) error {
	if msg.Channel == "" {
		msg.Channel = c.name
	}
	select {
	case c.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *DirectChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *DirectChannel) Typing(_ context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, chatID)
	return nil
}

// FailSends makes subsequent Send calls return err (nil restores delivery).
func (c *DirectChannel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of the delivered replies.
func (c *DirectChannel) Sent() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.sent...)
}

// TypingCalls returns the chat ids typing was shown for.
func (c *DirectChannel) TypingCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.typing...)
}

// WaitForSent blocks until at least n replies were delivered or ctx ends.
func (c *DirectChannel) WaitForSent(ctx context.Context, n int) ([]bus.OutboundMessage, error) {
	for {
		if sent := c.Sent(); len(sent) >= n {
			return sent, nil
		}
		select {
		case <-c.notify:
		case <-ctx.Done():
			return c.Sent(), ctx.Err()
		}
	}
}

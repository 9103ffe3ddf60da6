package channels

import (
	"context"

	"github.com/harun/switchboard/pkg/bus"
)

// Adapter is the capability every chat channel provides. Protocol details
// stay inside the adapter; the rest of the system only sees bus messages.
type Adapter interface {
	Name() string
	// Receive starts delivery of inbound events. The returned channel is
	// closed when the adapter's stream ends; Receive may then be called again.
	Receive(ctx context.Context) (<-chan bus.InboundMessage, error)
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// TypingIndicator is implemented by adapters that can show a "typing" state.
type TypingIndicator interface {
	Typing(ctx context.Context, chatID string) error
}

// Stopper is implemented by adapters holding resources beyond Receive's context.
type Stopper interface {
	Stop(ctx context.Context) error
}

// PublishFunc hands an inbound event to the dispatcher. It may block to
// apply back-pressure.
type PublishFunc func(ctx context.Context, msg bus.InboundMessage) error

package dispatcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/pairing"
	"github.com/harun/switchboard/pkg/session"
)

const (
	dispositionAccepted  = "accepted"
	dispositionDuplicate = "duplicate"
	dispositionGated     = "gated"
	dispositionIgnored   = "ignored"
	dispositionDropped   = "dropped"
	dispositionRequeued  = "requeued"
)

func (d *Dispatcher) intake(ctx context.Context) {
	defer d.intakeWG.Done()
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.accept(ctx, msg)
	}
}

// dedupeKey identifies redeliveries: the explicit key of synthetic events,
// otherwise the adapter's message id.
func dedupeKey(msg bus.InboundMessage) string {
	if msg.DedupeKey != "" {
		return msg.DedupeKey
	}
	if msg.ID == "" {
		return ""
	}
	return msg.Channel + ":" + msg.ID
}

func (d *Dispatcher) accept(ctx context.Context, msg bus.InboundMessage) {
	logger := d.logger.With().
		Str("channel", msg.Channel).
		Str("sender", msg.SenderID).
		Str("origin", string(msg.Origin)).
		Logger()

	if strings.TrimSpace(msg.Content) == "" && len(msg.Media) == 0 {
		observability.RecordInbound(msg.Channel, dispositionIgnored)
		return
	}

	key := dedupeKey(msg)
	if d.cache.Observe(key) {
		observability.RecordInbound(msg.Channel, dispositionDuplicate)
		logger.Debug().Str("dedupeKey", key).Msg("Duplicate inbound message dropped")
		return
	}
	if msg.DedupeKey != "" && d.opts.Ledger != nil {
		seen, err := d.opts.Ledger.Seen(ctx, msg.DedupeKey)
		if err != nil {
			logger.Warn().Err(err).Msg("Delivery ledger lookup failed")
		} else if seen {
			observability.RecordInbound(msg.Channel, dispositionDuplicate)
			logger.Info().Str("dedupeKey", msg.DedupeKey).Msg("Already delivered event dropped")
			d.confirm(msg)
			return
		}
	}

	if d.opts.Gate != nil {
		decision, err := d.opts.Gate.Check(ctx, msg)
		if err != nil {
			observability.RecordInbound(msg.Channel, dispositionGated)
			if decision != nil && decision.Notice != "" {
				d.reply(ctx, bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: decision.Notice, ReplyTo: msg.ID})
			}
			if !errors.Is(err, pairing.ErrPairingRequired) && !errors.Is(err, pairing.ErrNotAuthorized) {
				logger.Error().Err(err).Msg("Pairing gate failed")
			}
			return
		}
		if decision.Ignored {
			observability.RecordInbound(msg.Channel, dispositionIgnored)
			return
		}
	}

	lane := msg.SessionKey()
	_, err := d.queue.Submit(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		return d.process(taskCtx, msg)
	})
	if err != nil {
		d.cache.Forget(key)
		observability.RecordInbound(msg.Channel, dispositionDropped)
		logger.Error().Err(err).Str("sessionKey", lane).Msg("Failed to queue inbound message")
		return
	}
	observability.RecordInbound(msg.Channel, dispositionAccepted)
}

// process runs the turn for msg and routes its reply. It returns the reply
// text, which is the apology when the turn failed.
func (d *Dispatcher) process(ctx context.Context, msg bus.InboundMessage) (string, error) {
	key := msg.SessionKey()
	ctx = tracing.NewTurnContext(ctx, key)
	ctx = tracing.WithSessionKey(ctx, key)
	ctx = tracing.WithChannel(ctx, msg.Channel)
	logger := tracing.LoggerFromContext(ctx, d.logger)

	if !msg.IsSynthetic() && msg.ChatID != "" {
		if err := d.channels.Typing(ctx, msg.Channel, msg.ChatID); err != nil {
			logger.Debug().Err(err).Msg("Typing indicator failed")
		}
	}

	turn := turnFromMessage(msg)
	var (
		result   *agent.TurnResult
		err      error
		notified bool
	)
	for attempt := 0; ; attempt++ {
		result, err = d.runner.RunTurn(ctx, turn)
		if !requeueable(err) {
			break
		}
		if attempt >= d.opts.MaxRequeue && session.IsPersistenceError(err) && !notified {
			// The event stays parked on its lane. Tell the user once.
			notified = true
			d.notify(ctx, msg, agent.UserMessage(err))
		}
		delay := d.requeueDelay(attempt)
		observability.RecordInbound(msg.Channel, dispositionRequeued)
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retryIn", delay).Msg("Turn not persisted, requeueing event")
		if serr := d.opts.Sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}

	if err != nil && ctx.Err() != nil {
		logger.Warn().Err(err).Msg("Turn abandoned on shutdown")
		return "", err
	}
	d.markDelivered(ctx, msg)

	var reply string
	if err != nil {
		reply = agent.UserMessage(err)
		logger.Warn().Err(err).Msg("Turn failed, sending apology")
	} else if result != nil {
		reply = result.Reply
	}

	if msg.Silent || reply == "" {
		return reply, err
	}
	if d.opts.Suppress != nil && d.opts.Suppress(msg, reply) {
		logger.Debug().Msg("Reply suppressed")
		return reply, err
	}

	route, ok := d.route(ctx, msg)
	if !ok {
		logger.Warn().Msg("No reply route for session, reply dropped")
		return reply, err
	}
	d.reply(ctx, bus.OutboundMessage{
		Channel:    route.Channel,
		ChatID:     route.ChatID,
		Content:    reply,
		ReplyTo:    msg.ID,
		SessionKey: key,
	})
	return reply, err
}

func requeueable(err error) bool {
	return session.IsPersistenceError(err) || errors.Is(err, agent.ErrSessionBusy)
}

// requeueDelay doubles per attempt up to MaxRequeueDelay.
func (d *Dispatcher) requeueDelay(attempt int) time.Duration {
	delay := d.opts.RequeueDelay
	for i := 0; i < attempt && delay < d.opts.MaxRequeueDelay; i++ {
		delay *= 2
	}
	if delay > d.opts.MaxRequeueDelay {
		delay = d.opts.MaxRequeueDelay
	}
	return delay
}

// notify sends text to the chat msg came from, unless msg is silent.
func (d *Dispatcher) notify(ctx context.Context, msg bus.InboundMessage, text string) {
	if msg.Silent {
		return
	}
	route, ok := d.route(ctx, msg)
	if !ok {
		return
	}
	d.reply(ctx, bus.OutboundMessage{Channel: route.Channel, ChatID: route.ChatID, Content: text, ReplyTo: msg.ID, SessionKey: msg.SessionKey()})
}

func (d *Dispatcher) markDelivered(ctx context.Context, msg bus.InboundMessage) {
	if msg.DedupeKey == "" {
		return
	}
	if d.opts.Ledger != nil {
		if err := d.opts.Ledger.Mark(context.WithoutCancel(ctx), msg.DedupeKey); err != nil {
			d.logger.Warn().Err(err).Str("dedupeKey", msg.DedupeKey).Msg("Failed to record delivery")
			return
		}
	}
	d.confirm(msg)
}

func (d *Dispatcher) confirm(msg bus.InboundMessage) {
	if msg.DedupeKey != "" && d.opts.OnDelivered != nil {
		d.opts.OnDelivered(msg)
	}
}

// route picks the inbound channel and chat when the adapter is known,
// otherwise the route last recorded for the session.
func (d *Dispatcher) route(ctx context.Context, msg bus.InboundMessage) (session.Route, bool) {
	if msg.Channel != "" && msg.ChatID != "" && d.channels.IsRegistered(msg.Channel) {
		return session.Route{Channel: msg.Channel, ChatID: msg.ChatID}, true
	}
	if d.opts.Routes == nil {
		return session.Route{}, false
	}
	route, err := d.opts.Routes.Route(ctx, msg.SessionKey())
	if err != nil || !d.channels.IsRegistered(route.Channel) {
		return session.Route{}, false
	}
	return route, true
}

func (d *Dispatcher) reply(ctx context.Context, out bus.OutboundMessage) {
	if err := d.bus.PublishOutbound(ctx, out); err != nil {
		observability.RecordOutbound(out.Channel, false)
		d.logger.Error().Err(err).Str("channel", out.Channel).Msg("Failed to queue reply")
	}
}

func (d *Dispatcher) routeOutbound(ctx context.Context) {
	defer d.outWG.Done()
	for {
		out, ok := d.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
		err := d.channels.Send(sendCtx, out)
		cancel()
		if err != nil {
			d.logger.Error().Err(err).
				Str("channel", out.Channel).
				Str("chatID", out.ChatID).
				Msg("Failed to deliver reply")
		}
	}
}

func turnFromMessage(msg bus.InboundMessage) agent.Turn {
	var parts []session.Part
	if strings.TrimSpace(msg.Content) != "" {
		parts = append(parts, session.TextPart(msg.Content))
	}
	for _, m := range msg.Media {
		if m.ContentType == "" || strings.HasPrefix(m.ContentType, "image/") {
			parts = append(parts, session.Part{Type: session.PartImage, ImageRef: m.Path})
			continue
		}
		parts = append(parts, session.TextPart("[attachment: "+m.Path+"]"))
	}

	metadata := make(map[string]string, len(msg.Metadata)+2)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	// Redeliveries of the same event carry the same id, which lets the
	// runner resume a turn instead of recording the message twice.
	if msg.DedupeKey != "" {
		metadata[agent.MetadataMessageID] = msg.DedupeKey
	} else if msg.ID != "" {
		metadata[agent.MetadataMessageID] = msg.ID
	}
	if msg.Origin != "" {
		metadata["origin"] = string(msg.Origin)
	}

	return agent.Turn{
		SessionKey: msg.SessionKey(),
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		Parts:      parts,
		Metadata:   metadata,
		Synthetic:  msg.IsSynthetic(),
	}
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ChannelName is the name the adapter registers under.
const ChannelName = "telegram"

const (
	defaultPollTimeout    = 30 * time.Second
	defaultSendsPerSecond = 1.0
	updateBuffer          = 100
)

// ErrStopped is returned by Receive after Stop.
var ErrStopped = errors.New("telegram adapter stopped")

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Options configures the adapter.
type Options struct {
	Token       string
	PollTimeout time.Duration
	// SendsPerSecond paces outbound API calls per chat.
	SendsPerSecond float64
	// MediaDir receives downloaded attachments. Empty disables downloads.
	MediaDir string
	Logger   *zerolog.Logger
}

// Adapter is the Telegram channel adapter. It long-polls for updates and
// turns them into bus events; replies go out through the Bot API.
type Adapter struct {
	api    botAPI
	self   tgbotapi.User
	opts   Options
	logger zerolog.Logger
	media  *mediaFetcher

	mu       sync.Mutex
	polling  bool
	updates  tgbotapi.UpdatesChannel
	stopOnce sync.Once
	stopped  chan struct{}

	limiterMu sync.Mutex
	limiters  map[int64]*rate.Limiter
}

// New authenticates against the Bot API and returns an adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	return newAdapter(api, api.Self, opts), nil
}

func newAdapter(api botAPI, self tgbotapi.User, opts Options) *Adapter {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.SendsPerSecond <= 0 {
		opts.SendsPerSecond = defaultSendsPerSecond
	}
	logger := log.With().Str("component", "telegram").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	a := &Adapter{
		api:      api,
		self:     self,
		opts:     opts,
		logger:   logger,
		stopped:  make(chan struct{}),
		limiters: make(map[int64]*rate.Limiter),
	}
	if opts.MediaDir != "" {
		a.media = newMediaFetcher(api, opts.MediaDir, logger)
	}
	logger.Info().Str("username", self.UserName).Int64("id", self.ID).Msg("Telegram bot authenticated")
	return a
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return ChannelName }

// Receive implements channels.Adapter. Long polling starts on the first
// call and survives later calls, so the registry can reopen the stream.
func (a *Adapter) Receive(ctx context.Context) (<-chan bus.InboundMessage, error) {
	select {
	case <-a.stopped:
		return nil, ErrStopped
	default:
	}

	a.mu.Lock()
	if !a.polling {
		cfg := tgbotapi.NewUpdate(0)
		cfg.Timeout = int(a.opts.PollTimeout / time.Second)
		a.updates = a.api.GetUpdatesChan(cfg)
		a.polling = true
	}
	updates := a.updates
	a.mu.Unlock()

	out := make(chan bus.InboundMessage, updateBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopped:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg, ok := a.toInbound(ctx, update)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Send implements channels.Adapter. Long text is split into several
// messages; attachments follow the text.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	for i, chunk := range splitMessage(msg.Content, maxMessageLength) {
		out := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo > 0 {
			out.ReplyToMessageID = replyTo
		}
		if err := a.send(ctx, chatID, out); err != nil {
			return err
		}
	}
	for _, m := range msg.Media {
		if err := a.send(ctx, chatID, uploadFor(chatID, m)); err != nil {
			return err
		}
	}
	a.logger.Debug().Int64("chatId", chatID).Int("chars", len(msg.Content)).Msg("Message sent")
	return nil
}

// Typing implements channels.TypingIndicator.
func (a *Adapter) Typing(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	if err := a.wait(ctx, id); err != nil {
		return err
	}
	if _, err := a.api.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// Stop implements channels.Stopper.
func (a *Adapter) Stop(context.Context) error {
	a.stopOnce.Do(func() {
		close(a.stopped)
		a.mu.Lock()
		polling := a.polling
		a.mu.Unlock()
		if polling {
			a.api.StopReceivingUpdates()
		}
		a.logger.Info().Msg("Telegram adapter stopped")
	})
	return nil
}

// send paces c and retries once when Telegram asks to back off.
func (a *Adapter) send(ctx context.Context, chatID int64, c tgbotapi.Chattable) error {
	for attempt := 0; ; attempt++ {
		if err := a.wait(ctx, chatID); err != nil {
			return err
		}
		_, err := a.api.Send(c)
		if err == nil {
			return nil
		}
		var apiErr *tgbotapi.Error
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			a.logger.Warn().Int64("chatId", chatID).Int("retryAfter", apiErr.RetryAfter).Msg("Telegram rate limited")
			select {
			case <-time.After(time.Duration(apiErr.RetryAfter) * time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
}

func (a *Adapter) wait(ctx context.Context, chatID int64) error {
	a.limiterMu.Lock()
	l, ok := a.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(a.opts.SendsPerSecond), 1)
		a.limiters[chatID] = l
	}
	a.limiterMu.Unlock()
	return l.Wait(ctx)
}

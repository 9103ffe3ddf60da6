package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	updates   chan tgbotapi.Update
	polls     int
	stops     int
	sent      []tgbotapi.Chattable
	requests  []tgbotapi.Chattable
	sendErrs  []error
	fileURL   string
	fileCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 10)}
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileCalls++
	return f.fileURL, nil
}

func (f *fakeAPI) sentMessages() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

var botUser = tgbotapi.User{ID: 999, UserName: "switchboard_bot", IsBot: true}

func newTestAdapter(t *testing.T, api *fakeAPI, mediaDir string) *Adapter {
	t.Helper()
	logger := zerolog.Nop()
	return newAdapter(api, botUser, Options{SendsPerSecond: 1000, MediaDir: mediaDir, Logger: &logger})
}

func directMessage(id int, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id * 10,
			From:      &tgbotapi.User{ID: 42, UserName: "alice"},
			Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
			Date:      int(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC).Unix()),
			Text:      text,
		},
	}
}

func receiveOne(t *testing.T, ch <-chan bus.InboundMessage) bus.InboundMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
	return bus.InboundMessage{}
}

func TestReceiveNormalizesUpdates(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(t, api, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := a.Receive(ctx)
	require.NoError(t, err)

	t.Run("direct message", func(t *testing.T) {
		api.updates <- directMessage(1, "hello")
		msg := receiveOne(t, stream)

		assert.Equal(t, "1", msg.ID)
		assert.Equal(t, ChannelName, msg.Channel)
		assert.Equal(t, "42|alice", msg.SenderID)
		assert.Equal(t, "42", msg.ChatID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, bus.PeerDirect, msg.PeerKind)
		assert.Equal(t, "10", msg.Metadata["message_id"])
	})

	t.Run("bot senders and empty updates are skipped", func(t *testing.T) {
		fromBot := directMessage(2, "beep")
		fromBot.Message.From.IsBot = true
		api.updates <- fromBot
		api.updates <- tgbotapi.Update{UpdateID: 3}
		api.updates <- directMessage(4, "after")

		assert.Equal(t, "after", receiveOne(t, stream).Content)
	})

	t.Run("group mention", func(t *testing.T) {
		mention := "@switchboard_bot"
		update := directMessage(5, mention+" what time is it")
		update.Message.Chat = &tgbotapi.Chat{ID: -100, Type: "supergroup"}
		update.Message.Entities = []tgbotapi.MessageEntity{{Type: "mention", Offset: 0, Length: len(mention)}}
		api.updates <- update

		msg := receiveOne(t, stream)
		assert.Equal(t, bus.PeerGroup, msg.PeerKind)
		assert.True(t, msg.Mentioned)
		assert.Equal(t, "-100", msg.ChatID)
		assert.Equal(t, "what time is it", msg.Content)
	})

	t.Run("group message not addressed", func(t *testing.T) {
		update := directMessage(6, "just chatting")
		update.Message.Chat = &tgbotapi.Chat{ID: -100, Type: "group"}
		api.updates <- update

		msg := receiveOne(t, stream)
		assert.False(t, msg.Mentioned)
	})

	t.Run("reply to the bot counts as addressed", func(t *testing.T) {
		update := directMessage(7, "and then?")
		update.Message.Chat = &tgbotapi.Chat{ID: -100, Type: "group"}
		update.Message.ReplyToMessage = &tgbotapi.Message{From: &botUser}
		api.updates <- update

		assert.True(t, receiveOne(t, stream).Mentioned)
	})

	t.Run("command loses bot suffix", func(t *testing.T) {
		cmd := "/help@switchboard_bot"
		update := directMessage(8, cmd+" now")
		update.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
		api.updates <- update

		msg := receiveOne(t, stream)
		assert.Equal(t, "/help now", msg.Content)
		assert.Equal(t, "help", msg.Metadata["command"])
	})
}

func TestReceiveCanBeReopened(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(t, api, "")

	ctx1, cancel1 := context.WithCancel(context.Background())
	first, err := a.Receive(ctx1)
	require.NoError(t, err)
	cancel1()
	for range first {
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	second, err := a.Receive(ctx2)
	require.NoError(t, err)

	api.updates <- directMessage(1, "still here")
	assert.Equal(t, "still here", receiveOne(t, second).Content)

	api.mu.Lock()
	assert.Equal(t, 1, api.polls)
	api.mu.Unlock()
}

func TestStop(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(t, api, "")

	_, err := a.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))

	_, err = a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, api.stops)
}

func TestSend(t *testing.T) {
	t.Run("splits long replies and threads the first chunk", func(t *testing.T) {
		api := newFakeAPI()
		a := newTestAdapter(t, api, "")

		content := strings.Repeat("word ", 1000)
		err := a.Send(context.Background(), bus.OutboundMessage{Channel: ChannelName, ChatID: "42", Content: content, ReplyTo: "77"})
		require.NoError(t, err)

		sent := api.sentMessages()
		require.Len(t, sent, 2)
		first := sent[0].(tgbotapi.MessageConfig)
		second := sent[1].(tgbotapi.MessageConfig)
		assert.Equal(t, int64(42), first.ChatID)
		assert.Equal(t, 77, first.ReplyToMessageID)
		assert.Zero(t, second.ReplyToMessageID)
		assert.LessOrEqual(t, len([]rune(first.Text)), maxMessageLength)
	})

	t.Run("attachments follow the text", func(t *testing.T) {
		api := newFakeAPI()
		a := newTestAdapter(t, api, "")

		err := a.Send(context.Background(), bus.OutboundMessage{
			ChatID:  "42",
			Content: "see attached",
			Media: []bus.MediaRef{
				{Path: "/tmp/chart.png", ContentType: "image/png"},
				{Path: "/tmp/report.pdf", ContentType: "application/pdf"},
			},
		})
		require.NoError(t, err)

		sent := api.sentMessages()
		require.Len(t, sent, 3)
		assert.IsType(t, tgbotapi.PhotoConfig{}, sent[1])
		assert.IsType(t, tgbotapi.DocumentConfig{}, sent[2])
	})

	t.Run("invalid chat id", func(t *testing.T) {
		a := newTestAdapter(t, newFakeAPI(), "")
		err := a.Send(context.Background(), bus.OutboundMessage{ChatID: "alice", Content: "hi"})
		assert.Error(t, err)
	})

	t.Run("retries once after a rate limit", func(t *testing.T) {
		api := newFakeAPI()
		api.sendErrs = []error{&tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1}}}
		a := newTestAdapter(t, api, "")

		require.NoError(t, a.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "hi"}))
		assert.Len(t, api.sentMessages(), 1)
	})

	t.Run("other api errors fail the send", func(t *testing.T) {
		api := newFakeAPI()
		api.sendErrs = []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
		a := newTestAdapter(t, api, "")

		err := a.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "blocked")
	})
}

func TestTypingAndCommands(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(t, api, "")

	require.NoError(t, a.Typing(context.Background(), "42"))
	require.NoError(t, a.PublishCommands(context.Background()))
	assert.Error(t, a.Typing(context.Background(), "nope"))

	require.Len(t, api.requests, 2)
	action, ok := api.requests[0].(tgbotapi.ChatActionConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)
	assert.IsType(t, tgbotapi.SetMyCommandsConfig{}, api.requests[1])
}

func TestMediaDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	api := newFakeAPI()
	api.fileURL = srv.URL + "/file/photo.jpg"
	dir := t.TempDir()
	a := newTestAdapter(t, api, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := a.Receive(ctx)
	require.NoError(t, err)

	photo := directMessage(1, "")
	photo.Message.Caption = "look"
	photo.Message.Photo = []tgbotapi.PhotoSize{
		{FileID: "small", FileUniqueID: "s1", FileSize: 10},
		{FileID: "large", FileUniqueID: "l1", FileSize: 10},
	}
	api.updates <- photo

	msg := receiveOne(t, stream)
	assert.Equal(t, "look", msg.Content)
	require.Len(t, msg.Media, 1)
	assert.Equal(t, "image/jpeg", msg.Media[0].ContentType)
	data, err := os.ReadFile(msg.Media[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	oversized := directMessage(2, "")
	oversized.Message.Document = &tgbotapi.Document{FileID: "big", FileSize: MaxMediaSize + 1}
	oversized.Message.Caption = "too big"
	api.updates <- oversized

	msg = receiveOne(t, stream)
	assert.Equal(t, "too big", msg.Content)
	assert.Empty(t, msg.Media)
	assert.Equal(t, 1, api.fileCalls)
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "  ", limit: 10, want: nil},
		{name: "fits", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "word boundary", text: "hello brave new world", limit: 12, want: []string{"hello brave", "new world"}},
		{name: "paragraph boundary", text: "one two\n\nthree", limit: 10, want: []string{"one two", "three"}},
		{name: "hard cut", text: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "multibyte", text: "ééééé", limit: 2, want: []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitMessage(tt.text, tt.limit))
		})
	}
}

func TestEntityTextUsesUTF16Offsets(t *testing.T) {
	text := "😀 @switchboard_bot hi"
	// The emoji is two UTF-16 code units.
	e := tgbotapi.MessageEntity{Type: "mention", Offset: 3, Length: 16}
	assert.Equal(t, "@switchboard_bot", entityText(text, e))
	assert.Equal(t, "", entityText(text, tgbotapi.MessageEntity{Offset: 100, Length: 1}))
}

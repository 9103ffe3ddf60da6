package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/switchboard/pkg/bus"
)

// toInbound normalizes an update. ok is false for updates that carry
// nothing for the agent (edits, service messages, other bots).
func (a *Adapter) toInbound(ctx context.Context, update tgbotapi.Update) (bus.InboundMessage, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return bus.InboundMessage{}, false
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	in := bus.InboundMessage{
		ID:        strconv.Itoa(update.UpdateID),
		Channel:   ChannelName,
		SenderID:  senderID(msg.From),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Timestamp: time.Unix(int64(msg.Date), 0),
		Origin:    bus.OriginChannel,
		PeerKind:  bus.PeerDirect,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(msg.MessageID),
		},
	}
	if msg.From.UserName != "" {
		in.Metadata["username"] = msg.From.UserName
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		in.PeerKind = bus.PeerGroup
		in.Mentioned = a.isAddressed(msg)
	}

	if msg.IsCommand() {
		in.Metadata["command"] = msg.Command()
		content = normalizeCommand(msg)
		in.Mentioned = in.Mentioned || (in.PeerKind == bus.PeerGroup && commandTargetsBot(msg, a.self.UserName))
	} else if in.PeerKind == bus.PeerGroup && a.self.UserName != "" {
		content = strings.TrimSpace(strings.ReplaceAll(content, "@"+a.self.UserName, ""))
	}
	in.Content = content

	if a.media != nil {
		if ref, ok := a.media.fetch(ctx, msg); ok {
			in.Media = append(in.Media, ref)
		}
	}
	if in.Content == "" && len(in.Media) == 0 {
		return bus.InboundMessage{}, false
	}
	return in, true
}

// senderID is "<id>|<username>" so allowlists can match either form.
func senderID(u *tgbotapi.User) string {
	id := strconv.FormatInt(u.ID, 10)
	if u.UserName == "" {
		return id
	}
	return id + "|" + u.UserName
}

// isAddressed reports whether a group message mentions the bot or replies
// to one of its messages.
func (a *Adapter) isAddressed(msg *tgbotapi.Message) bool {
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == a.self.ID {
		return true
	}
	if a.self.UserName == "" {
		return false
	}
	want := "@" + strings.ToLower(a.self.UserName)
	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	for _, e := range entities {
		if e.Type != "mention" {
			continue
		}
		if strings.ToLower(entityText(text, e)) == want {
			return true
		}
	}
	return false
}

// entityText slices text by an entity's UTF-16 offsets.
func entityText(text string, e tgbotapi.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

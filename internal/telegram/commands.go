package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotCommands is the command menu published to Telegram. Commands reach
// the agent as ordinary text.
var BotCommands = []tgbotapi.BotCommand{
	{Command: "start", Description: "Start talking to the assistant"},
	{Command: "help", Description: "Show what the assistant can do"},
}

// normalizeCommand strips the "@botname" suffix so "/help@my_bot x"
// reaches the agent as "/help x".
func normalizeCommand(msg *tgbotapi.Message) string {
	out := "/" + msg.Command()
	if args := strings.TrimSpace(msg.CommandArguments()); args != "" {
		out += " " + args
	}
	return out
}

// commandTargetsBot reports whether a group command names this bot.
func commandTargetsBot(msg *tgbotapi.Message, username string) bool {
	if username == "" {
		return false
	}
	return strings.EqualFold(msg.CommandWithAt(), msg.Command()+"@"+username)
}

// PublishCommands sets the bot's command menu.
func (a *Adapter) PublishCommands(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := a.api.Request(tgbotapi.NewSetMyCommands(BotCommands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	a.logger.Info().Int("count", len(BotCommands)).Msg("Bot commands updated")
	return nil
}

// Package telegram is the reference channel adapter. It long-polls the Bot
// API, normalizes updates into bus events and sends replies back.
//
// Sender ids have the form "<user id>|<username>" so allowlists may name
// either. Group messages are marked Mentioned when they @-mention the bot,
// reply to one of its messages or address a command to it.
//
// Outbound text is split at Telegram's 4096 character limit and paced per
// chat with a token bucket; a 429 with retry_after is retried once.
package telegram

// Package notify delivers operator alerts to a Telegram chat. The notifier
// is fail-open in both directions: missing credentials degrade every send to
// a log line, and a delivery failure is logged and dropped. Alerting must
// never take the trading loop down with it.
package notify

import (
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
)

// Notifier sends Markdown messages to a single chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// New builds a notifier from config. Missing credentials, a non-numeric chat
// id, or an unreachable Bot API all produce a log-only notifier.
func New(cfg config.TelegramConfig, log zerolog.Logger) *Notifier {
	return NewWithEndpoint(cfg, tgbotapi.APIEndpoint, log)
}

// NewWithEndpoint points the notifier at an alternate Bot API host.
func NewWithEndpoint(cfg config.TelegramConfig, endpoint string, log zerolog.Logger) *Notifier {
	n := &Notifier{log: log.With().Str("component", "notify").Logger()}

	if cfg.BotToken == "" || cfg.ChatID == "" {
		n.log.Info().Msg("telegram not configured, alerts are log-only")
		return n
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		n.log.Warn().Str("chat_id", cfg.ChatID).Msg("telegram chat id is not numeric, alerts are log-only")
		return n
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		n.log.Warn().Err(err).Msg("telegram unreachable, alerts are log-only")
		return n
	}

	n.api = api
	n.chatID = chatID
	n.log.Info().Str("bot", api.Self.UserName).Msg("telegram notifier connected")
	return n
}

// Configured reports whether sends actually reach Telegram.
func (n *Notifier) Configured() bool { return n.api != nil }

// Send delivers one Markdown message. Unconfigured notifiers log the message
// instead; failed deliveries are logged and swallowed.
func (n *Notifier) Send(text string) {
	if n.api == nil {
		n.log.Info().Str("message", text).Msg("alert (telegram not configured)")
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		n.log.Warn().Err(err).Str("message", text).Msg("telegram send failed")
	}
}

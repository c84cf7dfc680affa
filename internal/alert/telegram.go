// Package alert mirrors moderation events to operator chat channels outside
// the moderated platform.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-warden/internal/bus"
)

// Channel is an alert destination.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start forwards events until ctx is canceled.
	Start(ctx context.Context) error
}

// Sender is the part of the Telegram bot API the mirror uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel posts every sanction event to one Telegram chat.
type TelegramChannel struct {
	token    string
	chatID   int64
	eventBus *bus.Bus
	logger   *slog.Logger
	bot      Sender
}

// NewTelegramChannel creates a mirror. The bot connects on Start.
func NewTelegramChannel(token string, chatID int64, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:    token,
		chatID:   chatID,
		eventBus: eventBus,
		logger:   logger.With("component", "alert", "channel", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start authenticates the bot, retrying with backoff, then forwards
// sanction events until ctx is done.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		backoff := time.Second
		const maxBackoff = 5 * time.Minute
		for {
			bot, err := tgbotapi.NewBotAPI(t.token)
			if err == nil {
				t.bot = bot
				t.logger.Info("telegram alert mirror started", "user", bot.Self.UserName)
				break
			}
			t.logger.Warn("telegram init failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	t.forward(ctx)
	return nil
}

// forward relays bus events until ctx is done.
func (t *TelegramChannel) forward(ctx context.Context) {
	sub := t.eventBus.Subscribe("sanction.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			text, ok := formatEvent(ev)
			if !ok {
				t.logger.Warn("invalid sanction payload", "topic", ev.Topic, "type", fmt.Sprintf("%T", ev.Payload))
				continue
			}
			t.replyMarkdown(text)
		}
	}
}

func (t *TelegramChannel) replyMarkdown(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "MarkdownV2"
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram alert", "error", err)
	}
}

// formatEvent renders a sanction event as MarkdownV2.
func formatEvent(ev bus.Event) (string, bool) {
	se, ok := ev.Payload.(bus.SanctionEvent)
	if !ok {
		return "", false
	}
	var title string
	switch ev.Topic {
	case bus.TopicSanctionApplied:
		title = "🚨 *违禁词处置*"
	case bus.TopicSanctionLifted:
		title = "✅ *已解禁*"
	case bus.TopicSanctionRemoved:
		title = "🚪 *已移出*"
	default:
		title = "ℹ️ *" + escapeMarkdownV2(ev.Topic) + "*"
	}

	var b strings.Builder
	b.WriteString(title)
	fmt.Fprintf(&b, "\n群: `%s`\n用户: `%s`", escapeMarkdownV2(se.Scope), escapeMarkdownV2(se.User))
	if se.TotalWeight > 0 {
		fmt.Fprintf(&b, "\n总权重: %d", se.TotalWeight)
	}
	if len(se.Patterns) > 0 {
		b.WriteString("\n命中: " + escapeMarkdownV2(strings.Join(se.Patterns, ", ")))
	}
	if se.Actor != "" {
		b.WriteString("\n操作人: " + escapeMarkdownV2(se.Actor))
	}
	if !se.At.IsZero() {
		b.WriteString("\n" + escapeMarkdownV2(se.At.Format(time.RFC3339)))
	}
	return b.String(), true
}

// escapeMarkdownV2 escapes the characters Telegram MarkdownV2 reserves:
// _ * [ ] ( ) ~ ` > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

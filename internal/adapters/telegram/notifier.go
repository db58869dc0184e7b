package telegram

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier отправляет алерты о здоровье источников и готовые дайджесты в Telegram.
type Notifier struct {
	bot        sender
	alertChat  int64
	digestChat int64
	log        zerolog.Logger
}

var _ domain.HealthNotifier = (*Notifier)(nil)

// NewNotifier создаёт отправителя. Нулевой чат отключает соответствующий вид сообщений.
func NewNotifier(bot sender, alertChat, digestChat int64, logger zerolog.Logger) *Notifier {
	return &Notifier{
		bot:        bot,
		alertChat:  alertChat,
		digestChat: digestChat,
		log:        logger.With().Str("component", "telegram").Logger(),
	}
}

var healthIcons = map[domain.Health]string{
	domain.HealthHealthy:  "✅",
	domain.HealthDegraded: "⚠️",
	domain.HealthDead:     "💀",
}

// NotifyHealthChange сообщает о смене здоровья источника.
func (n *Notifier) NotifyHealthChange(ctx context.Context, change domain.HealthChange) error {
	if n.alertChat == 0 {
		return nil
	}
	text := FormatHealthChange(change)
	return n.send(ctx, n.alertChat, text)
}

// PublishDigest отправляет отформатированный дайджест в канал дайджестов.
func (n *Notifier) PublishDigest(ctx context.Context, text string) error {
	if n.digestChat == 0 {
		return nil
	}
	return n.send(ctx, n.digestChat, text)
}

// FormatHealthChange формирует HTML-текст алерта.
func FormatHealthChange(change domain.HealthChange) string {
	icon := healthIcons[change.To]
	text := fmt.Sprintf("%s <b>%s</b>: %s → %s", icon, html.EscapeString(change.Slug), change.From, change.To)
	if change.Reason != "" {
		text += "\n" + html.EscapeString(change.Reason)
	}
	if !change.At.IsZero() {
		text += "\n<i>" + change.At.UTC().Format(time.RFC3339) + "</i>"
	}
	return text
}

func (n *Notifier) send(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.NotifySendErrors.Inc()
			n.log.Error().Err(err).Int64("chat", chatID).Msg("telegram: не удалось отправить сообщение")
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

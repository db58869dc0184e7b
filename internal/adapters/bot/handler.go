package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-digest/internal/adapters/telegram"
	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/usecase/digest"
)

// Sources описывает операции реестра источников, доступные оператору.
type Sources interface {
	DueSources(ctx context.Context, now time.Time) ([]domain.Source, error)
	Reenable(ctx context.Context, sourceID int64, now time.Time) (domain.Source, error)
}

// Digests читает готовые дайджесты.
type Digests interface {
	Get(ctx context.Context, date time.Time) (domain.Digest, []domain.Event, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler обслуживает вебхук операторского бота.
type Handler struct {
	bot      sender
	log      zerolog.Logger
	registry domain.SourceRepo
	sources  Sources
	digests  Digests
	jobs     domain.DigestQueue
	allowed  map[int64]struct{}
	loc      *time.Location
	now      func() time.Time
}

// NewHandler создаёт обработчик. Команды принимаются только из чатов allowedChats.
func NewHandler(bot sender, log zerolog.Logger, registry domain.SourceRepo, sources Sources, digests Digests, jobs domain.DigestQueue, loc *time.Location, allowedChats ...int64) *Handler {
	allowed := make(map[int64]struct{}, len(allowedChats))
	for _, id := range allowedChats {
		if id != 0 {
			allowed[id] = struct{}{}
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		bot:      bot,
		log:      log.With().Str("component", "bot").Logger(),
		registry: registry,
		sources:  sources,
		digests:  digests,
		jobs:     jobs,
		allowed:  allowed,
		loc:      loc,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) permitted(chatID int64) bool {
	_, ok := h.allowed[chatID]
	return ok
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	if !h.permitted(chatID) {
		h.log.Warn().Int64("chat", chatID).Msg("bot: команда из чужого чата отклонена")
		return
	}
	text := strings.TrimSpace(msg.Text)
	command, payload, _ := strings.Cut(text, " ")
	command, _, _ = strings.Cut(command, "@")
	payload = strings.TrimSpace(payload)

	switch command {
	case "/start", "/help":
		h.reply(chatID, helpMessage, mainKeyboard())
	case "/due":
		h.handleDue(ctx, chatID)
	case "/sources":
		h.handleSources(ctx, chatID)
	case "/reenable":
		h.handleReenable(ctx, chatID, payload)
	case "/digest":
		h.handleDigest(ctx, chatID, payload)
	case "/build":
		h.handleBuild(ctx, chatID, payload)
	default:
		h.reply(chatID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil || !h.permitted(cb.Message.Chat.ID) {
		return
	}
	chatID := cb.Message.Chat.ID
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(chatID, 10), start, err)

	switch {
	case cb.Data == "due":
		h.handleDue(ctx, chatID)
	case cb.Data == "sources":
		h.handleSources(ctx, chatID)
	case cb.Data == "digest_today":
		h.handleDigest(ctx, chatID, "")
	case cb.Data == "build_today":
		h.handleBuild(ctx, chatID, "")
	case strings.HasPrefix(cb.Data, "reenable:"):
		h.handleReenable(ctx, chatID, strings.TrimPrefix(cb.Data, "reenable:"))
	}
}

func (h *Handler) handleDue(ctx context.Context, chatID int64) {
	due, err := h.sources.DueSources(ctx, h.now())
	if err != nil {
		h.log.Error().Err(err).Msg("bot: источники к опросу")
		h.reply(chatID, "Не удалось получить очередь опроса, попробуйте позже.", nil)
		return
	}
	if len(due) == 0 {
		h.reply(chatID, "Сейчас нет источников к опросу.", nil)
		return
	}
	lines := make([]string, 0, len(due)+1)
	lines = append(lines, fmt.Sprintf("К опросу: %d", len(due)))
	for _, s := range due {
		lines = append(lines, fmt.Sprintf("• %s [%s, tier %d]", s.Slug, s.Priority, s.TrustTier))
	}
	h.reply(chatID, strings.Join(lines, "\n"), nil)
}

func (h *Handler) handleSources(ctx context.Context, chatID int64) {
	all, err := h.registry.ListSources(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("bot: список источников")
		h.reply(chatID, "Не удалось получить список источников.", nil)
		return
	}
	if len(all) == 0 {
		h.reply(chatID, "Реестр источников пуст.", nil)
		return
	}
	var (
		lines []string
		rows  [][]tgbotapi.InlineKeyboardButton
	)
	for _, s := range all {
		line := fmt.Sprintf("%s #%d %s (%s)", healthIcon(s), s.ID, s.Slug, s.Health)
		if !s.Enabled {
			line += " — отключён"
		}
		lines = append(lines, line)
		if s.Health != domain.HealthHealthy || !s.Enabled {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("♻️ Включить "+s.Slug, fmt.Sprintf("reenable:%d", s.ID)),
			))
		}
	}
	var keyboard *tgbotapi.InlineKeyboardMarkup
	if len(rows) > 0 {
		markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
		keyboard = &markup
	}
	h.reply(chatID, strings.Join(lines, "\n"), keyboard)
}

func healthIcon(s domain.Source) string {
	switch {
	case !s.Enabled || s.Health == domain.HealthDead:
		return "💀"
	case s.Health == domain.HealthDegraded:
		return "⚠️"
	default:
		return "✅"
	}
}

func (h *Handler) handleReenable(ctx context.Context, chatID int64, payload string) {
	id, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil || id <= 0 {
		h.reply(chatID, "Отправьте /reenable <id источника>", nil)
		return
	}
	src, err := h.sources.Reenable(ctx, id, h.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.reply(chatID, fmt.Sprintf("Источник #%d не найден", id), nil)
			return
		}
		h.log.Error().Err(err).Int64("source_id", id).Msg("bot: включение источника")
		h.reply(chatID, "Не удалось включить источник, попробуйте позже.", nil)
		return
	}
	h.reply(chatID, fmt.Sprintf("Источник %s снова в строю", src.Slug), nil)
}

// parseDate разбирает дату команды. Пустое значение означает сегодня в поясе дайджеста.
func (h *Handler) parseDate(payload string) (time.Time, error) {
	if payload == "" {
		return digest.DayOf(h.now().In(h.loc)), nil
	}
	return time.Parse("2006-01-02", payload)
}

func (h *Handler) handleDigest(ctx context.Context, chatID int64, payload string) {
	date, err := h.parseDate(payload)
	if err != nil {
		h.reply(chatID, "Формат даты: ГГГГ-ММ-ДД", nil)
		return
	}
	d, events, err := h.digests.Get(ctx, date)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.reply(chatID, fmt.Sprintf("Дайджест за %s ещё не собран. Запустите /build %s", date.Format("2006-01-02"), date.Format("2006-01-02")), nil)
			return
		}
		h.log.Error().Err(err).Msg("bot: получение дайджеста")
		h.reply(chatID, "Не удалось получить дайджест, попробуйте позже.", nil)
		return
	}
	h.replyHTML(chatID, digest.FormatDigest(d, events))
}

func (h *Handler) handleBuild(ctx context.Context, chatID int64, payload string) {
	date, err := h.parseDate(payload)
	if err != nil {
		h.reply(chatID, "Формат даты: ГГГГ-ММ-ДД", nil)
		return
	}
	job := domain.DigestJob{
		ID:          uuid.NewString(),
		Date:        date,
		RequestedAt: h.now(),
		Cause:       domain.DigestCauseManual,
	}
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		h.log.Error().Err(err).Msg("bot: постановка дайджеста в очередь")
		h.reply(chatID, "Не удалось поставить сборку в очередь, попробуйте позже.", nil)
		return
	}
	metrics.IncDigestRequest(string(job.Cause))
	h.reply(chatID, fmt.Sprintf("Сборка дайджеста за %s поставлена в очередь", date.Format("2006-01-02")), nil)
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	h.send(chatID, text, "", keyboard)
}

func (h *Handler) replyHTML(chatID int64, text string) {
	h.send(chatID, text, tgbotapi.ModeHTML, nil)
}

func (h *Handler) send(chatID int64, text, mode string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = mode
		msg.DisableWebPagePreview = true
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("bot: не удалось отправить сообщение")
			return
		}
	}
}

func mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏱ К опросу", "due"),
			tgbotapi.NewInlineKeyboardButtonData("📚 Источники", "sources"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📰 Дайджест", "digest_today"),
			tgbotapi.NewInlineKeyboardButtonData("🛠 Собрать", "build_today"),
		),
	)
	return &buttons
}

var helpMessage = strings.Join([]string{
	"Операторский бот дайджеста.",
	"",
	"/due — источники, которые пора опросить",
	"/sources — реестр и здоровье источников",
	"/reenable <id> — вернуть источник в строй",
	"/digest [ГГГГ-ММ-ДД] — готовый дайджест",
	"/build [ГГГГ-ММ-ДД] — поставить сборку в очередь",
}, "\n")

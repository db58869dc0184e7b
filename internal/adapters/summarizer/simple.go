package summarizer

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"ai-digest/internal/domain"
)

// Simple строит описание эвристикой, без внешних вызовов. Используется, когда ключ OpenAI не задан.
type Simple struct{}

var _ domain.Summarizer = (*Simple)(nil)

// NewSimple создаёт эвристический суммаризатор.
func NewSimple() *Simple {
	return &Simple{}
}

// Summarize берёт первую строку как заголовок, а следующее предложение как обоснование.
// Фактов нет: без ссылки на источник их нельзя проверить.
func (s *Simple) Summarize(_ context.Context, text string, _ int) (domain.SummaryResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.SummaryResult{}, fmt.Errorf("%w: пустой текст", domain.ErrSummarization)
	}
	lines := strings.SplitN(text, "\n", 2)
	headline := truncate(strings.Join(strings.Fields(lines[0]), " "), 120)
	var rationale string
	if len(lines) > 1 {
		body := strings.Fields(lines[1])
		rationale = truncate(strings.Join(body[:min(len(body), 30)], " "), 200)
		if end := strings.IndexAny(rationale, ".!?"); end > 0 {
			rationale = rationale[:end+1]
		}
	}
	return domain.SummaryResult{Headline: headline, Rationale: rationale}, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

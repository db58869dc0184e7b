package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ai-digest/internal/domain"
)

type jsonCompleter interface {
	CompleteJSON(ctx context.Context, model, system, user string, maxTokens int, out any) error
}

// LLM классифицирует текст кластера через OpenAI Chat Completions.
// Закрытый набор категорий передаётся в подсказке, но ответ всё равно проверяет вызывающий.
type LLM struct {
	client  jsonCompleter
	model   string
	timeout time.Duration
}

var _ domain.Classifier = (*LLM)(nil)

// NewLLM создаёт классификатор.
func NewLLM(client jsonCompleter, model string, timeout time.Duration) *LLM {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLM{client: client, model: model, timeout: timeout}
}

// Classify просит модель выбрать одну категорию и, если получится, компанию.
func (c *LLM) Classify(ctx context.Context, text string) (domain.ClassifierGuess, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ClassifierGuess{}, fmt.Errorf("%w: пустой текст", domain.ErrClassificationAmbiguous)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	userPrompt := fmt.Sprintf(`Classify the AI industry update below.
1. Pick exactly one category slug from this list: %s.
2. If the update is about a specific company, name it; otherwise leave "company" empty.
3. Answer strictly as JSON: {"category": "...", "company": "...", "confidence": 0.0}.

Text:
%s`, strings.Join(domain.Categories, ", "), truncate(text, 4000))

	var guess domain.ClassifierGuess
	if err := c.client.CompleteJSON(ctx, c.model, "You are a precise classifier. Never answer outside the given list.", userPrompt, 120, &guess); err != nil {
		return domain.ClassifierGuess{}, fmt.Errorf("openai classify: %w", err)
	}
	guess.Category = strings.ToLower(strings.TrimSpace(guess.Category))
	guess.Company = strings.TrimSpace(guess.Company)
	return guess, nil
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

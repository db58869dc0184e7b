package summarizer

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

// OpenAI реализует суммаризацию через OpenAI Chat Completions.
type OpenAI struct {
	client  jsonCompleter
	model   string
	timeout time.Duration
}

var _ domain.Summarizer = (*OpenAI)(nil)

// NewOpenAI создаёт провайдер суммаризации.
func NewOpenAI(client jsonCompleter, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

type factPayload struct {
	Text     string `json:"text"`
	Citation string `json:"citation"`
}

type summaryPayload struct {
	Headline       string        `json:"headline"`
	Facts          []factPayload `json:"facts"`
	Rationale      string        `json:"rationale"`
	Citations      []string      `json:"citations"`
	Confidence     string        `json:"confidence"`
	BreakingChange bool          `json:"breaking_change"`
	Severity       string        `json:"severity"`
}

const systemPrompt = "You are an editor of a daily AI industry digest. Use only facts present in the text. Never invent numbers, dates or names."

// Summarize строит структурированное описание события.
func (s *OpenAI) Summarize(ctx context.Context, text string, trustTier int) (domain.SummaryResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.SummaryResult{}, fmt.Errorf("%w: пустой текст", domain.ErrSummarization)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	userPrompt := fmt.Sprintf(`Summarize the announcement below for engineers.
Source trust tier: %d (1 = official vendor, 4 = community).
Return JSON {"headline": "...", "facts": [{"text": "...", "citation": "<url or quote>"}], "rationale": "why it matters, one sentence", "citations": ["..."], "confidence": "confirmed|likely|unverified", "breaking_change": false, "severity": "HIGH|MEDIUM|LOW"}.
Every fact must carry a citation.

Text:
%s`, trustTier, clipRunes(text, 6000))

	var parsed summaryPayload
	if err := s.client.CompleteJSON(ctx, s.model, systemPrompt, userPrompt, 600, &parsed); err != nil {
		return domain.SummaryResult{}, fmt.Errorf("%w: %v", domain.ErrSummarization, err)
	}

	facts := make([]domain.Fact, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		facts = append(facts, domain.Fact{Text: strings.TrimSpace(f.Text), Citation: strings.TrimSpace(f.Citation)})
	}
	return domain.SummaryResult{
		Headline:           strings.TrimSpace(parsed.Headline),
		Facts:              facts,
		Rationale:          strings.TrimSpace(parsed.Rationale),
		Citations:          filterValues(parsed.Citations),
		Confidence:         parseConfidence(parsed.Confidence),
		BreakingChange:     parsed.BreakingChange,
		SeveritySuggestion: domain.Severity(strings.ToUpper(strings.TrimSpace(parsed.Severity))),
	}, nil
}

func parseConfidence(raw string) domain.Confidence {
	switch c := domain.Confidence(strings.ToLower(strings.TrimSpace(raw))); c {
	case domain.ConfidenceConfirmed, domain.ConfidenceLikely, domain.ConfidenceUnverified:
		return c
	default:
		return ""
	}
}

func filterValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

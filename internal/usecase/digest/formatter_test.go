package digest

import (
	"strings"
	"testing"
	"time"

	"ai-digest/internal/domain"
)

func TestFormatDigestSkipsEmptySections(t *testing.T) {
	d := domain.Digest{
		Date:       time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC),
		EventCount: 2,
		Sections: []domain.DigestSection{
			{Name: domain.SectionTop, EventIDs: []int64{1}},
			{Name: domain.SectionIncidents, EventIDs: []int64{}},
			{Name: domain.SectionPricing, EventIDs: []int64{2}},
		},
	}
	events := []domain.Event{
		{ID: 1, Title: "Acme releases model X", URL: "https://acme.example/x", Severity: domain.SeverityHigh, Summary: domain.Summary{Headline: "Acme <X>", Short: "Новая модель"}},
		{ID: 2, Title: "Globex raises prices", SummaryMissing: true},
	}

	formatted := FormatDigest(d, events)

	mustContain(t, formatted, "🧭 <b>Дайджест за 11.05.2024</b>")
	mustContain(t, formatted, "🔥 <b>Главное</b>")
	mustContain(t, formatted, "• <a href=\"https://acme.example/x\">Acme &lt;X&gt;</a> — <i>HIGH</i> — Новая модель")
	mustContain(t, formatted, "💸 <b>Цены и лимиты</b>\n• Globex raises prices ⚠️")
	if strings.Contains(formatted, "Инциденты") {
		t.Fatalf("пустая секция не должна выводиться: %q", formatted)
	}
}

func mustContain(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("ожидали найти подстроку %q в %q", substr, s)
	}
}

package digest

import (
	"fmt"
	"html"
	"strings"

	"ai-digest/internal/domain"
)

var sectionTitles = map[string]string{
	domain.SectionTop:            "🔥 <b>Главное</b>",
	domain.SectionDeveloper:      "🛠 <b>Для разработчиков</b>",
	domain.SectionModels:         "🧠 <b>Модели</b>",
	domain.SectionPricing:        "💸 <b>Цены и лимиты</b>",
	domain.SectionIncidents:      "🚨 <b>Инциденты</b>",
	domain.SectionRadar:          "📡 <b>Радар</b>",
	domain.SectionEverythingElse: "🗂 <b>Остальное</b>",
}

// FormatDigest формирует HTML-сводку дайджеста для Telegram. Пустые секции не выводятся.
func FormatDigest(d domain.Digest, events []domain.Event) string {
	byID := make(map[int64]domain.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	var sections []string
	sections = append(sections, fmt.Sprintf("🧭 <b>Дайджест за %s</b> — событий: %d", d.Date.Format("02.01.2006"), d.EventCount))
	for _, section := range d.Sections {
		if len(section.EventIDs) == 0 {
			continue
		}
		title, ok := sectionTitles[section.Name]
		if !ok {
			title = "<b>" + escapeHTML(section.Name) + "</b>"
		}
		var builder strings.Builder
		builder.WriteString(title)
		for _, id := range section.EventIDs {
			ev, ok := byID[id]
			if !ok {
				continue
			}
			builder.WriteString("\n" + formatEvent(ev))
		}
		sections = append(sections, builder.String())
	}
	return strings.TrimSpace(strings.Join(sections, "\n\n"))
}

func formatEvent(ev domain.Event) string {
	headline := strings.TrimSpace(ev.Summary.Headline)
	if headline == "" {
		headline = strings.TrimSpace(ev.Title)
	}
	title := escapeHTML(headline)
	if url := strings.TrimSpace(ev.URL); url != "" {
		title = fmt.Sprintf("<a href=\"%s\">%s</a>", html.EscapeString(url), title)
	}
	parts := []string{title}
	if ev.Severity == domain.SeverityHigh {
		parts = append(parts, "<i>HIGH</i>")
	}
	if short := strings.TrimSpace(ev.Summary.Short); short != "" && short != headline {
		parts = append(parts, escapeHTML(short))
	}
	line := "• " + strings.Join(parts, " — ")
	if ev.SummaryMissing {
		line += " ⚠️"
	}
	return line
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}

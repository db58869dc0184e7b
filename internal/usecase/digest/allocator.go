package digest

import (
	"sort"
	"time"

	"ai-digest/internal/domain"
	"ai-digest/internal/usecase/rank"
)

// SectionSpec описывает секцию: квоту (0 означает без ограничения) и условие попадания.
type SectionSpec struct {
	Name       string
	Quota      int
	Categories []string
	Eligible   func(domain.Event) bool
}

func (s SectionSpec) accepts(ev domain.Event) bool {
	if s.Eligible != nil {
		return s.Eligible(ev)
	}
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if ev.HasCategory(c) {
			return true
		}
	}
	return false
}

// Layout задаёт фиксированный порядок секций дайджеста.
var Layout = []SectionSpec{
	{Name: domain.SectionTop, Quota: 5},
	{Name: domain.SectionDeveloper, Quota: 8, Categories: []string{
		domain.CategoryDeprecation, domain.CategorySDK, domain.CategoryAPIChange,
		domain.CategoryAgentFramework, domain.CategoryToolIntegration,
	}},
	{Name: domain.SectionModels, Quota: 8, Categories: []string{
		domain.CategoryNewModel, domain.CategoryModelUpgrade, domain.CategoryModality, domain.CategoryFineTuning,
		domain.CategoryInference, domain.CategoryEmbeddings, domain.CategoryEvals, domain.CategoryOpenSource,
	}},
	{Name: domain.SectionPricing, Quota: 5, Categories: []string{domain.CategoryPricing, domain.CategoryRateLimits}},
	{Name: domain.SectionIncidents, Quota: 5, Categories: []string{domain.CategorySecurity, domain.CategoryReliability}},
	{Name: domain.SectionRadar, Quota: 6, Eligible: func(ev domain.Event) bool {
		return ev.TrustTier == 4 && ev.LaunchSignal
	}},
	{Name: domain.SectionEverythingElse},
}

// Allocate раскладывает события по секциям в порядке убывания оценки.
// Функция чистая: одинаковый вход даёт одинаковый результат. Событие без категорий
// не попадает никуда, каждое остальное попадает не более чем в одну секцию.
// Уже закреплённые события остаются в своей секции, занимают её квоту первыми
// и не переезжают, даже если новые события оценены выше.
func Allocate(ranked []domain.Event, date time.Time) domain.Digest {
	pool := make([]domain.Event, 0, len(ranked))
	seen := make(map[int64]struct{}, len(ranked))
	for _, ev := range ranked {
		if len(ev.Categories) == 0 {
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		pool = append(pool, ev)
	}
	sort.SliceStable(pool, func(i, j int) bool { return rank.Less(pool[i], pool[j]) })

	claimed := make([]bool, len(pool))
	pinned := make(map[string][]int64, len(Layout))
	for i, ev := range pool {
		if name := pinnedSection(ev); name != "" {
			claimed[i] = true
			pinned[name] = append(pinned[name], ev.ID)
		}
	}

	digest := domain.Digest{Date: DayOf(date), Sections: make([]domain.DigestSection, 0, len(Layout))}
	for _, spec := range Layout {
		section := domain.DigestSection{Name: spec.Name, EventIDs: append([]int64{}, pinned[spec.Name]...)}
		for i, ev := range pool {
			if spec.Quota > 0 && len(section.EventIDs) >= spec.Quota {
				break
			}
			if claimed[i] || !spec.accepts(ev) {
				continue
			}
			claimed[i] = true
			section.EventIDs = append(section.EventIDs, ev.ID)
		}
		digest.EventCount += len(section.EventIDs)
		digest.Sections = append(digest.Sections, section)
	}
	return digest
}

// pinnedSection возвращает секцию закреплённого события, если она есть в раскладке.
func pinnedSection(ev domain.Event) string {
	if !ev.Frozen() || ev.Section == "" {
		return ""
	}
	for _, spec := range Layout {
		if spec.Name == ev.Section {
			return ev.Section
		}
	}
	return ""
}

// DayOf возвращает календарную дату без времени в UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Window возвращает окно событий дайджеста: с cutoff предыдущего дня до cutoff дня дайджеста
// в часовом поясе loc, правая граница не включается.
func Window(date time.Time, loc *time.Location, cutoff time.Duration) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	hour, minute := int(cutoff.Hours()), int(cutoff.Minutes())%60
	end := time.Date(y, m, d, hour, minute, 0, 0, loc)
	start := time.Date(y, m, d-1, hour, minute, 0, 0, loc)
	return start.UTC(), end.UTC()
}

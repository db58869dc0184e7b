package rank

import (
	"math"
	"strings"
	"time"

	"ai-digest/internal/domain"
)

// Веса слагаемых оценки важности.
const (
	WeightTrust     = 0.20
	WeightSeverity  = 0.25
	WeightUserMatch = 0.15
	WeightRecency   = 0.15
	WeightBreadth   = 0.10
	WeightNovelty   = 0.10
	WeightPenalty   = 0.05

	recencyDecay = 0.03
	maxReasons   = 3
)

// Коды причин в порядке приоритета.
const (
	ReasonSeverityHigh = "severity_high"
	ReasonFirstParty   = "first_party"
	ReasonBreaking     = "breaking_change"
	ReasonFollowed     = "followed"
	ReasonMultiSource  = "multi_source"
	ReasonNovel        = "novel"
)

// Scored описывает результат оценки события.
type Scored struct {
	Score    float64
	Severity domain.Severity
	Terms    map[string]float64
}

// Ranker считает severity и итоговую оценку. Не хранит состояния между вызовами.
type Ranker struct {
	rules      RuleSet
	breadthCap int
}

// NewRanker создаёт ранкер. breadthCap <= 0 означает 3 источника.
func NewRanker(rules RuleSet, breadthCap int) *Ranker {
	if breadthCap <= 0 {
		breadthCap = 3
	}
	if !rules.Default.Valid() {
		rules.Default = domain.SeverityLow
	}
	return &Ranker{rules: rules, breadthCap: breadthCap}
}

// Severity определяется до оценки и не зависит от неё.
// Ломающее изменение всегда HIGH, затем первое подходящее правило,
// затем подсказка суммаризатора, затем значение по умолчанию.
func (r *Ranker) Severity(ev domain.Event) domain.Severity {
	if ev.BreakingChange {
		return domain.SeverityHigh
	}
	text := strings.ToLower(ev.Title + "\n" + ev.Text)
	mag := ExtractMagnitudes(ev.Signals, text)
	for _, rule := range r.rules.Rules {
		if rule.matches(ev, text, mag) {
			return rule.Severity
		}
	}
	if ev.SeverityHint.Valid() {
		return ev.SeverityHint
	}
	return r.rules.Default
}

// Score считает взвешенную сумму, ограниченную отрезком [0, 1].
func (r *Ranker) Score(ev domain.Event, user domain.UserContext, now time.Time) Scored {
	severity := r.Severity(ev)
	terms := map[string]float64{
		"trust":      trustValue(ev.TrustTier),
		"severity":   severityValue(severity),
		"user_match": userMatch(ev, user),
		"recency":    recency(ev, now),
		"breadth":    math.Min(float64(distinct(ev.SourceIDs))/float64(r.breadthCap), 1),
		"novelty":    clamp(ev.Novelty),
		"penalty":    0,
	}
	if ev.Spam || ev.Duplicate {
		terms["penalty"] = 1
	}
	score := WeightTrust*terms["trust"] +
		WeightSeverity*terms["severity"] +
		WeightUserMatch*terms["user_match"] +
		WeightRecency*terms["recency"] +
		WeightBreadth*terms["breadth"] +
		WeightNovelty*terms["novelty"] -
		WeightPenalty*terms["penalty"]
	return Scored{Score: round4(clamp(score)), Severity: severity, Terms: terms}
}

// Apply пересчитывает severity, оценку, уверенность и причины события.
// Закреплённые за дайджестом события не меняются.
func (r *Ranker) Apply(ev *domain.Event, user domain.UserContext, now time.Time) {
	if ev.Frozen() {
		return
	}
	scored := r.Score(*ev, user, now)
	ev.Severity = scored.Severity
	ev.ImpactScore = scored.Score
	ev.Confidence = domain.CapConfidence(ev.Confidence, ev.TrustTier)
	ev.Reasons = Reasons(*ev, user)
}

// Less задаёт детерминированный порядок: оценка, severity, свежесть, ID.
func Less(a, b domain.Event) bool {
	if a.ImpactScore != b.ImpactScore {
		return a.ImpactScore > b.ImpactScore
	}
	if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
		return ra > rb
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.After(b.PublishedAt)
	}
	return a.ID < b.ID
}

// Reasons возвращает не более трёх причин в фиксированном порядке проверки.
func Reasons(ev domain.Event, user domain.UserContext) []string {
	checks := []struct {
		code string
		ok   bool
	}{
		{ReasonSeverityHigh, ev.Severity == domain.SeverityHigh},
		{ReasonFirstParty, ev.TrustTier == 1},
		{ReasonBreaking, ev.BreakingChange},
		{ReasonFollowed, user.Personalized() && userMatch(ev, user) > 0},
		{ReasonMultiSource, distinct(ev.SourceIDs) >= 2},
		{ReasonNovel, ev.Novelty >= 1},
	}
	out := make([]string, 0, maxReasons)
	for _, c := range checks {
		if !c.ok {
			continue
		}
		out = append(out, c.code)
		if len(out) == maxReasons {
			break
		}
	}
	return out
}

func trustValue(tier int) float64 {
	switch tier {
	case 1:
		return 1.0
	case 2:
		return 0.7
	case 3:
		return 0.4
	default:
		return 0.2
	}
}

func severityValue(s domain.Severity) float64 {
	switch s {
	case domain.SeverityHigh:
		return 1.0
	case domain.SeverityMedium:
		return 0.5
	default:
		return 0.15
	}
}

func userMatch(ev domain.Event, user domain.UserContext) float64 {
	if !user.Personalized() {
		return 0.5
	}
	company := false
	for _, c := range user.FollowedCompanies {
		if ev.CompanySlug != "" && strings.EqualFold(c, ev.CompanySlug) {
			company = true
			break
		}
	}
	category := false
	for _, c := range user.FollowedCategories {
		if ev.HasCategory(c) {
			category = true
			break
		}
	}
	switch {
	case company && category:
		return 1.0
	case company || category:
		return 0.5
	default:
		return 0
	}
}

func recency(ev domain.Event, now time.Time) float64 {
	published := ev.PublishedAt
	if published.IsZero() {
		published = ev.CreatedAt
	}
	hours := now.Sub(published).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-recencyDecay * hours)
}

func distinct(ids []int64) int {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

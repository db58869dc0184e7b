package rank

import (
	"math"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"ai-digest/internal/domain"
)

var now = time.Date(2024, 5, 11, 8, 0, 0, 0, time.UTC)

func TestScoreKnownEvent(t *testing.T) {
	r := NewRanker(DefaultRules(), 3)
	ev := domain.Event{
		Title:       "Acme releases model X",
		Categories:  []string{domain.CategoryNewModel},
		TrustTier:   1,
		SourceIDs:   []int64{1, 2, 3},
		Novelty:     1,
		PublishedAt: now,
	}
	got := r.Score(ev, domain.UserContext{}, now)
	if got.Severity != domain.SeverityHigh {
		t.Fatalf("ожидали HIGH, получили %s", got.Severity)
	}
	if got.Score != 0.875 {
		t.Fatalf("ожидали 0.875, получили %v", got.Score)
	}

	ev.Spam = true
	if spam := r.Score(ev, domain.UserContext{}, now).Score; spam != 0.825 {
		t.Fatalf("ожидали штраф за спам, получили %v", spam)
	}
}

func TestScorePenalizesCopyOfPlacedEvent(t *testing.T) {
	r := NewRanker(DefaultRules(), 3)
	ev := domain.Event{
		Title:       "Acme releases model X",
		Categories:  []string{domain.CategoryNewModel},
		TrustTier:   1,
		SourceIDs:   []int64{1, 2, 3},
		Novelty:     1,
		PublishedAt: now,
	}
	plain := r.Score(ev, domain.UserContext{}, now)
	ev.Duplicate = true
	copied := r.Score(ev, domain.UserContext{}, now)
	if copied.Terms["penalty"] != 1 {
		t.Fatalf("ожидали штраф 1 для копии, получили %v", copied.Terms["penalty"])
	}
	if math.Abs(plain.Score-copied.Score-WeightPenalty) > 1e-9 {
		t.Fatalf("копия должна терять ровно вес штрафа: %v -> %v", plain.Score, copied.Score)
	}
}

func TestScoreBounded(t *testing.T) {
	r := NewRanker(DefaultRules(), 3)
	rng := rand.New(rand.NewSource(42))
	severities := []domain.Severity{domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow, ""}
	for i := 0; i < 2000; i++ {
		ev := domain.Event{
			ID:             int64(i),
			TrustTier:      rng.Intn(6) - 1,
			SeverityHint:   severities[rng.Intn(len(severities))],
			BreakingChange: rng.Intn(2) == 0,
			Spam:           rng.Intn(3) == 0,
			Novelty:        rng.Float64()*3 - 1,
			SourceIDs:      make([]int64, rng.Intn(8)),
			PublishedAt:    now.Add(time.Duration(rng.Intn(400)-200) * time.Hour),
		}
		user := domain.UserContext{}
		if rng.Intn(2) == 0 {
			user.FollowedCompanies = []string{"acme"}
		}
		score := r.Score(ev, user, now).Score
		if score < 0 || score > 1 || math.IsNaN(score) {
			t.Fatalf("оценка вне [0,1]: %v для %+v", score, ev)
		}
	}
}

func TestSeverityRules(t *testing.T) {
	r := NewRanker(DefaultRules(), 3)
	cases := []struct {
		name string
		ev   domain.Event
		want domain.Severity
	}{
		{"breaking", domain.Event{BreakingChange: true}, domain.SeverityHigh},
		{"pricing above threshold", domain.Event{Title: "Acme raises prices by 25%", Categories: []string{domain.CategoryPricing}}, domain.SeverityHigh},
		{"pricing below threshold", domain.Event{Title: "Acme trims prices by 5%", Categories: []string{domain.CategoryPricing}}, domain.SeverityLow},
		{"pricing from signal", domain.Event{Title: "Acme pricing", Categories: []string{domain.CategoryPricing}, Signals: map[string]float64{"percent_change": -30}}, domain.SeverityHigh},
		{"near deadline", domain.Event{Title: "v1 endpoints shut down in 60 days", Categories: []string{domain.CategoryDeprecation}}, domain.SeverityHigh},
		{"first party sdk", domain.Event{Title: "Acme Python client", Categories: []string{domain.CategorySDK}, TrustTier: 1}, domain.SeverityMedium},
		{"community sdk", domain.Event{Title: "Acme Python client", Categories: []string{domain.CategorySDK}, TrustTier: 4}, domain.SeverityLow},
		{"hint fallback", domain.Event{Title: "Quarterly note", SeverityHint: domain.SeverityMedium}, domain.SeverityMedium},
		{"invalid hint", domain.Event{Title: "Quarterly note", SeverityHint: "URGENT"}, domain.SeverityLow},
	}
	for _, tc := range cases {
		if got := r.Severity(tc.ev); got != tc.want {
			t.Fatalf("%s: ожидали %s, получили %s", tc.name, tc.want, got)
		}
	}
}

func TestParseRulesFromYAML(t *testing.T) {
	raw := []byte(`
default: medium
rules:
  - name: everything-pricing
    categories: [pricing]
    severity: high
`)
	set, err := ParseRules(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	r := NewRanker(set, 3)
	if got := r.Severity(domain.Event{Categories: []string{domain.CategoryPricing}}); got != domain.SeverityHigh {
		t.Fatalf("ожидали HIGH из файла, получили %s", got)
	}
	if got := r.Severity(domain.Event{Categories: []string{domain.CategorySDK}}); got != domain.SeverityMedium {
		t.Fatalf("ожидали значение по умолчанию из файла, получили %s", got)
	}

	if _, err := ParseRules([]byte("rules:\n  - name: bad\n    severity: urgent\n")); err == nil {
		t.Fatalf("ожидали ошибку для неизвестной severity")
	}
}

func TestShippedRulesMatchBuiltin(t *testing.T) {
	set, err := LoadRules("../../../configs/severity_rules.yaml")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !reflect.DeepEqual(set, DefaultRules()) {
		t.Fatalf("файл правил разошёлся со встроенной таблицей:\n%+v\n%+v", set, DefaultRules())
	}
}

func TestApplyCapsConfidenceAndSkipsFrozen(t *testing.T) {
	r := NewRanker(DefaultRules(), 3)
	ev := domain.Event{TrustTier: 3, Confidence: domain.ConfidenceConfirmed, PublishedAt: now}
	r.Apply(&ev, domain.UserContext{}, now)
	if ev.Confidence == domain.ConfidenceConfirmed {
		t.Fatalf("события третьего уровня не могут быть confirmed")
	}

	digestID := int64(1)
	frozen := domain.Event{TrustTier: 1, ImpactScore: 0.42, DigestID: &digestID}
	r.Apply(&frozen, domain.UserContext{}, now)
	if frozen.ImpactScore != 0.42 {
		t.Fatalf("закреплённое событие не должно пересчитываться")
	}
}

func TestUserMatch(t *testing.T) {
	ev := domain.Event{CompanySlug: "acme", Categories: []string{domain.CategorySDK}}
	cases := []struct {
		user domain.UserContext
		want float64
	}{
		{domain.UserContext{}, 0.5},
		{domain.UserContext{FollowedCompanies: []string{"ACME"}, FollowedCategories: []string{domain.CategorySDK}}, 1.0},
		{domain.UserContext{FollowedCompanies: []string{"acme"}}, 0.5},
		{domain.UserContext{FollowedCategories: []string{domain.CategoryPricing}}, 0},
	}
	for i, tc := range cases {
		if got := userMatch(ev, tc.user); got != tc.want {
			t.Fatalf("кейс %d: ожидали %v, получили %v", i, tc.want, got)
		}
	}
}

func TestLessIsDeterministic(t *testing.T) {
	events := []domain.Event{
		{ID: 4, ImpactScore: 0.5, Severity: domain.SeverityLow, PublishedAt: now},
		{ID: 3, ImpactScore: 0.5, Severity: domain.SeverityHigh, PublishedAt: now.Add(-time.Hour)},
		{ID: 2, ImpactScore: 0.5, Severity: domain.SeverityLow, PublishedAt: now},
		{ID: 1, ImpactScore: 0.9, Severity: domain.SeverityLow, PublishedAt: now.Add(-48 * time.Hour)},
		{ID: 5, ImpactScore: 0.5, Severity: domain.SeverityLow, PublishedAt: now.Add(time.Hour)},
	}
	sort.SliceStable(events, func(i, j int) bool { return Less(events[i], events[j]) })
	var ids []int64
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	if want := []int64{1, 3, 5, 2, 4}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ожидали порядок %v, получили %v", want, ids)
	}
}

func TestReasonsLimitedToThree(t *testing.T) {
	ev := domain.Event{Severity: domain.SeverityHigh, TrustTier: 1, BreakingChange: true, SourceIDs: []int64{1, 2}, Novelty: 1}
	got := Reasons(ev, domain.UserContext{})
	want := []string{ReasonSeverityHigh, ReasonFirstParty, ReasonBreaking}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ожидали %v, получили %v", want, got)
	}

	quiet := domain.Event{TrustTier: 4, SourceIDs: []int64{1, 2}, Novelty: 1}
	if got := Reasons(quiet, domain.UserContext{}); !reflect.DeepEqual(got, []string{ReasonMultiSource, ReasonNovel}) {
		t.Fatalf("неожиданные причины: %v", got)
	}
}

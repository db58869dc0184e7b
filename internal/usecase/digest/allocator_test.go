package digest

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-digest/internal/domain"
)

var day = time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)

func section(t *testing.T, d domain.Digest, name string) []int64 {
	t.Helper()
	s, ok := d.Section(name)
	require.True(t, ok, "секция %s должна присутствовать", name)
	return s.EventIDs
}

func TestAllocateTopThenModels(t *testing.T) {
	scores := []float64{0.95, 0.91, 0.88, 0.80, 0.77, 0.60, 0.10}
	var events []domain.Event
	for i, score := range scores {
		events = append(events, domain.Event{ID: int64(i + 1), ImpactScore: score, Categories: []string{domain.CategoryModelUpgrade}})
	}

	d := Allocate(events, day)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, section(t, d, domain.SectionTop))
	assert.Equal(t, []int64{6, 7}, section(t, d, domain.SectionModels))
	assert.Empty(t, section(t, d, domain.SectionEverythingElse))
	assert.Equal(t, 7, d.EventCount)
}

func TestRadarRequiresCommunityTier(t *testing.T) {
	var events []domain.Event
	for i := 0; i < 5; i++ {
		events = append(events, domain.Event{ID: int64(i + 1), ImpactScore: 0.9, Categories: []string{domain.CategoryFunding}})
	}
	events = append(events,
		domain.Event{ID: 10, ImpactScore: 0.5, TrustTier: 1, LaunchSignal: true, Categories: []string{domain.CategoryAppLaunch}},
		domain.Event{ID: 11, ImpactScore: 0.4, TrustTier: 4, LaunchSignal: true, Categories: []string{domain.CategoryAppLaunch}},
	)

	d := Allocate(events, day)
	assert.Len(t, section(t, d, domain.SectionTop), 5)
	assert.Equal(t, []int64{11}, section(t, d, domain.SectionRadar))
	assert.Equal(t, []int64{10}, section(t, d, domain.SectionEverythingElse))
}

func TestAllocateIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var events []domain.Event
	for i := 0; i < 80; i++ {
		cat := domain.Categories[rng.Intn(len(domain.Categories))]
		events = append(events, domain.Event{
			ID:           int64(i + 1),
			ImpactScore:  float64(rng.Intn(10)) / 10,
			Severity:     []domain.Severity{domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow}[rng.Intn(3)],
			TrustTier:    rng.Intn(4) + 1,
			LaunchSignal: rng.Intn(2) == 0,
			Categories:   []string{cat},
			PublishedAt:  day.Add(-time.Duration(rng.Intn(24)) * time.Hour),
		})
	}
	shuffled := append([]domain.Event(nil), events...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	first := Allocate(events, day)
	second := Allocate(shuffled, day)
	assert.Equal(t, first, second)

	seen := map[int64]string{}
	for _, s := range first.Sections {
		for _, id := range s.EventIDs {
			prev, dup := seen[id]
			require.False(t, dup, "событие %d уже в секции %s", id, prev)
			seen[id] = s.Name
		}
	}
	assert.Len(t, seen, len(events))
}

func TestAllocateKeepsSectionOrderAndSkipsUncategorized(t *testing.T) {
	d := Allocate([]domain.Event{{ID: 1, ImpactScore: 1}}, day)
	require.Len(t, d.Sections, len(Layout))
	for i, spec := range Layout {
		assert.Equal(t, spec.Name, d.Sections[i].Name)
		assert.Empty(t, d.Sections[i].EventIDs)
	}
	assert.Zero(t, d.EventCount)
}

func TestWindowUsesCutoffInLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	from, to := Window(day, loc, 8*time.Hour)
	assert.Equal(t, time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2024, 5, 11, 6, 0, 0, 0, time.UTC), to)
}

func TestAllocateKeepsPinnedEventsInTheirSection(t *testing.T) {
	digestID := int64(101)
	pinned := domain.Event{ID: 1, ImpactScore: 0.40, Categories: []string{domain.CategoryModelUpgrade}, DigestID: &digestID, Section: domain.SectionTop}
	events := []domain.Event{pinned}
	for i := 2; i <= 7; i++ {
		events = append(events, domain.Event{ID: int64(i), ImpactScore: 0.9, Categories: []string{domain.CategoryNewModel}})
	}

	d := Allocate(events, day)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, section(t, d, domain.SectionTop))
	assert.Equal(t, []int64{6, 7}, section(t, d, domain.SectionModels))
	assert.Equal(t, 7, d.EventCount)
}

package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-digest/internal/domain"
)

var base = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func record(id, sourceID int64, title, fp string, at time.Time) domain.RawRecord {
	return domain.RawRecord{ID: id, SourceID: sourceID, Title: title, Fingerprint: fp, FetchedAt: at}
}

func TestScenarioTwoSourcesSameRelease(t *testing.T) {
	engine := NewEngine(DefaultConfig(), WithSimilarity(func(a, b string) float64 { return 0.9 }))

	first := engine.Assign(Input{Record: record(1, 10, "Acme releases model X", "fp-a", base), TrustTier: 1, CompanySlug: "acme"}, nil)
	require.False(t, first.Joined())
	assert.Equal(t, NoveltyNew, first.Novelty)
	c := first.Cluster
	c.ID = 100

	second := engine.Assign(Input{Record: record(2, 20, "Acme ships model X today", "fp-b", base.Add(time.Hour)), TrustTier: 3, CompanySlug: "acme"}, []domain.Cluster{c})
	require.True(t, second.Joined())
	assert.Equal(t, KindFuzzy, second.Kind)
	assert.Equal(t, NoveltyJoined, second.Novelty)
	assert.Equal(t, 2, second.Cluster.EventCount)
	assert.ElementsMatch(t, []int64{10, 20}, second.Cluster.SourceIDs)
	assert.Equal(t, "Acme releases model X", second.Cluster.CanonicalTitle)
}

func TestDefaultSimilarityMatchesReleaseWording(t *testing.T) {
	assert.GreaterOrEqual(t, Similarity("Acme releases model X", "Acme ships model X today"), 0.85)
	assert.Less(t, Similarity("Acme releases model X", "Globex raises prices"), 0.5)
	assert.Zero(t, Similarity("", "Acme"))
}

func TestExactFingerprintAcrossSources(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	existing := domain.Cluster{ID: 5, CanonicalTitle: "Something else entirely", Fingerprints: []string{"same"}, SourceIDs: []int64{1}, Members: []int64{1}, EventCount: 1, FirstSeenAt: base, LastSeenAt: base, CreatedAt: base}

	got := engine.Assign(Input{Record: record(2, 2, "Different words", "same", base.Add(time.Minute)), TrustTier: 2}, []domain.Cluster{existing})
	require.True(t, got.Joined())
	assert.Equal(t, KindExact, got.Kind)
	assert.Equal(t, int64(5), got.Cluster.ID)
}

func TestTieBreakPrefersEarliestCluster(t *testing.T) {
	engine := NewEngine(DefaultConfig(), WithSimilarity(func(a, b string) float64 { return 0.9 }))
	later := domain.Cluster{ID: 1, CanonicalTitle: "x", LastSeenAt: base, CreatedAt: base.Add(time.Hour)}
	earliest := domain.Cluster{ID: 2, CanonicalTitle: "x", LastSeenAt: base, CreatedAt: base}
	sameTimeHigherID := domain.Cluster{ID: 3, CanonicalTitle: "x", LastSeenAt: base, CreatedAt: base}

	got := engine.Assign(Input{Record: record(9, 9, "x", "fp", base.Add(2*time.Hour))}, []domain.Cluster{later, sameTimeHigherID, earliest})
	require.True(t, got.Joined())
	assert.Equal(t, int64(2), got.Cluster.ID)
}

func TestHighestSimilarityWins(t *testing.T) {
	sims := map[string]float64{"first": 0.86, "second": 0.95}
	engine := NewEngine(DefaultConfig(), WithSimilarity(func(a, b string) float64 { return sims[b] }))
	clusters := []domain.Cluster{
		{ID: 1, CanonicalTitle: "first", LastSeenAt: base, CreatedAt: base},
		{ID: 2, CanonicalTitle: "second", LastSeenAt: base, CreatedAt: base.Add(time.Hour)},
	}
	got := engine.Assign(Input{Record: record(3, 3, "t", "fp", base.Add(2*time.Hour))}, clusters)
	assert.Equal(t, 1, got.Index)
	assert.Equal(t, 0.95, got.Similarity)
}

func TestClustersOutsideWindowIgnored(t *testing.T) {
	engine := NewEngine(DefaultConfig(), WithSimilarity(func(a, b string) float64 { return 1 }))
	old := domain.Cluster{ID: 1, CanonicalTitle: "x", LastSeenAt: base.Add(-8 * 24 * time.Hour), CreatedAt: base.Add(-9 * 24 * time.Hour)}

	got := engine.Assign(Input{Record: record(2, 2, "x", "fp", base)}, []domain.Cluster{old})
	assert.False(t, got.Joined())
	assert.Equal(t, NoveltyNew, got.Novelty)
}

func TestClosedClusterOpensFollowUp(t *testing.T) {
	engine := NewEngine(DefaultConfig(), WithSimilarity(func(a, b string) float64 { return 1 }))
	closed := domain.Cluster{ID: 1, CanonicalTitle: "x", LastSeenAt: base, CreatedAt: base, Closed: true}

	got := engine.Assign(Input{Record: record(2, 2, "x", "fp", base.Add(time.Hour))}, []domain.Cluster{closed})
	assert.False(t, got.Joined())
	assert.Equal(t, KindFollowUp, got.Kind)
	assert.Equal(t, NoveltyJoined, got.Novelty)
}

func TestExactCopyOfClosedClusterIsDuplicate(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	closed := domain.Cluster{ID: 1, CanonicalTitle: "Acme releases model X", Fingerprints: []string{"fp"}, SourceIDs: []int64{1}, LastSeenAt: base, CreatedAt: base, Closed: true}

	got := engine.Assign(Input{Record: record(2, 2, "Acme releases model X", "fp", base.Add(time.Hour)), TrustTier: 3}, []domain.Cluster{closed})
	assert.False(t, got.Joined())
	assert.Equal(t, KindDuplicate, got.Kind)
	assert.Equal(t, NoveltyDuplicate, got.Novelty)
}

func TestExactFingerprintIgnoresRecencyWindow(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	old := domain.Cluster{ID: 1, CanonicalTitle: "Acme releases model X", Fingerprints: []string{"fp"}, SourceIDs: []int64{1}, Members: []int64{1}, EventCount: 1,
		FirstSeenAt: base.Add(-30 * 24 * time.Hour), LastSeenAt: base.Add(-30 * 24 * time.Hour), CreatedAt: base.Add(-30 * 24 * time.Hour)}

	got := engine.Assign(Input{Record: record(2, 2, "Other words", "fp", base), TrustTier: 2}, []domain.Cluster{old})
	require.True(t, got.Joined())
	assert.Equal(t, KindExact, got.Kind)
	assert.Equal(t, base, got.Cluster.LastSeenAt)
}

func TestClusterMonotonicity(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	titles := []string{
		"Acme releases model X",
		"Acme ships model X today",
		"Globex raises API prices",
		"Acme launches model X",
		"Globex raises API prices",
		"Initech deprecates v1 endpoints",
	}
	var clusters []domain.Cluster
	for i, title := range titles {
		in := Input{Record: record(int64(i+1), int64(i%3+1), title, title, base.Add(time.Duration(i)*time.Minute)), TrustTier: i%4 + 1}
		a := engine.Assign(in, clusters)
		if a.Joined() {
			clusters[a.Index] = a.Cluster
		} else {
			a.Cluster.ID = int64(len(clusters) + 1)
			clusters = append(clusters, a.Cluster)
		}
		for _, c := range clusters {
			require.False(t, c.FirstSeenAt.After(c.LastSeenAt))
			require.Equal(t, len(c.Members), c.EventCount)
		}
	}
	assert.Len(t, clusters, 3)
}

func TestReclusterMergesAndIsIdempotent(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	digestID := int64(7)
	events := []domain.Event{
		{ID: 3, ClusterID: 30, Title: "Acme ships model X today", SourceIDs: []int64{2}, TrustTier: 3, Confidence: domain.ConfidenceUnverified, CreatedAt: base.Add(time.Hour)},
		{ID: 1, ClusterID: 10, Title: "Acme releases model X", SourceIDs: []int64{1}, TrustTier: 2, Confidence: domain.ConfidenceLikely, Categories: []string{domain.CategoryNewModel}, CreatedAt: base},
		{ID: 2, ClusterID: 20, Title: "Globex raises API prices", SourceIDs: []int64{5}, TrustTier: 1, CreatedAt: base},
		{ID: 4, ClusterID: 40, Title: "Acme releases model X", DigestID: &digestID, CreatedAt: base},
	}

	out, merges := engine.Recluster(events)
	require.Len(t, merges, 1)
	assert.Equal(t, Merge{From: 3, Into: 1, FromCluster: 30, IntoCluster: 10}, merges[0])
	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0].ID)
	assert.ElementsMatch(t, []int64{1, 2}, out[0].SourceIDs)
	assert.Equal(t, 2, out[0].TrustTier)

	again, merges := engine.Recluster(out)
	assert.Empty(t, merges)
	assert.Equal(t, out, again)
	assert.Equal(t, []int64{2}, events[0].SourceIDs)
}

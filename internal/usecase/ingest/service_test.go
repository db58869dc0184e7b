package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-digest/internal/domain"
	"ai-digest/internal/usecase/cluster"
	"ai-digest/internal/usecase/rank"
	"ai-digest/internal/usecase/resolve"
)

type memRepo struct {
	mu         sync.Mutex
	records    []domain.RawRecord
	clusters   map[int64]domain.Cluster
	events     map[int64]domain.Event
	nextID     int64
	failAttach int
	failEvent  int
}

func newMemRepo() *memRepo {
	return &memRepo{clusters: map[int64]domain.Cluster{}, events: map[int64]domain.Event{}}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) FingerprintExists(_ context.Context, sourceID int64, fp string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.SourceID == sourceID && r.Fingerprint == fp && r.ClusterID != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) SaveRecord(_ context.Context, rec *domain.RawRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.SourceID == rec.SourceID && r.ExternalID == rec.ExternalID {
			if r.ClusterID != 0 {
				return false, nil
			}
			rec.ID = r.ID
			m.records[i] = *rec
			return true, nil
		}
	}
	rec.ID = m.id()
	m.records = append(m.records, *rec)
	return true, nil
}

func (m *memRepo) AttachCluster(_ context.Context, recordID, clusterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAttach > 0 {
		m.failAttach--
		return errors.New("db down")
	}
	for i := range m.records {
		if m.records[i].ID == recordID {
			m.records[i].ClusterID = clusterID
		}
	}
	return nil
}

func (m *memRepo) ListRecentClusters(_ context.Context, since time.Time) ([]domain.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Cluster
	for id := int64(1); id <= m.nextID; id++ {
		if c, ok := m.clusters[id]; ok && !c.LastSeenAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) SaveCluster(_ context.Context, c domain.Cluster) (domain.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.id()
	}
	m.clusters[c.ID] = c
	return c, nil
}

func (m *memRepo) ClustersByFingerprint(_ context.Context, fp string) ([]domain.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Cluster
	for id := int64(1); id <= m.nextID; id++ {
		c, ok := m.clusters[id]
		if !ok {
			continue
		}
		for _, f := range c.Fingerprints {
			if f == fp {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) GetEventByCluster(_ context.Context, clusterID int64) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ClusterID == clusterID {
			return ev, nil
		}
	}
	return domain.Event{}, domain.ErrNotFound
}

func (m *memRepo) SaveEvent(_ context.Context, ev domain.Event) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEvent > 0 {
		m.failEvent--
		return domain.Event{}, errors.New("db down")
	}
	if ev.ID == 0 {
		ev.ID = m.id()
	}
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *memRepo) ListUnassigned(context.Context, domain.EventFilter) ([]domain.Event, error) {
	return nil, nil
}
func (m *memRepo) ListByDigest(context.Context, int64) ([]domain.Event, error) { return nil, nil }
func (m *memRepo) ClaimEvent(context.Context, int64, int64, string) (bool, error) {
	return false, nil
}
func (m *memRepo) MergeEvent(context.Context, domain.EventMerge) error { return nil }

type stubSummarizer struct {
	result domain.SummaryResult
	err    error
}

func (s stubSummarizer) Summarize(context.Context, string, int) (domain.SummaryResult, error) {
	return s.result, s.err
}

func newIngest(repo *memRepo, opts ...Option) *Service {
	engine := cluster.NewEngine(cluster.DefaultConfig())
	resolver := resolve.NewResolver(zerolog.Nop())
	ranker := rank.NewRanker(rank.DefaultRules(), 3)
	return NewService(repo, repo, repo, engine, resolver, ranker, zerolog.Nop(), opts...)
}

var (
	official = domain.Source{ID: 1, Slug: "acme-blog", CompanySlug: "acme", CompanyName: "Acme", TrustTier: 1}
	forum    = domain.Source{ID: 2, Slug: "forum", TrustTier: 3}
)

func TestIngestDropsRepeatedRecords(t *testing.T) {
	repo := newMemRepo()
	svc := newIngest(repo)
	batch := []domain.ConnectorRecord{
		{ExternalID: "1", URL: "https://acme.example/x", Title: "Acme releases model X", Text: "Model X is available in the API"},
		{ExternalID: "2", URL: "https://acme.example/pricing", Title: "Acme cuts prices", Text: "Prices drop by 40%"},
	}

	first, err := svc.Ingest(context.Background(), official, batch, fetched)
	require.NoError(t, err)
	assert.Equal(t, 2, first.New)
	require.NotNil(t, first.LatestItemAt)

	second, err := svc.Ingest(context.Background(), official, batch, fetched.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, second.New)
	assert.Equal(t, 2, second.Duplicates)
	assert.Nil(t, second.LatestItemAt)
	assert.Len(t, repo.events, 2)
}

func TestIngestJoinsCrossSourceReport(t *testing.T) {
	repo := newMemRepo()
	svc := newIngest(repo, WithSummarizer(stubSummarizer{result: domain.SummaryResult{Headline: "Model X", Confidence: domain.ConfidenceConfirmed}}))

	_, err := svc.Ingest(context.Background(), forum, []domain.ConnectorRecord{
		{URL: "https://forum.example/t/1", Title: "Acme releases model X", Text: "rumor"},
	}, fetched)
	require.NoError(t, err)

	res, err := svc.Ingest(context.Background(), official, []domain.ConnectorRecord{
		{URL: "https://acme.example/x", Title: "Acme releases model X", Text: "official"},
	}, fetched.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Joined)

	require.Len(t, repo.events, 1)
	var ev domain.Event
	for _, e := range repo.events {
		ev = e
	}
	assert.ElementsMatch(t, []int64{1, 2}, ev.SourceIDs)
	assert.Equal(t, 1, ev.TrustTier)
	assert.Equal(t, "https://acme.example/x", ev.URL)
	assert.Equal(t, domain.ConfidenceConfirmed, ev.Confidence)
	assert.Equal(t, cluster.NoveltyNew, ev.Novelty)
}

func TestIngestCapsConfidenceForLowTrust(t *testing.T) {
	repo := newMemRepo()
	svc := newIngest(repo, WithSummarizer(stubSummarizer{result: domain.SummaryResult{Confidence: domain.ConfidenceConfirmed}}))

	_, err := svc.Ingest(context.Background(), forum, []domain.ConnectorRecord{
		{URL: "https://forum.example/t/2", Title: "Globex raises API prices", Text: "rumor"},
	}, fetched)
	require.NoError(t, err)
	for _, ev := range repo.events {
		assert.Equal(t, domain.ConfidenceLikely, ev.Confidence)
	}
}

func TestIngestFallsBackWhenSummarizerFails(t *testing.T) {
	repo := newMemRepo()
	svc := newIngest(repo, WithSummarizer(stubSummarizer{err: errors.New("timeout")}))

	res, err := svc.Ingest(context.Background(), official, []domain.ConnectorRecord{
		{URL: "https://acme.example/y", Title: "Acme deprecates v1 endpoints", Text: "v1 will be removed"},
		{Title: "без ссылки"},
	}, fetched)
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Malformed)

	require.Len(t, repo.events, 1)
	for _, ev := range repo.events {
		assert.True(t, ev.SummaryMissing)
		assert.Equal(t, "Acme deprecates v1 endpoints", ev.Summary.Headline)
		assert.Contains(t, ev.Categories, domain.CategoryDeprecation)
		assert.Equal(t, "acme", ev.CompanySlug)
		assert.Greater(t, ev.ImpactScore, 0.0)
	}
}

func TestIngestRetriesRecordAfterAttachFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failAttach = 1
	svc := newIngest(repo)
	batch := []domain.ConnectorRecord{
		{ExternalID: "1", URL: "https://acme.example/x", Title: "Acme releases model X", Text: "Model X is available"},
	}

	_, err := svc.Ingest(context.Background(), official, batch, fetched)
	require.Error(t, err)

	res, err := svc.Ingest(context.Background(), official, batch, fetched.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Zero(t, res.Duplicates)
	require.Len(t, repo.records, 1)
	assert.NotZero(t, repo.records[0].ClusterID)
	assert.Len(t, repo.events, 1)
	assert.Len(t, repo.clusters, 1)

	again, err := svc.Ingest(context.Background(), official, batch, fetched.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Duplicates)
}

func TestIngestRetriesRecordAfterEventFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failEvent = 1
	svc := newIngest(repo)
	batch := []domain.ConnectorRecord{
		{ExternalID: "1", URL: "https://acme.example/p", Title: "Acme cuts prices", Text: "Prices drop by 40%"},
	}

	_, err := svc.Ingest(context.Background(), official, batch, fetched)
	require.Error(t, err)
	assert.Empty(t, repo.events)

	res, err := svc.Ingest(context.Background(), official, batch, fetched.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Len(t, repo.events, 1)
	require.Len(t, repo.records, 1)
	assert.NotZero(t, repo.records[0].ClusterID)
}

func TestIngestMarksCopyOfPlacedEvent(t *testing.T) {
	repo := newMemRepo()
	svc := newIngest(repo)
	rec := domain.ConnectorRecord{ExternalID: "1", URL: "https://acme.example/x", Title: "Acme releases model X", Text: "Model X is available"}

	_, err := svc.Ingest(context.Background(), official, []domain.ConnectorRecord{rec}, fetched)
	require.NoError(t, err)
	for id, c := range repo.clusters {
		c.Closed = true
		repo.clusters[id] = c
	}

	res, err := svc.Ingest(context.Background(), forum, []domain.ConnectorRecord{rec}, fetched.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	require.Len(t, repo.events, 2)

	var original, copied domain.Event
	for _, ev := range repo.events {
		if ev.TrustTier == forum.TrustTier {
			copied = ev
		} else {
			original = ev
		}
	}
	assert.False(t, original.Duplicate)
	assert.True(t, copied.Duplicate)
	assert.Equal(t, cluster.NoveltyDuplicate, copied.Novelty)
	assert.Less(t, copied.ImpactScore, original.ImpactScore)
}

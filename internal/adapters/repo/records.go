package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// FingerprintExists проверяет, обработан ли уже такой отпечаток у источника.
// Записи без кластера не считаются: их прерванная обработка повторяется.
func (p *Postgres) FingerprintExists(ctx context.Context, sourceID int64, fingerprint string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM raw_records
    WHERE source_id = $1 AND fingerprint = $2 AND cluster_id IS NOT NULL
)
`, sourceID, fingerprint).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "raw_records_fingerprint", "raw_records", start, err)
	return exists, err
}

// SaveRecord сохраняет запись. Повтор пары (source_id, external_id) не считается ошибкой.
// Запись без кластера перезаписывается и возвращается для повторной обработки.
func (p *Postgres) SaveRecord(ctx context.Context, rec *domain.RawRecord) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO raw_records (source_id, external_id, url, title, text, fingerprint, published_at, fetched_at, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (source_id, external_id) DO UPDATE SET
    url = EXCLUDED.url,
    title = EXCLUDED.title,
    text = EXCLUDED.text,
    fingerprint = EXCLUDED.fingerprint,
    published_at = EXCLUDED.published_at,
    fetched_at = EXCLUDED.fetched_at,
    meta = EXCLUDED.meta
WHERE raw_records.cluster_id IS NULL
RETURNING id
`, rec.SourceID, rec.ExternalID, rec.URL, rec.Title, rec.Text, rec.Fingerprint, rec.PublishedAt, rec.FetchedAt, jsonb(rec.Meta)).Scan(&rec.ID)
	metrics.ObserveNetworkRequest("postgres", "raw_records_insert", "raw_records", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AttachCluster связывает запись с кластером.
func (p *Postgres) AttachCluster(ctx context.Context, recordID, clusterID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE raw_records SET cluster_id = $2 WHERE id = $1`, recordID, clusterID)
	metrics.ObserveNetworkRequest("postgres", "raw_records_attach", "raw_records", start, err)
	return err
}

const clusterColumns = `id, canonical_title, canonical_tier, company_slug, members, fingerprints, source_ids,
first_seen_at, last_seen_at, event_count, created_at, closed`

func scanCluster(row pgx.Row) (domain.Cluster, error) {
	var c domain.Cluster
	err := row.Scan(&c.ID, &c.CanonicalTitle, &c.CanonicalTier, &c.CompanySlug, &c.Members, &c.Fingerprints, &c.SourceIDs,
		&c.FirstSeenAt, &c.LastSeenAt, &c.EventCount, &c.CreatedAt, &c.Closed)
	return c, err
}

// ListRecentClusters возвращает не слитые кластеры, обновлявшиеся после since.
func (p *Postgres) ListRecentClusters(ctx context.Context, since time.Time) ([]domain.Cluster, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	return p.queryClusters(ctx, "clusters_list_recent", `
SELECT `+clusterColumns+`
FROM clusters
WHERE last_seen_at >= $1 AND merged_into IS NULL
ORDER BY id
`, since)
}

// ClustersByFingerprint возвращает не слитые кластеры, в которых уже встречался отпечаток.
func (p *Postgres) ClustersByFingerprint(ctx context.Context, fingerprint string) ([]domain.Cluster, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	return p.queryClusters(ctx, "clusters_by_fingerprint", `
SELECT `+clusterColumns+`
FROM clusters
WHERE fingerprints @> ARRAY[$1]::text[] AND merged_into IS NULL
ORDER BY created_at, id
`, fingerprint)
}

func (p *Postgres) queryClusters(ctx context.Context, op, query string, args ...any) ([]domain.Cluster, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "clusters", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCluster создаёт кластер или перезаписывает изменяемые поля существующего.
func (p *Postgres) SaveCluster(ctx context.Context, c domain.Cluster) (domain.Cluster, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if c.Members == nil {
		c.Members = []int64{}
	}
	if c.Fingerprints == nil {
		c.Fingerprints = []string{}
	}
	if c.SourceIDs == nil {
		c.SourceIDs = []int64{}
	}

	start := time.Now()
	var (
		out domain.Cluster
		err error
	)
	if c.ID == 0 {
		out, err = scanCluster(p.pool.QueryRow(ctx, `
INSERT INTO clusters (canonical_title, canonical_tier, company_slug, members, fingerprints, source_ids,
    first_seen_at, last_seen_at, event_count, closed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+clusterColumns,
			c.CanonicalTitle, c.CanonicalTier, c.CompanySlug, c.Members, c.Fingerprints, c.SourceIDs,
			c.FirstSeenAt, c.LastSeenAt, c.EventCount, c.Closed))
		metrics.ObserveNetworkRequest("postgres", "clusters_insert", "clusters", start, err)
	} else {
		out, err = scanCluster(p.pool.QueryRow(ctx, `
UPDATE clusters SET
    canonical_title = $2,
    canonical_tier = $3,
    company_slug = $4,
    members = $5,
    fingerprints = $6,
    source_ids = $7,
    first_seen_at = $8,
    last_seen_at = $9,
    event_count = $10,
    closed = closed OR $11
WHERE id = $1
RETURNING `+clusterColumns,
			c.ID, c.CanonicalTitle, c.CanonicalTier, c.CompanySlug, c.Members, c.Fingerprints, c.SourceIDs,
			c.FirstSeenAt, c.LastSeenAt, c.EventCount, c.Closed))
		metrics.ObserveNetworkRequest("postgres", "clusters_update", "clusters", start, err)
	}
	if err != nil {
		return domain.Cluster{}, notFound(err)
	}
	return out, nil
}

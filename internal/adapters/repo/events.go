package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

var eventColumns = []string{
	"id", "cluster_id", "title", "url", "text", "company_slug", "company", "product_line",
	"categories", "source_ids", "trust_tier", "severity", "severity_hint", "breaking_change",
	"launch_signal", "spam", "duplicate", "impact_score", "confidence", "novelty", "signals", "summary",
	"summary_missing", "reasons", "digest_id", "COALESCE(section, '')", "merged_into",
	"published_at", "created_at",
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		ev                   domain.Event
		severity, hint, conf string
		signals, summary     []byte
	)
	err := row.Scan(&ev.ID, &ev.ClusterID, &ev.Title, &ev.URL, &ev.Text, &ev.CompanySlug, &ev.Company, &ev.ProductLine,
		&ev.Categories, &ev.SourceIDs, &ev.TrustTier, &severity, &hint, &ev.BreakingChange,
		&ev.LaunchSignal, &ev.Spam, &ev.Duplicate, &ev.ImpactScore, &conf, &ev.Novelty, &signals, &summary,
		&ev.SummaryMissing, &ev.Reasons, &ev.DigestID, &ev.Section, &ev.MergedInto,
		&ev.PublishedAt, &ev.CreatedAt)
	if err != nil {
		return domain.Event{}, err
	}
	ev.Severity = domain.Severity(severity)
	ev.SeverityHint = domain.Severity(hint)
	ev.Confidence = domain.Confidence(conf)
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &ev.Signals); err != nil {
			return domain.Event{}, fmt.Errorf("signals события %d: %w", ev.ID, err)
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &ev.Summary); err != nil {
			return domain.Event{}, fmt.Errorf("summary события %d: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func (p *Postgres) queryEvents(ctx context.Context, op string, query string, args ...any) ([]domain.Event, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "events", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) getEvent(ctx context.Context, op, where string, arg any) (domain.Event, error) {
	query, args, err := psql.Select(eventColumns...).From("events").Where(where, arg).ToSql()
	if err != nil {
		return domain.Event{}, err
	}
	start := time.Now()
	ev, err := scanEvent(p.pool.QueryRow(ctx, query, args...))
	metrics.ObserveNetworkRequest("postgres", op, "events", start, err)
	if err != nil {
		return domain.Event{}, notFound(err)
	}
	return ev, nil
}

// GetEventByCluster возвращает событие кластера.
func (p *Postgres) GetEventByCluster(ctx context.Context, clusterID int64) (domain.Event, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	return p.getEvent(ctx, "events_get_by_cluster", "cluster_id = ?", clusterID)
}

func eventValues(ev domain.Event) map[string]any {
	if ev.Categories == nil {
		ev.Categories = []string{}
	}
	if ev.SourceIDs == nil {
		ev.SourceIDs = []int64{}
	}
	if ev.Reasons == nil {
		ev.Reasons = []string{}
	}
	return map[string]any{
		"cluster_id":      ev.ClusterID,
		"title":           ev.Title,
		"url":             ev.URL,
		"text":            ev.Text,
		"company_slug":    ev.CompanySlug,
		"company":         ev.Company,
		"product_line":    ev.ProductLine,
		"categories":      ev.Categories,
		"source_ids":      ev.SourceIDs,
		"trust_tier":      ev.TrustTier,
		"severity":        string(ev.Severity),
		"severity_hint":   string(ev.SeverityHint),
		"breaking_change": ev.BreakingChange,
		"launch_signal":   ev.LaunchSignal,
		"spam":            ev.Spam,
		"duplicate":       ev.Duplicate,
		"impact_score":    ev.ImpactScore,
		"confidence":      string(ev.Confidence),
		"novelty":         ev.Novelty,
		"signals":         jsonb(ev.Signals),
		"summary":         jsonb(ev.Summary),
		"summary_missing": ev.SummaryMissing,
		"reasons":         ev.Reasons,
		"published_at":    ev.PublishedAt,
	}
}

// SaveEvent вставляет событие или обновляет его оценки. Событие, уже закреплённое за
// дайджестом, не меняется: возвращается сохранённая версия.
func (p *Postgres) SaveEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	values := eventValues(ev)
	returning := "RETURNING " + strings.Join(eventColumns, ", ")

	var (
		query string
		args  []any
		err   error
		op    string
	)
	if ev.ID == 0 {
		op = "events_insert"
		values["created_at"] = ev.CreatedAt
		query, args, err = psql.Insert("events").SetMap(values).
			Suffix("ON CONFLICT (cluster_id) DO NOTHING " + returning).ToSql()
	} else {
		op = "events_update"
		query, args, err = psql.Update("events").SetMap(values).
			Where(sq.Eq{"id": ev.ID, "digest_id": nil}).
			Suffix(returning).ToSql()
	}
	if err != nil {
		return domain.Event{}, err
	}

	start := time.Now()
	saved, err := scanEvent(p.pool.QueryRow(ctx, query, args...))
	metrics.ObserveNetworkRequest("postgres", op, "events", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		if ev.ID == 0 {
			return p.getEvent(ctx, "events_get_by_cluster", "cluster_id = ?", ev.ClusterID)
		}
		return p.getEvent(ctx, "events_get", "id = ?", ev.ID)
	}
	if err != nil {
		return domain.Event{}, err
	}
	return saved, nil
}

// unassignedQuery собирает выборку незакреплённых событий по фильтру.
func unassignedQuery(filter domain.EventFilter) (string, []any, error) {
	q := psql.Select(eventColumns...).From("events").
		Where(sq.Eq{"digest_id": nil, "merged_into": nil})
	if !filter.From.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(sq.Lt{"created_at": filter.To})
	}
	if len(filter.Categories) > 0 {
		q = q.Where("categories && ?", filter.Categories)
	}
	if filter.MinScore > 0 {
		q = q.Where(sq.GtOrEq{"impact_score": filter.MinScore})
	}
	q = q.OrderBy("created_at", "id")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	return q.ToSql()
}

// ListUnassigned возвращает события без дайджеста, не поглощённые другими.
func (p *Postgres) ListUnassigned(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query, args, err := unassignedQuery(filter)
	if err != nil {
		return nil, err
	}
	return p.queryEvents(ctx, "events_list_unassigned", query, args...)
}

// ListByDigest возвращает события, закреплённые за дайджестом.
func (p *Postgres) ListByDigest(ctx context.Context, digestID int64) ([]domain.Event, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query, args, err := psql.Select(eventColumns...).From("events").
		Where(sq.Eq{"digest_id": digestID}).
		OrderBy("impact_score DESC", "id").ToSql()
	if err != nil {
		return nil, err
	}
	return p.queryEvents(ctx, "events_list_by_digest", query, args...)
}

// ClaimEvent атомарно закрепляет событие за дайджестом и закрывает его кластер.
// Секция уже закреплённого события не меняется.
func (p *Postgres) ClaimEvent(ctx context.Context, eventID, digestID int64, section string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var clusterID int64
	err := p.pool.QueryRow(ctx, `
UPDATE events
SET digest_id = $2,
    section = CASE WHEN digest_id IS NULL THEN $3 ELSE section END
WHERE id = $1 AND (digest_id IS NULL OR digest_id = $2)
RETURNING cluster_id
`, eventID, digestID, section).Scan(&clusterID)
	metrics.ObserveNetworkRequest("postgres", "events_claim", "events", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start = time.Now()
	_, err = p.pool.Exec(ctx, `UPDATE clusters SET closed = TRUE WHERE id = $1`, clusterID)
	metrics.ObserveNetworkRequest("postgres", "clusters_close", "clusters", start, err)
	if err != nil {
		return true, fmt.Errorf("закрытие кластера %d: %w", clusterID, err)
	}
	return true, nil
}

// MergeEvent поглощает событие и его кластер одной транзакцией. Если событие уже
// закреплено за дайджестом, ничего не меняется.
func (p *Postgres) MergeEvent(ctx context.Context, m domain.EventMerge) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.mergeEvent(ctx, m)
	metrics.ObserveNetworkRequest("postgres", "events_merge", "events", start, err)
	return err
}

func (p *Postgres) mergeEvent(ctx context.Context, m domain.EventMerge) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE events SET merged_into = $2
WHERE id = $1 AND digest_id IS NULL
`, m.From, m.Into)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if batch := clusterMergeBatch(m); batch != nil {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err = br.Exec(); err != nil {
				break
			}
		}
		if closeErr := br.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("слияние кластеров %d -> %d: %w", m.FromCluster, m.IntoCluster, err)
		}
	}
	return tx.Commit(ctx)
}

// clusterMergeBatch собирает запросы слияния кластеров. Для одного и того же кластера возвращает nil.
func clusterMergeBatch(m domain.EventMerge) *pgx.Batch {
	if m.FromCluster == 0 || m.IntoCluster == 0 || m.FromCluster == m.IntoCluster {
		return nil
	}
	batch := &pgx.Batch{}
	batch.Queue(mergeClusterArrays, m.FromCluster, m.IntoCluster)
	batch.Queue(`UPDATE clusters SET event_count = cardinality(members) WHERE id = $1`, m.IntoCluster)
	batch.Queue(`UPDATE clusters SET merged_into = $2 WHERE id = $1`, m.FromCluster, m.IntoCluster)
	batch.Queue(`UPDATE raw_records SET cluster_id = $2 WHERE cluster_id = $1`, m.FromCluster, m.IntoCluster)
	return batch
}

// mergeClusterArrays объединяет кластер $1 с $2. Массивы упорядочены по возрастанию.
const mergeClusterArrays = `
UPDATE clusters AS dst SET
    members = ARRAY(SELECT DISTINCT m FROM unnest(dst.members || src.members) AS m ORDER BY m),
    fingerprints = ARRAY(SELECT DISTINCT f FROM unnest(dst.fingerprints || src.fingerprints) AS f ORDER BY f),
    source_ids = ARRAY(SELECT DISTINCT s FROM unnest(dst.source_ids || src.source_ids) AS s ORDER BY s),
    first_seen_at = LEAST(dst.first_seen_at, src.first_seen_at),
    last_seen_at = GREATEST(dst.last_seen_at, src.last_seen_at),
    canonical_tier = LEAST(dst.canonical_tier, src.canonical_tier),
    closed = dst.closed OR src.closed
FROM clusters AS src
WHERE dst.id = $2 AND src.id = $1
`

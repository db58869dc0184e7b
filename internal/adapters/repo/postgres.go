package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SourceRepo          = (*Postgres)(nil)
	_ domain.RecordRepo          = (*Postgres)(nil)
	_ domain.ClusterRepo         = (*Postgres)(nil)
	_ domain.EventRepo           = (*Postgres)(nil)
	_ domain.DigestRepo          = (*Postgres)(nil)
	_ domain.BusinessMetricRepo  = (*Postgres)(nil)
	_ domain.DigestJobStatusRepo = (*Postgres)(nil)
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping проверяет доступность БД.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func jsonb(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var payload []byte
	if metric.Metadata != nil {
		payload = jsonb(metric.Metadata)
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, source_id, digest_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, nullInt(metric.SourceID), nullInt(metric.DigestID), payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

// EnsureDigestJob регистрирует попытку обработки задачи дайджеста.
func (p *Postgres) EnsureDigestJob(ctx context.Context, jobID string) (bool, int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		done     sql.NullTime
		attempts int
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO digest_job_statuses (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = digest_job_statuses.attempts + 1,
        updated_at = now()
RETURNING done_at, attempts
`, jobID).Scan(&done, &attempts)
	metrics.ObserveNetworkRequest("postgres", "digest_job_statuses_upsert", "digest_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}
	return done.Valid, attempts, nil
}

// MarkDigestJobDone помечает задачу как обработанную.
func (p *Postgres) MarkDigestJobDone(ctx context.Context, jobID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE digest_job_statuses
SET done_at = COALESCE(done_at, now()),
    updated_at = now()
WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "digest_job_statuses_mark_done", "digest_job_statuses", start, err)
	return err
}

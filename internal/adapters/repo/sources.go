package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

const sourceColumns = `id, slug, name, url, fetch_method, company_slug, company_name, product_line,
default_categories, parse_rules, poll_interval_seconds, trust_tier, priority, enabled, health,
failure_streak, degraded_since, last_fetched_at, last_item_at, items_total, created_at`

func scanSource(row pgx.Row) (domain.Source, error) {
	var (
		s        domain.Source
		rules    []byte
		interval int64
		priority string
		health   string
	)
	err := row.Scan(&s.ID, &s.Slug, &s.Name, &s.URL, &s.FetchMethod, &s.CompanySlug, &s.CompanyName, &s.ProductLine,
		&s.DefaultCategories, &rules, &interval, &s.TrustTier, &priority, &s.Enabled, &health,
		&s.FailureStreak, &s.DegradedSince, &s.LastFetchedAt, &s.LastItemAt, &s.ItemsTotal, &s.CreatedAt)
	if err != nil {
		return domain.Source{}, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &s.ParseRules); err != nil {
			return domain.Source{}, fmt.Errorf("parse_rules источника %d: %w", s.ID, err)
		}
	}
	s.PollInterval = time.Duration(interval) * time.Second
	s.Priority = domain.Priority(priority)
	s.Health = domain.Health(health)
	return s, nil
}

// ListSources возвращает все источники, включая отключённые.
func (p *Postgres) ListSources(ctx context.Context) ([]domain.Source, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "sources_list", "sources", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSource возвращает источник по идентификатору.
func (p *Postgres) GetSource(ctx context.Context, id int64) (domain.Source, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	s, err := scanSource(p.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "sources_get", "sources", start, err)
	if err != nil {
		return domain.Source{}, notFound(err)
	}
	return s, nil
}

// UpsertSource добавляет источник или обновляет описание существующего с тем же URL.
// Состояние здоровья при обновлении не трогается.
func (p *Postgres) UpsertSource(ctx context.Context, s domain.Source) (domain.Source, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if s.Priority == "" {
		s.Priority = domain.PriorityNormal
	}
	if s.DefaultCategories == nil {
		s.DefaultCategories = []string{}
	}
	start := time.Now()
	out, err := scanSource(p.pool.QueryRow(ctx, `
INSERT INTO sources (slug, name, url, fetch_method, company_slug, company_name, product_line,
    default_categories, parse_rules, poll_interval_seconds, trust_tier, priority, enabled, health)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'healthy')
ON CONFLICT (url) DO UPDATE SET
    slug = EXCLUDED.slug,
    name = EXCLUDED.name,
    fetch_method = EXCLUDED.fetch_method,
    company_slug = EXCLUDED.company_slug,
    company_name = EXCLUDED.company_name,
    product_line = EXCLUDED.product_line,
    default_categories = EXCLUDED.default_categories,
    parse_rules = EXCLUDED.parse_rules,
    poll_interval_seconds = EXCLUDED.poll_interval_seconds,
    trust_tier = EXCLUDED.trust_tier,
    priority = EXCLUDED.priority
RETURNING `+sourceColumns,
		s.Slug, s.Name, s.URL, s.FetchMethod, s.CompanySlug, s.CompanyName, s.ProductLine,
		s.DefaultCategories, jsonb(s.ParseRules), int64(s.PollInterval/time.Second), s.TrustTier, string(s.Priority), s.Enabled))
	metrics.ObserveNetworkRequest("postgres", "sources_upsert", "sources", start, err)
	if err != nil {
		return domain.Source{}, err
	}
	return out, nil
}

// UpdateSourceHealth сохраняет счётчики опроса и состояние здоровья.
func (p *Postgres) UpdateSourceHealth(ctx context.Context, s domain.Source) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE sources SET
    health = $2,
    failure_streak = $3,
    degraded_since = $4,
    last_fetched_at = $5,
    last_item_at = $6,
    items_total = $7,
    enabled = $8
WHERE id = $1
`, s.ID, string(s.Health), s.FailureStreak, s.DegradedSince, s.LastFetchedAt, s.LastItemAt, s.ItemsTotal, s.Enabled)
	metrics.ObserveNetworkRequest("postgres", "sources_update_health", "sources", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

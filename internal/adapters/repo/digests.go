package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// SaveDigest записывает дайджест за дату. Повторная запись за ту же дату перезаписывает секции.
func (p *Postgres) SaveDigest(ctx context.Context, d domain.Digest) (domain.Digest, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	sections, err := json.Marshal(d.Sections)
	if err != nil {
		return domain.Digest{}, fmt.Errorf("секции дайджеста: %w", err)
	}
	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO digests (date, sections, event_count, generated_at, code_version)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (date) DO UPDATE SET
    sections = EXCLUDED.sections,
    event_count = EXCLUDED.event_count,
    generated_at = EXCLUDED.generated_at,
    code_version = EXCLUDED.code_version
RETURNING id
`, d.Date, sections, d.EventCount, d.GeneratedAt, d.CodeVersion).Scan(&d.ID)
	metrics.ObserveNetworkRequest("postgres", "digests_upsert", "digests", start, err)
	if err != nil {
		return domain.Digest{}, err
	}
	return d, nil
}

// GetDigest возвращает дайджест за дату.
func (p *Postgres) GetDigest(ctx context.Context, date time.Time) (domain.Digest, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		d        domain.Digest
		sections []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, date, sections, event_count, generated_at, code_version
FROM digests
WHERE date = $1
`, date).Scan(&d.ID, &d.Date, &sections, &d.EventCount, &d.GeneratedAt, &d.CodeVersion)
	metrics.ObserveNetworkRequest("postgres", "digests_get", "digests", start, err)
	if err != nil {
		return domain.Digest{}, notFound(err)
	}
	if len(sections) > 0 {
		if err := json.Unmarshal(sections, &d.Sections); err != nil {
			return domain.Digest{}, fmt.Errorf("секции дайджеста %d: %w", d.ID, err)
		}
	}
	return d, nil
}

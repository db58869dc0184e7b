package schedule

import (
	"fmt"
	"time"

	"ai-digest/internal/domain"
)

// HealthPolicy задаёт пороги переходов состояния здоровья.
type HealthPolicy struct {
	FailureThreshold int
	SilenceWindow    time.Duration
	DeadAfter        time.Duration
}

// DefaultHealthPolicy возвращает пороги по умолчанию: 3 ошибки подряд, 7 дней тишины и 30 дней в degraded.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		FailureThreshold: 3,
		SilenceWindow:    7 * 24 * time.Hour,
		DeadAfter:        30 * 24 * time.Hour,
	}
}

func (p HealthPolicy) withDefaults() HealthPolicy {
	def := DefaultHealthPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.SilenceWindow <= 0 {
		p.SilenceWindow = def.SilenceWindow
	}
	if p.DeadAfter <= 0 {
		p.DeadAfter = def.DeadAfter
	}
	return p
}

// ApplyOutcome применяет результат опроса к источнику и возвращает обновлённую копию.
// Второе значение заполнено, только если состояние здоровья изменилось.
// Переход в dead терминален: такой источник не меняется до ручного Reenable.
func ApplyOutcome(src domain.Source, outcome domain.FetchOutcome, p HealthPolicy) (domain.Source, *domain.HealthChange) {
	p = p.withDefaults()
	at := outcome.At
	from := src.Health
	if from == "" {
		from = domain.HealthHealthy
		src.Health = domain.HealthHealthy
	}
	if src.Health == domain.HealthDead {
		return src, nil
	}

	fetchedAt := at
	src.LastFetchedAt = &fetchedAt

	var reason string
	switch {
	case outcome.Err != nil:
		src.FailureStreak++
		if src.Health == domain.HealthHealthy && src.FailureStreak >= p.FailureThreshold {
			src.Health = domain.HealthDegraded
			reason = fmt.Sprintf("%d ошибок опроса подряд", src.FailureStreak)
		}
	case outcome.NewItems > 0:
		src.FailureStreak = 0
		src.ItemsTotal += int64(outcome.NewItems)
		latest := at
		if outcome.LatestItemAt != nil && !outcome.LatestItemAt.IsZero() {
			latest = *outcome.LatestItemAt
		}
		if src.LastItemAt == nil || latest.After(*src.LastItemAt) {
			src.LastItemAt = &latest
		}
		if src.Health == domain.HealthDegraded {
			src.Health = domain.HealthHealthy
			src.DegradedSince = nil
			reason = "получены новые записи"
		}
	default:
		src.FailureStreak = 0
		if src.Health == domain.HealthHealthy && src.ItemsTotal > 0 && src.LastItemAt != nil &&
			at.Sub(*src.LastItemAt) >= p.SilenceWindow {
			src.Health = domain.HealthDegraded
			reason = "нет новых записей дольше окна тишины"
		}
	}

	if src.Health == domain.HealthDegraded && (from == domain.HealthHealthy || src.DegradedSince == nil) {
		since := at
		src.DegradedSince = &since
	}
	if src.Health == domain.HealthDegraded && src.DegradedSince != nil && at.Sub(*src.DegradedSince) >= p.DeadAfter {
		src.Health = domain.HealthDead
		reason = "источник в degraded дольше допустимого"
	}

	if src.Health == from {
		return src, nil
	}
	return src, &domain.HealthChange{
		SourceID: src.ID,
		Slug:     src.Slug,
		From:     from,
		To:       src.Health,
		Reason:   reason,
		At:       at,
	}
}

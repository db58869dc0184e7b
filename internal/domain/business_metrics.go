package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает событие конвейера, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	SourceID   *int64
	DigestID   *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventSourceHealthChanged фиксирует переход здоровья источника.
	BusinessMetricEventSourceHealthChanged = "source_health_changed"
	// BusinessMetricEventDigestRequested фиксирует постановку дайджеста в очередь.
	BusinessMetricEventDigestRequested = "digest_requested"
	// BusinessMetricEventDigestBuilt фиксирует сбор дайджеста и сохранение его содержимого.
	BusinessMetricEventDigestBuilt = "digest_built"
	// BusinessMetricEventAllocationConflict фиксирует проигранный захват события.
	BusinessMetricEventAllocationConflict = "allocation_conflict"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}

package connector

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ai-digest/internal/domain"
)

const (
	defaultAttempts   = 3
	defaultInitial    = time.Second
	defaultMultiplier = 4
)

// Retrying повторяет неудачный опрос с экспоненциальной паузой.
// Исчерпав попытки, возвращает *domain.FetchError.
type Retrying struct {
	next       domain.Connector
	attempts   int
	initial    time.Duration
	multiplier float64
}

var _ domain.Connector = (*Retrying)(nil)

// RetryOption настраивает повторы.
type RetryOption func(*Retrying)

// WithBackoff задаёт число попыток, первую паузу и множитель.
func WithBackoff(attempts int, initial time.Duration, multiplier float64) RetryOption {
	return func(r *Retrying) {
		if attempts > 0 {
			r.attempts = attempts
		}
		if initial > 0 {
			r.initial = initial
		}
		if multiplier >= 1 {
			r.multiplier = multiplier
		}
	}
}

// NewRetrying оборачивает коннектор. По умолчанию 3 попытки, пауза 1 с, множитель 4.
func NewRetrying(next domain.Connector, opts ...RetryOption) *Retrying {
	r := &Retrying{next: next, attempts: defaultAttempts, initial: defaultInitial, multiplier: defaultMultiplier}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch вызывает вложенный коннектор, повторяя временные ошибки.
func (r *Retrying) Fetch(ctx context.Context, source domain.Source) ([]domain.ConnectorRecord, error) {
	var (
		records  []domain.ConnectorRecord
		attempts int
	)
	op := func() error {
		attempts++
		out, err := r.next.Fetch(ctx, source)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		records = out
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.Multiplier = r.multiplier
	policy.RandomizationFactor = 0
	policy.MaxInterval = r.initial * time.Duration(r.multiplier*r.multiplier)
	policy.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.attempts-1)), ctx))
	if err != nil {
		return nil, &domain.FetchError{SourceID: source.ID, Attempts: attempts, Err: err}
	}
	return records, nil
}

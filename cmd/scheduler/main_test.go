package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
)

type captureQueue struct {
	jobs []domain.DigestJob
	err  error
}

func (q *captureQueue) Enqueue(_ context.Context, job domain.DigestJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Receive(context.Context) (domain.DigestJob, domain.DigestAckFunc, error) {
	return domain.DigestJob{}, nil, errors.New("not implemented")
}

type captureMetrics struct {
	metrics []domain.BusinessMetric
}

func (c *captureMetrics) RecordBusinessMetric(_ context.Context, m domain.BusinessMetric) error {
	c.metrics = append(c.metrics, m)
	return nil
}

func TestFireUsesDigestTimezoneDate(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	q := &captureQueue{}
	analytics := &captureMetrics{}
	trigger := &digestTrigger{
		log:       zerolog.Nop(),
		queue:     q,
		analytics: analytics,
		loc:       loc,
		now:       func() time.Time { return time.Date(2026, 3, 1, 22, 5, 0, 0, time.UTC) },
	}

	trigger.Fire(context.Background())

	if len(q.jobs) != 1 {
		t.Fatalf("ожидали одну задачу, получили %d", len(q.jobs))
	}
	job := q.jobs[0]
	if got := job.Date.Format("2006-01-02"); got != "2026-03-02" {
		t.Fatalf("ожидали дату по поясу дайджеста 2026-03-02, получили %s", got)
	}
	if job.ID == "" || job.Cause != domain.DigestCauseScheduled {
		t.Fatalf("неожиданная задача: %+v", job)
	}
	if len(analytics.metrics) != 1 || analytics.metrics[0].Event != domain.BusinessMetricEventDigestRequested {
		t.Fatalf("ожидали бизнес-метрику запроса дайджеста, получили %+v", analytics.metrics)
	}
}

func TestFireSkipsMetricWhenQueueFails(t *testing.T) {
	analytics := &captureMetrics{}
	trigger := &digestTrigger{
		log:       zerolog.Nop(),
		queue:     &captureQueue{err: errors.New("broker down")},
		analytics: analytics,
		loc:       time.UTC,
	}
	trigger.Fire(context.Background())
	if len(analytics.metrics) != 0 {
		t.Fatalf("метрика не должна писаться без постановки задачи")
	}
}

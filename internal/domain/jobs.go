package domain

import (
	"context"
	"time"
)

// DigestJobCause описывает источник запроса на дайджест.
type DigestJobCause string

const (
	// DigestCauseManual означает, что генерацию запросили через API.
	DigestCauseManual DigestJobCause = "manual"
	// DigestCauseScheduled означает, что генерация запланирована по расписанию.
	DigestCauseScheduled DigestJobCause = "scheduled"
)

// DigestJob содержит информацию о задаче построения дайджеста.
type DigestJob struct {
	ID          string         `json:"job_id,omitempty"`
	Date        time.Time      `json:"date"`
	RequestedAt time.Time      `json:"requested_at"`
	Cause       DigestJobCause `json:"cause"`
}

// DigestQueue описывает очередь задач на построение дайджестов.
type DigestQueue interface {
	Enqueue(ctx context.Context, job DigestJob) error
	Receive(ctx context.Context) (DigestJob, DigestAckFunc, error)
}

// DigestAckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type DigestAckFunc func(success bool) error

// DigestJobStatusRepo отвечает за отслеживание попыток обработки задач дайджеста.
type DigestJobStatusRepo interface {
	// EnsureDigestJob регистрирует попытку обработки и возвращает признак завершения
	// и номер текущей попытки.
	EnsureDigestJob(ctx context.Context, jobID string) (done bool, attempt int, err error)
	// MarkDigestJobDone помечает задачу как окончательно обработанную.
	MarkDigestJobDone(ctx context.Context, jobID string) error
}

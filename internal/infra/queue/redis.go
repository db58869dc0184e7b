package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// RedisDigestQueue реализует надёжную очередь на списках Redis: задача переносится
// в список обработки и удаляется оттуда только после подтверждения.
type RedisDigestQueue struct {
	client     redis.UniversalClient
	key        string
	processing string
}

var _ domain.DigestQueue = (*RedisDigestQueue)(nil)

// NewRedisDigestQueue создаёт очередь по указанному ключу.
func NewRedisDigestQueue(client redis.UniversalClient, key string) *RedisDigestQueue {
	return &RedisDigestQueue{client: client, key: key, processing: key + ":processing"}
}

// Enqueue публикует задачу в очередь.
func (q *RedisDigestQueue) Enqueue(ctx context.Context, job domain.DigestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу. ack(false) возвращает задачу в очередь.
func (q *RedisDigestQueue) Receive(ctx context.Context) (domain.DigestJob, domain.DigestAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DigestJob{}, nil, err
		}
		raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.DigestJob{}, nil, ctx.Err()
				}
				continue
			}
			return domain.DigestJob{}, nil, err
		}
		var job domain.DigestJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_ = q.client.LRem(context.Background(), q.processing, 1, raw).Err()
			return domain.DigestJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, q.ack(raw), nil
	}
}

func (q *RedisDigestQueue) ack(raw string) domain.DigestAckFunc {
	return func(success bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processing, 1, raw)
		if !success {
			pipe.RPush(ctx, q.key, raw)
		}
		_, err := pipe.Exec(ctx)
		return err
	}
}

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ai-digest/internal/adapters/repo"
	"ai-digest/internal/domain"
	"ai-digest/internal/infra/cache"
	"ai-digest/internal/infra/config"
	"ai-digest/internal/infra/db"
	applog "ai-digest/internal/infra/log"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/infra/queue"
	"ai-digest/internal/usecase/digest"
	"ai-digest/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	loc, err := schedule.LoadLocation(cfg.Digest.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.Digest.TZ).Msg("scheduler: неизвестный часовой пояс")
	}

	pool, err := db.Connect(ctx, cfg.PGDSN, 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var redisClient redis.UniversalClient
	if cfg.RabbitURL == "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: нет подключения к Redis")
		}
		defer client.Close()
		redisClient = client
	}
	digestQueue, closeQueue, err := queue.Open(cfg.RabbitURL, redisClient, cfg.Queues.Digest)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь")
	}
	defer closeQueue()

	trigger := &digestTrigger{
		log:       logger,
		queue:     digestQueue,
		analytics: repoAdapter,
		loc:       loc,
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(cfg.Digest.Schedule, func() { trigger.Fire(ctx) }); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.Digest.Schedule).Msg("scheduler: некорректное расписание")
	}
	c.Start()
	logger.Info().Str("schedule", cfg.Digest.Schedule).Str("tz", loc.String()).Msg("scheduler: расписание запущено")

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("scheduler: остановлен")
}

type digestTrigger struct {
	log       zerolog.Logger
	queue     domain.DigestQueue
	analytics domain.BusinessMetricRepo
	loc       *time.Location
	now       func() time.Time
}

// Fire ставит в очередь дайджест за текущую дату в поясе дайджеста.
func (t *digestTrigger) Fire(ctx context.Context) {
	now := time.Now()
	if t.now != nil {
		now = t.now()
	}
	job := domain.DigestJob{
		ID:          uuid.NewString(),
		Date:        digest.DayOf(now.In(t.loc)),
		RequestedAt: now.UTC(),
		Cause:       domain.DigestCauseScheduled,
	}
	jobLog := t.log.With().Str("job_id", job.ID).Str("date", job.Date.Format("2006-01-02")).Logger()

	if err := t.queue.Enqueue(ctx, job); err != nil {
		jobLog.Error().Err(err).Msg("scheduler: не удалось поставить задачу в очередь")
		return
	}
	metrics.IncDigestRequest(string(job.Cause))
	if t.analytics != nil {
		err := t.analytics.RecordBusinessMetric(ctx, domain.BusinessMetric{
			Event: domain.BusinessMetricEventDigestRequested,
			Metadata: map[string]any{
				"job_id": job.ID,
				"cause":  string(job.Cause),
				"date":   job.Date.Format("2006-01-02"),
			},
			OccurredAt: job.RequestedAt,
		})
		if err != nil {
			jobLog.Error().Err(err).Msg("scheduler: не удалось сохранить бизнес-метрику")
		}
	}
	jobLog.Info().Msg("scheduler: задача на дайджест поставлена")
}

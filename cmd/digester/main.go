package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ai-digest/internal/adapters/repo"
	"ai-digest/internal/adapters/telegram"
	"ai-digest/internal/domain"
	"ai-digest/internal/infra/cache"
	"ai-digest/internal/infra/config"
	"ai-digest/internal/infra/db"
	applog "ai-digest/internal/infra/log"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/infra/queue"
	"ai-digest/internal/usecase/cluster"
	digestusecase "ai-digest/internal/usecase/digest"
	"ai-digest/internal/usecase/rank"
	"ai-digest/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "digester")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	loc, err := schedule.LoadLocation(cfg.Digest.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.Digest.TZ).Msg("digester: неизвестный часовой пояс")
	}

	pool, err := db.Connect(ctx, cfg.PGDSN, 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("digester: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("digester: нет подключения к Redis")
	}
	defer redisClient.Close()

	digestQueue, closeQueue, err := queue.Open(cfg.RabbitURL, redisClient, cfg.Queues.Digest)
	if err != nil {
		logger.Fatal().Err(err).Msg("digester: не удалось инициализировать очередь")
	}
	defer closeQueue()

	rules, err := rank.LoadRules(cfg.SeverityRulesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("digester: не удалось загрузить правила severity")
	}

	digestService := digestusecase.NewService(
		repoAdapter, repoAdapter,
		cluster.NewEngine(cluster.Config{Threshold: cfg.Dedup.Threshold, Window: cfg.Dedup.Window}),
		rank.NewRanker(rules, cfg.Dedup.BreadthCap),
		logger,
		digestusecase.WithLocker(cache.NewRedis(redisClient), cfg.Digest.LockTTL),
		digestusecase.WithBusinessMetrics(repoAdapter),
		digestusecase.WithWindow(loc, cfg.Digest.Cutoff),
		digestusecase.WithCodeVersion(cfg.CodeVersion),
		digestusecase.WithUserContext(domain.UserContext{
			FollowedCompanies:  cfg.User.FollowedCompanies,
			FollowedCategories: cfg.User.FollowedCategories,
		}),
	)

	worker := &jobWorker{
		log:      logger,
		queue:    digestQueue,
		statuses: repoAdapter,
		service:  digestService,
	}
	if cfg.Telegram.Token != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("digester: не удалось создать бота")
		}
		worker.publisher = telegram.NewNotifier(botAPI, 0, cfg.Telegram.DigestChat, logger)
	} else {
		logger.Warn().Msg("digester: токен Telegram не задан, дайджесты только сохраняются")
	}

	logger.Info().Msg("digester: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("digester: остановлен")
}

type digestGenerator interface {
	Generate(ctx context.Context, date time.Time) (domain.Digest, error)
	Get(ctx context.Context, date time.Time) (domain.Digest, []domain.Event, error)
}

type digestPublisher interface {
	PublishDigest(ctx context.Context, text string) error
}

type jobWorker struct {
	log       zerolog.Logger
	queue     domain.DigestQueue
	statuses  domain.DigestJobStatusRepo
	service   digestGenerator
	publisher digestPublisher
	retryWait time.Duration
}

const maxDeliveryAttempts = 5

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("digester: ошибка чтения очереди")
			w.pause(ctx)
			continue
		}
		w.process(ctx, job, ack)
	}
}

func (w *jobWorker) process(ctx context.Context, job domain.DigestJob, ack domain.DigestAckFunc) {
	jobLog := w.log.With().
		Str("job_id", job.ID).
		Str("cause", string(job.Cause)).
		Str("date", job.Date.Format("2006-01-02")).
		Logger()

	if job.ID == "" {
		jobLog.Error().Msg("digester: получена задача без идентификатора, подтверждаем и пропускаем")
		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("digester: не удалось подтвердить задачу без идентификатора")
		}
		return
	}

	done, attempt, err := w.statuses.EnsureDigestJob(ctx, job.ID)
	if err != nil {
		jobLog.Error().Err(err).Msg("digester: не удалось зарегистрировать задачу")
		if ackErr := ack(false); ackErr != nil {
			jobLog.Error().Err(ackErr).Msg("digester: не удалось вернуть задачу в очередь")
		}
		w.pause(ctx)
		return
	}
	jobLog = jobLog.With().Int("attempt", attempt).Logger()

	if done {
		jobLog.Info().Msg("digester: задача уже обработана, подтверждаем")
		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("digester: не удалось подтвердить ранее обработанную задачу")
		}
		return
	}

	outcome := w.handleJob(ctx, job, jobLog)

	if outcome == jobOutcomeRetry && attempt < maxDeliveryAttempts {
		jobLog.Warn().Msg("digester: задача завершилась ошибкой, повторим позже")
		if err := ack(false); err != nil {
			jobLog.Error().Err(err).Msg("digester: не удалось вернуть задачу после ошибки")
		}
		w.pause(ctx)
		return
	}
	if outcome == jobOutcomeRetry {
		jobLog.Error().Msg("digester: достигнут предел попыток, помечаем задачу как завершённую")
	}

	if err := w.statuses.MarkDigestJobDone(ctx, job.ID); err != nil {
		jobLog.Error().Err(err).Msg("digester: не удалось пометить задачу обработанной")
		if ackErr := ack(false); ackErr != nil {
			jobLog.Error().Err(ackErr).Msg("digester: не удалось вернуть задачу после ошибки статуса")
		}
		w.pause(ctx)
		return
	}
	if err := ack(true); err != nil {
		jobLog.Error().Err(err).Msg("digester: не удалось подтвердить задачу")
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job domain.DigestJob, jobLog zerolog.Logger) jobOutcome {
	if job.Date.IsZero() {
		job.Date = time.Now().UTC()
	}
	digest, err := w.service.Generate(ctx, job.Date)
	if err != nil {
		if errors.Is(err, domain.ErrDigestInProgress) {
			jobLog.Info().Msg("digester: дайджест за дату уже собирается")
		} else {
			jobLog.Error().Err(err).Msg("digester: ошибка построения дайджеста")
		}
		return jobOutcomeRetry
	}
	jobLog.Info().Int64("digest_id", digest.ID).Int("events", digest.EventCount).Msg("digester: дайджест построен")

	if w.publisher == nil {
		return jobOutcomeCompleted
	}
	saved, events, err := w.service.Get(ctx, job.Date)
	if err != nil {
		jobLog.Error().Err(err).Msg("digester: не удалось прочитать дайджест для публикации")
		return jobOutcomeRetry
	}
	if err := w.publisher.PublishDigest(ctx, digestusecase.FormatDigest(saved, events)); err != nil {
		jobLog.Error().Err(err).Msg("digester: отправка дайджеста")
		return jobOutcomeRetry
	}
	return jobOutcomeCompleted
}

func (w *jobWorker) pause(ctx context.Context) {
	wait := w.retryWait
	if wait == 0 {
		wait = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

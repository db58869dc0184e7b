package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ai-digest/internal/adapters/repo"
	"ai-digest/internal/infra/cache"
	"ai-digest/internal/infra/config"
	"ai-digest/internal/infra/db"
	httpinfra "ai-digest/internal/infra/http"
	applog "ai-digest/internal/infra/log"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/infra/queue"
	"ai-digest/internal/usecase/cluster"
	"ai-digest/internal/usecase/digest"
	"ai-digest/internal/usecase/rank"
	"ai-digest/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := schedule.LoadLocation(cfg.Digest.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.Digest.TZ).Msg("api: неизвестный часовой пояс")
	}

	pool, err := db.Connect(ctx, cfg.PGDSN, 8)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к Redis")
	}
	defer redisClient.Close()

	digestQueue, closeQueue, err := queue.Open(cfg.RabbitURL, redisClient, cfg.Queues.Digest)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь")
	}
	defer closeQueue()

	rules, err := rank.LoadRules(cfg.SeverityRulesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось загрузить правила severity")
	}
	digestService := digest.NewService(
		repoAdapter, repoAdapter,
		cluster.NewEngine(cluster.Config{Threshold: cfg.Dedup.Threshold, Window: cfg.Dedup.Window}),
		rank.NewRanker(rules, cfg.Dedup.BreadthCap),
		logger,
		digest.WithWindow(loc, cfg.Digest.Cutoff),
	)
	scheduler := schedule.NewService(repoAdapter, logger,
		schedule.WithBusinessMetrics(repoAdapter),
		schedule.WithCapacity(cfg.Collector.Capacity),
	)

	server := httpinfra.NewServer(logger,
		httpinfra.HealthCheck{Name: "postgres", Check: repoAdapter.Ping},
		httpinfra.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	)
	h := &handlers{
		log:       logger.With().Str("component", "api").Logger(),
		sources:   scheduler,
		digests:   digestService,
		queue:     digestQueue,
		analytics: repoAdapter,
		loc:       loc,
		now:       func() time.Time { return time.Now().UTC() },
	}
	h.Mount(server.Router)

	go func() {
		if err := server.Start(cfg.ListenAddr()); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

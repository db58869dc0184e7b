package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"ai-digest/internal/adapters/bot"
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
	logger := applog.NewLogger(cfg.AppEnv, "bot-gateway")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("bot-gateway: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	operators := cfg.Telegram.OperatorChats
	if len(operators) == 0 && cfg.Telegram.AlertChat != 0 {
		operators = []int64{cfg.Telegram.AlertChat}
	}
	if len(operators) == 0 {
		logger.Fatal().Msg("bot-gateway: не заданы чаты операторов (TG_OPERATOR_CHAT_IDS)")
	}

	loc, err := schedule.LoadLocation(cfg.Digest.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.Digest.TZ).Msg("bot-gateway: неизвестный часовой пояс")
	}

	pool, err := db.Connect(ctx, cfg.PGDSN, 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к Redis")
	}
	defer redisClient.Close()
	digestQueue, closeQueue, err := queue.Open(cfg.RabbitURL, redisClient, cfg.Queues.Digest)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось инициализировать очередь")
	}
	defer closeQueue()

	rules, err := rank.LoadRules(cfg.SeverityRulesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось загрузить правила severity")
	}
	digestService := digest.NewService(
		repoAdapter, repoAdapter,
		cluster.NewEngine(cluster.Config{Threshold: cfg.Dedup.Threshold, Window: cfg.Dedup.Window}),
		rank.NewRanker(rules, cfg.Dedup.BreadthCap),
		logger,
		digest.WithWindow(loc, cfg.Digest.Cutoff),
	)
	scheduleService := schedule.NewService(repoAdapter, logger,
		schedule.WithBusinessMetrics(repoAdapter),
		schedule.WithCapacity(cfg.Collector.Capacity),
	)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось создать бота")
	}

	h := bot.NewHandler(botAPI, logger, repoAdapter, scheduleService, digestService, digestQueue, loc, operators...)

	server := httpinfra.NewServer(logger, httpinfra.HealthCheck{Name: "postgres", Check: repoAdapter.Ping})
	server.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Telegram.WebhookSecret != "" {
			got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Telegram.WebhookSecret)) != 1 {
				http.Error(w, "invalid secret", http.StatusUnauthorized)
				return
			}
		}
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := server.Start(cfg.ListenAddr()); err != nil {
			logger.Error().Err(err).Msg("bot-gateway: HTTP сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("bot-gateway: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

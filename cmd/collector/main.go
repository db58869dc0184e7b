package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ai-digest/internal/adapters/classifier"
	"ai-digest/internal/adapters/connector"
	"ai-digest/internal/adapters/repo"
	"ai-digest/internal/adapters/summarizer"
	"ai-digest/internal/adapters/telegram"
	"ai-digest/internal/domain"
	"ai-digest/internal/infra/cache"
	"ai-digest/internal/infra/config"
	"ai-digest/internal/infra/db"
	applog "ai-digest/internal/infra/log"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/infra/openai"
	"ai-digest/internal/usecase/cluster"
	"ai-digest/internal/usecase/ingest"
	"ai-digest/internal/usecase/rank"
	"ai-digest/internal/usecase/resolve"
	"ai-digest/internal/usecase/schedule"
)

func main() {
	seed := flag.Bool("seed", false, "загрузить источники из SOURCES_SEED_PATH и выйти")
	flag.Parse()

	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "collector")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN, int32(cfg.Collector.Workers+2))
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if *seed {
		if err := seedSources(ctx, repoAdapter, cfg.SourcesSeedPath, logger); err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось загрузить источники")
		}
		return
	}

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	redisClient, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: нет подключения к Redis")
	}
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	sources, err := repoAdapter.ListSources(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: не удалось прочитать реестр источников")
	}
	if len(sources) == 0 {
		logger.Warn().Msg("collector: реестр источников пуст, запустите с флагом -seed")
	}

	rules, err := rank.LoadRules(cfg.SeverityRulesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: не удалось загрузить правила severity")
	}

	var summarizerAdapter domain.Summarizer = summarizer.NewSimple()
	resolverOpts := []resolve.Option{
		resolve.WithCache(redisCache),
		resolve.WithCompanies(resolve.CompaniesFromSources(sources)),
	}
	if cfg.OpenAI.APIKey != "" {
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		summarizerAdapter = summarizer.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
		resolverOpts = append(resolverOpts, resolve.WithClassifier(classifier.NewLLM(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)))
	} else {
		logger.Warn().Msg("collector: ключ OpenAI не задан, используется эвристическая суммаризация")
	}

	user := domain.UserContext{
		FollowedCompanies:  cfg.User.FollowedCompanies,
		FollowedCategories: cfg.User.FollowedCategories,
	}
	engine := cluster.NewEngine(cluster.Config{Threshold: cfg.Dedup.Threshold, Window: cfg.Dedup.Window})
	ranker := rank.NewRanker(rules, cfg.Dedup.BreadthCap)
	resolver := resolve.NewResolver(logger, resolverOpts...)
	ingestService := ingest.NewService(repoAdapter, repoAdapter, repoAdapter, engine, resolver, ranker, logger,
		ingest.WithSummarizer(summarizerAdapter),
		ingest.WithUserContext(user),
	)

	scheduleOpts := []schedule.Option{
		schedule.WithBusinessMetrics(repoAdapter),
		schedule.WithCapacity(cfg.Collector.Capacity),
		schedule.WithPolicy(schedule.HealthPolicy{
			FailureThreshold: cfg.Health.FailureThreshold,
			SilenceWindow:    cfg.Health.SilenceWindow,
			DeadAfter:        cfg.Health.DeadAfter,
		}),
	}
	if cfg.Telegram.Token != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось создать бота")
		}
		scheduleOpts = append(scheduleOpts, schedule.WithNotifier(telegram.NewNotifier(botAPI, cfg.Telegram.AlertChat, 0, logger)))
	}
	scheduler := schedule.NewService(repoAdapter, logger, scheduleOpts...)

	registry := connector.NewDefaultRegistry(connector.NewHTTPClient(cfg.RequestTimeout()), redisCache, cfg.GitHubToken)
	collector := ingest.NewCollector(scheduler, registry, ingestService, ingest.CollectorConfig{
		Workers:   cfg.Collector.Workers,
		Timeout:   cfg.Collector.Timeout,
		SourceRPS: cfg.Collector.SourceRPS,
		GlobalRPS: cfg.Collector.GlobalRPS,
	}, logger)

	logger.Info().Int("sources", len(sources)).Dur("interval", cfg.Collector.Interval).Msg("collector: запуск опроса источников")
	collector.Run(ctx, cfg.Collector.Interval)
	logger.Info().Msg("collector: остановлен")
}

func seedSources(ctx context.Context, sources domain.SourceRepo, path string, logger zerolog.Logger) error {
	seeds, err := config.LoadSources(path)
	if err != nil {
		return err
	}
	for _, s := range seeds {
		saved, err := sources.UpsertSource(ctx, s)
		if err != nil {
			return err
		}
		logger.Info().Int64("source_id", saved.ID).Str("slug", saved.Slug).Str("health", string(saved.Health)).Msg("collector: источник загружен")
	}
	logger.Info().Int("sources", len(seeds)).Str("path", path).Msg("collector: реестр источников обновлён")
	return nil
}

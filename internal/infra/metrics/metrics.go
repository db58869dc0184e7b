package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CollectorDueSources = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_due_sources",
		Help: "Количество источников к опросу в текущем цикле",
	})
	CollectorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_errors_total",
		Help: "Ошибки при опросе источников",
	})
	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_fetch_total",
		Help: "Результаты опроса источников",
	}, []string{"method", "status"})
	SourceHealthTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_health_transitions_total",
		Help: "Переходы состояния здоровья источников",
	}, []string{"from", "to"})
	RecordsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "records_ingested_total",
		Help: "Записи после нормализации по исходу",
	}, []string{"outcome"})
	ClusterAssignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_assignments_total",
		Help: "Решения движка кластеризации",
	}, []string{"kind"})
	ClassifierOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classifier_outcomes_total",
		Help: "Ответы внешнего классификатора",
	}, []string{"outcome"})
	SummarizationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "summarization_errors_total",
		Help: "Ошибки суммаризации, событие ушло без саммари",
	})
	DigestBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_build_seconds",
		Help:    "Время построения дайджеста",
		Buckets: prometheus.DefBuckets,
	})
	DigestSectionSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "digest_section_size",
		Help: "Количество событий в секции последнего дайджеста",
	}, []string{"section"})
	AllocationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "allocation_conflicts_total",
		Help: "Проигранные захваты событий при сборке дайджеста",
	})
	NotifySendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_send_errors_total",
		Help: "Ошибки отправки уведомлений в Telegram",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	DigestRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_requests_total",
		Help: "Запросы на построение дайджеста по причине",
	}, []string{"cause"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CollectorDueSources,
		CollectorErrors,
		FetchTotal,
		SourceHealthTransitions,
		RecordsIngested,
		ClusterAssignments,
		ClassifierOutcomes,
		SummarizationErrors,
		DigestBuildSeconds,
		DigestSectionSize,
		AllocationConflicts,
		NotifySendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		DigestRequestsTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveFetch учитывает исход опроса источника.
func ObserveFetch(method string, newItems int, err error) {
	if method == "" {
		method = "unknown"
	}
	status := "success"
	switch {
	case err != nil:
		status = "error"
		CollectorErrors.Inc()
	case newItems == 0:
		status = "empty"
	}
	FetchTotal.WithLabelValues(method, status).Inc()
}

// IncHealthTransition учитывает смену здоровья источника.
func IncHealthTransition(from, to string) {
	SourceHealthTransitions.WithLabelValues(from, to).Inc()
}

// IncDigestRequest увеличивает счётчик запросов на дайджест.
func IncDigestRequest(cause string) {
	if cause == "" {
		cause = "unknown"
	}
	DigestRequestsTotal.WithLabelValues(cause).Inc()
}

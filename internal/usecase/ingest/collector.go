package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// Scheduler выдаёт источники к опросу и принимает результаты опроса.
type Scheduler interface {
	DueSources(ctx context.Context, now time.Time) ([]domain.Source, error)
	RecordFetchResult(ctx context.Context, sourceID int64, outcome domain.FetchOutcome) (domain.Source, error)
}

// Connectors подбирает коннектор по способу опроса источника.
type Connectors interface {
	For(method string) (domain.Connector, bool)
}

// CollectorConfig задаёт размер пула и ограничения опроса.
type CollectorConfig struct {
	Workers   int
	Timeout   time.Duration
	SourceRPS float64
	GlobalRPS float64
}

// Collector опрашивает источники пулом воркеров и передаёт записи в конвейер.
type Collector struct {
	scheduler  Scheduler
	connectors Connectors
	ingest     *Service
	cfg        CollectorConfig
	global     *rate.Limiter
	now        func() time.Time
	log        zerolog.Logger

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewCollector создаёт сборщик.
func NewCollector(scheduler Scheduler, connectors Connectors, ingest *Service, cfg CollectorConfig, logger zerolog.Logger) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Collector{
		scheduler:  scheduler,
		connectors: connectors,
		ingest:     ingest,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger.With().Str("component", "collector").Logger(),
		limiters:   map[int64]*rate.Limiter{},
	}
	if cfg.GlobalRPS > 0 {
		c.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	return c
}

// Run опрашивает источники с заданным интервалом до отмены контекста.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil {
			c.log.Error().Err(err).Msg("collector: цикл опроса завершился ошибкой")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce опрашивает все источники, которым пора в опрос. Сбой одного источника
// не влияет на остальные. Возвращает число опрошенных источников.
func (c *Collector) RunOnce(ctx context.Context) (int, error) {
	due, err := c.scheduler.DueSources(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("источники к опросу: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	jobs := make(chan domain.Source)
	var wg sync.WaitGroup
	workers := c.cfg.Workers
	if workers > len(due) {
		workers = len(due)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				c.collect(ctx, src)
			}
		}()
	}

	polled := 0
feed:
	for _, src := range due {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- src:
			polled++
		}
	}
	close(jobs)
	wg.Wait()
	return polled, ctx.Err()
}

func (c *Collector) collect(ctx context.Context, src domain.Source) {
	logger := c.log.With().Int64("source_id", src.ID).Str("source", src.Slug).Str("method", src.FetchMethod).Logger()

	if err := c.wait(ctx, src.ID); err != nil {
		return
	}

	records, err := c.fetch(ctx, src)
	outcome := domain.FetchOutcome{At: c.now(), Err: err}
	if err != nil {
		logger.Warn().Err(err).Msg("collector: опрос источника не удался")
	} else {
		result, ingestErr := c.ingest.Ingest(ctx, src, records, outcome.At)
		if ingestErr != nil {
			// Сбой хранилища не относится к здоровью источника: он будет опрошен снова.
			logger.Error().Err(ingestErr).Msg("collector: не удалось обработать выгрузку")
			return
		}
		outcome.NewItems = result.New + result.Joined
		outcome.LatestItemAt = result.LatestItemAt
	}
	metrics.ObserveFetch(src.FetchMethod, outcome.NewItems, err)

	if _, err := c.scheduler.RecordFetchResult(ctx, src.ID, outcome); err != nil {
		logger.Error().Err(err).Msg("collector: не удалось сохранить результат опроса")
	}
}

func (c *Collector) fetch(ctx context.Context, src domain.Source) ([]domain.ConnectorRecord, error) {
	connector, ok := c.connectors.For(src.FetchMethod)
	if !ok {
		return nil, &domain.FetchError{SourceID: src.ID, Attempts: 0, Err: fmt.Errorf("нет коннектора для %q", src.FetchMethod)}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return connector.Fetch(fetchCtx, src)
}

func (c *Collector) wait(ctx context.Context, sourceID int64) error {
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return err
		}
	}
	if limiter := c.limiter(sourceID); limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func (c *Collector) limiter(sourceID int64) *rate.Limiter {
	if c.cfg.SourceRPS <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.SourceRPS), 1)
		c.limiters[sourceID] = l
	}
	return l
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/usecase/cluster"
	"ai-digest/internal/usecase/rank"
	"ai-digest/internal/usecase/resolve"
)

const (
	outcomeNew       = "new"
	outcomeDuplicate = "duplicate"
	outcomeMalformed = "malformed"
	outcomeJoined    = "joined"
)

// signalKeys перечисляет числовые поля метаданных, которые попадают в сигналы события.
var signalKeys = []string{"percent_change", "deadline_days"}

// Result подводит итог обработки одной выгрузки источника.
type Result struct {
	New          int
	Joined       int
	Duplicates   int
	Malformed    int
	LatestItemAt *time.Time
}

// Service проводит записи источника через нормализацию, дедупликацию,
// кластеризацию, разрешение сущностей и оценку.
type Service struct {
	records    domain.RecordRepo
	clusters   domain.ClusterRepo
	events     domain.EventRepo
	engine     *cluster.Engine
	resolver   *resolve.Resolver
	ranker     *rank.Ranker
	summarizer domain.Summarizer
	user       domain.UserContext
	log        zerolog.Logger

	// Дедупликация и кластеризация идут в одной горутине: записи разных источников
	// сравниваются с одним набором открытых кластеров.
	mu sync.Mutex
}

// Option настраивает Service.
type Option func(*Service)

// WithSummarizer подключает суммаризатор. Без него событие получает запасное описание.
func WithSummarizer(s domain.Summarizer) Option {
	return func(svc *Service) { svc.summarizer = s }
}

// WithUserContext задаёт персонализацию для первичной оценки.
func WithUserContext(u domain.UserContext) Option {
	return func(svc *Service) { svc.user = u }
}

// NewService создаёт конвейер обработки записей.
func NewService(records domain.RecordRepo, clusters domain.ClusterRepo, events domain.EventRepo, engine *cluster.Engine, resolver *resolve.Resolver, ranker *rank.Ranker, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		records:  records,
		clusters: clusters,
		events:   events,
		engine:   engine,
		resolver: resolver,
		ranker:   ranker,
		log:      logger.With().Str("component", "ingest").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest обрабатывает выгрузку источника. Ошибки отдельных записей логируются и
// пропускаются. Ошибка возвращается только при сбое хранилища.
func (s *Service) Ingest(ctx context.Context, source domain.Source, batch []domain.ConnectorRecord, fetchedAt time.Time) (Result, error) {
	logger := s.log.With().Int64("source_id", source.ID).Str("source", source.Slug).Logger()

	var result Result
	normalized := make([]domain.RawRecord, 0, len(batch))
	for _, rec := range batch {
		raw, err := Normalize(source, rec, fetchedAt)
		if err != nil {
			result.Malformed++
			metrics.RecordsIngested.WithLabelValues(outcomeMalformed).Inc()
			logger.Warn().Err(err).Str("external_id", rec.ExternalID).Msg("ingest: запись пропущена")
			continue
		}
		normalized = append(normalized, raw)
	}
	sort.SliceStable(normalized, func(i, j int) bool {
		if !normalized[i].FetchedAt.Equal(normalized[j].FetchedAt) {
			return normalized[i].FetchedAt.Before(normalized[j].FetchedAt)
		}
		return normalized[i].PublishedAt.Before(normalized[j].PublishedAt)
	})
	if len(normalized) == 0 {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	since := normalized[0].FetchedAt.Add(-s.engine.Config().Window)
	open, err := s.clusters.ListRecentClusters(ctx, since)
	if err != nil {
		return result, fmt.Errorf("открытые кластеры: %w", err)
	}

	for i := range normalized {
		rec := &normalized[i]
		kind, err := s.ingestOne(ctx, source, rec, &open)
		if err != nil {
			return result, err
		}
		metrics.RecordsIngested.WithLabelValues(kind).Inc()
		switch kind {
		case outcomeDuplicate:
			result.Duplicates++
			continue
		case outcomeJoined:
			result.Joined++
		default:
			result.New++
		}
		published := rec.PublishedAt
		if result.LatestItemAt == nil || published.After(*result.LatestItemAt) {
			result.LatestItemAt = &published
		}
	}

	logger.Info().
		Int("new", result.New).
		Int("joined", result.Joined).
		Int("duplicates", result.Duplicates).
		Int("malformed", result.Malformed).
		Msg("ingest: выгрузка обработана")
	return result, nil
}

// ingestOne проводит запись через кластеризацию и событие. Запись привязывается к кластеру
// последним шагом: пока привязки нет, повторная выгрузка обработает её заново.
func (s *Service) ingestOne(ctx context.Context, source domain.Source, rec *domain.RawRecord, open *[]domain.Cluster) (string, error) {
	exists, err := s.records.FingerprintExists(ctx, source.ID, rec.Fingerprint)
	if err != nil {
		return "", fmt.Errorf("проверка отпечатка: %w", err)
	}
	if exists {
		return outcomeDuplicate, nil
	}
	inserted, err := s.records.SaveRecord(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("сохранение записи: %w", err)
	}
	if !inserted {
		return outcomeDuplicate, nil
	}

	if idx := memberOf(*open, rec.ID); idx >= 0 {
		return s.resume(ctx, source, (*open)[idx], rec)
	}

	if err := s.addFingerprintMatches(ctx, open, rec.Fingerprint); err != nil {
		return "", err
	}
	assignment := s.engine.Assign(cluster.Input{Record: *rec, TrustTier: source.TrustTier, CompanySlug: source.CompanySlug}, *open)
	saved, err := s.clusters.SaveCluster(ctx, assignment.Cluster)
	if err != nil {
		return "", fmt.Errorf("сохранение кластера: %w", err)
	}
	if assignment.Joined() {
		(*open)[assignment.Index] = saved
	} else {
		*open = append(*open, saved)
	}

	outcome := outcomeNew
	if assignment.Joined() {
		outcome = outcomeJoined
		err = s.joinEvent(ctx, source, saved, *rec)
	} else {
		err = s.createEvent(ctx, source, saved, *rec, assignment.Novelty, assignment.Kind == cluster.KindDuplicate)
	}
	if err != nil {
		return "", err
	}
	if err := s.attach(ctx, rec, saved.ID); err != nil {
		return "", err
	}
	return outcome, nil
}

// resume доводит запись, которая уже вошла в кластер при прерванной попытке.
func (s *Service) resume(ctx context.Context, source domain.Source, c domain.Cluster, rec *domain.RawRecord) (string, error) {
	s.log.Info().Int64("record_id", rec.ID).Int64("cluster_id", c.ID).Msg("ingest: дообработка прерванной записи")
	outcome := outcomeNew
	if len(c.Members) > 1 {
		outcome = outcomeJoined
		if err := s.joinEvent(ctx, source, c, *rec); err != nil {
			return "", err
		}
	} else {
		_, err := s.events.GetEventByCluster(ctx, c.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := s.createEvent(ctx, source, c, *rec, cluster.NoveltyNew, false); err != nil {
				return "", err
			}
		case err != nil:
			return "", fmt.Errorf("событие кластера %d: %w", c.ID, err)
		}
	}
	if err := s.attach(ctx, rec, c.ID); err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *Service) attach(ctx context.Context, rec *domain.RawRecord, clusterID int64) error {
	if err := s.records.AttachCluster(ctx, rec.ID, clusterID); err != nil {
		return fmt.Errorf("привязка записи к кластеру: %w", err)
	}
	rec.ClusterID = clusterID
	return nil
}

// addFingerprintMatches добавляет к кандидатам кластеры с тем же отпечатком, в том числе вне окна давности.
func (s *Service) addFingerprintMatches(ctx context.Context, open *[]domain.Cluster, fingerprint string) error {
	matches, err := s.clusters.ClustersByFingerprint(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("кластеры по отпечатку: %w", err)
	}
	for _, c := range matches {
		known := false
		for _, o := range *open {
			if o.ID == c.ID {
				known = true
				break
			}
		}
		if !known {
			*open = append(*open, c)
		}
	}
	return nil
}

func memberOf(clusters []domain.Cluster, recordID int64) int {
	for i, c := range clusters {
		for _, m := range c.Members {
			if m == recordID {
				return i
			}
		}
	}
	return -1
}

// joinEvent расширяет событие кластера новым источником и пересчитывает оценку.
func (s *Service) joinEvent(ctx context.Context, source domain.Source, c domain.Cluster, rec domain.RawRecord) error {
	ev, err := s.events.GetEventByCluster(ctx, c.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.createEvent(ctx, source, c, rec, cluster.NoveltyJoined, false)
	}
	if err != nil {
		return fmt.Errorf("событие кластера %d: %w", c.ID, err)
	}
	if ev.Frozen() {
		return nil
	}
	ev.SourceIDs = append([]int64(nil), c.SourceIDs...)
	if source.TrustTier > 0 && (ev.TrustTier == 0 || source.TrustTier < ev.TrustTier) {
		ev.TrustTier = source.TrustTier
		ev.Title = c.CanonicalTitle
		ev.URL = rec.URL
	}
	if better := domain.InitialConfidence(ev.TrustTier); confidenceRank(better) > confidenceRank(ev.Confidence) {
		ev.Confidence = better
	}
	s.ranker.Apply(&ev, s.user, rec.FetchedAt)
	if _, err := s.events.SaveEvent(ctx, ev); err != nil {
		return fmt.Errorf("сохранение события %d: %w", ev.ID, err)
	}
	return nil
}

func (s *Service) createEvent(ctx context.Context, source domain.Source, c domain.Cluster, rec domain.RawRecord, novelty float64, duplicate bool) error {
	res, err := s.resolver.Resolve(ctx, resolve.Input{
		Source:      source,
		Title:       rec.Title,
		Text:        rec.Text,
		Fingerprint: rec.Fingerprint,
		Meta:        rec.Meta,
	})
	if err != nil {
		return fmt.Errorf("разрешение сущностей: %w", err)
	}

	ev := domain.Event{
		ClusterID:      c.ID,
		Title:          rec.Title,
		URL:            rec.URL,
		Text:           rec.Text,
		CompanySlug:    res.CompanySlug,
		Company:        res.Company,
		ProductLine:    res.ProductLine,
		Categories:     res.Categories,
		SourceIDs:      append([]int64(nil), c.SourceIDs...),
		TrustTier:      source.TrustTier,
		BreakingChange: res.BreakingChange,
		LaunchSignal:   res.LaunchSignal,
		Spam:           res.Spam,
		Duplicate:      duplicate,
		Confidence:     domain.InitialConfidence(source.TrustTier),
		Novelty:        novelty,
		Signals:        signalsFromMeta(rec.Meta),
		PublishedAt:    rec.PublishedAt,
		CreatedAt:      rec.FetchedAt,
	}
	s.summarize(ctx, &ev)
	s.ranker.Apply(&ev, s.user, rec.FetchedAt)

	if _, err := s.events.SaveEvent(ctx, ev); err != nil {
		return fmt.Errorf("сохранение события: %w", err)
	}
	return nil
}

// summarize заполняет описание события. Сбой суммаризатора не блокирует событие:
// оно получает запасное описание и флаг SummaryMissing.
func (s *Service) summarize(ctx context.Context, ev *domain.Event) {
	if s.summarizer == nil {
		ev.Summary = FallbackSummary(ev.Title, ev.Text)
		ev.SummaryMissing = true
		return
	}
	result, err := s.summarizer.Summarize(ctx, ev.Title+"\n\n"+ev.Text, ev.TrustTier)
	if err != nil {
		metrics.SummarizationErrors.Inc()
		s.log.Warn().Err(err).Int64("cluster_id", ev.ClusterID).Msg("ingest: суммаризация не удалась")
		ev.Summary = FallbackSummary(ev.Title, ev.Text)
		ev.SummaryMissing = true
		return
	}
	ev.Summary = BuildSummary(ev.Title, result)
	ev.BreakingChange = ev.BreakingChange || result.BreakingChange
	ev.SeverityHint = result.SeveritySuggestion
	if result.Confidence != "" {
		ev.Confidence = domain.CapConfidence(result.Confidence, ev.TrustTier)
	}
}

// BuildSummary проверяет ответ суммаризатора: факты без ссылки отбрасываются,
// короткое описание собирается из заголовка и обоснования.
func BuildSummary(title string, result domain.SummaryResult) domain.Summary {
	facts := make([]domain.Fact, 0, len(result.Facts))
	for _, f := range result.Facts {
		if strings.TrimSpace(f.Text) == "" || strings.TrimSpace(f.Citation) == "" {
			continue
		}
		facts = append(facts, f)
	}
	headline := collapse(result.Headline)
	if headline == "" {
		headline = title
	}
	short := title
	if rationale := collapse(result.Rationale); rationale != "" {
		short = title + ": " + rationale
	}
	return domain.Summary{
		Headline:  headline,
		Short:     truncateRunes(short, 280),
		Facts:     facts,
		Rationale: collapse(result.Rationale),
		Citations: result.Citations,
	}
}

// FallbackSummary строит описание события без суммаризатора.
func FallbackSummary(title, text string) domain.Summary {
	short := title
	if text = collapse(text); text != "" && text != title {
		short = truncateRunes(text, 200)
	}
	return domain.Summary{Headline: title, Short: short}
}

func signalsFromMeta(meta map[string]any) map[string]float64 {
	var out map[string]float64
	for _, key := range signalKeys {
		var v float64
		switch raw := meta[key].(type) {
		case float64:
			v = raw
		case int:
			v = float64(raw)
		case int64:
			v = float64(raw)
		default:
			continue
		}
		if out == nil {
			out = map[string]float64{}
		}
		out[key] = v
	}
	return out
}

func confidenceRank(c domain.Confidence) int {
	switch c {
	case domain.ConfidenceConfirmed:
		return 3
	case domain.ConfidenceLikely:
		return 2
	case domain.ConfidenceUnverified:
		return 1
	default:
		return 0
	}
}

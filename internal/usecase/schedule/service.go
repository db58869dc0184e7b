package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// Service решает, какие источники пора опрашивать, и ведёт их здоровье.
type Service struct {
	sources  domain.SourceRepo
	notifier domain.HealthNotifier
	business domain.BusinessMetricRepo
	policy   HealthPolicy
	capacity int
	log      zerolog.Logger
}

// Option настраивает Service.
type Option func(*Service)

// WithNotifier подключает получателя уведомлений о смене здоровья.
func WithNotifier(n domain.HealthNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithBusinessMetrics включает сохранение переходов здоровья в бизнес-метрики.
func WithBusinessMetrics(repo domain.BusinessMetricRepo) Option {
	return func(s *Service) { s.business = repo }
}

// WithPolicy переопределяет пороги здоровья.
func WithPolicy(p HealthPolicy) Option {
	return func(s *Service) { s.policy = p.withDefaults() }
}

// WithCapacity ограничивает число источников, выдаваемых за один цикл. Ноль снимает ограничение.
func WithCapacity(n int) Option {
	return func(s *Service) { s.capacity = n }
}

// NewService создаёт планировщик.
func NewService(sources domain.SourceRepo, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		sources: sources,
		policy:  DefaultHealthPolicy(),
		log:     logger.With().Str("component", "schedule").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DueSources возвращает включённые живые источники, которым пора в опрос.
// Порядок: класс приоритета, затем самые просроченные, затем ID.
func (s *Service) DueSources(ctx context.Context, now time.Time) ([]domain.Source, error) {
	all, err := s.sources.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("список источников: %w", err)
	}
	due := SelectDue(all, now)
	if s.capacity > 0 && len(due) > s.capacity {
		due = due[:s.capacity]
	}
	metrics.CollectorDueSources.Set(float64(len(due)))
	return due, nil
}

// SelectDue отбирает и упорядочивает источники без обращения к хранилищу.
func SelectDue(sources []domain.Source, now time.Time) []domain.Source {
	due := make([]domain.Source, 0, len(sources))
	for _, src := range sources {
		if !src.Enabled || src.Health == domain.HealthDead {
			continue
		}
		if src.LastFetchedAt != nil && now.Sub(*src.LastFetchedAt) < src.PollInterval {
			continue
		}
		due = append(due, src)
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if oa, ob := overdue(a, now), overdue(b, now); oa != ob {
			return oa > ob
		}
		return a.ID < b.ID
	})
	return due
}

func overdue(src domain.Source, now time.Time) time.Duration {
	if src.LastFetchedAt == nil {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(*src.LastFetchedAt) - src.PollInterval
}

// RecordFetchResult применяет исход опроса к источнику и сохраняет его.
func (s *Service) RecordFetchResult(ctx context.Context, sourceID int64, outcome domain.FetchOutcome) (domain.Source, error) {
	src, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return domain.Source{}, fmt.Errorf("получение источника %d: %w", sourceID, err)
	}
	if outcome.At.IsZero() {
		outcome.At = time.Now().UTC()
	}
	updated, change := ApplyOutcome(src, outcome, s.policy)
	if err := s.sources.UpdateSourceHealth(ctx, updated); err != nil {
		return domain.Source{}, fmt.Errorf("сохранение здоровья источника %d: %w", sourceID, err)
	}
	if change != nil {
		s.emit(ctx, *change)
	}
	return updated, nil
}

// Reenable вручную возвращает источник в строй, в том числе из dead.
func (s *Service) Reenable(ctx context.Context, sourceID int64, now time.Time) (domain.Source, error) {
	src, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return domain.Source{}, fmt.Errorf("получение источника %d: %w", sourceID, err)
	}
	from := src.Health
	src.Enabled = true
	src.Health = domain.HealthHealthy
	src.FailureStreak = 0
	src.DegradedSince = nil
	if err := s.sources.UpdateSourceHealth(ctx, src); err != nil {
		return domain.Source{}, fmt.Errorf("сохранение источника %d: %w", sourceID, err)
	}
	if from != domain.HealthHealthy {
		s.emit(ctx, domain.HealthChange{
			SourceID: src.ID,
			Slug:     src.Slug,
			From:     from,
			To:       domain.HealthHealthy,
			Reason:   "ручное включение",
			At:       now,
		})
	}
	return src, nil
}

func (s *Service) emit(ctx context.Context, change domain.HealthChange) {
	metrics.IncHealthTransition(string(change.From), string(change.To))
	s.log.Warn().
		Int64("source_id", change.SourceID).
		Str("slug", change.Slug).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Str("reason", change.Reason).
		Msg("schedule: здоровье источника изменилось")

	if s.notifier != nil {
		if err := s.notifier.NotifyHealthChange(ctx, change); err != nil {
			s.log.Error().Err(err).Int64("source_id", change.SourceID).Msg("schedule: не удалось отправить уведомление")
		}
	}
	if s.business != nil {
		sourceID := change.SourceID
		metric := domain.BusinessMetric{
			Event:    domain.BusinessMetricEventSourceHealthChanged,
			SourceID: &sourceID,
			Metadata: map[string]any{
				"from":   string(change.From),
				"to":     string(change.To),
				"reason": change.Reason,
			},
			OccurredAt: change.At,
		}
		if err := s.business.RecordBusinessMetric(ctx, metric); err != nil {
			s.log.Error().Err(err).Int64("source_id", change.SourceID).Msg("schedule: не удалось записать бизнес-метрику")
		}
	}
}

// NormalizeTimezone приводит название часового пояса к виду IANA.
func NormalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}

// LoadLocation возвращает локацию для нормализованного часового пояса.
func LoadLocation(raw string) (*time.Location, error) {
	name, err := NormalizeTimezone(raw)
	if err != nil {
		return nil, err
	}
	return time.LoadLocation(name)
}

package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/usecase/cluster"
	"ai-digest/internal/usecase/rank"
)

const (
	defaultCutoff  = 8 * time.Hour
	defaultLockTTL = 10 * time.Minute
)

// Service собирает дайджест за дату: пересборка кластеров, пересчёт оценок,
// раскладка по секциям и захват событий.
type Service struct {
	events      domain.EventRepo
	digests     domain.DigestRepo
	locker      domain.Cache
	business    domain.BusinessMetricRepo
	engine      *cluster.Engine
	ranker      *rank.Ranker
	user        domain.UserContext
	loc         *time.Location
	cutoff      time.Duration
	lockTTL     time.Duration
	codeVersion string
	now         func() time.Time
	log         zerolog.Logger
}

// Option настраивает Service.
type Option func(*Service)

// WithLocker включает блокировку генерации по дате.
func WithLocker(c domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = c
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithBusinessMetrics включает запись бизнес-событий.
func WithBusinessMetrics(repo domain.BusinessMetricRepo) Option {
	return func(s *Service) { s.business = repo }
}

// WithUserContext задаёт персонализацию для скоринга.
func WithUserContext(u domain.UserContext) Option {
	return func(s *Service) { s.user = u }
}

// WithWindow задаёт часовой пояс и время отсечки окна дайджеста.
func WithWindow(loc *time.Location, cutoff time.Duration) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
		if cutoff > 0 {
			s.cutoff = cutoff
		}
	}
}

// WithCodeVersion проставляет версию кода в дайджест.
func WithCodeVersion(v string) Option {
	return func(s *Service) { s.codeVersion = v }
}

// WithClock подменяет часы для отметки времени генерации.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис дайджестов.
func NewService(events domain.EventRepo, digests domain.DigestRepo, engine *cluster.Engine, ranker *rank.Ranker, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		events:  events,
		digests: digests,
		engine:  engine,
		ranker:  ranker,
		loc:     time.UTC,
		cutoff:  defaultCutoff,
		lockTTL: defaultLockTTL,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.With().Str("component", "digest").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate строит или перестраивает дайджест за дату. Повторный запуск с тем же набором
// событий даёт ту же раскладку. Уже захваченные этим дайджестом события сохраняют оценки.
func (s *Service) Generate(ctx context.Context, date time.Time) (domain.Digest, error) {
	day := DayOf(date)
	dayKey := day.Format("2006-01-02")
	logger := s.log.With().Str("date", dayKey).Logger()

	if s.locker != nil {
		unlock, ok, err := s.locker.Lock("digest:lock:"+dayKey, s.lockTTL)
		if err != nil {
			return domain.Digest{}, fmt.Errorf("блокировка дайджеста: %w", err)
		}
		if !ok {
			return domain.Digest{}, domain.ErrDigestInProgress
		}
		defer unlock()
	}

	started := time.Now()
	from, to := Window(day, s.loc, s.cutoff)

	existing, err := s.digests.GetDigest(ctx, day)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Digest{}, fmt.Errorf("получение дайджеста: %w", err)
	}
	var claimed []domain.Event
	if existing.ID != 0 {
		claimed, err = s.events.ListByDigest(ctx, existing.ID)
		if err != nil {
			return domain.Digest{}, fmt.Errorf("события дайджеста: %w", err)
		}
	}

	unassigned, err := s.events.ListUnassigned(ctx, domain.EventFilter{From: from, To: to})
	if err != nil {
		return domain.Digest{}, fmt.Errorf("незакреплённые события: %w", err)
	}

	survivors, merges := s.engine.Recluster(unassigned)
	for _, m := range merges {
		if err := s.events.MergeEvent(ctx, m); err != nil {
			return domain.Digest{}, fmt.Errorf("слияние событий %d -> %d: %w", m.From, m.Into, err)
		}
	}
	if len(merges) > 0 {
		logger.Info().Int("merged", len(merges)).Msg("digest: поздние события склеены")
	}

	pool := make([]domain.Event, 0, len(claimed)+len(survivors))
	pool = append(pool, claimed...)
	for i := range survivors {
		ev := &survivors[i]
		if ev.Frozen() {
			continue
		}
		s.ranker.Apply(ev, s.user, to)
		saved, err := s.events.SaveEvent(ctx, *ev)
		if err != nil {
			return domain.Digest{}, fmt.Errorf("сохранение оценки события %d: %w", ev.ID, err)
		}
		pool = append(pool, saved)
	}

	digest := Allocate(pool, day)
	digest.ID = existing.ID
	digest.GeneratedAt = s.now()
	digest.CodeVersion = s.codeVersion

	saved, err := s.digests.SaveDigest(ctx, digest)
	if err != nil {
		return domain.Digest{}, fmt.Errorf("сохранение дайджеста: %w", err)
	}

	conflicts, err := s.claim(ctx, saved)
	if err != nil {
		return domain.Digest{}, err
	}
	if len(conflicts) > 0 {
		saved = prune(saved, conflicts)
		saved, err = s.digests.SaveDigest(ctx, saved)
		if err != nil {
			return domain.Digest{}, fmt.Errorf("сохранение дайджеста после конфликтов: %w", err)
		}
		logger.Warn().Int("conflicts", len(conflicts)).Msg("digest: часть событий уже в другом дайджесте")
	}

	metrics.DigestBuildSeconds.Observe(time.Since(started).Seconds())
	for _, section := range saved.Sections {
		metrics.DigestSectionSize.WithLabelValues(section.Name).Set(float64(len(section.EventIDs)))
	}
	s.recordBuilt(ctx, saved, len(conflicts))
	logger.Info().Int64("digest_id", saved.ID).Int("events", saved.EventCount).Msg("digest: дайджест собран")
	return saved, nil
}

// claim закрепляет события за дайджестом. Возвращает события, которые уже забрал другой дайджест.
func (s *Service) claim(ctx context.Context, d domain.Digest) (map[int64]struct{}, error) {
	conflicts := map[int64]struct{}{}
	for _, section := range d.Sections {
		for _, id := range section.EventIDs {
			ok, err := s.events.ClaimEvent(ctx, id, d.ID, section.Name)
			if err != nil {
				return nil, fmt.Errorf("захват события %d: %w", id, err)
			}
			if ok {
				continue
			}
			conflicts[id] = struct{}{}
			metrics.AllocationConflicts.Inc()
			s.log.Debug().Err(domain.ErrAllocationConflict).Int64("event_id", id).Msg("digest: событие захвачено другим дайджестом")
			if s.business != nil {
				eventDigest := d.ID
				_ = s.business.RecordBusinessMetric(ctx, domain.BusinessMetric{
					Event:      domain.BusinessMetricEventAllocationConflict,
					DigestID:   &eventDigest,
					Metadata:   map[string]any{"event_id": id, "section": section.Name},
					OccurredAt: s.now(),
				})
			}
		}
	}
	return conflicts, nil
}

func prune(d domain.Digest, drop map[int64]struct{}) domain.Digest {
	d.EventCount = 0
	sections := make([]domain.DigestSection, 0, len(d.Sections))
	for _, section := range d.Sections {
		kept := make([]int64, 0, len(section.EventIDs))
		for _, id := range section.EventIDs {
			if _, skip := drop[id]; !skip {
				kept = append(kept, id)
			}
		}
		d.EventCount += len(kept)
		sections = append(sections, domain.DigestSection{Name: section.Name, EventIDs: kept})
	}
	d.Sections = sections
	return d
}

func (s *Service) recordBuilt(ctx context.Context, d domain.Digest, conflicts int) {
	if s.business == nil {
		return
	}
	sizes := make(map[string]any, len(d.Sections))
	for _, section := range d.Sections {
		sizes[section.Name] = len(section.EventIDs)
	}
	digestID := d.ID
	metric := domain.BusinessMetric{
		Event:    domain.BusinessMetricEventDigestBuilt,
		DigestID: &digestID,
		Metadata: map[string]any{
			"date":      d.Date.Format("2006-01-02"),
			"events":    d.EventCount,
			"sections":  sizes,
			"conflicts": conflicts,
		},
		OccurredAt: d.GeneratedAt,
	}
	if err := s.business.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Error().Err(err).Msg("digest: не удалось записать бизнес-метрику")
	}
}

// Get возвращает готовый дайджест и его события.
func (s *Service) Get(ctx context.Context, date time.Time) (domain.Digest, []domain.Event, error) {
	d, err := s.digests.GetDigest(ctx, DayOf(date))
	if err != nil {
		return domain.Digest{}, nil, err
	}
	events, err := s.events.ListByDigest(ctx, d.ID)
	if err != nil {
		return domain.Digest{}, nil, fmt.Errorf("события дайджеста: %w", err)
	}
	return d, events, nil
}

// Unassigned возвращает оценённые, ещё не закреплённые события за период.
func (s *Service) Unassigned(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	events, err := s.events.ListUnassigned(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("незакреплённые события: %w", err)
	}
	return events, nil
}

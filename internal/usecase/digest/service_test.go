package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
	"ai-digest/internal/usecase/cluster"
	"ai-digest/internal/usecase/rank"
)

type memStore struct {
	events         map[int64]domain.Event
	digests        map[string]domain.Digest
	nextID         int64
	merged         [][2]int64
	mergedClusters [][2]int64
}

func newMemStore(events ...domain.Event) *memStore {
	s := &memStore{events: map[int64]domain.Event{}, digests: map[string]domain.Digest{}, nextID: 100}
	for _, ev := range events {
		s.events[ev.ID] = ev
	}
	return s
}

func (s *memStore) GetEventByCluster(_ context.Context, clusterID int64) (domain.Event, error) {
	for _, ev := range s.events {
		if ev.ClusterID == clusterID {
			return ev, nil
		}
	}
	return domain.Event{}, domain.ErrNotFound
}

func (s *memStore) SaveEvent(_ context.Context, ev domain.Event) (domain.Event, error) {
	if cur, ok := s.events[ev.ID]; ok && cur.Frozen() {
		return cur, nil
	}
	s.events[ev.ID] = ev
	return ev, nil
}

func (s *memStore) ListUnassigned(_ context.Context, f domain.EventFilter) ([]domain.Event, error) {
	var out []domain.Event
	for _, ev := range s.events {
		if ev.DigestID != nil || ev.MergedInto != nil {
			continue
		}
		if ev.CreatedAt.Before(f.From) || !ev.CreatedAt.Before(f.To) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListByDigest(_ context.Context, digestID int64) ([]domain.Event, error) {
	var out []domain.Event
	for _, ev := range s.events {
		if ev.DigestID != nil && *ev.DigestID == digestID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ClaimEvent(_ context.Context, eventID, digestID int64, section string) (bool, error) {
	ev := s.events[eventID]
	if ev.DigestID != nil && *ev.DigestID != digestID {
		return false, nil
	}
	if ev.DigestID == nil {
		ev.Section = section
	}
	id := digestID
	ev.DigestID = &id
	s.events[eventID] = ev
	return true, nil
}

func (s *memStore) MergeEvent(_ context.Context, m domain.EventMerge) error {
	ev := s.events[m.From]
	if ev.Frozen() {
		return nil
	}
	into := m.Into
	ev.MergedInto = &into
	s.events[m.From] = ev
	s.merged = append(s.merged, [2]int64{m.From, m.Into})
	s.mergedClusters = append(s.mergedClusters, [2]int64{m.FromCluster, m.IntoCluster})
	return nil
}

func (s *memStore) SaveDigest(_ context.Context, d domain.Digest) (domain.Digest, error) {
	key := d.Date.Format("2006-01-02")
	if cur, ok := s.digests[key]; ok {
		d.ID = cur.ID
	} else {
		s.nextID++
		d.ID = s.nextID
	}
	s.digests[key] = d
	return d, nil
}

func (s *memStore) GetDigest(_ context.Context, date time.Time) (domain.Digest, error) {
	d, ok := s.digests[date.Format("2006-01-02")]
	if !ok {
		return domain.Digest{}, domain.ErrNotFound
	}
	return d, nil
}

type busyLocker struct{ busy bool }

func (b *busyLocker) Once(string, time.Duration, func() error) error { return nil }
func (b *busyLocker) Set(string, []byte, time.Duration) error        { return nil }
func (b *busyLocker) Get(string) ([]byte, error)                     { return nil, errors.New("miss") }
func (b *busyLocker) Lock(string, time.Duration) (func(), bool, error) {
	if b.busy {
		return nil, false, nil
	}
	b.busy = true
	return func() { b.busy = false }, true, nil
}

func inWindow(id int64, title string, cats ...string) domain.Event {
	created := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute)
	return domain.Event{ID: id, ClusterID: id * 10, Title: title, Categories: cats, TrustTier: 2, SourceIDs: []int64{id}, Novelty: 1, PublishedAt: created, CreatedAt: created}
}

func newTestService(store *memStore, opts ...Option) *Service {
	engine := cluster.NewEngine(cluster.DefaultConfig())
	ranker := rank.NewRanker(rank.DefaultRules(), 3)
	clock := func() time.Time { return time.Date(2024, 5, 11, 8, 5, 0, 0, time.UTC) }
	return NewService(store, store, engine, ranker, zerolog.Nop(), append([]Option{WithClock(clock)}, opts...)...)
}

func TestGenerateIsIdempotent(t *testing.T) {
	store := newMemStore(
		inWindow(1, "Acme releases model X", domain.CategoryNewModel),
		inWindow(2, "Acme ships model X today", domain.CategoryNewModel),
		inWindow(3, "Globex raises API prices by 30%", domain.CategoryPricing),
		inWindow(4, "Initech deprecates v1 endpoints", domain.CategoryDeprecation),
		inWindow(5, "Quarterly note"),
	)
	late := inWindow(6, "Too late")
	late.CreatedAt = time.Date(2024, 5, 11, 9, 0, 0, 0, time.UTC)
	store.events[6] = late
	svc := newTestService(store)

	first, err := svc.Generate(context.Background(), day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.EventCount != 3 {
		t.Fatalf("ожидали 3 события, получили %d", first.EventCount)
	}
	if len(store.merged) != 1 || store.merged[0] != [2]int64{2, 1} {
		t.Fatalf("ожидали склейку 2 -> 1, получили %v", store.merged)
	}
	if store.mergedClusters[0] != [2]int64{20, 10} {
		t.Fatalf("кластеры должны сливаться вместе с событием, получили %v", store.mergedClusters)
	}
	if store.events[6].DigestID != nil {
		t.Fatalf("событие вне окна не должно попасть в дайджест")
	}

	second, err := svc.Generate(context.Background(), day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ожидали тот же дайджест, получили %d и %d", first.ID, second.ID)
	}
	for i := range first.Sections {
		a, b := first.Sections[i], second.Sections[i]
		if a.Name != b.Name || len(a.EventIDs) != len(b.EventIDs) {
			t.Fatalf("секция %s изменилась при повторной генерации", a.Name)
		}
		for j := range a.EventIDs {
			if a.EventIDs[j] != b.EventIDs[j] {
				t.Fatalf("секция %s изменилась при повторной генерации", a.Name)
			}
		}
	}
	for _, id := range []int64{1, 3, 4} {
		ev := store.events[id]
		if ev.DigestID == nil || *ev.DigestID != first.ID || ev.Section == "" {
			t.Fatalf("событие %d должно быть закреплено за дайджестом", id)
		}
	}
}

func TestRegenerateKeepsFrozenSections(t *testing.T) {
	store := newMemStore(inWindow(1, "Acme upgrades model Y", domain.CategoryModelUpgrade))
	svc := newTestService(store)

	first, err := svc.Generate(context.Background(), day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := store.events[1].Section; got != domain.SectionTop {
		t.Fatalf("ожидали секцию top после первой сборки, получили %q", got)
	}

	for id := int64(2); id <= 7; id++ {
		ev := inWindow(id, fmt.Sprintf("Vendor%d launches model %d", id, id), domain.CategoryNewModel)
		ev.TrustTier = 1
		ev.BreakingChange = true
		store.events[id] = ev
	}

	second, err := svc.Generate(context.Background(), day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("ожидали тот же дайджест, получили %d и %d", first.ID, second.ID)
	}
	if got := store.events[1].Section; got != domain.SectionTop {
		t.Fatalf("секция закреплённого события изменилась: top -> %s", got)
	}
	top, _ := second.Section(domain.SectionTop)
	if len(top.EventIDs) != 5 || top.EventIDs[0] != 1 {
		t.Fatalf("ожидали событие 1 первым в top и квоту 5, получили %v", top.EventIDs)
	}
	models, _ := second.Section(domain.SectionModels)
	for _, id := range models.EventIDs {
		if id == 1 {
			t.Fatalf("закреплённое событие не должно появиться в секции models")
		}
	}
	if second.EventCount != 7 {
		t.Fatalf("ожидали 7 событий, получили %d", second.EventCount)
	}
}

func TestGenerateDropsEventsClaimedElsewhere(t *testing.T) {
	other := int64(1)
	taken := inWindow(2, "Globex raises API prices", domain.CategoryPricing)
	store := newMemStore(inWindow(1, "Acme releases model X", domain.CategoryNewModel), taken)
	svc := newTestService(store)

	// Захват другим дайджестом происходит после выборки, как при гонке двух запусков.
	racing := &racingStore{memStore: store, stealID: 2, stealBy: other}
	svc.events = racing

	d, err := svc.Generate(context.Background(), day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if d.EventCount != 1 {
		t.Fatalf("ожидали 1 событие после конфликта, получили %d", d.EventCount)
	}
	for _, s := range d.Sections {
		for _, id := range s.EventIDs {
			if id == 2 {
				t.Fatalf("событие чужого дайджеста не должно остаться в секции %s", s.Name)
			}
		}
	}
	if got := *store.events[2].DigestID; got != other {
		t.Fatalf("событие должно остаться за первым дайджестом, получили %d", got)
	}
}

type racingStore struct {
	*memStore
	stealID int64
	stealBy int64
}

func (r *racingStore) ClaimEvent(ctx context.Context, eventID, digestID int64, section string) (bool, error) {
	if eventID == r.stealID {
		if _, err := r.memStore.ClaimEvent(ctx, eventID, r.stealBy, domain.SectionTop); err != nil {
			return false, err
		}
	}
	return r.memStore.ClaimEvent(ctx, eventID, digestID, section)
}

func TestGenerateRespectsLock(t *testing.T) {
	locker := &busyLocker{busy: true}
	svc := newTestService(newMemStore(), WithLocker(locker, time.Minute))

	if _, err := svc.Generate(context.Background(), day); !errors.Is(err, domain.ErrDigestInProgress) {
		t.Fatalf("ожидали ErrDigestInProgress, получили %v", err)
	}

	locker.busy = false
	if _, err := svc.Generate(context.Background(), day); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if locker.busy {
		t.Fatalf("блокировка должна сниматься после генерации")
	}
}

func TestGenerateEmptyDayIsValid(t *testing.T) {
	svc := newTestService(newMemStore())
	d, err := svc.Generate(context.Background(), day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if d.EventCount != 0 || len(d.Sections) != len(Layout) {
		t.Fatalf("ожидали пустой дайджест со всеми секциями, получили %+v", d)
	}
}

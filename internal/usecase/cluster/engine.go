package cluster

import (
	"sort"
	"time"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// Значения новизны для ранжирования.
const (
	NoveltyNew       = 1.0
	NoveltyJoined    = 0.3
	NoveltyDuplicate = 0.0
)

// Kind описывает тип решения при назначении кластера.
type Kind string

const (
	KindExact Kind = "exact"
	KindFuzzy Kind = "fuzzy"
	KindNew   Kind = "new"
	// KindFollowUp означает новый кластер, у которого есть похожий закрытый.
	KindFollowUp Kind = "follow_up"
	// KindDuplicate означает точную копию события, которое уже попало в дайджест.
	KindDuplicate Kind = "duplicate"
)

// Config задаёт параметры матчинга.
type Config struct {
	Threshold float64
	Window    time.Duration
}

// DefaultConfig возвращает порог 0.85 и окно 7 дней.
func DefaultConfig() Config {
	return Config{Threshold: 0.85, Window: 7 * 24 * time.Hour}
}

// SimilarityFunc сравнивает два заголовка.
type SimilarityFunc func(a, b string) float64

// Engine назначает записи кластерам.
type Engine struct {
	cfg        Config
	similarity SimilarityFunc
}

// Option настраивает Engine.
type Option func(*Engine)

// WithSimilarity подменяет функцию сходства.
func WithSimilarity(fn SimilarityFunc) Option {
	return func(e *Engine) { e.similarity = fn }
}

// NewEngine создаёт движок кластеризации.
func NewEngine(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	e := &Engine{cfg: cfg, similarity: Similarity}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config возвращает действующие параметры.
func (e *Engine) Config() Config { return e.cfg }

// Input представляет запись вместе с атрибутами её источника.
type Input struct {
	Record      domain.RawRecord
	TrustTier   int
	CompanySlug string
}

// Assignment описывает решение движка. Index указывает на кластер из переданного списка или равен -1.
type Assignment struct {
	Cluster    domain.Cluster
	Index      int
	Kind       Kind
	Novelty    float64
	Similarity float64
}

// Joined сообщает, что запись вошла в существующий кластер.
func (a Assignment) Joined() bool { return a.Index >= 0 }

// Assign подбирает кластер для записи: сначала точный отпечаток из другого источника
// без ограничения по давности, затем нечёткое сходство заголовков среди открытых
// кластеров в окне давности. Точная копия закрытого кластера открывает новый кластер
// с признаком дубликата.
func (e *Engine) Assign(in Input, clusters []domain.Cluster) Assignment {
	rec := in.Record
	at := rec.FetchedAt

	exact, fuzzy := -1, -1
	bestSim := 0.0
	followUp, placed := false, false
	for i, c := range clusters {
		if hasString(c.Fingerprints, rec.Fingerprint) {
			if c.Closed {
				placed = true
				continue
			}
			if exact < 0 || earlier(c, clusters[exact]) {
				exact = i
			}
			continue
		}
		if !e.inWindow(c, at) {
			continue
		}
		sim := e.similarity(rec.Title, c.CanonicalTitle)
		if sim < e.cfg.Threshold {
			continue
		}
		if c.Closed {
			followUp = true
			continue
		}
		if fuzzy < 0 || sim > bestSim || (sim == bestSim && earlier(c, clusters[fuzzy])) {
			fuzzy = i
			bestSim = sim
		}
	}

	switch {
	case exact >= 0:
		metrics.ClusterAssignments.WithLabelValues(string(KindExact)).Inc()
		return Assignment{Cluster: join(clusters[exact], in), Index: exact, Kind: KindExact, Novelty: NoveltyJoined, Similarity: 1}
	case fuzzy >= 0:
		metrics.ClusterAssignments.WithLabelValues(string(KindFuzzy)).Inc()
		return Assignment{Cluster: join(clusters[fuzzy], in), Index: fuzzy, Kind: KindFuzzy, Novelty: NoveltyJoined, Similarity: bestSim}
	case placed:
		metrics.ClusterAssignments.WithLabelValues(string(KindDuplicate)).Inc()
		return Assignment{Cluster: open(in), Index: -1, Kind: KindDuplicate, Novelty: NoveltyDuplicate, Similarity: 1}
	case followUp:
		metrics.ClusterAssignments.WithLabelValues(string(KindFollowUp)).Inc()
		return Assignment{Cluster: open(in), Index: -1, Kind: KindFollowUp, Novelty: NoveltyJoined}
	default:
		metrics.ClusterAssignments.WithLabelValues(string(KindNew)).Inc()
		return Assignment{Cluster: open(in), Index: -1, Kind: KindNew, Novelty: NoveltyNew}
	}
}

func (e *Engine) inWindow(c domain.Cluster, at time.Time) bool {
	return at.Sub(c.LastSeenAt) <= e.cfg.Window
}

func earlier(a, b domain.Cluster) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func open(in Input) domain.Cluster {
	rec := in.Record
	return domain.Cluster{
		CanonicalTitle: rec.Title,
		CanonicalTier:  in.TrustTier,
		CompanySlug:    in.CompanySlug,
		Members:        []int64{rec.ID},
		Fingerprints:   []string{rec.Fingerprint},
		SourceIDs:      []int64{rec.SourceID},
		FirstSeenAt:    rec.FetchedAt,
		LastSeenAt:     rec.FetchedAt,
		EventCount:     1,
		CreatedAt:      rec.FetchedAt,
	}
}

func join(c domain.Cluster, in Input) domain.Cluster {
	rec := in.Record
	c.Members = append(append([]int64(nil), c.Members...), rec.ID)
	if !hasString(c.Fingerprints, rec.Fingerprint) {
		c.Fingerprints = append(append([]string(nil), c.Fingerprints...), rec.Fingerprint)
	}
	if !hasInt(c.SourceIDs, rec.SourceID) {
		c.SourceIDs = append(append([]int64(nil), c.SourceIDs...), rec.SourceID)
	}
	if rec.FetchedAt.Before(c.FirstSeenAt) {
		c.FirstSeenAt = rec.FetchedAt
	}
	if rec.FetchedAt.After(c.LastSeenAt) {
		c.LastSeenAt = rec.FetchedAt
	}
	// Каноническим становится заголовок записи из источника с лучшим уровнем доверия.
	if in.TrustTier > 0 && (c.CanonicalTier == 0 || in.TrustTier < c.CanonicalTier) {
		c.CanonicalTier = in.TrustTier
		c.CanonicalTitle = rec.Title
		if in.CompanySlug != "" {
			c.CompanySlug = in.CompanySlug
		}
	}
	c.EventCount = len(c.Members)
	return c
}

// Merge фиксирует поглощение одного события другим при пересборке.
type Merge = domain.EventMerge

// Recluster повторно склеивает сегодняшние незакреплённые события.
// Порядок детерминирован: события сортируются по времени создания и ID,
// представителем компоненты становится самое раннее. Повторный запуск на результате
// ничего не меняет.
func (e *Engine) Recluster(events []domain.Event) ([]domain.Event, []Merge) {
	var pool, passthrough []domain.Event
	for _, ev := range events {
		if ev.Frozen() || ev.MergedInto != nil {
			passthrough = append(passthrough, ev)
			continue
		}
		pool = append(pool, ev)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if !pool[i].CreatedAt.Equal(pool[j].CreatedAt) {
			return pool[i].CreatedAt.Before(pool[j].CreatedAt)
		}
		return pool[i].ID < pool[j].ID
	})

	parent := make([]int, len(pool))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for i := 0; i < len(pool); i++ {
		for j := i + 1; j < len(pool); j++ {
			if e.similarity(pool[i].Title, pool[j].Title) < e.cfg.Threshold {
				continue
			}
			ri, rj := find(i), find(j)
			if ri == rj {
				continue
			}
			if ri < rj {
				parent[rj] = ri
			} else {
				parent[ri] = rj
			}
		}
	}

	var merges []Merge
	survivors := make(map[int]*domain.Event)
	order := make([]int, 0, len(pool))
	for i := range pool {
		root := find(i)
		if root == i {
			ev := pool[i]
			ev.SourceIDs = append([]int64(nil), ev.SourceIDs...)
			ev.Categories = append([]string(nil), ev.Categories...)
			survivors[i] = &ev
			order = append(order, i)
		}
	}
	for i := range pool {
		root := find(i)
		if root == i {
			continue
		}
		rep := survivors[root]
		absorb(rep, pool[i])
		merges = append(merges, Merge{From: pool[i].ID, Into: rep.ID, FromCluster: pool[i].ClusterID, IntoCluster: rep.ClusterID})
	}

	out := make([]domain.Event, 0, len(order)+len(passthrough))
	for _, i := range order {
		out = append(out, *survivors[i])
	}
	out = append(out, passthrough...)
	return out, merges
}

func absorb(rep *domain.Event, other domain.Event) {
	for _, id := range other.SourceIDs {
		if !hasInt(rep.SourceIDs, id) {
			rep.SourceIDs = append(rep.SourceIDs, id)
		}
	}
	for _, cat := range other.Categories {
		if cat == domain.CategoryUnclassified {
			continue
		}
		if !rep.HasCategory(cat) {
			rep.Categories = append(rep.Categories, cat)
		}
	}
	if len(rep.Categories) > 1 && rep.HasCategory(domain.CategoryUnclassified) {
		kept := make([]string, 0, len(rep.Categories))
		for _, c := range rep.Categories {
			if c != domain.CategoryUnclassified {
				kept = append(kept, c)
			}
		}
		rep.Categories = kept
	}
	if other.TrustTier > 0 && (rep.TrustTier == 0 || other.TrustTier < rep.TrustTier) {
		rep.TrustTier = other.TrustTier
	}
	if confidenceRank(other.Confidence) > confidenceRank(rep.Confidence) {
		rep.Confidence = other.Confidence
	}
	rep.Confidence = domain.CapConfidence(rep.Confidence, rep.TrustTier)
	rep.BreakingChange = rep.BreakingChange || other.BreakingChange
	rep.LaunchSignal = rep.LaunchSignal || other.LaunchSignal
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

func hasString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hasInt(list []int64, v int64) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

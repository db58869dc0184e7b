package domain

import (
	"context"
	"time"
)

// Connector выгружает свежие записи источника. Реализация своя для каждого FetchMethod.
type Connector interface {
	Fetch(ctx context.Context, source Source) ([]ConnectorRecord, error)
}

// SummaryResult содержит структурированный ответ суммаризатора. Ему нельзя доверять без проверки.
type SummaryResult struct {
	Headline           string
	Facts              []Fact
	Rationale          string
	Citations          []string
	Confidence         Confidence
	BreakingChange     bool
	SeveritySuggestion Severity
}

// Summarizer строит краткое содержание текста кластера.
type Summarizer interface {
	Summarize(ctx context.Context, text string, trustTier int) (SummaryResult, error)
}

// ClassifierGuess описывает догадку внешнего классификатора.
type ClassifierGuess struct {
	Category   string  `json:"category"`
	Company    string  `json:"company,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Classifier определяет внешний классификатор (LLM) для кластеров без совпадений по правилам.
type Classifier interface {
	Classify(ctx context.Context, text string) (ClassifierGuess, error)
}

// HealthNotifier получает уведомления о смене здоровья источников.
type HealthNotifier interface {
	NotifyHealthChange(ctx context.Context, change HealthChange) error
}

// SourceRepo управляет реестром источников. Источники не удаляются, только отключаются.
type SourceRepo interface {
	ListSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id int64) (Source, error)
	UpsertSource(ctx context.Context, source Source) (Source, error)
	UpdateSourceHealth(ctx context.Context, source Source) error
}

// RecordRepo хранит сырые записи.
type RecordRepo interface {
	FingerprintExists(ctx context.Context, sourceID int64, fingerprint string) (bool, error)
	// SaveRecord возвращает false, если пара (source, external id) уже сохранена и обработана.
	SaveRecord(ctx context.Context, record *RawRecord) (bool, error)
	AttachCluster(ctx context.Context, recordID, clusterID int64) error
}

// ClusterRepo хранит кластеры.
type ClusterRepo interface {
	ListRecentClusters(ctx context.Context, since time.Time) ([]Cluster, error)
	// ClustersByFingerprint ищет кластеры с отпечатком без ограничения по давности.
	ClustersByFingerprint(ctx context.Context, fingerprint string) ([]Cluster, error)
	SaveCluster(ctx context.Context, cluster Cluster) (Cluster, error)
}

// EventFilter ограничивает выборку событий.
type EventFilter struct {
	From       time.Time
	To         time.Time
	Categories []string
	MinScore   float64
	Limit      uint64
}

// EventRepo хранит события.
type EventRepo interface {
	GetEventByCluster(ctx context.Context, clusterID int64) (Event, error)
	// SaveEvent вставляет событие или обновляет его, пока оно не закреплено за дайджестом.
	SaveEvent(ctx context.Context, event Event) (Event, error)
	ListUnassigned(ctx context.Context, filter EventFilter) ([]Event, error)
	ListByDigest(ctx context.Context, digestID int64) ([]Event, error)
	// ClaimEvent выставляет ссылку на дайджест, только если она пуста или уже равна digestID.
	ClaimEvent(ctx context.Context, eventID, digestID int64, section string) (bool, error)
	// MergeEvent поглощает событие вместе с его кластером одной транзакцией.
	MergeEvent(ctx context.Context, merge EventMerge) error
}

// DigestRepo сохраняет и возвращает дайджесты.
type DigestRepo interface {
	// SaveDigest создаёт или перезаписывает дайджест за дату.
	SaveDigest(ctx context.Context, digest Digest) (Digest, error)
	GetDigest(ctx context.Context, date time.Time) (Digest, error)
}

// Cache используется для простых TTL-хранилищ и блокировок.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	// Lock захватывает ключ на ttl. Возвращает false, если ключ занят.
	Lock(key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

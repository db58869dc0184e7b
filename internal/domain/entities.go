package domain

import "time"

// Priority задаёт класс приоритета источника при планировании.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank возвращает порядковый номер приоритета: чем меньше, тем раньше источник опрашивается.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Health описывает состояние здоровья источника.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDead     Health = "dead"
)

// Severity описывает метку важности события.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Rank упорядочивает severity: HIGH > MEDIUM > LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid сообщает, что значение входит в закрытый набор.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Confidence описывает степень подтверждённости события.
type Confidence string

const (
	ConfidenceConfirmed  Confidence = "confirmed"
	ConfidenceLikely     Confidence = "likely"
	ConfidenceUnverified Confidence = "unverified"
)

// InitialConfidence выводит стартовую уверенность из уровня доверия источника.
func InitialConfidence(tier int) Confidence {
	switch tier {
	case 1:
		return ConfidenceConfirmed
	case 2:
		return ConfidenceLikely
	default:
		return ConfidenceUnverified
	}
}

// CapConfidence не даёт событиям из источников третьего и четвёртого уровня стать confirmed.
func CapConfidence(c Confidence, tier int) Confidence {
	switch c {
	case ConfidenceConfirmed, ConfidenceLikely, ConfidenceUnverified:
	default:
		return InitialConfidence(tier)
	}
	if tier >= 3 && c == ConfidenceConfirmed {
		return ConfidenceLikely
	}
	return c
}

// Source описывает опрашиваемый источник.
type Source struct {
	ID                int64
	Slug              string
	Name              string
	URL               string
	FetchMethod       string
	CompanySlug       string
	CompanyName       string
	ProductLine       string
	DefaultCategories []string
	// ParseRules задаёт настройки коннектора: сопоставление полей, селекторы, валидаторы ленты или репозиторий.
	ParseRules    map[string]string
	PollInterval  time.Duration
	TrustTier     int
	Priority      Priority
	Enabled       bool
	Health        Health
	FailureStreak int
	DegradedSince *time.Time
	LastFetchedAt *time.Time
	LastItemAt    *time.Time
	ItemsTotal    int64
	CreatedAt     time.Time
}

// FetchOutcome описывает результат одной попытки опроса источника.
type FetchOutcome struct {
	At           time.Time
	Err          error
	NewItems     int
	LatestItemAt *time.Time
}

// HealthChange фиксирует переход состояния здоровья источника.
type HealthChange struct {
	SourceID int64
	Slug     string
	From     Health
	To       Health
	Reason   string
	At       time.Time
}

// ConnectorRecord описывает нормализованную запись, которую возвращает коннектор.
type ConnectorRecord struct {
	ExternalID  string
	URL         string
	Title       string
	Text        string
	HTML        string
	PublishedAt *time.Time
	FetchedAt   time.Time
	Meta        map[string]any
}

// RawRecord хранит сохранённый результат опроса.
type RawRecord struct {
	ID          int64
	SourceID    int64
	ExternalID  string
	URL         string
	Title       string
	Text        string
	Fingerprint string
	PublishedAt time.Time
	FetchedAt   time.Time
	Meta        map[string]any
	Duplicate   bool
	ClusterID   int64
}

// Cluster объединяет записи об одном и том же событии.
type Cluster struct {
	ID             int64
	CanonicalTitle string
	CanonicalTier  int
	CompanySlug    string
	Members        []int64
	Fingerprints   []string
	SourceIDs      []int64
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	EventCount     int
	CreatedAt      time.Time
	// Closed выставляется, когда событие кластера уже попало в дайджест.
	Closed bool
}

// Fact содержит утверждение из суммаризации вместе с источником.
type Fact struct {
	Text     string `json:"text"`
	Citation string `json:"citation"`
}

// Summary содержит краткое содержание события.
type Summary struct {
	Headline  string   `json:"headline"`
	Short     string   `json:"short"`
	Facts     []Fact   `json:"facts"`
	Rationale string   `json:"rationale"`
	Citations []string `json:"citations"`
}

// Event описывает разрешённую и оценённую единицу дайджеста, одну на кластер.
type Event struct {
	ID             int64
	ClusterID      int64
	Title          string
	URL            string
	Text           string
	CompanySlug    string
	Company        string
	ProductLine    string
	Categories     []string
	SourceIDs      []int64
	TrustTier      int
	Severity       Severity
	SeverityHint   Severity
	BreakingChange bool
	LaunchSignal   bool
	Spam           bool
	// Duplicate отмечает точную копию события, которое уже попало в дайджест.
	Duplicate      bool
	ImpactScore    float64
	Confidence     Confidence
	Novelty        float64
	Signals        map[string]float64
	Summary        Summary
	SummaryMissing bool
	Reasons        []string
	DigestID       *int64
	Section        string
	MergedInto     *int64
	PublishedAt    time.Time
	CreatedAt      time.Time
}

// Frozen сообщает, что событие уже закреплено за дайджестом.
func (e Event) Frozen() bool { return e.DigestID != nil }

// HasCategory проверяет наличие категории у события.
func (e Event) HasCategory(category string) bool {
	for _, c := range e.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// EventMerge описывает поглощение события From событием Into вместе с их кластерами.
type EventMerge struct {
	From        int64
	Into        int64
	FromCluster int64
	IntoCluster int64
}

// DigestSection описывает одну секцию дайджеста с упорядоченными событиями.
type DigestSection struct {
	Name     string  `json:"name"`
	EventIDs []int64 `json:"event_ids"`
}

// Digest описывает дайджест за календарный день.
type Digest struct {
	ID          int64
	Date        time.Time
	Sections    []DigestSection
	EventCount  int
	GeneratedAt time.Time
	CodeVersion string
}

// Section возвращает секцию по имени.
func (d Digest) Section(name string) (DigestSection, bool) {
	for _, s := range d.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return DigestSection{}, false
}

// UserContext описывает персонализацию для скоринга.
type UserContext struct {
	FollowedCompanies  []string
	FollowedCategories []string
}

// Personalized сообщает, что контекст задаёт хоть какие-то предпочтения.
func (u UserContext) Personalized() bool {
	return len(u.FollowedCompanies) > 0 || len(u.FollowedCategories) > 0
}

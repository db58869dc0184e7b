package rank

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"ai-digest/internal/domain"
)

// Rule описывает строку таблицы severity. Все заданные условия должны выполняться одновременно.
type Rule struct {
	Name             string          `yaml:"name"`
	Categories       []string        `yaml:"categories,omitempty"`
	Keywords         []string        `yaml:"keywords,omitempty"`
	MinPercentChange float64         `yaml:"min_percent_change,omitempty"`
	MaxDeadlineDays  float64         `yaml:"max_deadline_days,omitempty"`
	MaxTier          int             `yaml:"max_tier,omitempty"`
	Severity         domain.Severity `yaml:"severity"`
}

// RuleSet хранит упорядоченную таблицу правил. Срабатывает первое подходящее.
type RuleSet struct {
	Default domain.Severity `yaml:"default"`
	Rules   []Rule          `yaml:"rules"`
}

// DefaultRules возвращает встроенную таблицу на случай, когда файл не задан.
func DefaultRules() RuleSet {
	return RuleSet{
		Default: domain.SeverityLow,
		Rules: []Rule{
			{Name: "new-model", Categories: []string{domain.CategoryNewModel}, Severity: domain.SeverityHigh},
			{Name: "incident", Keywords: []string{"outage", "breach", "security incident"}, Severity: domain.SeverityHigh},
			{Name: "pricing-change", Categories: []string{domain.CategoryPricing, domain.CategoryRateLimits}, MinPercentChange: 20, Severity: domain.SeverityHigh},
			{Name: "near-deadline", Categories: []string{domain.CategoryDeprecation, domain.CategoryAPIChange, domain.CategoryPolicy}, MaxDeadlineDays: 90, Severity: domain.SeverityHigh},
			{Name: "lifecycle", Keywords: []string{"deprecat", "end of life", "major release", "breaking"}, Severity: domain.SeverityHigh},
			{Name: "first-party-dev", Categories: []string{domain.CategorySDK, domain.CategoryAPIChange}, MaxTier: 1, Severity: domain.SeverityMedium},
			{Name: "feature", Keywords: []string{"new feature", "update", "release", "upgrade", "support", "launch", "available", "introduces"}, Severity: domain.SeverityMedium},
		},
	}
}

// LoadRules читает таблицу из YAML. Пустой путь означает встроенную таблицу.
func LoadRules(path string) (RuleSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("чтение правил severity: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules разбирает YAML и проверяет значения severity.
func ParseRules(raw []byte) (RuleSet, error) {
	var set RuleSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return RuleSet{}, fmt.Errorf("разбор правил severity: %w", err)
	}
	if set.Default == "" {
		set.Default = domain.SeverityLow
	}
	set.Default = domain.Severity(strings.ToUpper(string(set.Default)))
	if !set.Default.Valid() {
		return RuleSet{}, fmt.Errorf("правила severity: неизвестное значение по умолчанию %q", set.Default)
	}
	for i := range set.Rules {
		rule := &set.Rules[i]
		rule.Severity = domain.Severity(strings.ToUpper(string(rule.Severity)))
		if !rule.Severity.Valid() {
			return RuleSet{}, fmt.Errorf("правило %q: неизвестная severity %q", rule.Name, rule.Severity)
		}
		for j, kw := range rule.Keywords {
			rule.Keywords[j] = strings.ToLower(kw)
		}
	}
	return set, nil
}

// Magnitudes содержит числовые признаки события для пороговых правил.
type Magnitudes struct {
	PercentChange float64
	DeadlineDays  float64
	HasDeadline   bool
}

var (
	percentRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	deadlineRe = regexp.MustCompile(`(\d+)\s*(days?|weeks?|months?)`)
)

// ExtractMagnitudes берёт величины из сигналов события, а при их отсутствии ищет в тексте.
func ExtractMagnitudes(signals map[string]float64, text string) Magnitudes {
	var m Magnitudes
	if v, ok := signals["percent_change"]; ok {
		m.PercentChange = abs(v)
	} else {
		for _, match := range percentRe.FindAllStringSubmatch(text, -1) {
			if v, err := strconv.ParseFloat(match[1], 64); err == nil && v > m.PercentChange {
				m.PercentChange = v
			}
		}
	}
	if v, ok := signals["deadline_days"]; ok {
		m.DeadlineDays = v
		m.HasDeadline = true
		return m
	}
	for _, match := range deadlineRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(match[2], "week"):
			n *= 7
		case strings.HasPrefix(match[2], "month"):
			n *= 30
		}
		if !m.HasDeadline || n < m.DeadlineDays {
			m.DeadlineDays = n
			m.HasDeadline = true
		}
	}
	return m
}

func (r Rule) matches(ev domain.Event, text string, mag Magnitudes) bool {
	if len(r.Categories) > 0 && !anyCategory(ev, r.Categories) {
		return false
	}
	if len(r.Keywords) > 0 && !anyKeyword(text, r.Keywords) {
		return false
	}
	if r.MinPercentChange > 0 && mag.PercentChange <= r.MinPercentChange {
		return false
	}
	if r.MaxDeadlineDays > 0 && (!mag.HasDeadline || mag.DeadlineDays >= r.MaxDeadlineDays) {
		return false
	}
	if r.MaxTier > 0 && (ev.TrustTier <= 0 || ev.TrustTier > r.MaxTier) {
		return false
	}
	return len(r.Categories) > 0 || len(r.Keywords) > 0 || r.MinPercentChange > 0 || r.MaxDeadlineDays > 0 || r.MaxTier > 0
}

func anyCategory(ev domain.Event, categories []string) bool {
	for _, c := range categories {
		if ev.HasCategory(c) {
			return true
		}
	}
	return false
}

func anyKeyword(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

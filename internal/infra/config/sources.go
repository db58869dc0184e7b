package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ai-digest/internal/domain"
)

// SourceSeed описывает источник в YAML-файле начального заполнения.
type SourceSeed struct {
	Slug              string            `yaml:"slug"`
	Name              string            `yaml:"name"`
	URL               string            `yaml:"url"`
	FetchMethod       string            `yaml:"fetch_method"`
	CompanySlug       string            `yaml:"company_slug"`
	CompanyName       string            `yaml:"company_name"`
	ProductLine       string            `yaml:"product_line"`
	DefaultCategories []string          `yaml:"default_categories"`
	ParseRules        map[string]string `yaml:"parse_rules"`
	PollInterval      time.Duration     `yaml:"poll_interval"`
	TrustTier         int               `yaml:"trust_tier"`
	Priority          string            `yaml:"priority"`
	Disabled          bool              `yaml:"disabled"`
}

type seedFile struct {
	Sources []SourceSeed `yaml:"sources"`
}

// LoadSources читает файл источников и проверяет обязательные поля.
func LoadSources(path string) ([]domain.Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение источников: %w", err)
	}
	return ParseSources(raw)
}

// ParseSources разбирает YAML со списком источников.
func ParseSources(raw []byte) ([]domain.Source, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("разбор источников: %w", err)
	}
	out := make([]domain.Source, 0, len(file.Sources))
	seen := make(map[string]struct{}, len(file.Sources))
	for i, s := range file.Sources {
		if strings.TrimSpace(s.URL) == "" || strings.TrimSpace(s.Slug) == "" {
			return nil, fmt.Errorf("источник #%d: slug и url обязательны", i+1)
		}
		if s.TrustTier < 1 || s.TrustTier > 4 {
			return nil, fmt.Errorf("источник %s: trust_tier должен быть от 1 до 4, получено %d", s.Slug, s.TrustTier)
		}
		if _, dup := seen[s.URL]; dup {
			return nil, fmt.Errorf("источник %s: url %s повторяется", s.Slug, s.URL)
		}
		seen[s.URL] = struct{}{}

		priority := domain.Priority(strings.ToLower(strings.TrimSpace(s.Priority)))
		if priority == "" {
			priority = domain.PriorityNormal
		}
		interval := s.PollInterval
		if interval <= 0 {
			interval = time.Hour
		}
		name := s.Name
		if name == "" {
			name = s.Slug
		}
		out = append(out, domain.Source{
			Slug:              s.Slug,
			Name:              name,
			URL:               s.URL,
			FetchMethod:       s.FetchMethod,
			CompanySlug:       s.CompanySlug,
			CompanyName:       s.CompanyName,
			ProductLine:       s.ProductLine,
			DefaultCategories: s.DefaultCategories,
			ParseRules:        s.ParseRules,
			PollInterval:      interval,
			TrustTier:         s.TrustTier,
			Priority:          priority,
			Enabled:           !s.Disabled,
			Health:            domain.HealthHealthy,
		})
	}
	return out, nil
}

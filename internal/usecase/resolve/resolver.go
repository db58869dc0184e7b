package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// Способ, которым определена компания.
const (
	MethodSource     = "source"
	MethodKeyword    = "keyword"
	MethodClassifier = "classifier"
	MethodNone       = "none"
)

const classifierCacheTTL = 7 * 24 * time.Hour

// Company описывает известную компанию для поиска по ключевым словам.
type Company struct {
	Slug    string
	Name    string
	Aliases []string
}

// Input содержит всё, что резолвер знает о кластере.
type Input struct {
	Source      domain.Source
	Title       string
	Text        string
	Fingerprint string
	Meta        map[string]any
}

// Resolution хранит итог разрешения сущности и категорий.
type Resolution struct {
	CompanySlug    string
	Company        string
	ProductLine    string
	Categories     []string
	BreakingChange bool
	LaunchSignal   bool
	Spam           bool
	CompanyMethod  string
	// Classified выставляется, когда категории пришли от внешнего классификатора.
	Classified bool
}

// Resolver определяет компанию, продукт и категории кластера.
type Resolver struct {
	classifier domain.Classifier
	cache      domain.Cache
	companies  []Company
	log        zerolog.Logger
}

// Option настраивает Resolver.
type Option func(*Resolver)

// WithClassifier подключает внешний классификатор.
func WithClassifier(c domain.Classifier) Option {
	return func(r *Resolver) { r.classifier = c }
}

// WithCache включает кэш ответов классификатора.
func WithCache(c domain.Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithCompanies задаёт словарь известных компаний.
func WithCompanies(list []Company) Option {
	return func(r *Resolver) { r.companies = append([]Company(nil), list...) }
}

// NewResolver создаёт резолвер.
func NewResolver(logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{log: logger.With().Str("component", "resolve").Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CompaniesFromSources собирает словарь компаний из реестра источников.
func CompaniesFromSources(sources []domain.Source) []Company {
	seen := map[string]struct{}{}
	var out []Company
	for _, src := range sources {
		if src.CompanySlug == "" {
			continue
		}
		if _, ok := seen[src.CompanySlug]; ok {
			continue
		}
		seen[src.CompanySlug] = struct{}{}
		out = append(out, Company{Slug: src.CompanySlug, Name: src.CompanyName})
	}
	return out
}

// Resolve применяет правила по порядку: реестр источника, ключевые слова, классификатор.
// Ошибки классификатора не прерывают работу: кластер получает категорию unclassified.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	haystack := strings.ToLower(in.Title + "\n" + in.Text)
	res := Resolution{
		ProductLine:    in.Source.ProductLine,
		BreakingChange: containsAny(haystack, domain.BreakingKeywords),
		Spam:           isNoise(in.Title) || metaFlag(in.Meta, "spam"),
		CompanyMethod:  MethodNone,
	}

	switch {
	case in.Source.CompanySlug != "":
		res.CompanySlug = in.Source.CompanySlug
		res.Company = in.Source.CompanyName
		res.CompanyMethod = MethodSource
	default:
		if c, ok := r.matchCompany(haystack); ok {
			res.CompanySlug = c.Slug
			res.Company = c.Name
			res.CompanyMethod = MethodKeyword
		}
	}

	res.Categories = appendUnique(res.Categories, knownOnly(in.Source.DefaultCategories)...)
	res.Categories = appendUnique(res.Categories, MatchCategories(haystack)...)

	if len(res.Categories) == 0 || res.CompanySlug == "" {
		guess, err := r.classify(ctx, in)
		switch {
		case err == nil:
			if len(res.Categories) == 0 {
				res.Categories = []string{guess.Category}
				res.Classified = true
			}
			if res.CompanySlug == "" && guess.Company != "" {
				res.CompanySlug = slugify(guess.Company)
				res.Company = guess.Company
				res.CompanyMethod = MethodClassifier
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
			r.log.Warn().Err(err).Str("fingerprint", in.Fingerprint).Msg("resolve: классификатор не ответил")
		default:
			r.log.Warn().Err(err).Str("fingerprint", in.Fingerprint).Msg("resolve: классификация не удалась")
		}
	}
	if len(res.Categories) == 0 {
		res.Categories = []string{domain.CategoryUnclassified}
	}

	res.LaunchSignal = containsAny(haystack, domain.LaunchKeywords) ||
		hasAny(res.Categories, domain.CategoryAppLaunch, domain.CategoryNewModel, domain.CategoryOpenSource) ||
		metaFlag(in.Meta, "launch")
	return res, nil
}

func (r *Resolver) matchCompany(haystack string) (Company, bool) {
	for _, c := range r.companies {
		names := append([]string{c.Name, c.Slug}, c.Aliases...)
		for _, name := range names {
			name = strings.ToLower(strings.TrimSpace(name))
			if len(name) < 2 {
				continue
			}
			if containsKeyword(haystack, name) {
				return c, true
			}
		}
	}
	return Company{}, false
}

// classify спрашивает классификатор и принимает ответ только из закрытого набора.
func (r *Resolver) classify(ctx context.Context, in Input) (domain.ClassifierGuess, error) {
	if r.classifier == nil {
		return domain.ClassifierGuess{}, fmt.Errorf("%w: классификатор не настроен", domain.ErrClassificationAmbiguous)
	}
	key := "classify:" + in.Fingerprint
	if r.cache != nil && in.Fingerprint != "" {
		if raw, err := r.cache.Get(key); err == nil && len(raw) > 0 {
			var cached domain.ClassifierGuess
			if err := json.Unmarshal(raw, &cached); err == nil && domain.IsKnownCategory(cached.Category) {
				metrics.ClassifierOutcomes.WithLabelValues("cached").Inc()
				return cached, nil
			}
		}
	}

	guess, err := r.classifier.Classify(ctx, strings.TrimSpace(in.Title+"\n\n"+in.Text))
	if err != nil {
		metrics.ClassifierOutcomes.WithLabelValues("error").Inc()
		return domain.ClassifierGuess{}, err
	}
	guess.Category = strings.ToLower(strings.TrimSpace(guess.Category))
	if !domain.IsKnownCategory(guess.Category) {
		metrics.ClassifierOutcomes.WithLabelValues("ambiguous").Inc()
		return domain.ClassifierGuess{}, fmt.Errorf("%w: %q", domain.ErrClassificationAmbiguous, guess.Category)
	}
	metrics.ClassifierOutcomes.WithLabelValues("accepted").Inc()

	if r.cache != nil && in.Fingerprint != "" {
		if payload, err := json.Marshal(guess); err == nil {
			if err := r.cache.Set(key, payload, classifierCacheTTL); err != nil {
				r.log.Debug().Err(err).Msg("resolve: не удалось сохранить ответ в кэш")
			}
		}
	}
	return guess, nil
}

// MatchCategories возвращает категории в порядке таблицы ключевых слов.
func MatchCategories(haystack string) []string {
	var out []string
	for _, rule := range domain.CategoryKeywords {
		if containsAny(haystack, rule.Keywords) {
			out = append(out, rule.Category)
		}
	}
	return out
}

func isNoise(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, n := range domain.NoiseTitles {
		if t == n {
			return true
		}
	}
	return false
}

func metaFlag(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func knownOnly(list []string) []string {
	var out []string
	for _, c := range list {
		if domain.IsKnownCategory(c) {
			out = append(out, c)
		}
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !hasAny(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func hasAny(list []string, values ...string) bool {
	for _, item := range list {
		for _, v := range values {
			if item == v {
				return true
			}
		}
	}
	return false
}

func slugify(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !isWordRune(r)
	})
	return strings.Join(fields, "-")
}

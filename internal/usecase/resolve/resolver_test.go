package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-digest/internal/domain"
)

type fakeClassifier struct {
	guess domain.ClassifierGuess
	err   error
	calls int
}

func (f *fakeClassifier) Classify(context.Context, string) (domain.ClassifierGuess, error) {
	f.calls++
	return f.guess, f.err
}

type memCache struct {
	data map[string][]byte
}

func (m *memCache) Once(string, time.Duration, func() error) error { return nil }
func (m *memCache) Set(key string, value []byte, _ time.Duration) error {
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = value
	return nil
}
func (m *memCache) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return v, nil
}
func (m *memCache) Lock(string, time.Duration) (func(), bool, error) { return func() {}, true, nil }

func TestSourceMappingWins(t *testing.T) {
	r := NewResolver(zerolog.Nop(), WithCompanies([]Company{{Slug: "globex", Name: "Globex"}}))
	src := domain.Source{CompanySlug: "acme", CompanyName: "Acme", ProductLine: "Acme API"}

	res, err := r.Resolve(context.Background(), Input{Source: src, Title: "Globex and Acme deprecate v1 API endpoints"})
	require.NoError(t, err)
	assert.Equal(t, "acme", res.CompanySlug)
	assert.Equal(t, MethodSource, res.CompanyMethod)
	assert.Equal(t, "Acme API", res.ProductLine)
	assert.Equal(t, []string{domain.CategoryDeprecation, domain.CategoryAPIChange}, res.Categories)
	assert.True(t, res.BreakingChange)
}

func TestKeywordCompanyMatch(t *testing.T) {
	r := NewResolver(zerolog.Nop(), WithCompanies([]Company{{Slug: "globex", Name: "Globex Corp", Aliases: []string{"globex"}}}))

	res, err := r.Resolve(context.Background(), Input{Title: "Globex raises pricing for the Pro tier"})
	require.NoError(t, err)
	assert.Equal(t, "globex", res.CompanySlug)
	assert.Equal(t, MethodKeyword, res.CompanyMethod)
	assert.Contains(t, res.Categories, domain.CategoryPricing)
}

func TestClassifierAcceptedAndCached(t *testing.T) {
	classifier := &fakeClassifier{guess: domain.ClassifierGuess{Category: "Funding", Confidence: 0.8}}
	cache := &memCache{}
	r := NewResolver(zerolog.Nop(), WithClassifier(classifier), WithCache(cache))
	in := Input{Source: domain.Source{CompanySlug: "acme"}, Title: "Quarterly note from the team", Fingerprint: "fp1"}

	res, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CategoryFunding}, res.Categories)
	assert.True(t, res.Classified)

	res, err = r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CategoryFunding}, res.Categories)
	assert.Equal(t, 1, classifier.calls)
}

func TestClassifierOutOfSetFallsBackToUnclassified(t *testing.T) {
	classifier := &fakeClassifier{guess: domain.ClassifierGuess{Category: "gossip"}}
	r := NewResolver(zerolog.Nop(), WithClassifier(classifier))

	res, err := r.Resolve(context.Background(), Input{Source: domain.Source{CompanySlug: "acme"}, Title: "Quarterly note from the team"})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CategoryUnclassified}, res.Categories)
	assert.False(t, res.Classified)
}

func TestClassifierErrorDoesNotBlock(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("boom")}
	r := NewResolver(zerolog.Nop(), WithClassifier(classifier))

	res, err := r.Resolve(context.Background(), Input{Title: "Quarterly note from the team"})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CategoryUnclassified}, res.Categories)
	assert.Empty(t, res.CompanySlug)
}

func TestSpamAndLaunchSignals(t *testing.T) {
	r := NewResolver(zerolog.Nop())

	res, err := r.Resolve(context.Background(), Input{Source: domain.Source{CompanySlug: "acme"}, Title: "Updates"})
	require.NoError(t, err)
	assert.True(t, res.Spam)

	res, err = r.Resolve(context.Background(), Input{Source: domain.Source{CompanySlug: "indie"}, Title: "Show HN: we launched a coding assistant", Meta: map[string]any{"points": 120}})
	require.NoError(t, err)
	assert.True(t, res.LaunchSignal)
	assert.False(t, res.Spam)
}

func TestContainsKeywordBoundaries(t *testing.T) {
	assert.False(t, containsKeyword("venture capital news", "api"))
	assert.True(t, containsKeyword("new apis for search", "api"))
	assert.True(t, containsKeyword("deprecation notice", "deprecat"))
	assert.False(t, containsKeyword("rapid growth", "api"))
	assert.False(t, containsKeyword("apiary", "api"))
}

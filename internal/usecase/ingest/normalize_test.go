package ingest

import (
	"errors"
	"testing"
	"time"

	"ai-digest/internal/domain"
)

var fetched = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func TestNormalizeRejectsMissingURL(t *testing.T) {
	_, err := Normalize(domain.Source{ID: 1}, domain.ConnectorRecord{Title: "x"}, fetched)
	if !errors.Is(err, domain.ErrMalformedSourceData) {
		t.Fatalf("ожидали ErrMalformedSourceData, получили %v", err)
	}
}

func TestNormalizeRejectsMissingFetchTime(t *testing.T) {
	_, err := Normalize(domain.Source{ID: 1}, domain.ConnectorRecord{URL: "https://a.example"}, time.Time{})
	if !errors.Is(err, domain.ErrMalformedSourceData) {
		t.Fatalf("ожидали ErrMalformedSourceData, получили %v", err)
	}
}

func TestNormalizeFingerprintIgnoresCaseAndSpacing(t *testing.T) {
	src := domain.Source{ID: 1}
	a, err := Normalize(src, domain.ConnectorRecord{URL: "https://a.example/x", Title: "Acme  Releases Model", Text: "Body\n text"}, fetched)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	b, err := Normalize(src, domain.ConnectorRecord{URL: "https://a.example/x", Title: "acme releases model", Text: "body text"}, fetched)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("отпечатки должны совпасть: %s и %s", a.Fingerprint, b.Fingerprint)
	}
	if a.ExternalID != "https://a.example/x" {
		t.Fatalf("без внешнего ID используется URL, получили %q", a.ExternalID)
	}
	if !a.PublishedAt.Equal(fetched) {
		t.Fatalf("без даты публикации используется время выгрузки, получили %v", a.PublishedAt)
	}
}

func TestNormalizeExtractsTextFromHTML(t *testing.T) {
	rec := domain.ConnectorRecord{
		URL:   "https://a.example/post",
		Title: "Changelog",
		HTML:  "<html><body><nav>menu</nav><h1>API v2</h1><p>New endpoints are live.</p><script>track()</script></body></html>",
	}
	got, err := Normalize(domain.Source{ID: 1}, rec, fetched)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Text != "API v2New endpoints are live." {
		t.Fatalf("неожиданный текст: %q", got.Text)
	}
}

func TestRepairTitle(t *testing.T) {
	src := domain.Source{Slug: "acme-blog", CompanyName: "Acme"}
	cases := []struct {
		name  string
		title string
		text  string
		want  string
	}{
		{name: "readable", title: "Acme ships agents", want: "Acme ships agents"},
		{name: "repo in title", title: "★ 123 · acme/agent-kit", want: "acme/agent-kit"},
		{name: "text", title: "", text: "Acme opens the beta of its new agent platform", want: "Acme opens the beta of its new agent platform"},
		{name: "company", title: "###", text: "", want: "Acme update"},
	}
	for _, tc := range cases {
		if got := RepairTitle(tc.title, tc.text, src); got != tc.want {
			t.Fatalf("%s: ожидали %q, получили %q", tc.name, tc.want, got)
		}
	}
}

func TestBuildSummaryDropsUncitedFacts(t *testing.T) {
	s := BuildSummary("Acme releases X", domain.SummaryResult{
		Headline:  "",
		Rationale: "first GA model",
		Facts: []domain.Fact{
			{Text: "context 1M", Citation: "https://acme.example/x"},
			{Text: "fastest ever"},
		},
	})
	if s.Headline != "Acme releases X" {
		t.Fatalf("пустой заголовок заменяется названием, получили %q", s.Headline)
	}
	if len(s.Facts) != 1 || s.Facts[0].Text != "context 1M" {
		t.Fatalf("факты без ссылки должны отбрасываться: %+v", s.Facts)
	}
	if s.Short != "Acme releases X: first GA model" {
		t.Fatalf("неожиданное краткое описание %q", s.Short)
	}
}

package config

import (
	"strings"
	"testing"
	"time"

	"ai-digest/internal/domain"
)

func TestParseSources(t *testing.T) {
	raw := []byte(`
sources:
  - slug: acme-blog
    url: https://acme.example/blog
    fetch_method: html_diff
    company_slug: acme
    trust_tier: 1
    priority: HIGH
    poll_interval: 30m
    parse_rules:
      item: article.post
  - slug: hn
    url: https://hn.algolia.com/api/v1/search_by_date?query=llm
    fetch_method: api_poll
    trust_tier: 4
    disabled: true
`)
	sources, err := ParseSources(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("ожидали 2 источника, получили %d", len(sources))
	}
	acme := sources[0]
	if acme.Priority != domain.PriorityHigh || acme.PollInterval != 30*time.Minute || acme.ParseRules["item"] != "article.post" {
		t.Fatalf("неожиданный источник: %+v", acme)
	}
	if acme.Name != "acme-blog" || !acme.Enabled {
		t.Fatalf("имя и флаг включения по умолчанию не выставлены: %+v", acme)
	}
	hn := sources[1]
	if hn.Enabled || hn.PollInterval != time.Hour || hn.Priority != domain.PriorityNormal {
		t.Fatalf("неожиданные значения по умолчанию: %+v", hn)
	}
}

func TestParseSourcesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"без url":     "sources:\n  - slug: a\n    trust_tier: 1\n",
		"плохой tier": "sources:\n  - slug: a\n    url: https://a\n    trust_tier: 7\n",
		"повтор url":  "sources:\n  - slug: a\n    url: https://a\n    trust_tier: 1\n  - slug: b\n    url: https://a\n    trust_tier: 2\n",
		"битый yaml":  "sources: [",
	}
	for name, raw := range cases {
		if _, err := ParseSources([]byte(raw)); err == nil {
			t.Fatalf("%s: ожидали ошибку", name)
		}
	}
}

func TestSeedFileParses(t *testing.T) {
	sources, err := LoadSources("../../../configs/sources.yaml")
	if err != nil {
		t.Fatalf("файл источников не разобран: %v", err)
	}
	methods := map[string]bool{}
	for _, s := range sources {
		if !strings.HasPrefix(s.URL, "https://") {
			t.Fatalf("источник %s: ожидали https url, получили %s", s.Slug, s.URL)
		}
		methods[s.FetchMethod] = true
	}
	for _, m := range []string{"html_diff", "api_poll", "rss", "github_releases", "social_api"} {
		if !methods[m] {
			t.Fatalf("в реестре нет источника со способом %s", m)
		}
	}
}

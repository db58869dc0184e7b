package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("DIGEST_TZ", "Europe/Berlin")
	t.Setenv("FOLLOWED_COMPANIES", "acme,globex")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.Digest.TZ != "Europe/Berlin" || cfg.Digest.Cutoff != 8*time.Hour {
		t.Fatalf("неожиданные настройки окна: %+v", cfg.Digest)
	}
	if cfg.Dedup.Threshold != 0.85 || cfg.Dedup.Window != 7*24*time.Hour || cfg.Dedup.BreadthCap != 3 {
		t.Fatalf("неожиданные пороги кластеризации: %+v", cfg.Dedup)
	}
	if cfg.Health.FailureThreshold != 3 || cfg.Health.DeadAfter != 30*24*time.Hour {
		t.Fatalf("неожиданные пороги здоровья: %+v", cfg.Health)
	}
	if len(cfg.User.FollowedCompanies) != 2 || cfg.User.FollowedCompanies[1] != "globex" {
		t.Fatalf("список компаний не разобран: %v", cfg.User.FollowedCompanies)
	}
}

func TestRequestTimeoutStaysBelowSourceDeadline(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.RequestTimeout() != 8*time.Second || cfg.RequestTimeout() >= cfg.Collector.Timeout {
		t.Fatalf("таймаут попытки %v при дедлайне источника %v", cfg.RequestTimeout(), cfg.Collector.Timeout)
	}

	t.Setenv("COLLECTOR_SOURCE_TIMEOUT", "20s")
	t.Setenv("COLLECTOR_REQUEST_TIMEOUT", "45s")
	cfg, err = Parse()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.RequestTimeout() != 5*time.Second {
		t.Fatalf("ожидали 5s, получили %v", cfg.RequestTimeout())
	}
}

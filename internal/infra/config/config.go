package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	CodeVersion string `envconfig:"CODE_VERSION" default:"dev"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Digest struct {
		TZ       string        `envconfig:"DIGEST_TZ" default:"UTC"`
		Cutoff   time.Duration `envconfig:"DIGEST_CUTOFF" default:"8h"`
		Schedule string        `envconfig:"DIGEST_SCHEDULE" default:"5 8 * * *"`
		LockTTL  time.Duration `envconfig:"DIGEST_LOCK_TTL" default:"10m"`
	} `envconfig:""`

	Collector struct {
		Workers   int           `envconfig:"COLLECTOR_WORKERS" default:"8"`
		Interval  time.Duration `envconfig:"COLLECTOR_INTERVAL" default:"1m"`
		Timeout   time.Duration `envconfig:"COLLECTOR_SOURCE_TIMEOUT" default:"30s"`
		Request   time.Duration `envconfig:"COLLECTOR_REQUEST_TIMEOUT" default:"8s"`
		SourceRPS float64       `envconfig:"COLLECTOR_SOURCE_RPS" default:"1"`
		GlobalRPS float64       `envconfig:"COLLECTOR_GLOBAL_RPS" default:"20"`
		Capacity  int           `envconfig:"COLLECTOR_CAPACITY" default:"0"`
	} `envconfig:""`

	Dedup struct {
		Threshold  float64       `envconfig:"DEDUP_THRESHOLD" default:"0.85"`
		Window     time.Duration `envconfig:"DEDUP_WINDOW" default:"168h"`
		BreadthCap int           `envconfig:"RANK_BREADTH_CAP" default:"3"`
	} `envconfig:""`

	Health struct {
		FailureThreshold int           `envconfig:"HEALTH_FAILURE_THRESHOLD" default:"3"`
		SilenceWindow    time.Duration `envconfig:"HEALTH_SILENCE_WINDOW" default:"168h"`
		DeadAfter        time.Duration `envconfig:"HEALTH_DEAD_AFTER" default:"720h"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"30s"`
	} `envconfig:""`

	GitHubToken string `envconfig:"GITHUB_TOKEN"`

	Telegram struct {
		Token         string  `envconfig:"TG_BOT_TOKEN"`
		AlertChat     int64   `envconfig:"TG_ALERT_CHAT_ID"`
		DigestChat    int64   `envconfig:"TG_DIGEST_CHAT_ID"`
		OperatorChats []int64 `envconfig:"TG_OPERATOR_CHAT_IDS"`
		WebhookSecret string  `envconfig:"TG_WEBHOOK_SECRET"`
	} `envconfig:""`

	User struct {
		FollowedCompanies  []string `envconfig:"FOLLOWED_COMPANIES"`
		FollowedCategories []string `envconfig:"FOLLOWED_CATEGORIES"`
	} `envconfig:""`

	SeverityRulesPath string `envconfig:"SEVERITY_RULES_PATH"`
	SourcesSeedPath   string `envconfig:"SOURCES_SEED_PATH" default:"configs/sources.yaml"`

	Queues struct {
		Digest string `envconfig:"DIGEST_QUEUE_KEY" default:"digest_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse читает конфиг из окружения и возвращает ошибку вместо остановки процесса.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ListenAddr возвращает адрес HTTP API.
func (c AppConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RequestTimeout возвращает таймаут одной HTTP-попытки коннектора.
// Значение всегда меньше общего дедлайна источника.
func (c AppConfig) RequestTimeout() time.Duration {
	total := c.Collector.Timeout
	if c.Collector.Request > 0 && (total <= 0 || c.Collector.Request < total) {
		return c.Collector.Request
	}
	return total / 4
}

package connector

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"ai-digest/internal/domain"
)

// Способы опроса источников.
const (
	MethodAPIPoll        = "api_poll"
	MethodHTMLDiff       = "html_diff"
	MethodRSS            = "rss"
	MethodGitHubReleases = "github_releases"
	MethodSocialAPI      = "social_api"
)

const userAgent = "ai-digest/1.0"

// StatusError описывает неуспешный HTTP-ответ источника.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Code)
}

// Retryable сообщает, имеет ли смысл повторять запрос.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

func isPermanent(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return !status.Retryable()
	}
	return errors.Is(err, domain.ErrMalformedSourceData)
}

// Registry хранит коннекторы по способу опроса.
type Registry struct {
	byMethod map[string]domain.Connector
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{byMethod: map[string]domain.Connector{}}
}

// Register добавляет коннектор.
func (r *Registry) Register(method string, c domain.Connector) *Registry {
	r.byMethod[method] = c
	return r
}

// For возвращает коннектор для способа опроса.
func (r *Registry) For(method string) (domain.Connector, bool) {
	c, ok := r.byMethod[method]
	return c, ok
}

// NewDefaultRegistry собирает стандартный набор коннекторов, каждый обёрнут повторами.
// social_api обслуживается RSS-коннектором: соцсети отдают ленты в RSS/Atom.
// Пустой githubToken означает анонимные запросы к GitHub API.
func NewDefaultRegistry(client *resty.Client, cache domain.Cache, githubToken string, opts ...RetryOption) *Registry {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	rss := NewRetrying(NewRSS(client), opts...)
	return NewRegistry().
		Register(MethodAPIPoll, NewRetrying(NewAPIPoll(client), opts...)).
		Register(MethodHTMLDiff, NewRetrying(NewHTMLDiff(client, cache), opts...)).
		Register(MethodRSS, rss).
		Register(MethodSocialAPI, rss).
		Register(MethodGitHubReleases, NewRetrying(NewGitHubReleases(client, githubToken), opts...))
}

// NewHTTPClient создаёт HTTP-клиент для коннекторов.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent)
}

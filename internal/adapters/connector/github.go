package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// RuleRepo задаёт owner/repo явно, если URL источника не указывает на репозиторий.
const RuleRepo = "repo"

const (
	githubAPI      = "https://api.github.com"
	githubPageSize = "10"
)

type githubRelease struct {
	ID          int64      `json:"id"`
	TagName     string     `json:"tag_name"`
	Name        string     `json:"name"`
	Body        string     `json:"body"`
	HTMLURL     string     `json:"html_url"`
	Draft       bool       `json:"draft"`
	Prerelease  bool       `json:"prerelease"`
	CreatedAt   *time.Time `json:"created_at"`
	PublishedAt *time.Time `json:"published_at"`
}

// GitHubReleases забирает последние релизы репозитория через REST API GitHub.
type GitHubReleases struct {
	client  *resty.Client
	apiBase string
	token   string
	now     func() time.Time
}

var _ domain.Connector = (*GitHubReleases)(nil)

// NewGitHubReleases создаёт коннектор github_releases.
func NewGitHubReleases(client *resty.Client, token string) *GitHubReleases {
	return &GitHubReleases{
		client:  client,
		apiBase: githubAPI,
		token:   token,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Fetch запрашивает /repos/{owner}/{repo}/releases.
func (g *GitHubReleases) Fetch(ctx context.Context, source domain.Source) ([]domain.ConnectorRecord, error) {
	repo, err := RepoFromSource(source)
	if err != nil {
		return nil, err
	}

	req := g.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28").
		SetQueryParam("per_page", githubPageSize)
	if g.token != "" {
		req.SetAuthToken(g.token)
	}

	start := time.Now()
	resp, err := req.Get(g.apiBase + "/repos/" + repo + "/releases")
	if err != nil {
		metrics.ObserveNetworkRequest("connector", MethodGitHubReleases, source.Slug, start, err)
		return nil, fmt.Errorf("github_releases %s: %w", source.Slug, err)
	}
	if resp.IsError() {
		err := &StatusError{URL: resp.Request.URL, Code: resp.StatusCode()}
		metrics.ObserveNetworkRequest("connector", MethodGitHubReleases, source.Slug, start, err)
		return nil, err
	}
	metrics.ObserveNetworkRequest("connector", MethodGitHubReleases, source.Slug, start, nil)

	var releases []githubRelease
	if err := json.Unmarshal(resp.Body(), &releases); err != nil {
		return nil, fmt.Errorf("%w: github_releases %s: %v", domain.ErrMalformedSourceData, source.Slug, err)
	}

	fetchedAt := g.now()
	records := make([]domain.ConnectorRecord, 0, len(releases))
	for _, rel := range releases {
		rec := domain.ConnectorRecord{
			ExternalID: strconv.FormatInt(rel.ID, 10),
			URL:        rel.HTMLURL,
			Title:      releaseTitle(repo, rel),
			Text:       strings.TrimSpace(rel.Body),
			FetchedAt:  fetchedAt,
			Meta: map[string]any{
				"repo":       repo,
				"tag_name":   rel.TagName,
				"prerelease": rel.Prerelease,
				"draft":      rel.Draft,
			},
		}
		if rec.URL == "" {
			rec.URL = "https://github.com/" + repo + "/releases/tag/" + url.PathEscape(rel.TagName)
		}
		published := rel.PublishedAt
		if published == nil {
			published = rel.CreatedAt
		}
		if published != nil {
			t := published.UTC()
			rec.PublishedAt = &t
		}
		records = append(records, rec)
	}
	return records, nil
}

func releaseTitle(repo string, rel githubRelease) string {
	name := strings.TrimSpace(rel.Name)
	if name == "" {
		name = rel.TagName
	}
	_, project, _ := strings.Cut(repo, "/")
	if strings.Contains(strings.ToLower(name), strings.ToLower(project)) {
		return name
	}
	return repo + " " + name
}

// RepoFromSource возвращает owner/repo из ParseRules или из URL вида https://github.com/owner/repo[/releases].
func RepoFromSource(source domain.Source) (string, error) {
	if repo := strings.Trim(source.ParseRules[RuleRepo], "/ "); strings.Count(repo, "/") == 1 {
		return repo, nil
	}
	u, err := url.Parse(source.URL)
	if err != nil || !strings.HasSuffix(u.Hostname(), "github.com") {
		return "", fmt.Errorf("%w: github_releases %s: не удалось определить репозиторий по %q", domain.ErrMalformedSourceData, source.Slug, source.URL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: github_releases %s: в %q нет owner/repo", domain.ErrMalformedSourceData, source.Slug, source.URL)
	}
	return parts[0] + "/" + parts[1], nil
}

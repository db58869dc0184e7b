package connector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// Ключи ParseRules для rss: условный запрос по сохранённым валидаторам ленты.
const (
	RuleETag         = "etag"
	RuleLastModified = "last_modified"
)

// RSS читает ленты RSS, Atom и JSON Feed.
type RSS struct {
	client *resty.Client
	now    func() time.Time
}

var _ domain.Connector = (*RSS)(nil)

// NewRSS создаёт коннектор rss.
func NewRSS(client *resty.Client) *RSS {
	return &RSS{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// Fetch загружает ленту. Ответ 304 означает, что новых записей нет.
func (r *RSS) Fetch(ctx context.Context, source domain.Source) ([]domain.ConnectorRecord, error) {
	req := r.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if etag := source.ParseRules[RuleETag]; etag != "" {
		req.SetHeader("If-None-Match", etag)
	}
	if modified := source.ParseRules[RuleLastModified]; modified != "" {
		req.SetHeader("If-Modified-Since", modified)
	}

	start := time.Now()
	resp, err := req.Get(source.URL)
	if err != nil {
		metrics.ObserveNetworkRequest("connector", MethodRSS, source.Slug, start, err)
		return nil, fmt.Errorf("rss %s: %w", source.Slug, err)
	}
	if resp.IsError() {
		err := &StatusError{URL: source.URL, Code: resp.StatusCode()}
		metrics.ObserveNetworkRequest("connector", MethodRSS, source.Slug, start, err)
		return nil, err
	}
	metrics.ObserveNetworkRequest("connector", MethodRSS, source.Slug, start, nil)
	if resp.StatusCode() == http.StatusNotModified {
		return nil, nil
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("%w: rss %s: %v", domain.ErrMalformedSourceData, source.Slug, err)
	}
	return FeedRecords(feed, source.URL, r.now()), nil
}

// FeedRecords переводит элементы ленты в записи. Элементы без ссылки и заголовка пропускаются.
func FeedRecords(feed *gofeed.Feed, fallbackURL string, fetchedAt time.Time) []domain.ConnectorRecord {
	records := make([]domain.ConnectorRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		link := strings.TrimSpace(item.Link)
		title := strings.TrimSpace(item.Title)
		if link == "" && title == "" {
			continue
		}
		rec := domain.ConnectorRecord{
			ExternalID: strings.TrimSpace(item.GUID),
			URL:        link,
			Title:      title,
			FetchedAt:  fetchedAt,
		}
		if rec.ExternalID == "" {
			rec.ExternalID = link
		}
		if rec.URL == "" {
			rec.URL = fallbackURL
		}

		body := item.Description
		if strings.TrimSpace(body) == "" {
			body = item.Content
		}
		if strings.Contains(body, "<") {
			rec.HTML = body
		} else {
			rec.Text = strings.TrimSpace(body)
		}

		switch {
		case item.PublishedParsed != nil:
			published := item.PublishedParsed.UTC()
			rec.PublishedAt = &published
		case item.UpdatedParsed != nil:
			updated := item.UpdatedParsed.UTC()
			rec.PublishedAt = &updated
		}

		if len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "" {
			rec.Meta = map[string]any{"author": item.Authors[0].Name}
		}
		if len(item.Categories) > 0 {
			if rec.Meta == nil {
				rec.Meta = map[string]any{}
			}
			rec.Meta["categories"] = item.Categories
		}
		records = append(records, rec)
	}
	return records
}

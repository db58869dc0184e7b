package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// Ключи ParseRules для api_poll.
const (
	RulePreset       = "preset"
	RuleItems        = "items"
	RuleID           = "id"
	RuleURL          = "url"
	RuleURLTemplate  = "url_template"
	RuleTitle        = "title"
	RuleText         = "text"
	RulePublished    = "published_at"
	RuleMetaFields   = "meta"
	presetHackerNews = "hn"
)

var apiDefaults = map[string]string{
	RuleID:        "id",
	RuleURL:       "url",
	RuleTitle:     "title",
	RuleText:      "text",
	RulePublished: "published_at",
}

// Поиск Algolia по Hacker News.
var hackerNewsPreset = map[string]string{
	RuleItems:       "hits",
	RuleID:          "objectID",
	RuleURL:         "url",
	RuleURLTemplate: "https://news.ycombinator.com/item?id={id}",
	RuleTitle:       "title",
	RuleText:        "story_text",
	RulePublished:   "created_at",
	RuleMetaFields:  "points,num_comments",
}

// APIPoll забирает JSON-ленту источника и раскладывает элементы по ParseRules.
type APIPoll struct {
	client *resty.Client
	now    func() time.Time
}

var _ domain.Connector = (*APIPoll)(nil)

// NewAPIPoll создаёт коннектор api_poll.
func NewAPIPoll(client *resty.Client) *APIPoll {
	return &APIPoll{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// Fetch выполняет GET по URL источника.
func (a *APIPoll) Fetch(ctx context.Context, source domain.Source) ([]domain.ConnectorRecord, error) {
	start := time.Now()
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(source.URL)
	if err != nil {
		metrics.ObserveNetworkRequest("connector", MethodAPIPoll, source.Slug, start, err)
		return nil, fmt.Errorf("api_poll %s: %w", source.Slug, err)
	}
	if resp.IsError() {
		err := &StatusError{URL: source.URL, Code: resp.StatusCode()}
		metrics.ObserveNetworkRequest("connector", MethodAPIPoll, source.Slug, start, err)
		return nil, err
	}
	metrics.ObserveNetworkRequest("connector", MethodAPIPoll, source.Slug, start, nil)

	var payload any
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("%w: api_poll %s: %v", domain.ErrMalformedSourceData, source.Slug, err)
	}
	return ParseFeed(payload, apiRules(source.ParseRules), a.now())
}

func apiRules(custom map[string]string) map[string]string {
	rules := make(map[string]string, len(apiDefaults))
	for k, v := range apiDefaults {
		rules[k] = v
	}
	if custom[RulePreset] == presetHackerNews {
		for k, v := range hackerNewsPreset {
			rules[k] = v
		}
	}
	for k, v := range custom {
		if k != RulePreset && v != "" {
			rules[k] = v
		}
	}
	return rules
}

// ParseFeed достаёт записи из JSON-ответа. Путь к массиву задаётся через точку (например, data.items);
// пустой путь означает, что массив лежит в корне.
func ParseFeed(payload any, rules map[string]string, fetchedAt time.Time) ([]domain.ConnectorRecord, error) {
	node := payload
	if path := rules[RuleItems]; path != "" {
		for _, key := range strings.Split(path, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: нет поля %q", domain.ErrMalformedSourceData, key)
			}
			node = obj[key]
		}
	}
	items, ok := node.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: ожидали массив элементов", domain.ErrMalformedSourceData)
	}

	metaFields := splitList(rules[RuleMetaFields])
	records := make([]domain.ConnectorRecord, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rec := domain.ConnectorRecord{
			ExternalID: stringField(item, rules[RuleID]),
			URL:        stringField(item, rules[RuleURL]),
			Title:      stringField(item, rules[RuleTitle]),
			FetchedAt:  fetchedAt,
		}
		text := stringField(item, rules[RuleText])
		if strings.Contains(text, "<") {
			rec.HTML = text
		} else {
			rec.Text = text
		}
		if rec.URL == "" && rec.ExternalID != "" && rules[RuleURLTemplate] != "" {
			rec.URL = strings.ReplaceAll(rules[RuleURLTemplate], "{id}", rec.ExternalID)
		}
		if published, ok := timeField(item, rules[RulePublished]); ok {
			rec.PublishedAt = &published
		}
		for _, field := range metaFields {
			if v, ok := item[field]; ok && v != nil {
				if rec.Meta == nil {
					rec.Meta = map[string]any{}
				}
				rec.Meta[field] = v
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func stringField(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func timeField(item map[string]any, key string) (time.Time, bool) {
	switch v := item[key].(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t.UTC(), true
			}
		}
	case float64:
		if v > 0 {
			return time.Unix(int64(v), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package connector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
)

// Ключи ParseRules для html_diff.
const (
	RuleItemSelector  = "item"
	RuleTitleSelector = "title"
	RuleLinkSelector  = "link"
	RuleDateSelector  = "date"
)

const snapshotTTL = 30 * 24 * time.Hour

// HTMLDiff разбирает страницу на блоки и отдаёт только те, которых не было в прошлом снимке.
// Снимок хранится в кэше как набор хэшей блоков.
type HTMLDiff struct {
	client *resty.Client
	cache  domain.Cache
	now    func() time.Time
}

var _ domain.Connector = (*HTMLDiff)(nil)

// NewHTMLDiff создаёт коннектор html_diff. Без кэша каждый опрос отдаёт все блоки.
func NewHTMLDiff(client *resty.Client, cache domain.Cache) *HTMLDiff {
	return &HTMLDiff{client: client, cache: cache, now: func() time.Time { return time.Now().UTC() }}
}

// Block описывает один элемент страницы.
type Block struct {
	Hash        string
	Title       string
	Link        string
	Text        string
	PublishedAt *time.Time
}

// Fetch загружает страницу и сравнивает блоки с прошлым снимком.
func (h *HTMLDiff) Fetch(ctx context.Context, source domain.Source) ([]domain.ConnectorRecord, error) {
	start := time.Now()
	resp, err := h.client.R().SetContext(ctx).Get(source.URL)
	if err != nil {
		metrics.ObserveNetworkRequest("connector", MethodHTMLDiff, source.Slug, start, err)
		return nil, fmt.Errorf("html_diff %s: %w", source.Slug, err)
	}
	if resp.IsError() {
		err := &StatusError{URL: source.URL, Code: resp.StatusCode()}
		metrics.ObserveNetworkRequest("connector", MethodHTMLDiff, source.Slug, start, err)
		return nil, err
	}
	metrics.ObserveNetworkRequest("connector", MethodHTMLDiff, source.Slug, start, nil)

	blocks, err := ExtractBlocks(resp.Body(), source.URL, source.ParseRules)
	if err != nil {
		return nil, err
	}

	key := "html_diff:" + strconv.FormatInt(source.ID, 10)
	previous := h.snapshot(key)
	fetchedAt := h.now()
	current := make([]string, 0, len(blocks))
	var records []domain.ConnectorRecord
	for _, b := range blocks {
		current = append(current, b.Hash)
		if _, seen := previous[b.Hash]; seen {
			continue
		}
		records = append(records, domain.ConnectorRecord{
			ExternalID:  b.Hash,
			URL:         b.Link,
			Title:       b.Title,
			Text:        b.Text,
			PublishedAt: b.PublishedAt,
			FetchedAt:   fetchedAt,
		})
	}
	if h.cache != nil {
		if payload, err := json.Marshal(current); err == nil {
			if err := h.cache.Set(key, payload, snapshotTTL); err != nil {
				return nil, fmt.Errorf("html_diff %s: сохранение снимка: %w", source.Slug, err)
			}
		}
	}
	return records, nil
}

func (h *HTMLDiff) snapshot(key string) map[string]struct{} {
	out := map[string]struct{}{}
	if h.cache == nil {
		return out
	}
	raw, err := h.cache.Get(key)
	if err != nil || len(raw) == 0 {
		return out
	}
	var hashes []string
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return out
	}
	for _, hash := range hashes {
		out[hash] = struct{}{}
	}
	return out
}

// ExtractBlocks находит блоки страницы по селекторам из ParseRules.
func ExtractBlocks(body []byte, pageURL string, rules map[string]string) ([]Block, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: html: %v", domain.ErrMalformedSourceData, err)
	}
	base, _ := url.Parse(pageURL)
	itemSel := ruleOr(rules, RuleItemSelector, "article")
	titleSel := ruleOr(rules, RuleTitleSelector, "h1, h2, h3")
	linkSel := ruleOr(rules, RuleLinkSelector, "a[href]")
	dateSel := ruleOr(rules, RuleDateSelector, "time[datetime]")

	var blocks []Block
	seen := map[string]struct{}{}
	doc.Find(itemSel).Each(func(_ int, item *goquery.Selection) {
		item.Find("script, style, noscript").Remove()
		title := collapse(item.Find(titleSel).First().Text())
		text := collapse(item.Text())
		if title == "" && text == "" {
			return
		}
		hash := blockHash(title, text)
		if _, dup := seen[hash]; dup {
			return
		}
		seen[hash] = struct{}{}

		b := Block{Hash: hash, Title: title, Text: text}
		if href, ok := item.Find(linkSel).First().Attr("href"); ok {
			b.Link = resolveLink(base, href)
		}
		if b.Link == "" {
			b.Link = pageURL + "#" + hash[:12]
		}
		if raw, ok := item.Find(dateSel).First().Attr("datetime"); ok {
			if t, ok := parseDate(raw); ok {
				b.PublishedAt = &t
			}
		}
		blocks = append(blocks, b)
	})
	return blocks, nil
}

func blockHash(title, text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(title) + "\x1f" + strings.ToLower(text)))
	return hex.EncodeToString(sum[:])
}

func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func ruleOr(rules map[string]string, key, def string) string {
	if v := strings.TrimSpace(rules[key]); v != "" {
		return v
	}
	return def
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

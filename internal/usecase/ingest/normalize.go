package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"ai-digest/internal/domain"
)

const maxDerivedTitle = 100

var (
	alphaRe = regexp.MustCompile(`[A-Za-zА-Яа-яЁё]{2,}`)
	repoRe  = regexp.MustCompile(`([\w.-]+)\s*/\s*([\w.-]+)`)
)

// Normalize превращает запись коннектора в RawRecord и считает отпечаток.
// Без URL или времени выгрузки возвращает ErrMalformedSourceData.
func Normalize(source domain.Source, rec domain.ConnectorRecord, fetchedAt time.Time) (domain.RawRecord, error) {
	url := strings.TrimSpace(rec.URL)
	if url == "" {
		return domain.RawRecord{}, fmt.Errorf("%w: пустой url", domain.ErrMalformedSourceData)
	}
	if !rec.FetchedAt.IsZero() {
		fetchedAt = rec.FetchedAt
	}
	if fetchedAt.IsZero() {
		return domain.RawRecord{}, fmt.Errorf("%w: нет времени выгрузки", domain.ErrMalformedSourceData)
	}

	text := collapse(rec.Text)
	if text == "" && rec.HTML != "" {
		extracted, err := HTMLToText(rec.HTML)
		if err != nil {
			return domain.RawRecord{}, fmt.Errorf("%w: html: %v", domain.ErrMalformedSourceData, err)
		}
		text = extracted
	}
	title := RepairTitle(collapse(rec.Title), text, source)

	externalID := strings.TrimSpace(rec.ExternalID)
	if externalID == "" {
		externalID = url
	}
	published := fetchedAt
	if rec.PublishedAt != nil && !rec.PublishedAt.IsZero() {
		published = *rec.PublishedAt
	}

	return domain.RawRecord{
		SourceID:    source.ID,
		ExternalID:  externalID,
		URL:         url,
		Title:       title,
		Text:        text,
		Fingerprint: Fingerprint(title, text, url),
		PublishedAt: published.UTC(),
		FetchedAt:   fetchedAt.UTC(),
		Meta:        rec.Meta,
	}, nil
}

// Fingerprint считает sha256 от нормализованной проекции заголовка, текста и URL.
func Fingerprint(title, body, url string) string {
	projection := fold(title) + "\x1f" + fold(body) + "\x1f" + fold(url)
	sum := sha256.Sum256([]byte(projection))
	return hex.EncodeToString(sum[:])
}

// HTMLToText вырезает разметку, скрипты и стили.
func HTMLToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, footer").Remove()
	return collapse(doc.Text()), nil
}

// RepairTitle подбирает читаемый заголовок: сам заголовок, owner/repo,
// начало текста или "<компания> update".
func RepairTitle(title, text string, source domain.Source) string {
	if title != "" && readable(title, 1) {
		return title
	}
	if repo := repoTitle(title); repo != "" {
		return repo
	}
	if repo := repoTitle(text); repo != "" {
		return repo
	}
	if text != "" && readable(text, 2) {
		return strings.TrimSpace(truncateRunes(text, maxDerivedTitle))
	}
	company := source.CompanyName
	if company == "" {
		company = source.Slug
	}
	return strings.TrimSpace(company + " update")
}

func readable(text string, minWords int) bool {
	words := strings.Fields(text)
	if len(words) < minWords {
		return false
	}
	alpha := 0
	for _, w := range words {
		if alphaRe.MatchString(w) {
			alpha++
		}
	}
	return float64(alpha)/float64(len(words)) > 0.3
}

func repoTitle(text string) string {
	m := repoRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1] + "/" + m[2]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fold(s string) string {
	return strings.ToLower(collapse(s))
}

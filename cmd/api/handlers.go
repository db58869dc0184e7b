package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-digest/internal/domain"
	"ai-digest/internal/infra/metrics"
	"ai-digest/internal/usecase/digest"
)

type sourceService interface {
	DueSources(ctx context.Context, now time.Time) ([]domain.Source, error)
	Reenable(ctx context.Context, sourceID int64, now time.Time) (domain.Source, error)
}

type digestService interface {
	Get(ctx context.Context, date time.Time) (domain.Digest, []domain.Event, error)
	Unassigned(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
}

type handlers struct {
	log       zerolog.Logger
	sources   sourceService
	digests   digestService
	queue     domain.DigestQueue
	analytics domain.BusinessMetricRepo
	loc       *time.Location
	now       func() time.Time
}

const dateLayout = "2006-01-02"

// Mount регистрирует маршруты API.
func (h *handlers) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sources/due", h.dueSources)
		r.Post("/sources/{id}/reenable", h.reenableSource)
		r.Get("/events", h.events)
		r.Get("/digests/{date}", h.getDigest)
		r.Post("/digests/{date}", h.requestDigest)
	})
}

type sourceView struct {
	ID            int64      `json:"id"`
	Slug          string     `json:"slug"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	FetchMethod   string     `json:"fetch_method"`
	TrustTier     int        `json:"trust_tier"`
	Priority      string     `json:"priority"`
	Enabled       bool       `json:"enabled"`
	Health        string     `json:"health"`
	FailureStreak int        `json:"failure_streak"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	LastItemAt    *time.Time `json:"last_item_at,omitempty"`
}

func toSourceView(s domain.Source) sourceView {
	return sourceView{
		ID:            s.ID,
		Slug:          s.Slug,
		Name:          s.Name,
		URL:           s.URL,
		FetchMethod:   s.FetchMethod,
		TrustTier:     s.TrustTier,
		Priority:      string(s.Priority),
		Enabled:       s.Enabled,
		Health:        string(s.Health),
		FailureStreak: s.FailureStreak,
		LastFetchedAt: s.LastFetchedAt,
		LastItemAt:    s.LastItemAt,
	}
}

type eventView struct {
	ID             int64          `json:"id"`
	Title          string         `json:"title"`
	URL            string         `json:"url"`
	Company        string         `json:"company,omitempty"`
	Categories     []string       `json:"categories"`
	Severity       string         `json:"severity"`
	Confidence     string         `json:"confidence"`
	BreakingChange bool           `json:"breaking_change"`
	ImpactScore    float64        `json:"impact_score"`
	Novelty        float64        `json:"novelty"`
	TrustTier      int            `json:"trust_tier"`
	SourceIDs      []int64        `json:"source_ids"`
	Summary        domain.Summary `json:"summary"`
	SummaryMissing bool           `json:"summary_missing"`
	Reasons        []string       `json:"reasons,omitempty"`
	Section        string         `json:"section,omitempty"`
	PublishedAt    time.Time      `json:"published_at"`
}

func toEventViews(events []domain.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{
			ID:             ev.ID,
			Title:          ev.Title,
			URL:            ev.URL,
			Company:        ev.Company,
			Categories:     ev.Categories,
			Severity:       string(ev.Severity),
			Confidence:     string(ev.Confidence),
			BreakingChange: ev.BreakingChange,
			ImpactScore:    ev.ImpactScore,
			Novelty:        ev.Novelty,
			TrustTier:      ev.TrustTier,
			SourceIDs:      ev.SourceIDs,
			Summary:        ev.Summary,
			SummaryMissing: ev.SummaryMissing,
			Reasons:        ev.Reasons,
			Section:        ev.Section,
			PublishedAt:    ev.PublishedAt,
		})
	}
	return out
}

func (h *handlers) dueSources(w http.ResponseWriter, r *http.Request) {
	due, err := h.sources.DueSources(r.Context(), h.now())
	if err != nil {
		h.log.Error().Err(err).Msg("api: источники к опросу")
		writeError(w, http.StatusInternalServerError, "failed to list due sources")
		return
	}
	views := make([]sourceView, 0, len(due))
	for _, s := range due {
		views = append(views, toSourceView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": views})
}

func (h *handlers) reenableSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	src, err := h.sources.Reenable(r.Context(), id, h.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		h.log.Error().Err(err).Int64("source_id", id).Msg("api: включение источника")
		writeError(w, http.StatusInternalServerError, "failed to reenable source")
		return
	}
	writeJSON(w, http.StatusOK, toSourceView(src))
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.EventFilter{}
	var err error
	if filter.From, err = h.parseTime(query.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	if filter.To, err = h.parseTime(query.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}
	if raw := query.Get("category"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				filter.Categories = append(filter.Categories, c)
			}
		}
	}
	if raw := query.Get("min_score"); raw != "" {
		if filter.MinScore, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_score")
			return
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.ParseUint(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	events, err := h.digests.Unassigned(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("api: выборка событий")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventViews(events)})
}

// parseTime принимает RFC3339 или дату; дата трактуется как полночь в поясе дайджеста.
func (h *handlers) parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, h.location())
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (h *handlers) location() *time.Location {
	if h.loc == nil {
		return time.UTC
	}
	return h.loc
}

func (h *handlers) getDigest(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(dateLayout, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}
	d, events, err := h.digests.Get(r.Context(), date)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "digest not found")
			return
		}
		h.log.Error().Err(err).Str("date", date.Format(dateLayout)).Msg("api: получение дайджеста")
		writeError(w, http.StatusInternalServerError, "failed to load digest")
		return
	}
	sections := make([]map[string]any, 0, len(d.Sections))
	for _, s := range d.Sections {
		sections = append(sections, map[string]any{"name": s.Name, "event_ids": s.EventIDs})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           d.ID,
		"date":         d.Date.Format(dateLayout),
		"event_count":  d.EventCount,
		"generated_at": d.GeneratedAt,
		"code_version": d.CodeVersion,
		"sections":     sections,
		"events":       toEventViews(events),
		"text":         digest.FormatDigest(d, events),
	})
}

func (h *handlers) requestDigest(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(dateLayout, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}
	job := domain.DigestJob{
		ID:          uuid.NewString(),
		Date:        date,
		RequestedAt: h.now(),
		Cause:       domain.DigestCauseManual,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.log.Error().Err(err).Str("date", date.Format(dateLayout)).Msg("api: постановка дайджеста в очередь")
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue digest")
		return
	}
	metrics.IncDigestRequest(string(job.Cause))
	if h.analytics != nil {
		err := h.analytics.RecordBusinessMetric(r.Context(), domain.BusinessMetric{
			Event:      domain.BusinessMetricEventDigestRequested,
			Metadata:   map[string]any{"job_id": job.ID, "cause": string(job.Cause), "date": date.Format(dateLayout)},
			OccurredAt: job.RequestedAt,
		})
		if err != nil {
			h.log.Error().Err(err).Msg("api: не удалось сохранить бизнес-метрику")
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "date": date.Format(dateLayout)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

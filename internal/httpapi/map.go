package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"mapsync/core-go/internal/cluster"
	"mapsync/core-go/internal/slugset"
)

const (
	mapDefaultFeatures = 500
	mapMaxFeatures     = 5000
)

type bucketSummary struct {
	Status     string              `json:"status"`
	State      cluster.State       `json:"state"`
	Size       int                 `json:"size"`
	Count      int                 `json:"count"`
	Bound      *[4]float64         `json:"bound,omitempty"`
	Slugs      []string            `json:"slugs"`
	Truncation mapTruncationMetric `json:"truncation"`
}

type mapTruncationMetric struct {
	Returned  int     `json:"returned"`
	Limit     int     `json:"limit"`
	Truncated bool    `json:"truncated"`
	Total     *int    `json:"total,omitempty"`
	Warning   *string `json:"warning,omitempty"`
}

func truncation(returned, total, limit int) mapTruncationMetric {
	m := mapTruncationMetric{Returned: returned, Limit: limit, Truncated: total > returned}
	if m.Truncated {
		m.Total = &total
		warning := fmt.Sprintf("Feature cap hit: showing %d of %d.", returned, total)
		m.Warning = &warning
	}
	return m
}

func summarize(b cluster.Bucket, limit int) bucketSummary {
	n := min(b.Size(), limit)
	s := bucketSummary{
		Status:     b.Status,
		State:      b.State,
		Size:       b.Size(),
		Count:      b.Loaded,
		Slugs:      make([]string, 0, n),
		Truncation: truncation(n, b.Size(), limit),
	}
	for _, f := range b.Features[:n] {
		s.Slugs = append(s.Slugs, f.Slug)
	}
	if b.Size() > 0 {
		bound := b.Bound()
		s.Bound = &[4]float64{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}
	}
	return s
}

func (h *Handler) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), mapDefaultFeatures, mapMaxFeatures)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid limit", map[string]any{"error": err.Error()})
		return
	}

	buckets := h.app.Clusters.Buckets()
	resp := make([]bucketSummary, 0, len(buckets))
	for _, b := range buckets {
		resp = append(resp, summarize(b, limit))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBucketGeoJSON(w http.ResponseWriter, r *http.Request) {
	status := slugset.Normalize(chi.URLParam(r, "status"))
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), mapDefaultFeatures, mapMaxFeatures)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid limit", map[string]any{"error": err.Error()})
		return
	}

	b, ok := h.app.Clusters.Bucket(status)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "unknown status", map[string]any{"status": status})
		return
	}

	n := min(b.Size(), limit)
	fc := geojson.NewFeatureCollection()
	for _, f := range b.Features[:n] {
		fc.Append(f.GeoJSON())
	}
	fc.ExtraMembers = geojson.Properties{
		"status":     b.Status,
		"state":      b.State.String(),
		"truncation": truncation(n, b.Size(), limit),
	}

	body, err := fc.MarshalJSON()
	if err != nil {
		h.log.Error().Err(err).Str("status", status).Msg("encode bucket geojson failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode bucket", nil)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(chi.URLParam(r, "slug"))
	f, ok := h.app.Store.Get(slug)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "feature not loaded", map[string]any{"slug": slug})
		return
	}
	body, err := f.GeoJSON().MarshalJSON()
	if err != nil {
		h.log.Error().Err(err).Str("slug", slug).Msg("encode feature failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode feature", nil)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseLimitParam(value string, def, ceiling int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if n < 1 || n > ceiling {
		return 0, fmt.Errorf("limit must be between 1 and %d", ceiling)
	}
	return n, nil
}

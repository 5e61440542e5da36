package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mapsync/core-go/internal/app"
	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/listing"
	"mapsync/core-go/internal/metrics"
	"mapsync/core-go/internal/prefs"
	"mapsync/core-go/internal/slugset"
	"mapsync/core-go/internal/visibility"
)

type Handler struct {
	log     zerolog.Logger
	app     *app.App
	metrics *metrics.Metrics
}

// NewHandler serves the control API of a. A nil app still yields a router
// whose engine routes answer 503.
func NewHandler(log zerolog.Logger, a *app.App) *Handler {
	h := &Handler{log: log, app: a}
	if a != nil {
		h.metrics = a.Metrics
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Use(h.requireApp)

			r.Route("/legend", func(r chi.Router) {
				r.Get("/", h.handleListLegend)
				r.Put("/{slug}/visibility", h.handleSetVisibility(visibility.Legend))
				r.Post("/{slug}/toggle", h.handleToggle(visibility.Legend))
			})
			r.Route("/layers", func(r chi.Router) {
				r.Get("/", h.handleListLayers)
				r.Put("/{slug}/visibility", h.handleSetVisibility(visibility.Layer))
				r.Post("/{slug}/toggle", h.handleToggle(visibility.Layer))
			})

			r.Get("/buckets", h.handleListBuckets)
			r.Get("/buckets/{status}/geojson", h.handleBucketGeoJSON)
			r.Get("/features/{slug}", h.handleGetFeature)

			r.Route("/preferences", func(r chi.Router) {
				r.Get("/", h.handleGetPreferences)
				r.Put("/", h.handleUpdatePreferences)
				r.Post("/reset", h.handleResetPreferences)
			})

			r.Get("/nodes", h.handleListNodes)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) requireApp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.app == nil {
			h.writeError(w, http.StatusServiceUnavailable, "unavailable", "engine not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto the error envelope.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error, msg string) {
	var slugErr *errs.InvalidSlugError
	switch {
	case errors.As(err, &slugErr):
		h.writeError(w, http.StatusNotFound, "not_found", "unknown "+slugErr.Kind, map[string]any{"slug": slugErr.Slug})
	case errors.Is(err, visibility.ErrToggleInProgress):
		h.writeError(w, http.StatusConflict, "conflict", "toggle already in progress", nil)
	case errors.Is(err, listing.ErrNoNextPage), errors.Is(err, listing.ErrNoPreviousPage):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errs.IsNetwork(err), errs.IsMalformed(err):
		h.log.Warn().Err(err).Msg(msg)
		h.writeError(w, http.StatusBadGateway, "upstream_error", msg, map[string]any{"error": err.Error()})
	default:
		h.log.Error().Err(err).Msg(msg)
		h.writeError(w, http.StatusInternalServerError, "internal_error", msg, nil)
	}
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.app == nil {
		h.writeError(w, http.StatusServiceUnavailable, "not_ready", "engine not configured", nil)
		return
	}
	if err := h.app.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "prefs_unavailable", "preference store not ready", map[string]any{"error": err.Error()})
		return
	}
	if !h.app.Ready() {
		h.writeError(w, http.StatusServiceUnavailable, "not_ready", "initial merge still running", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "features": h.app.Store.Len()})
}

func (h *Handler) handleListLegend(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.app.Legend.All())
}

func (h *Handler) handleListLayers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.app.Layers.All())
}

type visibilityUpdate struct {
	Visible *bool `json:"visible"`
}

type visibilityResult struct {
	Dimension string `json:"dimension"`
	Slug      string `json:"slug"`
	Visible   bool   `json:"visible"`
	Changed   bool   `json:"changed"`
}

func (h *Handler) handleSetVisibility(dim visibility.Dimension) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := slugset.Normalize(chi.URLParam(r, "slug"))

		var req visibilityUpdate
		if err := decodeJSONStrict(r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid JSON body", map[string]any{"error": err.Error()})
			return
		}
		if req.Visible == nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "visible is required", nil)
			return
		}

		set := h.app.Visibility.SetLegendVisible
		if dim == visibility.Layer {
			set = h.app.Visibility.SetLayerVisible
		}
		changed, err := set(r.Context(), slug, *req.Visible)
		if err != nil {
			h.writeEngineError(w, err, "set visibility failed")
			return
		}
		h.writeJSON(w, http.StatusOK, visibilityResult{Dimension: string(dim), Slug: slug, Visible: *req.Visible, Changed: changed})
	}
}

func (h *Handler) handleToggle(dim visibility.Dimension) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := slugset.Normalize(chi.URLParam(r, "slug"))

		toggle := h.app.Visibility.ToggleLegend
		if dim == visibility.Layer {
			toggle = h.app.Visibility.ToggleLayer
		}
		visible, err := toggle(r.Context(), slug)
		if err != nil {
			h.writeEngineError(w, err, "toggle visibility failed")
			return
		}
		h.writeJSON(w, http.StatusOK, visibilityResult{Dimension: string(dim), Slug: slug, Visible: visible, Changed: true})
	}
}

type preferencesResponse struct {
	HiddenLegend []string      `json:"hidden_legend"`
	HiddenLayers []string      `json:"hidden_layers"`
	LegendOpen   bool          `json:"legend_open"`
	MapView      prefs.MapView `json:"map_view"`
}

type preferencesUpdate struct {
	LegendOpen *bool          `json:"legend_open,omitempty"`
	MapView    *prefs.MapView `json:"map_view,omitempty"`
}

func (h *Handler) preferences() preferencesResponse {
	p := h.app.Prefs
	return preferencesResponse{
		HiddenLegend: nonNil(p.HiddenLegend()),
		HiddenLayers: nonNil(p.HiddenLayers()),
		LegendOpen:   p.LegendOpen(),
		MapView:      p.MapView(),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (h *Handler) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.preferences())
}

func (h *Handler) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesUpdate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid JSON body", map[string]any{"error": err.Error()})
		return
	}
	if req.MapView != nil {
		v := *req.MapView
		if v.Lat < -90 || v.Lat > 90 || v.Lng < -180 || v.Lng > 180 || v.Zoom < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "map_view out of range", map[string]any{"map_view": v})
			return
		}
	}

	// Setters apply in memory even when the write fails.
	var failed []string
	if req.LegendOpen != nil {
		if err := h.app.Prefs.SetLegendOpen(r.Context(), *req.LegendOpen); err != nil {
			h.log.Warn().Err(err).Str("key", prefs.KeyLegendOpen).Msg("preference_write_failed")
			h.metrics.IncPreferenceWriteFailure()
			failed = append(failed, prefs.KeyLegendOpen)
		}
	}
	if req.MapView != nil {
		if err := h.app.Prefs.SetMapView(r.Context(), *req.MapView); err != nil {
			h.log.Warn().Err(err).Str("key", prefs.KeyMapView).Msg("preference_write_failed")
			h.metrics.IncPreferenceWriteFailure()
			failed = append(failed, prefs.KeyMapView)
		}
	}
	if len(failed) > 0 {
		w.Header().Set("Warning", `199 mapsync "preferences not persisted: `+strings.Join(failed, ",")+`"`)
	}

	h.writeJSON(w, http.StatusOK, h.preferences())
}

func (h *Handler) handleResetPreferences(w http.ResponseWriter, r *http.Request) {
	if err := h.app.ResetPreferences(r.Context()); err != nil {
		h.writeEngineError(w, err, "reset preferences failed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.preferences())
}

func (h *Handler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := 1
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid page", map[string]any{"page": raw})
			return
		}
		page = n
	}

	var (
		result listing.Page
		err    error
	)
	if _, searching := q["search"]; searching {
		result, err = h.app.Listing.SearchPage(r.Context(), q.Get("search"), page)
	} else {
		result, err = h.app.Listing.GetPage(r.Context(), page)
	}
	if err != nil {
		h.writeEngineError(w, err, "list nodes failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

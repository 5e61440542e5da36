package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"mapsync/core-go/internal/app"
	"mapsync/core-go/internal/config"
	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/feature"
	"mapsync/core-go/internal/metrics"
	"mapsync/core-go/internal/prefs"
	"mapsync/core-go/internal/remote"
)

type fakeAPI struct {
	statusesFn func(ctx context.Context) ([]remote.Status, error)
	layersFn   func(ctx context.Context) ([]remote.Layer, error)
	featuresFn func(ctx context.Context, layer string) ([]feature.Feature, error)
	listFn     func(ctx context.Context, q remote.Query) ([]byte, error)
}

func (f fakeAPI) Statuses(ctx context.Context) ([]remote.Status, error) { return f.statusesFn(ctx) }

func (f fakeAPI) Layers(ctx context.Context) ([]remote.Layer, error) { return f.layersFn(ctx) }

func (f fakeAPI) LayerFeatures(ctx context.Context, layer string) ([]feature.Feature, error) {
	return f.featuresFn(ctx, layer)
}

func (f fakeAPI) ListNodes(ctx context.Context, q remote.Query) ([]byte, error) {
	if f.listFn == nil {
		return []byte(`{"count":0,"next":null,"previous":null,"results":[]}`), nil
	}
	return f.listFn(ctx, q)
}

func point(slug, layer, status string, lon, lat float64) feature.Feature {
	return feature.Feature{
		Slug:       slug,
		Layer:      layer,
		Status:     status,
		Geometry:   orb.Point{lon, lat},
		Properties: map[string]any{"name": strings.ToUpper(slug)},
	}
}

func defaultAPI() fakeAPI {
	return fakeAPI{
		statusesFn: func(ctx context.Context) ([]remote.Status, error) {
			return []remote.Status{
				{Slug: "active", Name: "Active", FillColor: "#0f0"},
				{Slug: "planned", Name: "Planned", FillColor: "#999"},
			}, nil
		},
		layersFn: func(ctx context.Context) ([]remote.Layer, error) {
			return []remote.Layer{{Slug: "fiber", Name: "Fiber"}, {Slug: "wifi", Name: "Wifi"}}, nil
		},
		featuresFn: func(ctx context.Context, layer string) ([]feature.Feature, error) {
			switch layer {
			case "fiber":
				return []feature.Feature{
					point("n1", "fiber", "active", 12.5, 41.9),
					point("n2", "fiber", "active", 12.7, 41.7),
					point("n3", "fiber", "planned", 12.6, 41.8),
				}, nil
			case "wifi":
				return []feature.Feature{point("n4", "wifi", "active", 11.0, 43.0)}, nil
			}
			return nil, nil
		},
	}
}

type testServer struct {
	app    *app.App
	router http.Handler
}

func newTestServer(t *testing.T, api fakeAPI, start bool) testServer {
	t.Helper()
	cfg := config.Default()
	cfg.PrefsBackend = config.BackendMemory

	a, err := app.NewWithDeps(context.Background(), cfg, zerolog.Nop(), metrics.New(), api, prefs.NewMemoryStore())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if start {
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.Store.WaitReady(ctx); err != nil {
			t.Fatalf("wait ready: %v", err)
		}
	}
	return testServer{app: a, router: NewHandler(zerolog.Nop(), a).Router()}
}

func (s testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rr, &resp)
	return resp.Error.Code
}

func TestHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(zerolog.Nop(), nil).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz_NilApp(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(zerolog.Nop(), nil).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestReadyz_BeforeAndAfterInitialMerge(t *testing.T) {
	s := newTestServer(t, defaultAPI(), false)
	if rr := s.do(t, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rr.Code)
	}

	if err := s.app.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.app.Store.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if rr := s.do(t, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPI_NilAppIsUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(zerolog.Nop(), nil).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/legend", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestListLegend_CountsReflectLoadedFeatures(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)
	rr := s.do(t, http.MethodGet, "/api/v1/legend", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var entries []struct {
		Slug    string `json:"slug"`
		Visible bool   `json:"visible"`
		Count   int    `json:"count"`
	}
	decodeBody(t, rr, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 legend entries, got %d", len(entries))
	}
	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Slug] = e.Count
	}
	if counts["active"] != 3 || counts["planned"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestSetLegendVisibility(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)

	rr := s.do(t, http.MethodPut, "/api/v1/legend/Planned/visibility", `{"visible":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var res struct {
		Slug    string `json:"slug"`
		Visible bool   `json:"visible"`
		Changed bool   `json:"changed"`
	}
	decodeBody(t, rr, &res)
	if res.Slug != "planned" || res.Visible || !res.Changed {
		t.Fatalf("unexpected result %+v", res)
	}

	// Same value again is a no-op.
	rr = s.do(t, http.MethodPut, "/api/v1/legend/planned/visibility", `{"visible":false}`)
	decodeBody(t, rr, &res)
	if res.Changed {
		t.Fatalf("expected idempotent set to report no change")
	}
	if !s.app.Prefs.IsLegendHidden("planned") {
		t.Fatalf("expected hidden status persisted")
	}
}

func TestSetVisibility_Validation(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)
	cases := map[string]string{
		"empty object":  `{}`,
		"unknown field": `{"visible":true,"extra":1}`,
		"not json":      `nope`,
		"trailing data": `{"visible":true}{}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := s.do(t, http.MethodPut, "/api/v1/layers/fiber/visibility", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if code := errorCode(t, rr); code != "validation_failed" {
				t.Fatalf("expected validation_failed, got %q", code)
			}
		})
	}
}

func TestSetVisibility_UnknownSlug(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)
	rr := s.do(t, http.MethodPut, "/api/v1/layers/lora/visibility", `{"visible":false}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "not_found" {
		t.Fatalf("expected not_found, got %q", code)
	}
}

func TestToggleLayer_HidesItsFeaturesFromBuckets(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)

	rr := s.do(t, http.MethodPost, "/api/v1/layers/fiber/toggle", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var res struct {
		Visible bool `json:"visible"`
	}
	decodeBody(t, rr, &res)
	if res.Visible {
		t.Fatalf("expected fiber hidden after toggle")
	}

	b, _ := s.app.Clusters.Bucket("active")
	if b.Size() != 1 || b.Features[0].Slug != "n4" {
		t.Fatalf("expected only the wifi feature rendered, got %+v", b.Features)
	}
	if entry, _ := s.app.Legend.Get("active"); entry.Count != 3 {
		t.Fatalf("expected legend count unchanged by layer visibility, got %d", entry.Count)
	}
}

func TestListBuckets_Truncation(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)

	rr := s.do(t, http.MethodGet, "/api/v1/buckets?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var buckets []bucketSummary
	decodeBody(t, rr, &buckets)
	if len(buckets) != 2 || buckets[0].Status != "active" {
		t.Fatalf("expected buckets in legend order, got %+v", buckets)
	}
	active := buckets[0]
	if active.Size != 3 || active.Count != 3 || len(active.Slugs) != 2 {
		t.Fatalf("unexpected active bucket %+v", active)
	}
	if !active.Truncation.Truncated || active.Truncation.Total == nil || *active.Truncation.Total != 3 {
		t.Fatalf("expected truncation metric, got %+v", active.Truncation)
	}
	if active.Bound == nil || active.Bound[0] != 11.0 || active.Bound[3] != 43.0 {
		t.Fatalf("unexpected bound %v", active.Bound)
	}
	if buckets[1].Truncation.Truncated {
		t.Fatalf("expected planned bucket untruncated")
	}
}

func TestListBuckets_InvalidLimit(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)
	for _, q := range []string{"0", "abc", "100000"} {
		rr := s.do(t, http.MethodGet, "/api/v1/buckets?limit="+q, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestBucketGeoJSON(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)

	rr := s.do(t, http.MethodGet, "/api/v1/buckets/planned/geojson", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var fc struct {
		Type     string `json:"type"`
		Status   string `json:"status"`
		State    string `json:"state"`
		Features []struct {
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	decodeBody(t, rr, &fc)
	if fc.Type != "FeatureCollection" || fc.Status != "planned" || fc.State != "visible" {
		t.Fatalf("unexpected collection %+v", fc)
	}
	if len(fc.Features) != 1 || fc.Features[0].ID != "n3" || fc.Features[0].Properties["layer"] != "fiber" {
		t.Fatalf("unexpected features %+v", fc.Features)
	}

	if rr := s.do(t, http.MethodGet, "/api/v1/buckets/retired/geojson", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown status, got %d", rr.Code)
	}
}

func TestGetFeature(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)
	rr := s.do(t, http.MethodGet, "/api/v1/features/n2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"active"`) {
		t.Fatalf("expected status in properties, got %s", rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/api/v1/features/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPreferences_UpdateAndReset(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)

	rr := s.do(t, http.MethodPut, "/api/v1/preferences", `{"legend_open":false,"map_view":{"lat":41.9,"lng":12.5,"zoom":8}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var p preferencesResponse
	decodeBody(t, rr, &p)
	if p.LegendOpen || p.MapView.Zoom != 8 {
		t.Fatalf("unexpected preferences %+v", p)
	}

	if rr := s.do(t, http.MethodPut, "/api/v1/preferences", `{"map_view":{"lat":120,"lng":0,"zoom":1}}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range view, got %d", rr.Code)
	}

	if rr := s.do(t, http.MethodPut, "/api/v1/legend/active/visibility", `{"visible":false}`); rr.Code != http.StatusOK {
		t.Fatalf("hide active: %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/preferences/reset", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	decodeBody(t, rr, &p)
	if !p.LegendOpen || len(p.HiddenLegend) != 0 || p.MapView.Zoom != 2 {
		t.Fatalf("expected defaults after reset, got %+v", p)
	}
	if !s.app.Legend.IsVisible("active") {
		t.Fatalf("expected active shown again after reset")
	}
}

func TestListNodes(t *testing.T) {
	api := defaultAPI()
	var queries []remote.Query
	api.listFn = func(ctx context.Context, q remote.Query) ([]byte, error) {
		queries = append(queries, q)
		return []byte(`{"count":120,"next":"http://x/?page=2","previous":null,"results":[{"slug":"n1"}]}`), nil
	}
	s := newTestServer(t, api, true)

	rr := s.do(t, http.MethodGet, "/api/v1/nodes?search=+rome+", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var page struct {
		CurrentPage       int               `json:"current_page"`
		TotalPages        int               `json:"total_pages"`
		NextPageAvailable bool              `json:"next_page_available"`
		SearchTerm        string            `json:"search_term"`
		Results           []json.RawMessage `json:"results"`
	}
	decodeBody(t, rr, &page)
	if page.CurrentPage != 1 || page.TotalPages != 3 || !page.NextPageAvailable || page.SearchTerm != "rome" {
		t.Fatalf("unexpected page %+v", page)
	}
	if len(queries) != 1 || queries[0].Search != "rome" || queries[0].Limit != 50 {
		t.Fatalf("unexpected queries %+v", queries)
	}

	if rr := s.do(t, http.MethodGet, "/api/v1/nodes?page=zero", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestListNodes_SearchWithPageIsOneRequest(t *testing.T) {
	api := defaultAPI()
	var queries []remote.Query
	api.listFn = func(ctx context.Context, q remote.Query) ([]byte, error) {
		queries = append(queries, q)
		return []byte(`{"count":120,"next":"http://x/?page=3","previous":"http://x/?page=1","results":[{"slug":"n51"}]}`), nil
	}
	s := newTestServer(t, api, true)

	rr := s.do(t, http.MethodGet, "/api/v1/nodes?search=rome&page=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(queries) != 1 || queries[0].Page != 2 || queries[0].Search != "rome" {
		t.Fatalf("expected a single page 2 search request, got %+v", queries)
	}
	if st := s.app.Listing.State(); st.CurrentPage != 2 || st.SearchTerm != "rome" {
		t.Fatalf("unexpected listing state %+v", st)
	}
}

func TestListNodes_UpstreamFailure(t *testing.T) {
	api := defaultAPI()
	api.listFn = func(ctx context.Context, q remote.Query) ([]byte, error) {
		return nil, &errs.NetworkError{Op: "list nodes", URL: "http://x/nodes/", StatusCode: 502, Err: errors.New("bad gateway")}
	}
	s := newTestServer(t, api, true)

	rr := s.do(t, http.MethodGet, "/api/v1/nodes", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "upstream_error" {
		t.Fatalf("expected upstream_error, got %q", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, defaultAPI(), true)
	_ = s.do(t, http.MethodGet, "/api/v1/legend", "")

	rr := s.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `mapsync_http_requests_total{method="GET",path="/api/v1/legend`) {
		t.Fatalf("expected request metric, got:\n%s", rr.Body.String())
	}
}

// Package remote talks to the map API the engine synchronises from.
//
// Every failure is classified: transport errors and non-2xx responses are
// *errs.NetworkError, payloads that decode but lack required fields are
// *errs.MalformedResponseError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/feature"
	"mapsync/core-go/internal/slugset"
)

// maxBody caps how much of a response is read.
const maxBody = 64 << 20

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New returns a client rooted at baseURL (e.g. http://host/api/v1).
// A nil httpClient gets one with the given timeout.
func New(baseURL string, httpClient *http.Client, timeout time.Duration, log zerolog.Logger) *Client {
	if httpClient == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With().Str("component", "remote").Logger(),
	}
}

// Layer is one record of GET /layers/.
type Layer struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Visible *bool  `json:"visible,omitempty"`
}

// VisibleByDefault reports the API's default visibility (true when absent).
func (l Layer) VisibleByDefault() bool {
	return l.Visible == nil || *l.Visible
}

// Status is one record of GET /status/.
type Status struct {
	Slug        string  `json:"slug"`
	Name        string  `json:"name"`
	FillColor   string  `json:"fill_color"`
	StrokeColor string  `json:"stroke_color"`
	StrokeWidth float64 `json:"stroke_width"`
	TextColor   string  `json:"text_color,omitempty"`
}

// Query addresses one page of GET /nodes/.
type Query struct {
	Page   int
	Limit  int
	Search string
}

func (c *Client) Layers(ctx context.Context) ([]Layer, error) {
	body, err := c.get(ctx, "/layers/", nil)
	if err != nil {
		return nil, err
	}
	var layers []Layer
	if err := decodeList(body, &layers); err != nil {
		return nil, &errs.MalformedResponseError{What: "layer list", Err: err}
	}
	for i := range layers {
		layers[i].Slug = slugset.Normalize(layers[i].Slug)
		if layers[i].Slug == "" {
			return nil, errs.Malformed("layer list", "layer %d has no slug", i)
		}
	}
	return layers, nil
}

func (c *Client) Statuses(ctx context.Context) ([]Status, error) {
	body, err := c.get(ctx, "/status/", nil)
	if err != nil {
		return nil, err
	}
	var statuses []Status
	if err := decodeList(body, &statuses); err != nil {
		return nil, &errs.MalformedResponseError{What: "status list", Err: err}
	}
	for i := range statuses {
		statuses[i].Slug = slugset.Normalize(statuses[i].Slug)
		if statuses[i].Slug == "" {
			return nil, errs.Malformed("status list", "status %d has no slug", i)
		}
	}
	return statuses, nil
}

// LayerFeatures fetches GET /layers/{slug}/nodes.geojson. The whole
// collection is validated before it is returned.
func (c *Client) LayerFeatures(ctx context.Context, layer string) ([]feature.Feature, error) {
	body, err := c.get(ctx, "/layers/"+url.PathEscape(layer)+"/nodes.geojson", nil)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, &errs.MalformedResponseError{What: "feature collection", Err: err}
	}

	out := make([]feature.Feature, 0, len(fc.Features))
	for i, gf := range fc.Features {
		f, err := toFeature(gf, layer)
		if err != nil {
			return nil, errs.Malformed("feature collection", "feature %d: %v", i, err)
		}
		out = append(out, f)
	}
	c.log.Debug().Str("layer", layer).Int("features", len(out)).Msg("layer_features_fetched")
	return out, nil
}

func toFeature(gf *geojson.Feature, layer string) (feature.Feature, error) {
	if gf == nil {
		return feature.Feature{}, fmt.Errorf("null feature")
	}
	slug := idString(gf.ID)
	if slug == "" {
		slug = propString(gf.Properties, "slug")
	}
	if slug == "" {
		return feature.Feature{}, fmt.Errorf("missing id")
	}
	if gf.Geometry == nil {
		return feature.Feature{}, fmt.Errorf("%s: missing geometry", slug)
	}

	props := make(map[string]any, len(gf.Properties))
	for k, v := range gf.Properties {
		props[k] = v
	}
	status := slugset.Normalize(propString(props, "status"))
	featureLayer := slugset.Normalize(propString(props, "layer"))
	if featureLayer == "" {
		featureLayer = slugset.Normalize(layer)
	}
	delete(props, "status")
	delete(props, "layer")

	return feature.Feature{
		Slug:       slug,
		Layer:      featureLayer,
		Status:     status,
		Geometry:   gf.Geometry,
		Properties: props,
	}, nil
}

func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// propString reads a string property. Nested objects carrying a "slug" (as
// the API renders status and layer relations) resolve to that slug.
func propString(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["slug"].(string); ok {
			return s
		}
	}
	return ""
}

// ListNodes fetches one page of GET /nodes/ and returns the raw envelope.
func (c *Client) ListNodes(ctx context.Context, q Query) ([]byte, error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	return c.get(ctx, "/nodes/", params)
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &errs.NetworkError{Op: http.MethodGet, URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", u).Msg("remote_request_failed")
		return nil, &errs.NetworkError{Op: http.MethodGet, URL: u, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &errs.NetworkError{Op: http.MethodGet, URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	c.log.Debug().
		Str("url", u).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("remote_request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errs.NetworkError{Op: http.MethodGet, URL: u, StatusCode: resp.StatusCode}
	}
	return body, nil
}

// decodeList accepts either a bare JSON array or a pagination envelope.
func decodeList(body []byte, dst any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return err
		}
		if len(env.Results) == 0 {
			return fmt.Errorf("object without results")
		}
		trimmed = env.Results
	}
	return json.Unmarshal(trimmed, dst)
}

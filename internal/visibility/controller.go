// Package visibility coordinates legend and layer toggles.
//
// A toggle flips the registry entry, writes the hidden set through to the
// preference store and emits one Change. The three steps of a slug's toggle
// never interleave with another toggle of the same slug; a nested or
// concurrent attempt gets ErrToggleInProgress.
package visibility

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/metrics"
	"mapsync/core-go/internal/observer"
	"mapsync/core-go/internal/slugset"
)

var ErrToggleInProgress = errors.New("visibility: toggle already in progress for this slug")

type Dimension string

const (
	Legend Dimension = "legend"
	Layer  Dimension = "layer"
)

// Change is emitted once per applied toggle.
type Change struct {
	Dimension Dimension `json:"dimension"`
	Slug      string    `json:"slug"`
	Visible   bool      `json:"visible"`
}

// Registry is the visibility surface shared by the legend and layer registries.
type Registry interface {
	IsVisible(slug string) bool
	SetVisible(slug string, visible bool) (changed bool, err error)
}

// HiddenSets persists the user's hidden slugs.
type HiddenSets interface {
	SetLegendHidden(ctx context.Context, slug string, hidden bool) error
	SetLayerHidden(ctx context.Context, slug string, hidden bool) error
}

type toggleKey struct {
	dim  Dimension
	slug string
}

type Controller struct {
	log     zerolog.Logger
	legend  Registry
	layers  Registry
	prefs   HiddenSets
	metrics *metrics.Metrics

	inflightMu sync.Mutex
	inflight   map[toggleKey]struct{}

	changes observer.List[Change]
}

func NewController(log zerolog.Logger, legend, layers Registry, prefs HiddenSets, m *metrics.Metrics) *Controller {
	return &Controller{
		log:      log.With().Str("component", "visibility").Logger(),
		legend:   legend,
		layers:   layers,
		prefs:    prefs,
		metrics:  m,
		inflight: make(map[toggleKey]struct{}),
	}
}

// OnChange registers fn for applied toggles. Delivery is synchronous, in
// registration order, on the toggling goroutine.
func (c *Controller) OnChange(fn func(Change)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// SetLegendVisible returns changed=false when the entry already had that value.
func (c *Controller) SetLegendVisible(ctx context.Context, slug string, visible bool) (changed bool, err error) {
	return c.set(ctx, Legend, slug, func(bool) bool { return visible })
}

// ToggleLegend flips a legend entry and returns its new visibility.
func (c *Controller) ToggleLegend(ctx context.Context, slug string) (visible bool, err error) {
	return c.toggle(ctx, Legend, slug)
}

func (c *Controller) SetLayerVisible(ctx context.Context, slug string, visible bool) (changed bool, err error) {
	return c.set(ctx, Layer, slug, func(bool) bool { return visible })
}

func (c *Controller) ToggleLayer(ctx context.Context, slug string) (visible bool, err error) {
	return c.toggle(ctx, Layer, slug)
}

func (c *Controller) toggle(ctx context.Context, dim Dimension, slug string) (bool, error) {
	var next bool
	_, err := c.set(ctx, dim, slug, func(current bool) bool {
		next = !current
		return next
	})
	return next, err
}

func (c *Controller) set(ctx context.Context, dim Dimension, slug string, decide func(current bool) bool) (bool, error) {
	slug = slugset.Normalize(slug)
	key := toggleKey{dim: dim, slug: slug}
	if !c.begin(key) {
		return false, ErrToggleInProgress
	}
	defer c.end(key)

	reg := c.registry(dim)
	visible := decide(reg.IsVisible(slug))
	changed, err := reg.SetVisible(slug, visible)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if err := c.persist(ctx, dim, slug, !visible); err != nil {
		// The in-memory state stays applied; only the write is lost.
		c.metrics.IncPreferenceWriteFailure()
		c.log.Warn().Err(err).Str("dimension", string(dim)).Str("slug", slug).Msg("persist_visibility_failed")
	}

	c.metrics.IncVisibilityToggle(string(dim))
	c.log.Debug().Str("dimension", string(dim)).Str("slug", slug).Bool("visible", visible).Msg("visibility_changed")
	c.changes.Notify(Change{Dimension: dim, Slug: slug, Visible: visible})
	return true, nil
}

func (c *Controller) registry(dim Dimension) Registry {
	if dim == Layer {
		return c.layers
	}
	return c.legend
}

func (c *Controller) persist(ctx context.Context, dim Dimension, slug string, hidden bool) error {
	if c.prefs == nil {
		return nil
	}
	if dim == Layer {
		return c.prefs.SetLayerHidden(ctx, slug, hidden)
	}
	return c.prefs.SetLegendHidden(ctx, slug, hidden)
}

func (c *Controller) begin(key toggleKey) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

func (c *Controller) end(key toggleKey) {
	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
}

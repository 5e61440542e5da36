package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/slugset"
)

const (
	KeyHiddenLegend = "hiddenGroups"
	KeyHiddenLayers = "hiddenLayers"
	KeyShownLayers  = "shownLayers"
	KeyLegendOpen   = "legendOpen"
	KeyMapView      = "mapView"
)

var allKeys = []string{KeyHiddenLegend, KeyHiddenLayers, KeyShownLayers, KeyLegendOpen, KeyMapView}

type MapView struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom int     `json:"zoom"`
}

// Preferences is the process-wide view of the persisted preferences.
// It reads the backend once in Load; every setter writes through immediately.
// When a write fails the in-memory value is still applied and the error returned.
type Preferences struct {
	mu    sync.RWMutex
	store Store
	log   zerolog.Logger

	defaultView  MapView
	hiddenLegend []string
	hiddenLayers []string
	shownLayers  []string
	legendOpen   bool
	mapView      MapView
}

func Load(ctx context.Context, log zerolog.Logger, store Store, defaultView MapView) (*Preferences, error) {
	p := &Preferences{
		store:       store,
		log:         log.With().Str("component", "prefs").Logger(),
		defaultView: defaultView,
		legendOpen:  true,
		mapView:     defaultView,
	}

	var hiddenLegend []string
	if _, err := p.read(ctx, KeyHiddenLegend, &hiddenLegend); err != nil {
		return nil, err
	}
	var hiddenLayers []string
	if _, err := p.read(ctx, KeyHiddenLayers, &hiddenLayers); err != nil {
		return nil, err
	}
	var shownLayers []string
	if _, err := p.read(ctx, KeyShownLayers, &shownLayers); err != nil {
		return nil, err
	}
	var legendOpen bool
	if ok, err := p.read(ctx, KeyLegendOpen, &legendOpen); err != nil {
		return nil, err
	} else if ok {
		p.legendOpen = legendOpen
	}
	var view MapView
	if ok, err := p.read(ctx, KeyMapView, &view); err != nil {
		return nil, err
	} else if ok {
		p.mapView = view
	}

	p.hiddenLegend = slugset.NormalizeList(hiddenLegend)
	p.hiddenLayers = slugset.NormalizeList(hiddenLayers)
	p.shownLayers = slugset.NormalizeList(shownLayers)

	p.log.Debug().
		Strs("hidden_legend", p.hiddenLegend).
		Strs("hidden_layers", p.hiddenLayers).
		Strs("shown_layers", p.shownLayers).
		Bool("legend_open", p.legendOpen).
		Msg("preferences_loaded")
	return p, nil
}

// read decodes key into dst. Undecodable values fall back to the default.
func (p *Preferences) read(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := p.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read preference %q: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("ignoring undecodable preference")
		return false, nil
	}
	return true, nil
}

func (p *Preferences) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode preference %q: %w", key, err)
	}
	if err := p.store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write preference %q: %w", key, err)
	}
	return nil
}

func (p *Preferences) HiddenLegend() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.hiddenLegend...)
}

func (p *Preferences) HiddenLayers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.hiddenLayers...)
}

// ShownLayers lists layers the user explicitly turned on. It matters for
// layers the API hides by default.
func (p *Preferences) ShownLayers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.shownLayers...)
}

func (p *Preferences) IsLegendHidden(slug string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slugset.Contains(p.hiddenLegend, slug)
}

func (p *Preferences) IsLayerHidden(slug string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slugset.Contains(p.hiddenLayers, slug)
}

func (p *Preferences) IsLayerShown(slug string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slugset.Contains(p.shownLayers, slug)
}

func (p *Preferences) SetLegendHidden(ctx context.Context, slug string, hidden bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hiddenLegend = toggled(p.hiddenLegend, slug, hidden)
	return p.write(ctx, KeyHiddenLegend, p.hiddenLegend)
}

func (p *Preferences) SetLayerHidden(ctx context.Context, slug string, hidden bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hiddenLayers = toggled(p.hiddenLayers, slug, hidden)
	p.shownLayers = toggled(p.shownLayers, slug, !hidden)
	return errors.Join(
		p.write(ctx, KeyHiddenLayers, p.hiddenLayers),
		p.write(ctx, KeyShownLayers, p.shownLayers),
	)
}

func toggled(list []string, slug string, hidden bool) []string {
	var next []string
	if hidden {
		next = slugset.With(list, slug)
	} else {
		next = slugset.Without(list, slug)
	}
	if next == nil {
		next = []string{}
	}
	return next
}

func (p *Preferences) LegendOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.legendOpen
}

func (p *Preferences) SetLegendOpen(ctx context.Context, open bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.legendOpen = open
	return p.write(ctx, KeyLegendOpen, open)
}

func (p *Preferences) MapView() MapView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mapView
}

func (p *Preferences) SetMapView(ctx context.Context, view MapView) error {
	if view.Lat < -90 || view.Lat > 90 || view.Lng < -180 || view.Lng > 180 {
		return fmt.Errorf("map view out of range: lat=%v lng=%v", view.Lat, view.Lng)
	}
	if view.Zoom < 0 {
		return fmt.Errorf("map zoom must be non-negative (got %d)", view.Zoom)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mapView = view
	return p.write(ctx, KeyMapView, view)
}

// Reset removes every persisted preference and restores defaults.
func (p *Preferences) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hiddenLegend = nil
	p.hiddenLayers = nil
	p.shownLayers = nil
	p.legendOpen = true
	p.mapView = p.defaultView
	for _, key := range allKeys {
		if err := p.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("remove preference %q: %w", key, err)
		}
	}
	p.log.Info().Msg("preferences_reset")
	return nil
}

// Ping reports backend readiness when the backend supports it.
func (p *Preferences) Ping(ctx context.Context) error {
	if pinger, ok := p.store.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

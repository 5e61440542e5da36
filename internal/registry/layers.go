package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/remote"
)

// LayerSource is the part of the remote API the layer registry loads from.
type LayerSource interface {
	Layers(ctx context.Context) ([]remote.Layer, error)
}

type LayerEntry struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

func (e *LayerEntry) key() string { return e.Slug }
func (e *LayerEntry) visibility() *bool { return &e.Visible }

type Layers struct {
	log     zerolog.Logger
	source  LayerSource
	hidden  func(slug string) bool
	shown   func(slug string) bool
	entries *catalog[LayerEntry, *LayerEntry]
}

// NewLayers builds an empty layer registry. hidden and shown report the
// user's last explicit choice for a layer; nil means no choice was made.
func NewLayers(log zerolog.Logger, source LayerSource, hidden, shown func(slug string) bool) *Layers {
	if hidden == nil {
		hidden = func(string) bool { return false }
	}
	if shown == nil {
		shown = func(string) bool { return false }
	}
	return &Layers{
		log:     log.With().Str("component", "layers").Logger(),
		source:  source,
		hidden:  hidden,
		shown:   shown,
		entries: newCatalog[LayerEntry, *LayerEntry]("layer"),
	}
}

// Load fetches the layer list. A layer seen for the first time starts visible
// when the user showed it, or when the API marks it visible and the user has
// not hidden it. Layers already loaded keep their current visibility.
func (l *Layers) Load(ctx context.Context) error {
	layers, err := l.source.Layers(ctx)
	if err != nil {
		return fmt.Errorf("load layers: %w", err)
	}
	entries := make([]LayerEntry, 0, len(layers))
	for _, layer := range layers {
		entries = append(entries, LayerEntry{
			Slug:    layer.Slug,
			Name:    layer.Name,
			Visible: l.initialVisibility(layer),
		})
	}
	l.entries.replace(entries)
	l.log.Info().Int("layers", len(entries)).Msg("layers_loaded")
	return nil
}

func (l *Layers) initialVisibility(layer remote.Layer) bool {
	if l.hidden(layer.Slug) {
		return false
	}
	return layer.VisibleByDefault() || l.shown(layer.Slug)
}

func (l *Layers) Get(slug string) (LayerEntry, bool) { return l.entries.get(slug) }

func (l *Layers) All() []LayerEntry { return l.entries.all() }

// Slugs returns every known layer slug in API order.
func (l *Layers) Slugs() []string { return l.entries.slugs() }

func (l *Layers) Len() int { return l.entries.len() }

func (l *Layers) IsVisible(slug string) bool {
	e, ok := l.entries.get(slug)
	return ok && e.Visible
}

func (l *Layers) SetVisible(slug string, visible bool) (changed bool, err error) {
	return l.entries.setVisible(slug, visible)
}

func (l *Layers) OnVisibilityChanged(fn func(LayerEntry)) (unsubscribe func()) {
	return l.entries.changed.Subscribe(fn)
}

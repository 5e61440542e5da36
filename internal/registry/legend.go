package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/observer"
	"mapsync/core-go/internal/remote"
)

// StatusSource is the part of the remote API the legend loads from.
type StatusSource interface {
	Statuses(ctx context.Context) ([]remote.Status, error)
}

// LegendEntry is one status category.
//
// Count is the number of loaded features with this status, regardless of
// layer or legend visibility. The rendered number is the cluster bucket's size.
type LegendEntry struct {
	Slug        string  `json:"slug"`
	Name        string  `json:"name"`
	FillColor   string  `json:"fill_color"`
	StrokeColor string  `json:"stroke_color"`
	StrokeWidth float64 `json:"stroke_width"`
	TextColor   string  `json:"text_color,omitempty"`
	Visible     bool    `json:"visible"`
	Count       int     `json:"count"`
}

func (e *LegendEntry) key() string { return e.Slug }
func (e *LegendEntry) visibility() *bool { return &e.Visible }

type Legend struct {
	log     zerolog.Logger
	source  StatusSource
	hidden  func(slug string) bool
	entries *catalog[LegendEntry, *LegendEntry]
	counted observer.List[map[string]int]
}

// NewLegend builds an empty legend. hidden reports whether the user hid a
// status in a previous session; nil means nothing is hidden.
func NewLegend(log zerolog.Logger, source StatusSource, hidden func(slug string) bool) *Legend {
	if hidden == nil {
		hidden = func(string) bool { return false }
	}
	return &Legend{
		log:     log.With().Str("component", "legend").Logger(),
		source:  source,
		hidden:  hidden,
		entries: newCatalog[LegendEntry, *LegendEntry]("legend"),
	}
}

// Load fetches the status list. The current entries are replaced only when the
// fetch succeeds; counts and visibility already known for a slug are carried over.
func (l *Legend) Load(ctx context.Context) error {
	statuses, err := l.source.Statuses(ctx)
	if err != nil {
		return fmt.Errorf("load legend: %w", err)
	}
	entries := make([]LegendEntry, 0, len(statuses))
	for _, s := range statuses {
		prev, _ := l.entries.get(s.Slug)
		entries = append(entries, LegendEntry{
			Slug:        s.Slug,
			Name:        s.Name,
			FillColor:   s.FillColor,
			StrokeColor: s.StrokeColor,
			StrokeWidth: s.StrokeWidth,
			TextColor:   s.TextColor,
			Visible:     !l.hidden(s.Slug),
			Count:       prev.Count,
		})
	}
	l.entries.replace(entries)
	l.log.Info().Int("statuses", len(entries)).Msg("legend_loaded")
	return nil
}

func (l *Legend) Get(slug string) (LegendEntry, bool) { return l.entries.get(slug) }

func (l *Legend) All() []LegendEntry { return l.entries.all() }

func (l *Legend) Slugs() []string { return l.entries.slugs() }

func (l *Legend) Len() int { return l.entries.len() }

// IsVisible reports false for unknown slugs.
func (l *Legend) IsVisible(slug string) bool {
	e, ok := l.entries.get(slug)
	return ok && e.Visible
}

// SetVisible is idempotent; see OnVisibilityChanged.
func (l *Legend) SetVisible(slug string, visible bool) (changed bool, err error) {
	return l.entries.setVisible(slug, visible)
}

// OnVisibilityChanged registers fn for entries whose Visible flag flipped.
func (l *Legend) OnVisibilityChanged(fn func(LegendEntry)) (unsubscribe func()) {
	return l.entries.changed.Subscribe(fn)
}

// SetCount records the loaded-feature count of a status. Unknown slugs are ignored.
func (l *Legend) SetCount(slug string, n int) bool {
	return l.entries.update(slug, func(e *LegendEntry) { e.Count = n })
}

// PublishCounts notifies OnCounted observers with the current counts.
func (l *Legend) PublishCounts() {
	counts := make(map[string]int, l.entries.len())
	for _, e := range l.entries.all() {
		counts[e.Slug] = e.Count
	}
	l.counted.Notify(counts)
}

// OnCounted registers fn for the end of each count pass.
func (l *Legend) OnCounted(fn func(counts map[string]int)) (unsubscribe func()) {
	return l.counted.Subscribe(fn)
}

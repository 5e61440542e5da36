// Package cluster groups render-eligible features into one bucket per status.
//
// A feature is render-eligible when it is loaded, its status is a visible
// legend entry and its layer is a visible layer. Buckets are always rebuilt
// from the store, never patched. Each rebuild pass writes the legend counts
// after the buckets and before any bucketRebuilt event is delivered.
//
// Rebuild passes are serialised and deliver their events while holding the
// pass; bucketRebuilt and counted observers must not toggle visibility
// synchronously.
package cluster

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"mapsync/core-go/internal/feature"
	"mapsync/core-go/internal/metrics"
	"mapsync/core-go/internal/observer"
	"mapsync/core-go/internal/visibility"
)

type State int

const (
	Empty State = iota
	Hidden
	Visible
)

func (s State) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Visible:
		return "visible"
	default:
		return "empty"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "empty":
		*s = Empty
	case "hidden":
		*s = Hidden
	case "visible":
		*s = Visible
	default:
		return fmt.Errorf("unknown bucket state %q", text)
	}
	return nil
}

// Bucket is the rendered subset of one status. Loaded counts every feature of
// the status, Features only the render-eligible ones.
type Bucket struct {
	Status   string
	State    State
	Loaded   int
	Features []feature.Feature
}

func (b Bucket) Size() int { return len(b.Features) }

// Bound is the bounding box of the bucket's geometries; zero when empty.
func (b Bucket) Bound() orb.Bound {
	var bound orb.Bound
	found := false
	for _, f := range b.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			bound, found = f.Geometry.Bound(), true
			continue
		}
		bound = bound.Union(f.Geometry.Bound())
	}
	return bound
}

// Features is the feature store surface the aggregator reads from.
type Features interface {
	OnFeature(fn func(feature.Event)) (unsubscribe func())
	OnSettled(fn func(feature.Settled)) (unsubscribe func())
	SelectWhere(pred func(feature.Feature) bool) []feature.Feature
}

type Legend interface {
	Slugs() []string
	IsVisible(slug string) bool
	SetCount(slug string, n int) bool
	PublishCounts()
}

type Layers interface {
	IsVisible(slug string) bool
}

type Changes interface {
	OnChange(fn func(visibility.Change)) (unsubscribe func())
}

type Aggregator struct {
	log     zerolog.Logger
	store   Features
	legend  Legend
	layers  Layers
	changes Changes
	metrics *metrics.Metrics

	rebuildMu sync.Mutex

	bucketsMu sync.RWMutex
	buckets   map[string]Bucket

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	rebuilt observer.List[Bucket]

	attachMu sync.Mutex
	unsubs   []func()
}

func New(log zerolog.Logger, store Features, legend Legend, layers Layers, changes Changes, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		log:     log.With().Str("component", "cluster").Logger(),
		store:   store,
		legend:  legend,
		layers:  layers,
		changes: changes,
		metrics: m,
		buckets: make(map[string]Bucket),
		dirty:   make(map[string]struct{}),
	}
}

// Attach subscribes to the store and the visibility controller and performs
// an initial full rebuild. Calling Attach twice is a no-op.
func (a *Aggregator) Attach() {
	a.attachMu.Lock()
	if a.unsubs != nil {
		a.attachMu.Unlock()
		return
	}
	a.unsubs = []func(){
		a.store.OnFeature(a.onFeature),
		a.store.OnSettled(a.onSettled),
		a.changes.OnChange(a.onChange),
	}
	a.attachMu.Unlock()

	a.RebuildAll()
}

// Detach drops every subscription made by Attach.
func (a *Aggregator) Detach() {
	a.attachMu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.attachMu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// OnRebuilt registers fn for bucketRebuilt events.
func (a *Aggregator) OnRebuilt(fn func(Bucket)) (unsubscribe func()) {
	return a.rebuilt.Subscribe(fn)
}

func (a *Aggregator) onFeature(ev feature.Event) {
	a.dirtyMu.Lock()
	a.dirty[ev.Feature.Status] = struct{}{}
	if ev.Previous != nil {
		a.dirty[ev.Previous.Status] = struct{}{}
	}
	a.dirtyMu.Unlock()
}

func (a *Aggregator) onSettled(feature.Settled) {
	a.dirtyMu.Lock()
	statuses := make([]string, 0, len(a.dirty))
	for s := range a.dirty {
		statuses = append(statuses, s)
	}
	a.dirty = make(map[string]struct{})
	a.dirtyMu.Unlock()

	if len(statuses) > 0 {
		a.rebuild(statuses)
	}
}

func (a *Aggregator) onChange(c visibility.Change) {
	switch c.Dimension {
	case visibility.Legend:
		a.rebuild([]string{c.Slug})
	case visibility.Layer:
		// A layer spans every status.
		a.RebuildAll()
	}
}

// RebuildAll rebuilds the bucket of every legend status.
func (a *Aggregator) RebuildAll() {
	a.rebuild(a.legend.Slugs())
}

func (a *Aggregator) rebuild(statuses []string) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	wanted := make(map[string]struct{}, len(statuses))
	for _, s := range a.legend.Slugs() {
		wanted[s] = struct{}{}
	}
	targets := make([]string, 0, len(statuses))
	for _, s := range statuses {
		if _, known := wanted[s]; known {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return
	}

	byStatus := make(map[string][]feature.Feature, len(targets))
	loaded := make(map[string]int, len(targets))
	for _, s := range targets {
		byStatus[s] = nil
	}
	layerVisible := make(map[string]bool)
	for _, f := range a.store.SelectWhere(nil) {
		if _, ok := byStatus[f.Status]; !ok {
			continue
		}
		loaded[f.Status]++
		visible, seen := layerVisible[f.Layer]
		if !seen {
			visible = a.layers.IsVisible(f.Layer)
			layerVisible[f.Layer] = visible
		}
		if visible {
			byStatus[f.Status] = append(byStatus[f.Status], f)
		}
	}

	next := make([]Bucket, 0, len(targets))
	for _, s := range targets {
		b := Bucket{Status: s, Loaded: loaded[s]}
		switch {
		case b.Loaded == 0:
			b.State = Empty
		case !a.legend.IsVisible(s) || len(byStatus[s]) == 0:
			b.State = Hidden
		default:
			b.State = Visible
			b.Features = byStatus[s]
		}
		next = append(next, b)
	}

	a.bucketsMu.Lock()
	for _, b := range next {
		a.buckets[b.Status] = b
	}
	a.bucketsMu.Unlock()

	for _, b := range next {
		a.legend.SetCount(b.Status, b.Loaded)
		a.metrics.IncBucketRebuild(b.Status)
	}
	for _, b := range next {
		a.log.Debug().
			Str("status", b.Status).
			Str("state", b.State.String()).
			Int("size", b.Size()).
			Int("loaded", b.Loaded).
			Msg("bucket_rebuilt")
		a.rebuilt.Notify(b)
	}
	a.legend.PublishCounts()
}

// Bucket returns the current bucket of status.
func (a *Aggregator) Bucket(status string) (Bucket, bool) {
	a.bucketsMu.RLock()
	defer a.bucketsMu.RUnlock()
	b, ok := a.buckets[status]
	if !ok {
		return Bucket{}, false
	}
	b.Features = append([]feature.Feature(nil), b.Features...)
	return b, true
}

// Buckets returns every bucket in legend order.
func (a *Aggregator) Buckets() []Bucket {
	slugs := a.legend.Slugs()
	out := make([]Bucket, 0, len(slugs))
	for _, s := range slugs {
		if b, ok := a.Bucket(s); ok {
			out = append(out, b)
		}
	}
	return out
}

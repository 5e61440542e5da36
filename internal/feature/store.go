// Package feature holds the merged in-memory feature set.
//
// Merges are additive: a response adds new slugs and replaces existing ones
// but never drops features it does not mention, so merges of different layers
// can complete in any order. A response is fully validated before anything is
// applied; a failed merge leaves the store untouched.
//
// Applying a response and delivering its events is serialised, so observers
// see one merge at a time. Observers may read from the store but must not call
// Merge or RemoveByLayer synchronously.
package feature

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/latch"
	"mapsync/core-go/internal/metrics"
	"mapsync/core-go/internal/observer"
)

// Fetcher loads one layer's feature collection from the remote API.
type Fetcher interface {
	LayerFeatures(ctx context.Context, layer string) ([]Feature, error)
}

const (
	OpMerge  = "merge"
	OpRemove = "remove"
)

type Options struct {
	// MergeConcurrency bounds the fetches MergeAll runs at once.
	MergeConcurrency int
}

type Store struct {
	log         zerolog.Logger
	fetch       Fetcher
	metrics     *metrics.Metrics
	concurrency int

	applyMu sync.Mutex

	mu     sync.RWMutex
	order  []string
	bySlug map[string]Feature

	events  observer.List[Event]
	settled observer.List[Settled]
	readied observer.List[int]

	readyMu   sync.Mutex
	armed     *latch.Countdown
	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewStore(log zerolog.Logger, fetch Fetcher, m *metrics.Metrics, opts Options) *Store {
	concurrency := opts.MergeConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Store{
		log:         log.With().Str("component", "feature_store").Logger(),
		fetch:       fetch,
		metrics:     m,
		concurrency: concurrency,
		bySlug:      make(map[string]Feature),
		readyCh:     make(chan struct{}),
	}
}

// OnFeature registers fn for featureAdded/featureUpdated/featureRemoved events.
func (s *Store) OnFeature(fn func(Event)) (unsubscribe func()) {
	return s.events.Subscribe(fn)
}

// OnSettled registers fn for the end of each merge or removal.
func (s *Store) OnSettled(fn func(Settled)) (unsubscribe func()) {
	return s.settled.Subscribe(fn)
}

// OnReady registers fn for the one-shot storeReady signal. fn receives the
// number of features held when the signal fired.
func (s *Store) OnReady(fn func(total int)) (unsubscribe func()) {
	return s.readied.Subscribe(fn)
}

// Ready is closed once the initial MergeAll has completed every layer.
func (s *Store) Ready() <-chan struct{} { return s.readyCh }

func (s *Store) IsReady() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// Merge fetches layer and folds the response into the store.
func (s *Store) Merge(ctx context.Context, layer string) error {
	start := time.Now()
	features, err := s.fetch.LayerFeatures(ctx, layer)
	if err == nil {
		err = validate(features)
	}
	s.metrics.ObserveMerge(layer, err, time.Since(start))
	if err != nil {
		s.log.Warn().Err(err).Str("layer", layer).Msg("merge_failed")
		return fmt.Errorf("merge layer %q: %w", layer, err)
	}

	settled := s.apply(layer, features)
	s.log.Debug().
		Str("layer", layer).
		Int("added", settled.Added).
		Int("updated", settled.Updated).
		Int("total", settled.Total).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("merge_applied")
	return nil
}

func validate(features []Feature) error {
	for i, f := range features {
		if f.Slug == "" {
			return errs.Malformed("feature collection", "feature %d has no id", i)
		}
	}
	return nil
}

func (s *Store) apply(layer string, features []Feature) Settled {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	settled := Settled{Op: OpMerge, Layer: layer}
	statuses := make(map[string]struct{})
	events := make([]Event, 0, len(features))

	s.mu.Lock()
	for _, f := range features {
		if f.Layer == "" {
			f.Layer = layer
		}
		statuses[f.Status] = struct{}{}
		prev, exists := s.bySlug[f.Slug]
		s.bySlug[f.Slug] = f
		if exists {
			statuses[prev.Status] = struct{}{}
			p := prev
			events = append(events, Event{Kind: Updated, Feature: f, Previous: &p})
			settled.Updated++
			continue
		}
		s.order = append(s.order, f.Slug)
		events = append(events, Event{Kind: Added, Feature: f})
		settled.Added++
	}
	settled.Total = len(s.bySlug)
	s.mu.Unlock()

	settled.Statuses = sortedKeys(statuses)
	s.metrics.SetFeaturesLoaded(settled.Total)
	for _, ev := range events {
		s.events.Notify(ev)
	}
	s.settled.Notify(settled)
	return settled
}

// RemoveByLayer drops every feature of layer and returns how many were removed.
func (s *Store) RemoveByLayer(layer string) int {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	settled := Settled{Op: OpRemove, Layer: layer}
	statuses := make(map[string]struct{})
	var events []Event

	s.mu.Lock()
	kept := s.order[:0]
	for _, slug := range s.order {
		f := s.bySlug[slug]
		if f.Layer != layer {
			kept = append(kept, slug)
			continue
		}
		delete(s.bySlug, slug)
		statuses[f.Status] = struct{}{}
		events = append(events, Event{Kind: Removed, Feature: f})
	}
	// Clear the tail so dropped slugs are not retained by the backing array.
	for i := len(kept); i < len(s.order); i++ {
		s.order[i] = ""
	}
	s.order = kept
	settled.Removed = len(events)
	settled.Total = len(s.bySlug)
	s.mu.Unlock()

	settled.Statuses = sortedKeys(statuses)
	s.metrics.SetFeaturesLoaded(settled.Total)
	for _, ev := range events {
		s.events.Notify(ev)
	}
	s.settled.Notify(settled)

	s.log.Debug().Str("layer", layer).Int("removed", settled.Removed).Msg("layer_removed")
	return settled.Removed
}

// MergeAll merges every layer concurrently and returns the joined failures.
// The first call arms the ready latch with len(layers); it fires once every
// one of those merges has completed, whether it succeeded or not.
func (s *Store) MergeAll(ctx context.Context, layers []string) error {
	l := s.arm(len(layers))

	var mu sync.Mutex
	var failures []error

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, layer := range layers {
		g.Go(func() error {
			err := s.Merge(ctx, layer)
			if l != nil {
				l.Done()
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(failures...)
}

// arm returns the ready latch for the first MergeAll and nil afterwards.
func (s *Store) arm(n int) *latch.Countdown {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.armed != nil {
		return nil
	}
	s.armed = latch.New(n)
	s.armed.OnReady(s.fireReady)
	return s.armed
}

func (s *Store) fireReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
		total := s.Len()
		s.log.Info().Int("features", total).Msg("store_ready")
		s.readied.Notify(total)
	})
}

// WaitReady blocks until the store-ready signal fired or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SelectWhere returns the features matching pred in insertion order.
// A nil pred selects everything.
func (s *Store) SelectWhere(pred func(Feature) bool) []Feature {
	s.mu.RLock()
	snapshot := make([]Feature, 0, len(s.order))
	for _, slug := range s.order {
		snapshot = append(snapshot, s.bySlug[slug])
	}
	s.mu.RUnlock()

	if pred == nil {
		return snapshot
	}
	out := snapshot[:0]
	for _, f := range snapshot {
		if pred(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s *Store) Get(slug string) (Feature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.bySlug[slug]
	return f, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySlug)
}

// CountByStatus counts held features per status.
func (s *Store) CountByStatus() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, f := range s.bySlug {
		out[f.Status]++
	}
	return out
}

func WithStatus(status string) func(Feature) bool {
	return func(f Feature) bool { return f.Status == status }
}

func InLayer(layer string) func(Feature) bool {
	return func(f Feature) bool { return f.Layer == layer }
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Package app assembles the sync engine into one application context.
//
// An App is created at startup, started once and closed on shutdown. Every
// component reaches its collaborators through the App's fields; nothing is
// held in package-level state.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/cluster"
	"mapsync/core-go/internal/config"
	"mapsync/core-go/internal/db"
	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/feature"
	"mapsync/core-go/internal/listing"
	"mapsync/core-go/internal/metrics"
	"mapsync/core-go/internal/prefs"
	"mapsync/core-go/internal/refresh"
	"mapsync/core-go/internal/registry"
	"mapsync/core-go/internal/remote"
	"mapsync/core-go/internal/visibility"
)

// API is the remote surface the engine consumes.
type API interface {
	registry.StatusSource
	registry.LayerSource
	feature.Fetcher
	listing.Lister
}

type App struct {
	log zerolog.Logger
	cfg config.Config

	Metrics    *metrics.Metrics
	Prefs      *prefs.Preferences
	Legend     *registry.Legend
	Layers     *registry.Layers
	Store      *feature.Store
	Visibility *visibility.Controller
	Clusters   *cluster.Aggregator
	Listing    *listing.Controller
	Refresher  *refresh.Worker

	unsubs  []func()
	closers []func() error

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// New opens the preference backend named by cfg and wires every component
// against the remote API at cfg.APIBaseURL.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, m *metrics.Metrics) (*App, error) {
	store, closer, err := OpenPrefsStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	api := remote.New(cfg.APIBaseURL, nil, cfg.APITimeout, log)
	a, err := NewWithDeps(ctx, cfg, log, m, api, store)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	return a, nil
}

// NewWithDeps wires the engine against an already opened API and preference store.
func NewWithDeps(ctx context.Context, cfg config.Config, log zerolog.Logger, m *metrics.Metrics, api API, store prefs.Store) (*App, error) {
	p, err := prefs.Load(ctx, log, store, prefs.MapView{
		Lat:  cfg.MapCenterLat,
		Lng:  cfg.MapCenterLng,
		Zoom: cfg.MapZoom,
	})
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	a := &App{log: log, cfg: cfg, Metrics: m, Prefs: p}
	a.Legend = registry.NewLegend(log, api, p.IsLegendHidden)
	a.Layers = registry.NewLayers(log, api, p.IsLayerHidden, p.IsLayerShown)
	a.Store = feature.NewStore(log, api, m, feature.Options{MergeConcurrency: cfg.MergeConcurrency})
	a.Visibility = visibility.NewController(log, a.Legend, a.Layers, p, m)
	a.Clusters = cluster.New(log, a.Store, a.Legend, a.Layers, a.Visibility, m)
	a.Listing = listing.New(log, api, cfg.PageSize)
	a.Refresher = refresh.New(log, a.Store, refreshLayers{a}, refresh.Options{
		Interval:  cfg.RefreshInterval,
		Reload:    []refresh.Loader{a.Legend, a.Layers},
		AfterPass: a.Clusters.RebuildAll,
	}, m)

	a.unsubs = append(a.unsubs, a.Store.OnReady(func(total int) {
		a.log.Info().Int("features", total).Int("layers", a.Layers.Len()).Msg("map_ready")
	}))
	if cfg.DropHiddenLayers {
		a.unsubs = append(a.unsubs, a.Visibility.OnChange(a.dropHiddenLayer))
	}
	return a, nil
}

// Start loads both registries, attaches the aggregator and kicks off the
// initial merge of every layer in the background. Readiness is reported by
// Store.Ready.
func (a *App) Start(ctx context.Context) error {
	err := errors.New("app already started")
	a.startOnce.Do(func() {
		err = a.start(ctx)
	})
	return err
}

func (a *App) start(ctx context.Context) error {
	if err := a.Legend.Load(ctx); err != nil {
		return err
	}
	if err := a.Layers.Load(ctx); err != nil {
		return err
	}
	a.Clusters.Attach()

	a.runCtx, a.cancelRun = context.WithCancel(ctx)
	layers := a.initialLayers()
	a.log.Info().Strs("layers", layers).Bool("drop_hidden_layers", a.cfg.DropHiddenLayers).Msg("initial_merge_started")

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.Store.MergeAll(a.runCtx, layers); err != nil {
			a.log.Warn().Err(err).Msg("initial_merge_incomplete")
		}
	}()
	go func() {
		defer a.wg.Done()
		a.Refresher.Run(a.runCtx)
	}()
	return nil
}

// initialLayers skips hidden layers when their data is dropped on hide.
func (a *App) initialLayers() []string {
	if !a.cfg.DropHiddenLayers {
		return a.Layers.Slugs()
	}
	var out []string
	for _, l := range a.Layers.All() {
		if l.Visible {
			out = append(out, l.Slug)
		}
	}
	return out
}

// refreshLayers feeds the refresher the layers that should hold data.
type refreshLayers struct{ a *App }

func (r refreshLayers) Slugs() []string { return r.a.initialLayers() }

func (a *App) dropHiddenLayer(c visibility.Change) {
	if c.Dimension != visibility.Layer {
		return
	}
	if !c.Visible {
		n := a.Store.RemoveByLayer(c.Slug)
		a.log.Debug().Str("layer", c.Slug).Int("removed", n).Msg("hidden_layer_dropped")
		return
	}
	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Store.Merge(ctx, c.Slug); err != nil {
			a.log.Warn().Err(err).Str("layer", c.Slug).Msg("shown_layer_merge_failed")
		}
	}()
}

// ResetPreferences clears every stored preference and shows again whatever
// the user had hidden. Entries hidden by the API's own default stay hidden.
func (a *App) ResetPreferences(ctx context.Context) error {
	legend := a.Prefs.HiddenLegend()
	layers := a.Prefs.HiddenLayers()
	if err := a.Prefs.Reset(ctx); err != nil {
		return err
	}
	var failures []error
	for _, slug := range legend {
		if _, err := a.Visibility.SetLegendVisible(ctx, slug, true); err != nil && !isUnknownSlug(err) {
			failures = append(failures, err)
		}
	}
	for _, slug := range layers {
		if _, err := a.Visibility.SetLayerVisible(ctx, slug, true); err != nil && !isUnknownSlug(err) {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// A stored slug may name a status or layer the API no longer lists.
func isUnknownSlug(err error) bool {
	return errs.IsInvalidSlug(err)
}

// Ready reports whether the initial merge has completed.
func (a *App) Ready() bool { return a.Store.IsReady() }

// Ping checks the preference backend.
func (a *App) Ping(ctx context.Context) error { return a.Prefs.Ping(ctx) }

// Close stops background work, drops every subscription and closes the
// preference backend.
func (a *App) Close() error {
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.wg.Wait()

	a.Clusters.Detach()
	for _, fn := range a.unsubs {
		fn()
	}
	a.unsubs = nil

	var failures []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			failures = append(failures, err)
		}
	}
	a.closers = nil
	return errors.Join(failures...)
}

// OpenPrefsStore opens the backend selected by cfg.PrefsBackend. The returned
// closer may be nil.
func OpenPrefsStore(ctx context.Context, cfg config.Config) (prefs.Store, func() error, error) {
	switch cfg.PrefsBackend {
	case config.BackendMemory:
		return prefs.NewMemoryStore(), nil, nil

	case config.BackendSQLite, "":
		s, err := prefs.OpenSQLiteStore(ctx, cfg.PrefsSQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite preferences: %w", err)
		}
		return s, s.Close, nil

	case config.BackendRedis:
		client := prefs.OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if client == nil {
			return nil, nil, errors.New("redis preferences: REDIS_ADDR not set")
		}
		s := prefs.NewRedisStore(client, cfg.PrefsRedisPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("redis preferences: %w", err)
		}
		return s, s.Close, nil

	case config.BackendPostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres preferences: %w", err)
		}
		if err := pool.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres preferences: %w", err)
		}
		return prefs.NewPostgresStore(pool.Queries(), pool), func() error { pool.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown preference backend %q", cfg.PrefsBackend)
	}
}

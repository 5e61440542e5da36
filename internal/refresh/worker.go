// Package refresh periodically re-merges every known layer.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/metrics"
)

// Merger folds a set of layers into the feature store.
type Merger interface {
	MergeAll(ctx context.Context, layers []string) error
}

// LayerSlugs lists the layers to refresh.
type LayerSlugs interface {
	Slugs() []string
}

// Loader reloads a registry from the remote API.
type Loader interface {
	Load(ctx context.Context) error
}

type Worker struct {
	log       zerolog.Logger
	merger    Merger
	layers    LayerSlugs
	reload    []Loader
	afterPass func()
	interval  time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics
}

type Options struct {
	Interval time.Duration
	// PassTimeout bounds one pass; defaults to the interval.
	PassTimeout time.Duration
	// Reload is run before merging, in order. A failed reload keeps the
	// registry's previous entries and still lets the merge run.
	Reload []Loader
	// AfterPass runs after every pass, successful or not.
	AfterPass func()
}

func New(log zerolog.Logger, merger Merger, layers LayerSlugs, opts Options, m *metrics.Metrics) *Worker {
	timeout := opts.PassTimeout
	if timeout <= 0 {
		timeout = opts.Interval
	}
	return &Worker{
		log:       log.With().Str("component", "refresh").Logger(),
		merger:    merger,
		layers:    layers,
		reload:    opts.Reload,
		afterPass: opts.AfterPass,
		interval:  opts.Interval,
		timeout:   timeout,
		metrics:   m,
	}
}

// Run blocks until ctx is done. A zero interval disables the worker.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.merger == nil || w.interval <= 0 {
		return
	}

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := w.RunOnce(ctx); err != nil {
			consecutiveFailures++
			w.log.Warn().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("refresh_failed")
		} else {
			consecutiveFailures = 0
		}

		timer.Reset(backoffDuration(w.interval, consecutiveFailures))
	}
}

// RunOnce reloads the registries and re-merges every known layer.
func (w *Worker) RunOnce(ctx context.Context) error {
	passCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	var failures []error
	for _, l := range w.reload {
		if err := l.Load(passCtx); err != nil {
			failures = append(failures, err)
		}
	}

	layers := w.layers.Slugs()
	if err := w.merger.MergeAll(passCtx, layers); err != nil {
		failures = append(failures, err)
	}
	if w.afterPass != nil {
		w.afterPass()
	}

	err := errors.Join(failures...)
	w.metrics.ObserveRefreshPass(err, time.Since(start))
	w.log.Debug().
		Int("layers", len(layers)).
		Int("failures", len(failures)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("refresh_pass")
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

const maxBackoff = 30 * time.Minute

func backoffDuration(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if failures <= 0 {
		return base
	}

	// base * 2^failures, capped.
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if d > maxBackoff {
		if base > maxBackoff {
			return base
		}
		return maxBackoff
	}
	return d
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry                *prometheus.Registry
	httpRequests            *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	mergesTotal             *prometheus.CounterVec
	mergeDuration           *prometheus.HistogramVec
	featuresLoaded          prometheus.Gauge
	visibilityToggles       *prometheus.CounterVec
	bucketRebuilds          *prometheus.CounterVec
	preferenceWriteFailures prometheus.Counter
	refreshPasses           *prometheus.CounterVec
	refreshDuration         prometheus.Histogram
}

// New creates a fresh Metrics registry with HTTP and sync engine metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by mapsync",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapsync",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by mapsync",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	mergesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Name:      "merges_total",
		Help:      "Layer merge-fetches by outcome",
	}, []string{"layer", "result"})

	mergeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapsync",
		Name:      "merge_duration_seconds",
		Help:      "Duration of a layer merge-fetch including the network round trip",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"layer"})

	featuresLoaded := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapsync",
		Name:      "features_loaded",
		Help:      "Features currently held by the feature store",
	})

	visibilityToggles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Name:      "visibility_toggles_total",
		Help:      "Applied visibility changes by dimension",
	}, []string{"dimension"})

	bucketRebuilds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Name:      "bucket_rebuilds_total",
		Help:      "Cluster bucket rebuilds by status",
	}, []string{"status"})

	preferenceWriteFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mapsync",
		Name:      "preference_write_failures_total",
		Help:      "Preference writes that failed to reach the backend",
	})

	refreshPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Name:      "refresh_passes_total",
		Help:      "Periodic refresh passes by outcome",
	}, []string{"result"})

	refreshDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapsync",
		Name:      "refresh_pass_duration_seconds",
		Help:      "Duration of a periodic refresh pass",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		mergesTotal,
		mergeDuration,
		featuresLoaded,
		visibilityToggles,
		bucketRebuilds,
		preferenceWriteFailures,
		refreshPasses,
		refreshDuration,
	)

	return &Metrics{
		registry:                registry,
		httpRequests:            httpRequests,
		httpRequestDuration:     httpRequestDuration,
		mergesTotal:             mergesTotal,
		mergeDuration:           mergeDuration,
		featuresLoaded:          featuresLoaded,
		visibilityToggles:       visibilityToggles,
		bucketRebuilds:          bucketRebuilds,
		preferenceWriteFailures: preferenceWriteFailures,
		refreshPasses:           refreshPasses,
		refreshDuration:         refreshDuration,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveMerge records one merge-fetch of a layer.
func (m *Metrics) ObserveMerge(layer string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mergesTotal.With(prometheus.Labels{"layer": layer, "result": result}).Inc()
	m.mergeDuration.With(prometheus.Labels{"layer": layer}).Observe(duration.Seconds())
}

func (m *Metrics) SetFeaturesLoaded(n int) {
	if m == nil {
		return
	}
	m.featuresLoaded.Set(float64(n))
}

func (m *Metrics) IncVisibilityToggle(dimension string) {
	if m == nil {
		return
	}
	m.visibilityToggles.With(prometheus.Labels{"dimension": dimension}).Inc()
}

func (m *Metrics) IncBucketRebuild(status string) {
	if m == nil {
		return
	}
	m.bucketRebuilds.With(prometheus.Labels{"status": status}).Inc()
}

func (m *Metrics) IncPreferenceWriteFailure() {
	if m == nil {
		return
	}
	m.preferenceWriteFailures.Inc()
}

func (m *Metrics) ObserveRefreshPass(err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshPasses.With(prometheus.Labels{"result": result}).Inc()
	m.refreshDuration.Observe(duration.Seconds())
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

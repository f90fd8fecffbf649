// Package observability holds the Prometheus metrics shared by the catalog
// build, the file cache and the API server.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oprstac"

// Metrics holds the Prometheus counters and histograms.
type Metrics struct {
	// Build metrics.
	Units        *prometheus.CounterVec // labels: outcome={success,error}
	ItemsCreated prometheus.Counter
	FilesSkipped *prometheus.CounterVec // labels: reason
	UnitDuration prometheus.Histogram

	// Access metrics.
	Cache *prometheus.CounterVec // labels: result={hit,miss,error}

	// Server metrics.
	HTTPRequests *prometheus.CounterVec // labels: method, route, status
}

func newMetrics() *Metrics {
	return &Metrics{
		Units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Flight units processed by outcome.",
		}, []string{"outcome"}),
		ItemsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_created_total",
			Help:      "Total STAC items created.",
		}),
		FilesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Frame files skipped during extraction by reason.",
		}, []string{"reason"}),
		UnitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Duration of processing one flight unit.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		Cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_total",
			Help:      "File cache lookups by result.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call it once per process.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Units,
		m.ItemsCreated,
		m.FilesSkipped,
		m.UnitDuration,
		m.Cache,
		m.HTTPRequests,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics, so tests may create
// as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// The Observe methods are no-ops on a nil *Metrics.

// ObserveUnit records one finished flight unit.
func (m *Metrics) ObserveUnit(failed bool, d time.Duration, items int) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.Units.WithLabelValues(outcome).Inc()
	m.UnitDuration.Observe(d.Seconds())
	m.ItemsCreated.Add(float64(items))
}

// ObserveSkip records one skipped frame file.
func (m *Metrics) ObserveSkip(reason string) {
	if m == nil {
		return
	}
	m.FilesSkipped.WithLabelValues(reason).Inc()
}

// ObserveCache records a file cache lookup.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.Cache.WithLabelValues(result).Inc()
}

// ObserveRequest records one served API request.
func (m *Metrics) ObserveRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

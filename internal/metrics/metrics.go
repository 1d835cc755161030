package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for feed runs.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	pagesTotal           *prometheus.CounterVec
	itemsTotal           *prometheus.CounterVec
	retriesTotal         *prometheus.CounterVec
	writesTotal          *prometheus.CounterVec
	droppedTotal         *prometheus.CounterVec
	occurrencesGenerated prometheus.Counter
	runsTotal            *prometheus.CounterVec
	lastRunTimestamp     prometheus.Gauge
	lastRunDuration      prometheus.Gauge
	segmentListingSize   *prometheus.GaugeVec
}

// New creates and registers the metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsplit_pages_total",
			Help: "Feed pages successfully fetched and processed",
		}, []string{"feed"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsplit_items_total",
			Help: "Feed items handed to the processor",
		}, []string{"feed"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsplit_page_retries_total",
			Help: "Page fetches retried after a transient failure",
		}, []string{"feed", "reason"}),
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsplit_store_puts_total",
			Help: "Store puts by record kind and outcome",
		}, []string{"kind", "outcome"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsplit_items_dropped_total",
			Help: "Items not persisted, by kind and reason",
		}, []string{"kind", "reason"}),
		occurrencesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsplit_occurrences_generated_total",
			Help: "Occurrences generated from series schedules",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsplit_runs_total",
			Help: "Completed pipeline runs by result",
		}, []string{"result"}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsplit_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsplit_last_run_duration_seconds",
			Help: "Wall time of the last run",
		}),
		segmentListingSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedsplit_segment_listing_entries",
			Help: "Entries in each segment listing",
		}, []string{"segment"}),
	}

	registry.MustRegister(
		m.pagesTotal,
		m.itemsTotal,
		m.retriesTotal,
		m.writesTotal,
		m.droppedTotal,
		m.occurrencesGenerated,
		m.runsTotal,
		m.lastRunTimestamp,
		m.lastRunDuration,
		m.segmentListingSize,
	)
	return m
}

// IncPages records one processed page of the named feed.
func (m *Metrics) IncPages(feed string, items int) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(feed).Inc()
	m.itemsTotal.WithLabelValues(feed).Add(float64(items))
}

// IncRetries records a retried page fetch.
func (m *Metrics) IncRetries(feed, reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(feed, reason).Inc()
}

// IncPut records a store put outcome.
func (m *Metrics) IncPut(kind, outcome string) {
	if m == nil {
		return
	}
	m.writesTotal.WithLabelValues(kind, outcome).Inc()
}

// IncDropped records an item that was not persisted.
func (m *Metrics) IncDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(kind, reason).Inc()
}

// AddGenerated records occurrences produced by schedule expansion.
func (m *Metrics) AddGenerated(n int) {
	if m == nil {
		return
	}
	m.occurrencesGenerated.Add(float64(n))
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(err error, finished time.Time, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runsTotal.WithLabelValues(result).Inc()
	m.lastRunTimestamp.Set(float64(finished.Unix()))
	m.lastRunDuration.Set(took.Seconds())
}

// SetListingSize sets the listing gauge for a segment.
func (m *Metrics) SetListingSize(segment string, n int) {
	if m == nil {
		return
	}
	m.segmentListingSize.WithLabelValues(segment).Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Package metrics exposes Prometheus collectors for the orchestration server.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workersRegistered     prometheus.Gauge
	workersEvictedTotal   prometheus.Counter
	jobsTotal             *prometheus.CounterVec
	catalogPagesTotal     prometheus.Counter
	matchDurationSeconds  prometheus.Histogram
	matchedRecordsTotal   prometheus.Counter
	websocketConnections  prometheus.Gauge
	websocketMessagesRecv *prometheus.CounterVec
	cacheEntries          *prometheus.GaugeVec
	cacheSize             *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		workersRegistered = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rightsmatch_workers_registered",
				Help: "Number of scraper workers currently registered.",
			},
		)

		workersEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rightsmatch_workers_evicted_total",
				Help: "Total number of workers evicted after missing the heartbeat deadline.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rightsmatch_jobs_total",
				Help: "Total number of job requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		catalogPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rightsmatch_catalog_pages_total",
				Help: "Total number of non-empty catalog pages fetched upstream.",
			},
		)

		matchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rightsmatch_match_duration_seconds",
				Help:    "Histogram of similarity matching run times.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		matchedRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rightsmatch_matched_records_total",
				Help: "Total number of merged records produced by the matcher.",
			},
		)

		websocketConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rightsmatch_websocket_connections",
				Help: "Number of open websocket connections.",
			},
		)

		websocketMessagesRecv = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rightsmatch_websocket_messages_total",
				Help: "Total number of inbound websocket messages, labeled by command.",
			},
			[]string{"command"},
		)

		cacheEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rightsmatch_cache_entries",
				Help: "Number of entries held per cache, stale ones included.",
			},
			[]string{"cache"},
		)

		cacheSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rightsmatch_cache_size",
				Help: "Summed entry cost held per cache.",
			},
			[]string{"cache"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetWorkersRegistered records the size of the worker registry.
func SetWorkersRegistered(n int) {
	Init()
	workersRegistered.Set(float64(n))
}

// ObserveEviction counts evicted workers.
func ObserveEviction(n int) {
	Init()
	workersEvictedTotal.Add(float64(n))
}

// ObserveJob counts a job request outcome (completed, in_progress, dispatched, busy, failed).
func ObserveJob(outcome string) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCatalogPage counts one fetched catalog page.
func ObserveCatalogPage() {
	Init()
	catalogPagesTotal.Inc()
}

// ObserveMatch records a matcher run.
func ObserveMatch(duration time.Duration, merged int) {
	Init()
	matchDurationSeconds.Observe(duration.Seconds())
	matchedRecordsTotal.Add(float64(merged))
}

// ConnectionOpened and ConnectionClosed track the websocket connection gauge.
func ConnectionOpened() {
	Init()
	websocketConnections.Inc()
}

func ConnectionClosed() {
	Init()
	websocketConnections.Dec()
}

// ObserveMessage counts an inbound websocket command.
func ObserveMessage(command string) {
	Init()
	websocketMessagesRecv.WithLabelValues(command).Inc()
}

// SetCacheUsage records the entry count and summed cost of one cache.
func SetCacheUsage(cache string, entries, size int) {
	Init()
	cacheEntries.WithLabelValues(cache).Set(float64(entries))
	cacheSize.WithLabelValues(cache).Set(float64(size))
}

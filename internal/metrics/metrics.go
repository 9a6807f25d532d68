// Package metrics exposes Prometheus collectors for the statcache service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookupsTotal           *prometheus.CounterVec
	refreshesTotal              *prometheus.CounterVec
	refreshesInFlight           prometheus.Gauge
	fetchAttemptsTotal          *prometheus.CounterVec
	fetchDurationSeconds        *prometheus.HistogramVec
	snapshotFetchesTotal        *prometheus.CounterVec
	storeCommitsTotal           *prometheus.CounterVec
	storeCommitDurationSeconds  prometheus.Histogram
	storageCorruptionsTotal     prometheus.Counter
	browserSessionsBusy         prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	fetchRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statcache_lookups_total",
				Help: "Total number of cache lookups, labeled by result (fresh, expired, miss).",
			},
			[]string{"result"},
		)

		refreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statcache_refreshes_total",
				Help: "Total number of completed refreshes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		refreshesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statcache_refreshes_in_flight",
				Help: "Number of keys with a refresh currently running.",
			},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statcache_fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by key kind and status.",
			},
			[]string{"kind", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statcache_fetch_duration_seconds",
				Help:    "Histogram of fetch attempt latencies, labeled by key kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"kind"},
		)

		snapshotFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statcache_snapshot_fetches_total",
				Help: "Total number of remote snapshot fetches, labeled by scheme and status.",
			},
			[]string{"scheme", "status"},
		)

		storeCommitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statcache_store_commits_total",
				Help: "Total number of cache document commits, labeled by status.",
			},
			[]string{"status"},
		)

		storeCommitDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "statcache_store_commit_duration_seconds",
				Help:    "Histogram of cache document commit latencies.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		storageCorruptionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "statcache_storage_corruptions_total",
				Help: "Total number of corrupt cache documents replaced at load.",
			},
		)

		browserSessionsBusy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statcache_browser_sessions_busy",
				Help: "Number of browser sessions currently rendering a page.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		fetchRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statcache_fetch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations before a fetch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveLookup counts a cache lookup result.
func ObserveLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRefresh counts a completed refresh outcome.
func ObserveRefresh(outcome string) {
	Init()
	refreshesTotal.WithLabelValues(outcome).Inc()
}

// IncRefreshesInFlight increments the in-flight refresh gauge.
func IncRefreshesInFlight() {
	Init()
	refreshesInFlight.Inc()
}

// DecRefreshesInFlight decrements the in-flight refresh gauge.
func DecRefreshesInFlight() {
	Init()
	refreshesInFlight.Dec()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(kind, status string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(kind, status).Inc()
	fetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveSnapshotFetch counts a remote snapshot fetch.
func ObserveSnapshotFetch(scheme, status string) {
	Init()
	snapshotFetchesTotal.WithLabelValues(scheme, status).Inc()
}

// ObserveStoreCommit records a cache document commit.
func ObserveStoreCommit(status string, duration time.Duration) {
	Init()
	storeCommitsTotal.WithLabelValues(status).Inc()
	storeCommitDurationSeconds.Observe(duration.Seconds())
}

// ObserveStorageCorruption counts a corrupt document replaced at load.
func ObserveStorageCorruption() {
	Init()
	storageCorruptionsTotal.Inc()
}

// IncBrowserSessionsBusy increments the busy browser sessions gauge.
func IncBrowserSessionsBusy() {
	Init()
	browserSessionsBusy.Inc()
}

// DecBrowserSessionsBusy decrements the busy browser sessions gauge.
func DecBrowserSessionsBusy() {
	Init()
	browserSessionsBusy.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	fetchRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

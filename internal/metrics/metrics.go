// Package metrics exposes Prometheus collectors for the harvester.
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
	harvesterPagesTotal             *prometheus.CounterVec
	harvesterListingsTotal          *prometheus.CounterVec
	harvesterRecoveriesTotal        *prometheus.CounterVec
	harvesterRunsTotal              *prometheus.CounterVec
	harvesterWaitSeconds            *prometheus.HistogramVec
	classifierBatchesTotal          *prometheus.CounterVec
	classifierRequestDurationSecond *prometheus.HistogramVec
	rateLimitDelaySeconds           *prometheus.HistogramVec
	normalizedListingsTotal         prometheus.Counter
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Catalog pages visited, labeled by site and page outcome.",
			},
			[]string{"site", "outcome"},
		)

		harvesterListingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_listings_total",
				Help: "Listings seen on catalog pages, labeled by kind (new or duplicate).",
			},
			[]string{"kind"},
		)

		harvesterRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_recoveries_total",
				Help: "Recovery attempts made by the pagination controller, labeled by kind.",
			},
			[]string{"kind"},
		)

		harvesterRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Finished crawls, labeled by terminal state and stop reason.",
			},
			[]string{"state", "reason"},
		)

		harvesterWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_wait_seconds",
				Help:    "Histogram of deliberate waits, labeled by kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		)

		classifierBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classifier_batches_total",
				Help: "Classifier batches processed, labeled by status.",
			},
			[]string{"status"},
		)

		classifierRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "classifier_request_duration_seconds",
				Help:    "Histogram of classifier request latencies, labeled by provider.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimit_delay_seconds",
				Help:    "Time spent waiting for a rate limit token, labeled by host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		normalizedListingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_normalized_listings_total",
				Help: "Normalized listings written to the store.",
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
	return promhttp.Handler()
}

// ObservePage counts a visited catalog page.
func ObservePage(site, outcome string) {
	Init()
	harvesterPagesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveListings counts listings found on one page.
func ObserveListings(fresh, duplicates int) {
	Init()
	if fresh > 0 {
		harvesterListingsTotal.WithLabelValues("new").Add(float64(fresh))
	}
	if duplicates > 0 {
		harvesterListingsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	}
}

// ObserveRecovery counts one recovery attempt and the wait it cost.
func ObserveRecovery(kind string, wait time.Duration) {
	Init()
	harvesterRecoveriesTotal.WithLabelValues(kind).Inc()
	harvesterWaitSeconds.WithLabelValues(kind).Observe(wait.Seconds())
}

// ObserveRun counts a finished crawl.
func ObserveRun(state, reason string) {
	Init()
	harvesterRunsTotal.WithLabelValues(state, reason).Inc()
}

// ObserveBatch records one classifier batch.
func ObserveBatch(status string) {
	Init()
	classifierBatchesTotal.WithLabelValues(status).Inc()
}

// ObserveClassifierRequest records the latency of one provider call.
func ObserveClassifierRequest(provider string, duration time.Duration) {
	Init()
	classifierRequestDurationSecond.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time spent blocked on a rate limiter.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}

// ObserveNormalized adds n written normalized listings.
func ObserveNormalized(n int) {
	Init()
	if n > 0 {
		normalizedListingsTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the image scraper service.
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
	scraperSearchesTotal          *prometheus.CounterVec
	scraperURLsPickedTotal        *prometheus.CounterVec
	scraperImagesProcessedTotal   *prometheus.CounterVec
	scraperImageBytesTotal        *prometheus.CounterVec
	scraperServeDurationSeconds   prometheus.Histogram
	scraperRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperSearchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_searches_total",
				Help: "Total number of image searches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperURLsPickedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_urls_picked_total",
				Help: "Total number of URLs handed out, labeled by the set they came from.",
			},
			[]string{"source"},
		)

		scraperImagesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_images_processed_total",
				Help: "Total number of processed images, labeled by image host and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scraperImageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_image_bytes_total",
				Help: "Total number of image bytes downloaded, labeled by image host.",
			},
			[]string{"site"},
		)

		scraperServeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_serve_duration_seconds",
				Help:    "Histogram of end-to-end serve latencies.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		scraperRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
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

// ObserveSearch counts a search attempt by outcome ("ok", "failed", "skipped").
func ObserveSearch(outcome string) {
	Init()
	scraperSearchesTotal.WithLabelValues(outcome).Inc()
}

// ObservePicked counts URLs handed out from the unserved or served set.
func ObservePicked(source string, n int) {
	if n <= 0 {
		return
	}
	Init()
	scraperURLsPickedTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveImage records the outcome of processing one image.
func ObserveImage(sourceURL string, outcome string, bytesFetched int) {
	Init()
	site := SanitizeSite(sourceURL)
	scraperImagesProcessedTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		scraperImageBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveServe records the latency of a full serve cycle.
func ObserveServe(duration time.Duration) {
	Init()
	scraperServeDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	scraperRateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

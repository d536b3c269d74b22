// Package telemetry exposes the Prometheus collectors and OpenTelemetry
// tracer used by the summarizer service.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	summarizeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarize_requests_total",
			Help: "Total number of summarize requests, labeled by outcome (success, cached or error kind).",
		},
		[]string{"status"},
	)

	summarizerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarizer_attempts_total",
			Help: "Total number of LLM calls, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineStageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Histogram of pipeline stage latencies, labeled by stage.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.25, 1, 2.5, 5, 15, 30, 60},
		},
		[]string{"stage"},
	)

	extractionSelectorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_selector_total",
			Help: "Total number of extractions, labeled by the selector that supplied the content region.",
		},
		[]string{"selector"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_bytes_total",
			Help: "Total number of page bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	fetchRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_rate_limit_delay_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "summary_cache_entries",
			Help: "Number of summaries held in the cache, stale ones included.",
		},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the lower-cased hostname from a URL for use as a
// label value.
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

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSummarize counts a finished summarize request.
func ObserveSummarize(status string) {
	summarizeRequestsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt counts one LLM call.
func ObserveAttempt(outcome string) {
	summarizerAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, duration time.Duration) {
	pipelineStageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveExtraction counts which selector supplied the extracted region.
func ObserveExtraction(selector string) {
	extractionSelectorTotal.WithLabelValues(selector).Inc()
}

// ObserveFetch records bytes fetched from a page.
func ObserveFetch(rawURL string, bytesFetched int) {
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	fetchRateLimitDelaySeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// SetCacheEntries publishes the current cache size.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// Package metrics exposes Prometheus collectors for the pipeline service.
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
	extractionPagesTotal          *prometheus.CounterVec
	extractionBytesTotal          *prometheus.CounterVec
	analysisBatchesTotal          *prometheus.CounterVec
	analysisBatchDurationSeconds  prometheus.Histogram
	analysisTokensTotal           *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	pipelineActiveWorkers         prometheus.Gauge
	pipelineRateLimitDelaySeconds *prometheus.HistogramVec
	watchdogTimeoutsTotal         prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		extractionPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_extraction_pages_total",
				Help: "Source pages extracted, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		extractionBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_extraction_bytes_total",
				Help: "Bytes fetched from sources, labeled by site.",
			},
			[]string{"site"},
		)

		analysisBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_analysis_batches_total",
				Help: "Analysis batches sent, labeled by result.",
			},
			[]string{"result"},
		)

		analysisBatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_analysis_batch_duration_seconds",
				Help:    "Wall time per analysis batch including retries.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
		)

		analysisTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_analysis_tokens_total",
				Help: "Tokens consumed by the analysis service, labeled by kind.",
			},
			[]string{"kind"},
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

		pipelineActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workers",
				Help: "Number of workers currently processing a run.",
			},
		)

		pipelineRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)

		watchdogTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_watchdog_timeouts_total",
				Help: "Runs failed by the watchdog after exceeding the hard timeout.",
			},
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

// ObserveExtraction records one extracted page.
func ObserveExtraction(pageURL string, result string, bytesFetched int) {
	Init()
	site := SanitizeSite(pageURL)
	extractionPagesTotal.WithLabelValues(site, result).Inc()
	if bytesFetched > 0 {
		extractionBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveAnalysisBatch records one analysis batch outcome and its token usage.
func ObserveAnalysisBatch(result string, duration time.Duration, promptTokens, completionTokens int64) {
	Init()
	analysisBatchesTotal.WithLabelValues(result).Inc()
	analysisBatchDurationSeconds.Observe(duration.Seconds())
	if promptTokens > 0 {
		analysisTokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		analysisTokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	pipelineActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	pipelineActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	pipelineRateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveWatchdogTimeout counts a run failed by the watchdog.
func ObserveWatchdogTimeout() {
	Init()
	watchdogTimeoutsTotal.Inc()
}

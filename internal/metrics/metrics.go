// Package metrics exposes Prometheus collectors for the reverse-search crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	retriesTotal               prometheus.Counter
	captchasTotal              *prometheus.CounterVec
	proxyEvictionsTotal        prometheus.Counter
	proxiesActive              prometheus.Gauge
	predictionsTotal           *prometheus.CounterVec
	solverAttemptsTotal        *prometheus.CounterVec
	rateLimitDelaySeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revsearch_fetches_total",
				Help: "Total number of reverse-search fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revsearch_fetch_duration_seconds",
				Help:    "Histogram of single fetch latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "revsearch_retries_total",
				Help: "Total number of fetch retries issued by the retry loop.",
			},
		)

		captchasTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revsearch_captchas_total",
				Help: "Total anti-bot responses, labeled by whether a proxy was in use.",
			},
			[]string{"egress"},
		)

		proxyEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "revsearch_proxy_evictions_total",
				Help: "Total number of proxies evicted from the pool.",
			},
		)

		proxiesActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "revsearch_proxies_active",
				Help: "Number of proxies remaining in the pool.",
			},
		)

		predictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revsearch_predictions_total",
				Help: "Total predictions collected, labeled by source path.",
			},
			[]string{"source"},
		)

		solverAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revsearch_solver_attempts_total",
				Help: "Total heavy-solve attempts, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "revsearch_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit sleep durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served, labeled by method and code.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt and its latency.
func ObserveFetch(outcome string, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	Init()
	retriesTotal.Inc()
}

// ObserveCaptcha counts an anti-bot response. viaProxy distinguishes pooled egress from direct.
func ObserveCaptcha(viaProxy bool) {
	Init()
	egress := "direct"
	if viaProxy {
		egress = "proxy"
	}
	captchasTotal.WithLabelValues(egress).Inc()
}

// ObserveEviction counts a proxy eviction and updates the active gauge.
func ObserveEviction(remaining int) {
	Init()
	proxyEvictionsTotal.Inc()
	proxiesActive.Set(float64(remaining))
}

// SetActiveProxies sets the active proxy gauge.
func SetActiveProxies(n int) {
	Init()
	proxiesActive.Set(float64(n))
}

// ObservePrediction counts a collected prediction by source ("primary", "second_chance", "solver").
func ObservePrediction(source string) {
	Init()
	predictionsTotal.WithLabelValues(source).Inc()
}

// ObserveSolve counts a heavy-solve attempt by result ("prediction", "none", "error").
func ObserveSolve(result string) {
	Init()
	solverAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit sleep.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the service.
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
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         prometheus.Histogram
	dispatchAttemptsTotal      *prometheus.CounterVec
	callbacksTotal             *prometheus.CounterVec
	llmCallsTotal              *prometheus.CounterVec
	llmQuotaWaitSeconds        prometheus.Histogram
	autocheckChecksTotal       *prometheus.CounterVec
	sweeperDeletedTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eolwatch_jobs_total",
				Help: "Total number of jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eolwatch_job_duration_seconds",
				Help:    "Histogram of end-to-end job durations.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
			},
		)

		dispatchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eolwatch_dispatch_attempts_total",
				Help: "Total scrape dispatch attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		callbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eolwatch_scrape_callbacks_total",
				Help: "Total scrape callbacks received, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eolwatch_llm_calls_total",
				Help: "Total analysis provider calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		llmQuotaWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eolwatch_llm_quota_wait_seconds",
				Help:    "Histogram of waits spent on provider token-window resets.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		autocheckChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eolwatch_autocheck_checks_total",
				Help: "Total auto-check runs started, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		sweeperDeletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eolwatch_sweeper_deleted_total",
				Help: "Total terminal job records removed by the cleanup sweeper.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobTerminal records a job reaching complete or error.
func ObserveJobTerminal(status string, duration time.Duration) {
	jobsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		jobDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveDispatch records one scrape dispatch attempt.
func ObserveDispatch(strategy, outcome string) {
	dispatchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveCallback records a received scrape callback.
func ObserveCallback(outcome string) {
	callbacksTotal.WithLabelValues(outcome).Inc()
}

// ObserveLLMCall records one analysis provider call.
func ObserveLLMCall(outcome string) {
	llmCallsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuotaWait records time spent waiting for a token-window reset.
func ObserveQuotaWait(duration time.Duration) {
	llmQuotaWaitSeconds.Observe(duration.Seconds())
}

// ObserveAutoCheck records one auto-check run and its verdict.
func ObserveAutoCheck(verdict string) {
	autocheckChecksTotal.WithLabelValues(verdict).Inc()
}

// AddSweeperDeleted adds to the sweeper deletion counter.
func AddSweeperDeleted(n int) {
	if n > 0 {
		sweeperDeletedTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

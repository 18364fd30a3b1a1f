// Package observability exposes Prometheus metrics for runs, model calls,
// tool dispatch and the report cache.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runTotal      *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runIterations prometheus.Histogram
	activeRuns    prometheus.Gauge

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	tokensTotal       *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	cacheLookupTotal *prometheus.CounterVec
	cacheWriteErrors prometheus.Counter

	tokenFetchTotal *prometheus.CounterVec

	sqlExecutionTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querypilot_run_total",
					Help: "Agent runs by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "querypilot_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
				},
				[]string{"provider"},
			),
			runIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "querypilot_run_iterations",
					Help:    "Model calls made per run.",
					Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "querypilot_active_runs",
					Help: "Runs currently in progress.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querypilot_model_call_total",
					Help: "Model service calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "querypilot_model_call_duration_seconds",
					Help:    "Model service call latency by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querypilot_tokens_total",
					Help: "Tokens consumed by provider and kind (prompt, completion).",
				},
				[]string{"provider", "kind"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querypilot_tool_execution_total",
					Help: "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "querypilot_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			cacheLookupTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querypilot_report_cache_lookup_total",
					Help: "Report cache lookups by result (hit, miss, error).",
				},
				[]string{"result"},
			),
			cacheWriteErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "querypilot_report_cache_write_errors_total",
					Help: "Report cache writes that failed and were dropped.",
				},
			),
			tokenFetchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querypilot_token_fetch_total",
					Help: "Credential endpoint requests by status.",
				},
				[]string{"status"},
			),
			sqlExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querypilot_sql_execution_total",
					Help: "SQL executions by backend and status.",
				},
				[]string{"backend", "status"},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.runIterations,
			m.activeRuns,
			m.modelCallTotal,
			m.modelCallDuration,
			m.tokensTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.cacheLookupTotal,
			m.cacheWriteErrors,
			m.tokenFetchTotal,
			m.sqlExecutionTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RunStarted marks a run as in progress.
func RunStarted() {
	getMetrics().activeRuns.Inc()
}

// RecordRun closes a run started with RunStarted.
// outcome is one of final, empty, exhausted, auth_error, error, cancelled.
func RecordRun(provider, outcome string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.activeRuns.Dec()
	m.runTotal.WithLabelValues(provider, outcome).Inc()
	m.runDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.runIterations.Observe(float64(iterations))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, status(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordTokens(provider string, prompt, completion uint32) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordCacheLookup(result string) {
	getMetrics().cacheLookupTotal.WithLabelValues(result).Inc()
}

func RecordCacheWriteError() {
	getMetrics().cacheWriteErrors.Inc()
}

func RecordTokenFetch(success bool) {
	getMetrics().tokenFetchTotal.WithLabelValues(status(success)).Inc()
}

func RecordSQLExecution(backend string, success bool) {
	getMetrics().sqlExecutionTotal.WithLabelValues(backend, status(success)).Inc()
}

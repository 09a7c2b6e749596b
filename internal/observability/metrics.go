package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runTotal       *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runIterations  prometheus.Histogram
	activeRuns     prometheus.Gauge
	claimConflicts prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	llmCallTotal    *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmRetryTotal   *prometheus.CounterVec

	summarizationTotal  *prometheus.CounterVec
	summarizationTokens prometheus.Histogram
	fragmentsPublished  prometheus.Counter
	activeSubscribers   prometheus.Gauge
	reclaimedRunsTotal  *prometheus.CounterVec
	expiredBuffersSwept prometheus.Counter
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
					Name: "run_total",
					Help: "Total agent runs by terminal status.",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "run_duration_seconds",
					Help:    "Agent run duration in seconds by terminal status.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
				[]string{"status"},
			),
			runIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "run_iterations",
					Help:    "Loop iterations per agent run.",
					Buckets: prometheus.LinearBuckets(1, 5, 10),
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_runs",
					Help: "Runs currently claimed by this instance.",
				},
			),
			claimConflicts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "claim_conflicts_total",
					Help: "Run starts rejected because the thread already had a running run.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_call_total",
					Help: "Total LLM calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_call_duration_seconds",
					Help:    "LLM call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_retry_total",
					Help: "Total LLM call retries by provider.",
				},
				[]string{"provider"},
			),
			summarizationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "summarization_total",
					Help: "Total summarization cycles by outcome.",
				},
				[]string{"outcome"},
			),
			summarizationTokens: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "summarization_span_tokens",
					Help:    "Estimated token size of summarized spans.",
					Buckets: prometheus.ExponentialBuckets(1000, 2, 10),
				},
			),
			fragmentsPublished: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "fragments_published_total",
					Help: "Total message fragments published to run buffers.",
				},
			),
			activeSubscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_subscribers",
					Help: "Currently attached run subscribers.",
				},
			),
			reclaimedRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reclaimed_runs_total",
					Help: "Runs forced terminal by reclaim, by reason.",
				},
				[]string{"reason"},
			),
			expiredBuffersSwept: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "expired_buffers_swept_total",
					Help: "Terminal run fragment buffers removed by the expiry sweep.",
				},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.runIterations,
			m.activeRuns,
			m.claimConflicts,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmRetryTotal,
			m.summarizationTotal,
			m.summarizationTokens,
			m.fragmentsPublished,
			m.activeSubscribers,
			m.reclaimedRunsTotal,
			m.expiredBuffersSwept,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRunFinished(status string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.runIterations.Observe(float64(iterations))
}

func SetActiveRuns(count int) {
	getMetrics().activeRuns.Set(float64(count))
}

func RecordClaimConflict() {
	getMetrics().claimConflicts.Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.llmCallTotal.WithLabelValues(provider, status).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordLLMRetry(provider string) {
	getMetrics().llmRetryTotal.WithLabelValues(provider).Inc()
}

func RecordSummarization(outcome string, spanTokens int) {
	m := getMetrics()
	m.summarizationTotal.WithLabelValues(outcome).Inc()
	if spanTokens > 0 {
		m.summarizationTokens.Observe(float64(spanTokens))
	}
}

func RecordFragmentPublished() {
	getMetrics().fragmentsPublished.Inc()
}

func AddActiveSubscribers(delta int) {
	getMetrics().activeSubscribers.Add(float64(delta))
}

func RecordRunReclaimed(reason string) {
	getMetrics().reclaimedRunsTotal.WithLabelValues(reason).Inc()
}

func RecordExpiredBufferSweep(count int) {
	getMetrics().expiredBuffersSwept.Add(float64(count))
}

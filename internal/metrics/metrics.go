// Package metrics exposes Prometheus metrics for the research pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathom_requests_total",
		Help: "Requests processed, by mode and outcome.",
	}, []string{"mode", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fathom_request_duration_seconds",
		Help:    "End-to-end request latency by mode.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"mode"})

	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathom_llm_calls_total",
		Help: "LLM provider calls, by provider and outcome.",
	}, []string{"provider", "status"})

	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathom_llm_tokens_total",
		Help: "Tokens consumed, by provider and direction.",
	}, []string{"provider", "direction"})

	SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathom_searches_total",
		Help: "Search provider calls, by provider and outcome.",
	}, []string{"provider", "status"})

	ResearchIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fathom_research_iterations",
		Help:    "Iterations taken per deep research run.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	ResearchQueriesRun = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fathom_research_queries_run",
		Help:    "Search queries spent per deep research run.",
		Buckets: []float64{1, 3, 5, 8, 11, 15, 20},
	})

	ChartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fathom_chart_failures_total",
		Help: "Sandbox chart renders that failed.",
	})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fathom_stream_subscribers",
		Help: "Currently connected event stream subscribers.",
	})
)

// ObserveRequest records one finished request.
func ObserveRequest(mode, status string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(mode, status).Inc()
	RequestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

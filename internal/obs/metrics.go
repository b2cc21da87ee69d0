// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/loopai/engine/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executions_total",
		Help: "Total number of artifact executions by status",
	}, []string{"status", "language"})
	ExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execution_duration_seconds",
		Help:    "Histogram of artifact execution durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"language"})
	ValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "validations_total",
		Help: "Total number of validation runs by outcome",
	}, []string{"valid", "method"})
	SamplingDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sampling_decisions_total",
		Help: "Total sampling decisions by strategy and outcome",
	}, []string{"strategy", "sampled"})
	ComparisonsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comparisons_total",
		Help: "Total statistical comparisons by decision",
	}, []string{"decision"})
	CanaryStageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canary_stage_percentage",
		Help: "Current traffic percentage for an in-progress canary, by task",
	}, []string{"task_id"})
	CanaryTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canary_transitions_total",
		Help: "Canary stage transitions by action",
	}, []string{"action"})
	SessionPoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_pool_active",
		Help: "Number of sessions currently Active",
	})
	SessionPoolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_pool_idle",
		Help: "Number of sessions currently Idle",
	})
	SessionPoolReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_pool_reaped_total",
		Help: "Total number of sessions reaped for exceeding idle TTL or max lifetime",
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by sandbox language",
	}, []string{"language"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a language's circuit breaker transitioned to Open",
	}, []string{"language"})
	BatchExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_executions_total",
		Help: "Total batch execution runs",
	}, []string{"stopped_early"})
	OrchestratorChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_watch_checks_total",
		Help: "Total number of Improvement Orchestrator watch-window evaluations",
	})
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal, ExecutionDuration, ValidationsTotal, SamplingDecisions,
		ComparisonsTotal, CanaryStageGauge, CanaryTransitions, SessionPoolActive,
		SessionPoolIdle, SessionPoolReaped, CircuitBreakerState, CircuitBreakerTrips,
		BatchExecutionsTotal, OrchestratorChecks,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

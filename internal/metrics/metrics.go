// Package metrics exposes Prometheus collectors for the orchestrator and
// the runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrchestratorMetrics covers session lifecycle and step outcomes on the
// orchestration side.
//
// SessionsRunning is a gauge incremented when a session starts and
// decremented exactly once when the session reaches a terminal status.
type OrchestratorMetrics struct {
	SessionsRunning prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsPaused  prometheus.Counter
	SessionsFailed  prometheus.Counter
	StepsCompleted  prometheus.Counter
	StepsFailed     prometheus.Counter
	StepsGated      prometheus.Counter
	HTTPDuration    *prometheus.HistogramVec
}

// NewOrchestratorMetrics registers the orchestrator collectors with reg.
func NewOrchestratorMetrics(reg prometheus.Registerer) *OrchestratorMetrics {
	factory := promauto.With(reg)
	return &OrchestratorMetrics{
		SessionsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_sessions_running",
			Help: "Number of flow sessions currently running or paused.",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_sessions_started_total",
			Help: "Total flow sessions started.",
		}),
		SessionsPaused: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_sessions_paused_total",
			Help: "Total flow sessions paused at a gate.",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_sessions_failed_total",
			Help: "Total flow sessions that failed.",
		}),
		StepsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_steps_completed_total",
			Help: "Total steps completed.",
		}),
		StepsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_steps_failed_total",
			Help: "Total steps that failed.",
		}),
		StepsGated: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_steps_gated_total",
			Help: "Total steps halted at a gate.",
		}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_seconds",
			Help:    "HTTP request latency by method, path and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// RunnerMetrics covers step execution and token spend on the runner side.
type RunnerMetrics struct {
	Steps       prometheus.Counter
	Failures    prometheus.Counter
	GatePauses  prometheus.Counter
	TokensSpent prometheus.Counter
}

// NewRunnerMetrics registers the runner collectors with reg.
func NewRunnerMetrics(reg prometheus.Registerer) *RunnerMetrics {
	factory := promauto.With(reg)
	return &RunnerMetrics{
		Steps: factory.NewCounter(prometheus.CounterOpts{
			Name: "runner_steps_total",
			Help: "Total steps executed by the runner.",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "runner_failures_total",
			Help: "Total runner step failures.",
		}),
		GatePauses: factory.NewCounter(prometheus.CounterOpts{
			Name: "runner_gate_pauses_total",
			Help: "Total steps short-circuited at a gate.",
		}),
		TokensSpent: factory.NewCounter(prometheus.CounterOpts{
			Name: "runner_tokens_spent_total",
			Help: "Total tokens spent across provider invocations.",
		}),
	}
}

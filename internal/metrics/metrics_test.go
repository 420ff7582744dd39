package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrchestratorMetrics(reg)

	m.SessionsStarted.Inc()
	m.SessionsRunning.Inc()
	m.StepsCompleted.Add(3)
	m.HTTPDuration.WithLabelValues("POST", "/orchestrations", "200").Observe(0.01)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsRunning))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.StepsCompleted))

	m.SessionsRunning.Dec()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SessionsRunning))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"orchestrator_sessions_running",
		"orchestrator_sessions_started_total",
		"orchestrator_steps_completed_total",
		"orchestrator_http_request_seconds",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestRunnerMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRunnerMetrics(reg)

	m.Steps.Inc()
	m.TokensSpent.Add(128)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Steps))
	assert.Equal(t, float64(128), testutil.ToFloat64(m.TokensSpent))
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildfy"

// Metrics holds the Prometheus collectors for runs, tools and sandboxes.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	iterations   prometheus.Histogram
	toolCalls    *prometheus.CounterVec
	healthChecks *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	runsActive   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by terminal status and router state.",
		}, []string{"status", "state"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_iterations",
			Help:      "Router iterations per run.",
			Buckets:   prometheus.LinearBuckets(1, 2, 8),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "health_checks_total",
			Help:      "Sandbox health checks by result.",
		}, []string{"result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "restarts_total",
			Help:      "Sandbox restarts by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.iterations, m.toolCalls, m.healthChecks, m.restarts, m.runsActive)
	}
	return m
}

func (m *Metrics) RunFinished(status, state string, iterations int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status, state).Inc()
	m.iterations.Observe(float64(iterations))
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) RunDone() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}

func (m *Metrics) ToolCall(tool string, isError bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome(isError)).Inc()
}

func (m *Metrics) HealthCheck(alive bool) {
	if m == nil {
		return
	}
	result := "dead"
	if alive {
		result = "alive"
	}
	m.healthChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Restart(err error) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(outcome(err != nil)).Inc()
}

func outcome(isError bool) string {
	if isError {
		return "error"
	}
	return "ok"
}

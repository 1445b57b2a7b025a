package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/runbox/internal/sandbox"
)

const namespace = "runbox"

// MetricsCollector holds all Prometheus metrics for runbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	StateTransitions  *prometheus.CounterVec
	OOMKillsTotal     prometheus.Counter
	TruncatedOutputs  prometheus.Counter

	// Cleanup metrics.
	CleanupFailuresTotal *prometheus.CounterVec
	JanitorReapedTotal   *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// NATS listener metrics.
	NATSMessagesTotal *prometheus.CounterVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total executions by request kind and outcome.",
		}, []string{"kind", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Execution wall time in seconds, staging to cleanup.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "active",
			Help:      "Executions currently in flight.",
		}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "state_transitions_total",
			Help:      "Lifecycle transitions by target state.",
		}, []string{"state"}),

		OOMKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "oom_kills_total",
			Help:      "Executions killed for exceeding the memory limit.",
		}),

		TruncatedOutputs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "truncated_outputs_total",
			Help:      "Executions whose output hit the capture cap.",
		}),

		CleanupFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "failures_total",
			Help:      "Cleanup steps that failed, by resource.",
		}, []string{"resource"}),

		JanitorReapedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "reaped_total",
			Help:      "Orphaned resources removed by the janitor.",
		}, []string{"resource"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		NATSMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "messages_total",
			Help:      "NATS requests handled, by request kind and status.",
		}, []string{"kind", "status"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.StateTransitions,
		m.OOMKillsTotal,
		m.TruncatedOutputs,
		m.CleanupFailuresTotal,
		m.JanitorReapedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.NATSMessagesTotal,
		m.ActiveRequests,
	)

	return m
}

// ObserveState counts a lifecycle transition. Its signature matches
// sandbox.WithStateObserver.
func (m *MetricsCollector) ObserveState(_ string, s sandbox.State) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(string(s)).Inc()
}

// ObserveCleanupFailure counts a failed cleanup step. Its signature matches
// sandbox.WithCleanupObserver.
func (m *MetricsCollector) ObserveCleanupFailure(resource string, _ error) {
	if m == nil {
		return
	}
	m.CleanupFailuresTotal.WithLabelValues(resource).Inc()
}

// ObserveReaped counts resources removed by the janitor.
func (m *MetricsCollector) ObserveReaped(resource string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JanitorReapedTotal.WithLabelValues(resource).Add(float64(n))
}

// Outcome returns the metric label for a result: "success", "nonzero_exit",
// or the fault kind.
func Outcome(res sandbox.ExecutionResult) string {
	switch {
	case res.Success:
		return "success"
	case res.Kind == "" || res.Kind == sandbox.KindRuntimeExecution:
		return "nonzero_exit"
	default:
		return string(res.Kind)
	}
}

// Package metrics exposes Prometheus instruments for the orchestration core.
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestration instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	attempts          *prometheus.CounterVec
	circuitRejections *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
	agentLoad         *prometheus.GaugeVec
	tasks             *prometheus.CounterVec
	workflowSteps     *prometheus.CounterVec
}

// New creates and registers all instruments under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed by the orchestrator",
			},
			[]string{"path", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Request duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"path"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_attempts_total",
				Help:      "Total number of agent invocations, including retries",
			},
			[]string{"agent", "status"},
		),
		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_rejections_total",
				Help:      "Dispatches rejected because the agent's circuit was open",
			},
			[]string{"agent"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Recovery dispatches by result",
			},
			[]string{"status"},
		),
		agentLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agent_inflight",
				Help:      "In-flight dispatches per agent",
			},
			[]string{"agent"},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_tasks_total",
				Help:      "Task queue transitions",
			},
			[]string{"event"},
		),
		workflowSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_total",
				Help:      "Workflow steps executed by result",
			},
			[]string{"step", "status"},
		),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.attempts,
		m.circuitRejections,
		m.recoveries,
		m.agentLoad,
		m.tasks,
		m.workflowSteps,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished request. path is "agent" or "workflow".
func (m *Metrics) ObserveRequest(path, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, outcome).Inc()
	m.requestDuration.WithLabelValues(path).Observe(float64(elapsed.Milliseconds()))
}

// ObserveAttempt records one agent invocation.
func (m *Metrics) ObserveAttempt(agent string, ok bool) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(agent, status(ok)).Inc()
}

// CircuitRejected records a dispatch short-circuited by an open breaker.
func (m *Metrics) CircuitRejected(agent string) {
	if m == nil {
		return
	}
	m.circuitRejections.WithLabelValues(agent).Inc()
}

// ObserveRecovery records the result of a recovery dispatch.
func (m *Metrics) ObserveRecovery(ok bool) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(status(ok)).Inc()
}

// AgentLoad adjusts the in-flight gauge for agent by delta.
func (m *Metrics) AgentLoad(agent string, delta float64) {
	if m == nil {
		return
	}
	m.agentLoad.WithLabelValues(agent).Add(delta)
}

// TaskEvent records a queue transition (enqueued, dequeued, completed, failed).
func (m *Metrics) TaskEvent(event string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(event).Inc()
}

// ObserveWorkflowStep records one executed workflow step.
func (m *Metrics) ObserveWorkflowStep(step string, ok bool) {
	if m == nil {
		return
	}
	m.workflowSteps.WithLabelValues(step, status(ok)).Inc()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

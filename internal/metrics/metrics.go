// Package metrics owns the Prometheus collectors exported by the server.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pve_mcp"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	taskPolls          prometheus.Counter
	taskResults        *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	toolCalls          *prometheus.CounterVec
	pendingActions     prometheus.Gauge
}

// New creates a registry with the process and Go collectors plus the
// domain collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		taskPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_polls_total",
			Help:      "Task status requests issued while waiting for backend tasks.",
		}),
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_results_total",
			Help:      "Finished task waits by result.",
		}, []string{"result"}),
		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Query cache invalidations by key family.",
		}, []string{"key"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "MCP tool invocations by tool and result.",
		}, []string{"tool", "result"}),
		pendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Actions currently in flight across all VMs.",
		}),
	}
	reg.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		m.taskPolls,
		m.taskResults,
		m.cacheInvalidations,
		m.toolCalls,
		m.pendingActions,
	)
	return m
}

// Registry exposes the underlying registry.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TaskPolled counts one task status request.
func (m *Metrics) TaskPolled() {
	if m == nil {
		return
	}
	m.taskPolls.Inc()
}

// TaskFinished counts a finished wait. result is "ok", "failed", "timeout"
// or "error".
func (m *Metrics) TaskFinished(result string) {
	if m == nil {
		return
	}
	m.taskResults.WithLabelValues(result).Inc()
}

// CacheInvalidated counts an invalidation of a key family such as "vms".
func (m *Metrics) CacheInvalidated(family string) {
	if m == nil {
		return
	}
	m.cacheInvalidations.WithLabelValues(family).Inc()
}

// ToolCalled counts one tool call. result is "ok", "error" or "confirm".
func (m *Metrics) ToolCalled(tool, result string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
}

// SetPending reports the number of in-flight actions.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingActions.Set(float64(n))
}

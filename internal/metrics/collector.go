package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates engine metrics. Each collector owns its own
// registry so tests can create instances freely.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsActive  *prometheus.GaugeVec

	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	nodeRetries  *prometheus.CounterVec

	agentDispatchTotal    *prometheus.CounterVec
	agentDispatchDuration *prometheus.HistogramVec
	breakerTransitions    *prometheus.CounterVec

	storeOpDuration *prometheus.HistogramVec
	eventsDropped   prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of flow executions by terminal status",
		},
		[]string{"flow_id", "status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Flow execution wall time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"flow_id"},
	)

	c.executionsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Number of executions currently running",
		},
		[]string{"tenant_id"},
	)

	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Total number of node completions by terminal status",
		},
		[]string{"flow_id", "node_type", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"flow_id", "node_type"},
	)

	c.nodeRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node dispatch retries",
		},
		[]string{"flow_id", "agent_id"},
	)

	c.agentDispatchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_dispatch_total",
			Help:      "Total number of outbound agent dispatches by outcome",
		},
		[]string{"agent_id", "outcome"},
	)

	c.agentDispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_dispatch_duration_seconds",
			Help:      "Outbound agent request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent_id"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"agent_id", "to_state"},
	)

	c.storeOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.eventsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of bus events dropped on full subscriber buffers",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry exposes the underlying registry for the HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordExecution records one terminal execution.
func (c *Collector) RecordExecution(flowID, status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(flowID, status).Inc()
	c.executionDuration.WithLabelValues(flowID).Observe(duration.Seconds())
}

// ExecutionStarted bumps the active gauge for a tenant.
func (c *Collector) ExecutionStarted(tenantID string) {
	c.executionsActive.WithLabelValues(tenantID).Inc()
}

// ExecutionFinished lowers the active gauge for a tenant.
func (c *Collector) ExecutionFinished(tenantID string) {
	c.executionsActive.WithLabelValues(tenantID).Dec()
}

// RecordNode records one node completion.
func (c *Collector) RecordNode(flowID, nodeType, status string, duration time.Duration) {
	c.nodesTotal.WithLabelValues(flowID, nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(flowID, nodeType).Observe(duration.Seconds())
}

// RecordRetry records one dispatch retry.
func (c *Collector) RecordRetry(flowID, agentID string) {
	c.nodeRetries.WithLabelValues(flowID, agentID).Inc()
}

// RecordAgentDispatch records one outbound agent call.
func (c *Collector) RecordAgentDispatch(agentID, outcome string, duration time.Duration) {
	c.agentDispatchTotal.WithLabelValues(agentID, outcome).Inc()
	c.agentDispatchDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordBreakerTransition records a breaker state change.
func (c *Collector) RecordBreakerTransition(agentID, toState string) {
	c.breakerTransitions.WithLabelValues(agentID, toState).Inc()
}

// RecordStoreOp records one store operation.
func (c *Collector) RecordStoreOp(operation string, duration time.Duration) {
	c.storeOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEventDropped counts one dropped bus event.
func (c *Collector) RecordEventDropped() {
	c.eventsDropped.Inc()
}

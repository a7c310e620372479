package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsExecutionOutcomes(t *testing.T) {
	c := NewCollector("flowmesh", nil)

	c.RecordExecution("research_pipeline", "succeeded", 2*time.Second)
	c.RecordExecution("research_pipeline", "succeeded", 3*time.Second)
	c.RecordExecution("research_pipeline", "failed", time.Second)

	expected := `
# HELP flowmesh_executions_total Total number of flow executions by terminal status
# TYPE flowmesh_executions_total counter
flowmesh_executions_total{flow_id="research_pipeline",status="failed"} 1
flowmesh_executions_total{flow_id="research_pipeline",status="succeeded"} 2
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "flowmesh_executions_total"))
}

func TestCollectorActiveGauge(t *testing.T) {
	c := NewCollector("flowmesh", nil)

	c.ExecutionStarted("acme")
	c.ExecutionStarted("acme")
	c.ExecutionFinished("acme")

	got := testutil.ToFloat64(c.executionsActive.WithLabelValues("acme"))
	assert.Equal(t, 1.0, got)
}

func TestCollectorIndependentRegistries(t *testing.T) {
	// Two collectors must not panic on duplicate registration.
	a := NewCollector("flowmesh", nil)
	b := NewCollector("flowmesh", nil)

	a.RecordRetry("f", "crawler")
	b.RecordRetry("f", "crawler")
	b.RecordRetry("f", "crawler")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.nodeRetries.WithLabelValues("f", "crawler")))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.nodeRetries.WithLabelValues("f", "crawler")))
}

func TestCollectorDispatchAndBreaker(t *testing.T) {
	c := NewCollector("flowmesh", nil)

	c.RecordAgentDispatch("crawler", "success", 100*time.Millisecond)
	c.RecordAgentDispatch("crawler", "AGENT_TIMEOUT", 30*time.Second)
	c.RecordBreakerTransition("crawler", "open")
	c.RecordEventDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentDispatchTotal.WithLabelValues("crawler", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentDispatchTotal.WithLabelValues("crawler", "AGENT_TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("crawler", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsDropped))
}

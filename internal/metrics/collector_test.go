package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/queryloom/loom/eventbus"
)

func newTestCollector() *Collector {
	return NewCollector("loom", prometheus.NewRegistry(), zap.NewNop())
}

func event(t eventbus.EventType, target, corr string, payload map[string]any) eventbus.Event {
	e := eventbus.NewEvent(t, "engine", target, corr, payload)
	return e
}

func TestCollector_WorkflowLifecycle(t *testing.T) {
	t.Parallel()

	c := newTestCollector()

	start := event(eventbus.EventWorkflowStarted, "wf-1", "exec-1", nil)
	c.Handle(start)

	done := event(eventbus.EventWorkflowCompleted, "wf-1", "exec-1", nil)
	done.Timestamp = start.Timestamp.Add(150 * time.Millisecond)
	c.Handle(done)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsTotal.WithLabelValues("wf-1", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.workflowsTotal.WithLabelValues("wf-1", "failed")))

	c.Handle(event(eventbus.EventWorkflowFailed, "wf-1", "exec-2", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsTotal.WithLabelValues("wf-1", "failed")))
}

func TestCollector_StepCounters(t *testing.T) {
	t.Parallel()

	c := newTestCollector()
	payload := map[string]any{"capability": "retrieval"}

	c.Handle(event(eventbus.EventStepStarted, "fetch", "exec-1", payload))
	c.Handle(event(eventbus.EventStepCompleted, "fetch", "exec-1", payload))
	c.Handle(event(eventbus.EventStepFailed, "fetch", "exec-2", payload))
	c.Handle(event(eventbus.EventStepSkipped, "fetch", "exec-3", payload))
	c.Handle(event(eventbus.EventStepFallback, "fetch", "exec-2", payload))
	c.Handle(event(eventbus.EventStepCacheHit, "fetch", "exec-4", payload))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("retrieval", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("retrieval", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("retrieval", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("retrieval", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHitsTotal.WithLabelValues("retrieval")))
}

func TestCollector_BreakerGauge(t *testing.T) {
	t.Parallel()

	c := newTestCollector()

	c.Handle(event(eventbus.EventBreakerChange, "retrieval", "", map[string]any{"new_state": "open"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("retrieval")))

	c.Handle(event(eventbus.EventBreakerChange, "retrieval", "", map[string]any{"new_state": "half_open"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("retrieval")))

	c.Handle(event(eventbus.EventBreakerChange, "retrieval", "", map[string]any{"new_state": "closed"}))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("retrieval")))
}

func TestCollector_QueueInstruments(t *testing.T) {
	t.Parallel()

	c := newTestCollector()
	c.Handle(event(eventbus.EventTaskEnqueued, "wf-1", "exec-1", nil))
	c.Handle(event(eventbus.EventTaskEnqueued, "wf-1", "exec-2", nil))
	c.SetQueueDepth(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksEnqueued))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queueDepth))
}

func TestCollector_UnknownCapabilityLabel(t *testing.T) {
	t.Parallel()

	c := newTestCollector()
	c.Handle(event(eventbus.EventStepCompleted, "fetch", "exec-1", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("unknown", "completed")))
}

// Package metrics exposes engine activity as Prometheus metrics. The
// collector observes the event bus rather than the engine directly, so the
// hot path never touches a metrics lock.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/queryloom/loom/eventbus"
)

// Collector owns the Prometheus instruments.
type Collector struct {
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	cacheHitsTotal   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	tasksEnqueued    prometheus.Counter
	queueDepth       prometheus.Gauge

	mu       sync.Mutex
	started  map[string]time.Time // correlation id -> workflow start
	stepFrom map[string]time.Time // correlation id + step -> step start

	logger *zap.Logger
}

// NewCollector registers the instruments on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	return &Collector{
		workflowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of finished workflow executions",
		}, []string{"workflow_id", "status"}),

		workflowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"workflow_id"}),

		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of finished step executions",
		}, []string{"capability", "status"}),

		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"capability"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_hits_total",
			Help:      "Total number of step results served from the cache",
		}, []string{"capability"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per capability (0=closed, 1=open, 2=half_open)",
		}, []string{"capability"}),

		tasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Total number of asynchronous workflow submissions",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Pending tasks in the submission queue",
		}),

		started:  make(map[string]time.Time),
		stepFrom: make(map[string]time.Time),
		logger:   logger.With(zap.String("component", "metrics")),
	}
}

// Bind subscribes the collector to the bus and returns the subscription id.
func (c *Collector) Bind(bus *eventbus.InMemoryBus) string {
	return bus.Subscribe(eventbus.EventAny, c.Handle)
}

// SetQueueDepth records the current submission backlog.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// Handle folds one lifecycle event into the instruments.
func (c *Collector) Handle(e eventbus.Event) {
	switch e.Type {
	case eventbus.EventWorkflowStarted:
		c.mu.Lock()
		c.started[e.CorrelationID] = e.Timestamp
		c.mu.Unlock()

	case eventbus.EventWorkflowCompleted, eventbus.EventWorkflowFailed,
		eventbus.EventWorkflowTimeout, eventbus.EventWorkflowCancelled:
		c.workflowsTotal.WithLabelValues(e.Target, statusOf(e.Type)).Inc()
		c.mu.Lock()
		start, ok := c.started[e.CorrelationID]
		delete(c.started, e.CorrelationID)
		c.mu.Unlock()
		if ok {
			c.workflowDuration.WithLabelValues(e.Target).Observe(e.Timestamp.Sub(start).Seconds())
		}

	case eventbus.EventStepStarted:
		c.mu.Lock()
		c.stepFrom[e.CorrelationID+"/"+e.Target] = e.Timestamp
		c.mu.Unlock()

	case eventbus.EventStepCompleted, eventbus.EventStepFailed, eventbus.EventStepSkipped:
		capability := capabilityOf(e)
		c.stepsTotal.WithLabelValues(capability, statusOf(e.Type)).Inc()
		c.mu.Lock()
		start, ok := c.stepFrom[e.CorrelationID+"/"+e.Target]
		delete(c.stepFrom, e.CorrelationID+"/"+e.Target)
		c.mu.Unlock()
		if ok {
			c.stepDuration.WithLabelValues(capability).Observe(e.Timestamp.Sub(start).Seconds())
		}

	case eventbus.EventStepFallback:
		c.stepsTotal.WithLabelValues(capabilityOf(e), "fallback").Inc()

	case eventbus.EventStepCacheHit:
		c.cacheHitsTotal.WithLabelValues(capabilityOf(e)).Inc()

	case eventbus.EventBreakerChange:
		state, _ := e.Payload["new_state"].(string)
		c.breakerState.WithLabelValues(e.Target).Set(breakerStateValue(state))

	case eventbus.EventTaskEnqueued:
		c.tasksEnqueued.Inc()
	}
}

func capabilityOf(e eventbus.Event) string {
	if capability, ok := e.Payload["capability"].(string); ok {
		return capability
	}
	return "unknown"
}

func statusOf(t eventbus.EventType) string {
	switch t {
	case eventbus.EventWorkflowCompleted, eventbus.EventStepCompleted:
		return "completed"
	case eventbus.EventWorkflowFailed, eventbus.EventStepFailed:
		return "failed"
	case eventbus.EventWorkflowTimeout:
		return "timeout"
	case eventbus.EventWorkflowCancelled:
		return "cancelled"
	case eventbus.EventStepSkipped:
		return "skipped"
	default:
		return string(t)
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

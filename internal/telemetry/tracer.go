package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/queryloom/loom/eventbus"
)

// Tracer returns a named tracer from the initialized provider, or the global
// (noop) tracer when telemetry is disabled.
func (p *Providers) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// BusTracer folds workflow lifecycle events into spans: one root span per
// execution, one child span per step. It observes the event bus so the engine
// stays unaware of tracing.
type BusTracer struct {
	tracer trace.Tracer
	logger *zap.Logger

	mu    sync.Mutex
	roots map[string]spanEntry            // correlation id -> root
	steps map[string]map[string]spanEntry // correlation id -> step id -> span
}

type spanEntry struct {
	ctx  context.Context
	span trace.Span
}

// NewBusTracer creates a tracer subscriber.
func NewBusTracer(tracer trace.Tracer, logger *zap.Logger) *BusTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusTracer{
		tracer: tracer,
		logger: logger.With(zap.String("component", "bus_tracer")),
		roots:  make(map[string]spanEntry),
		steps:  make(map[string]map[string]spanEntry),
	}
}

// Bind subscribes the tracer to the bus and returns the subscription id.
func (t *BusTracer) Bind(bus *eventbus.InMemoryBus) string {
	return bus.Subscribe(eventbus.EventAny, t.Handle)
}

// Handle folds one event into the span tree. Events for a correlation id
// arrive in publish order on the bus dispatch goroutine.
func (t *BusTracer) Handle(e eventbus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case eventbus.EventWorkflowStarted:
		ctx, span := t.tracer.Start(context.Background(), "workflow "+e.Target,
			trace.WithAttributes(
				attribute.String("workflow.id", e.Target),
				attribute.String("execution.id", e.CorrelationID),
			),
		)
		t.roots[e.CorrelationID] = spanEntry{ctx: ctx, span: span}

	case eventbus.EventWorkflowCompleted, eventbus.EventWorkflowFailed,
		eventbus.EventWorkflowTimeout, eventbus.EventWorkflowCancelled:
		root, ok := t.roots[e.CorrelationID]
		if !ok {
			return
		}
		if e.Type != eventbus.EventWorkflowCompleted {
			root.span.SetStatus(codes.Error, string(e.Type))
		}
		root.span.End(trace.WithTimestamp(e.Timestamp))
		delete(t.roots, e.CorrelationID)
		for _, step := range t.steps[e.CorrelationID] {
			step.span.End(trace.WithTimestamp(e.Timestamp))
		}
		delete(t.steps, e.CorrelationID)

	case eventbus.EventStepStarted:
		root, ok := t.roots[e.CorrelationID]
		if !ok {
			return
		}
		_, span := t.tracer.Start(root.ctx, "step "+e.Target,
			trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(
				attribute.String("step.id", e.Target),
				attribute.String("step.capability", payloadString(e, "capability")),
			),
		)
		if t.steps[e.CorrelationID] == nil {
			t.steps[e.CorrelationID] = make(map[string]spanEntry)
		}
		t.steps[e.CorrelationID][e.Target] = spanEntry{span: span}

	case eventbus.EventStepCompleted:
		t.endStep(e, codes.Ok, "")

	case eventbus.EventStepFailed:
		t.endStep(e, codes.Error, payloadString(e, "error"))

	case eventbus.EventStepFallback:
		step, ok := t.lookupStep(e)
		if !ok {
			return
		}
		step.span.AddEvent("fallback", trace.WithTimestamp(e.Timestamp))
		step.span.SetStatus(codes.Error, payloadString(e, "error"))
		step.span.End(trace.WithTimestamp(e.Timestamp))
		delete(t.steps[e.CorrelationID], e.Target)

	case eventbus.EventStepCacheHit:
		if root, ok := t.roots[e.CorrelationID]; ok {
			root.span.AddEvent("cache_hit", trace.WithTimestamp(e.Timestamp),
				trace.WithAttributes(attribute.String("step.id", e.Target)))
		}
	}
}

func (t *BusTracer) endStep(e eventbus.Event, code codes.Code, description string) {
	step, ok := t.lookupStep(e)
	if !ok {
		return
	}
	step.span.SetStatus(code, description)
	step.span.End(trace.WithTimestamp(e.Timestamp))
	delete(t.steps[e.CorrelationID], e.Target)
}

func (t *BusTracer) lookupStep(e eventbus.Event) (spanEntry, bool) {
	step, ok := t.steps[e.CorrelationID][e.Target]
	return step, ok
}

func payloadString(e eventbus.Event, key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

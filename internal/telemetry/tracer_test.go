package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/queryloom/loom/config"
	"github.com/queryloom/loom/eventbus"
)

func newRecordingTracer(t *testing.T) (*BusTracer, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return NewBusTracer(tp.Tracer("test"), zap.NewNop()), sr
}

func TestBusTracer_ExecutionSpanTree(t *testing.T) {
	t.Parallel()

	bt, sr := newRecordingTracer(t)

	bt.Handle(eventbus.NewEvent(eventbus.EventWorkflowStarted, "engine", "kq", "exec-1", nil))
	bt.Handle(eventbus.NewEvent(eventbus.EventStepStarted, "engine", "fetch", "exec-1",
		map[string]any{"capability": "retrieval"}))
	bt.Handle(eventbus.NewEvent(eventbus.EventStepCompleted, "engine", "fetch", "exec-1",
		map[string]any{"capability": "retrieval"}))
	bt.Handle(eventbus.NewEvent(eventbus.EventWorkflowCompleted, "engine", "kq", "exec-1", nil))

	spans := sr.Ended()
	require.Len(t, spans, 2)

	step, root := spans[0], spans[1]
	assert.Equal(t, "step fetch", step.Name())
	assert.Equal(t, "workflow kq", root.Name())
	assert.Equal(t, root.SpanContext().TraceID(), step.SpanContext().TraceID())
	assert.Equal(t, root.SpanContext().SpanID(), step.Parent().SpanID())
	assert.Equal(t, codes.Ok, step.Status().Code)
}

func TestBusTracer_FailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	bt, sr := newRecordingTracer(t)

	bt.Handle(eventbus.NewEvent(eventbus.EventWorkflowStarted, "engine", "kq", "exec-2", nil))
	bt.Handle(eventbus.NewEvent(eventbus.EventStepStarted, "engine", "verify", "exec-2", nil))
	bt.Handle(eventbus.NewEvent(eventbus.EventStepFailed, "engine", "verify", "exec-2",
		map[string]any{"error": "boom"}))
	bt.Handle(eventbus.NewEvent(eventbus.EventWorkflowFailed, "engine", "kq", "exec-2", nil))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestBusTracer_IgnoresUnknownCorrelation(t *testing.T) {
	t.Parallel()

	bt, sr := newRecordingTracer(t)
	bt.Handle(eventbus.NewEvent(eventbus.EventStepStarted, "engine", "fetch", "ghost", nil))
	bt.Handle(eventbus.NewEvent(eventbus.EventWorkflowCompleted, "engine", "kq", "ghost", nil))
	assert.Empty(t, sr.Ended())
}

func TestInit_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	p, err := Init(config.TelemetryConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Shutdown(t.Context()))
	assert.NotNil(t, p.Tracer("loom"))
}

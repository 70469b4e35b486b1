package eventbus

import "time"

// StepTrace summarizes one step's lifecycle within an execution.
type StepTrace struct {
	StepID     string    `json:"step_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	CacheHit   bool      `json:"cache_hit,omitempty"`
}

// Duration returns the step's wall time, zero when it never finished.
func (s StepTrace) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExecutionTrace is the per-execution summary folded from replayed events.
type ExecutionTrace struct {
	CorrelationID string      `json:"correlation_id"`
	WorkflowID    string      `json:"workflow_id,omitempty"`
	Status        string      `json:"status,omitempty"`
	StartedAt     time.Time   `json:"started_at,omitempty"`
	FinishedAt    time.Time   `json:"finished_at,omitempty"`
	Steps         []StepTrace `json:"steps,omitempty"`
	EventCount    int         `json:"event_count"`
}

// Trace folds the retained events of one execution into a step-level summary.
// It returns nil when no events are retained for the correlation id.
func (b *InMemoryBus) Trace(correlationID string) *ExecutionTrace {
	events := b.Replay(correlationID)
	if len(events) == 0 {
		return nil
	}

	trace := &ExecutionTrace{
		CorrelationID: correlationID,
		EventCount:    len(events),
	}
	steps := make(map[string]*StepTrace)
	var order []string

	stepOf := func(e Event) *StepTrace {
		st, ok := steps[e.Target]
		if !ok {
			st = &StepTrace{StepID: e.Target}
			steps[e.Target] = st
			order = append(order, e.Target)
		}
		return st
	}

	for _, e := range events {
		switch e.Type {
		case EventWorkflowStarted:
			trace.WorkflowID = e.Target
			trace.StartedAt = e.Timestamp
		case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowTimeout, EventWorkflowCancelled:
			trace.Status = string(e.Type)
			trace.FinishedAt = e.Timestamp
		case EventStepStarted:
			st := stepOf(e)
			st.StartedAt = e.Timestamp
			st.Status = "running"
		case EventStepCompleted:
			st := stepOf(e)
			st.FinishedAt = e.Timestamp
			st.Status = "completed"
		case EventStepFailed:
			st := stepOf(e)
			st.FinishedAt = e.Timestamp
			st.Status = "failed"
		case EventStepSkipped:
			st := stepOf(e)
			st.FinishedAt = e.Timestamp
			st.Status = "skipped"
		case EventStepFallback:
			stepOf(e).Fallback = true
		case EventStepCacheHit:
			stepOf(e).CacheHit = true
		}
	}

	trace.Steps = make([]StepTrace, 0, len(order))
	for _, id := range order {
		trace.Steps = append(trace.Steps, *steps[id])
	}
	return trace
}

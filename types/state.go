package types

import "time"

// WorkflowStatus is the lifecycle status of one workflow execution.
type WorkflowStatus string

const (
	// StatusPending means the execution is created but not yet running.
	StatusPending WorkflowStatus = "PENDING"
	// StatusRunning means steps are being dispatched.
	StatusRunning WorkflowStatus = "RUNNING"
	// StatusCompleted means all eligible steps finished (possibly degraded).
	StatusCompleted WorkflowStatus = "COMPLETED"
	// StatusFailed means a step failed with no fallback and execution stopped.
	StatusFailed WorkflowStatus = "FAILED"
	// StatusTimeout means the execution deadline passed before completion.
	StatusTimeout WorkflowStatus = "TIMEOUT"
	// StatusCancelled means the execution was cancelled cooperatively.
	StatusCancelled WorkflowStatus = "CANCELLED"
)

// Terminal reports whether the status is final. No transition ever leaves a
// terminal state.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving to next.
// Allowed transitions: PENDING→RUNNING and RUNNING→any terminal state.
// PENDING→CANCELLED is also allowed so queued work can be withdrawn.
func (s WorkflowStatus) CanTransition(next WorkflowStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// WorkflowState is the persisted, mutable execution record. It is owned by
// exactly one in-flight execution; the StateStore is the sole write boundary.
type WorkflowState struct {
	// ExecutionID identifies the execution this state belongs to.
	ExecutionID string `json:"execution_id"`
	// WorkflowID identifies the workflow definition.
	WorkflowID string `json:"workflow_id"`
	// TraceID links state to the event stream of the same execution.
	TraceID string `json:"trace_id,omitempty"`
	// Status is the current lifecycle status.
	Status WorkflowStatus `json:"status"`
	// CurrentStep is the step being executed, empty between steps.
	CurrentStep string `json:"current_step,omitempty"`
	// CompletedSteps lists steps with a recorded result, in completion order.
	CompletedSteps []string `json:"completed_steps,omitempty"`
	// FailedSteps lists steps that failed (fallback or not).
	FailedSteps []string `json:"failed_steps,omitempty"`
	// SkippedSteps lists steps whose condition evaluated false.
	SkippedSteps []string `json:"skipped_steps,omitempty"`
	// StepResults maps step ids to their outcomes.
	StepResults map[string]*AgentResult `json:"step_results,omitempty"`
	// SharedData is the accumulated union of input and step outputs.
	SharedData map[string]any `json:"shared_data,omitempty"`
	// Error holds the workflow-level failure message, if any.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the execution was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is bumped on every persisted transition.
	UpdatedAt time.Time `json:"updated_at"`
	// FinishedAt is set when the execution reaches a terminal status.
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewWorkflowState creates a PENDING state for one execution.
func NewWorkflowState(workflowID string, wctx *WorkflowContext) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		ExecutionID: wctx.ExecutionID,
		WorkflowID:  workflowID,
		TraceID:     wctx.TraceID,
		Status:      StatusPending,
		StepResults: make(map[string]*AgentResult),
		SharedData:  make(map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy safe to hand to external observers.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	cp.FailedSteps = append([]string(nil), s.FailedSteps...)
	cp.SkippedSteps = append([]string(nil), s.SkippedSteps...)
	cp.StepResults = make(map[string]*AgentResult, len(s.StepResults))
	for k, v := range s.StepResults {
		r := *v
		cp.StepResults[k] = &r
	}
	cp.SharedData = make(map[string]any, len(s.SharedData))
	for k, v := range s.SharedData {
		cp.SharedData[k] = v
	}
	return &cp
}

// RecordResult stores a step outcome and merges its output into shared data.
func (s *WorkflowState) RecordResult(result *AgentResult) {
	s.StepResults[result.StepID] = result
	s.CompletedSteps = append(s.CompletedSteps, result.StepID)
	switch {
	case result.Skipped:
		s.SkippedSteps = append(s.SkippedSteps, result.StepID)
	case !result.Success || result.FallbackUsed:
		s.FailedSteps = append(s.FailedSteps, result.StepID)
	}
	for k, v := range result.Output {
		s.SharedData[k] = v
	}
	s.UpdatedAt = time.Now()
}

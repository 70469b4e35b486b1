package types

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowContext carries the per-execution identifiers. It is created once
// at invocation and is immutable afterwards; concurrent steps share it
// read-only.
type WorkflowContext struct {
	// ExecutionID uniquely identifies one workflow execution.
	ExecutionID string `json:"execution_id"`
	// TraceID links all events and state for this execution.
	TraceID string `json:"trace_id"`
	// UserID identifies the requesting user, if any.
	UserID string `json:"user_id,omitempty"`
	// SessionID identifies the requesting session, if any.
	SessionID string `json:"session_id,omitempty"`
	// Deadline is the absolute time after which remaining steps are abandoned.
	// Zero means no deadline.
	Deadline time.Time `json:"deadline,omitempty"`
	// StartedAt is when the execution was created.
	StartedAt time.Time `json:"started_at"`
}

// NewWorkflowContext creates a context with fresh execution and trace ids.
func NewWorkflowContext() *WorkflowContext {
	return &WorkflowContext{
		ExecutionID: uuid.NewString(),
		TraceID:     uuid.NewString(),
		StartedAt:   time.Now(),
	}
}

// WithDeadline returns a copy of the context with the deadline set.
func (c *WorkflowContext) WithDeadline(deadline time.Time) *WorkflowContext {
	cp := *c
	cp.Deadline = deadline
	return &cp
}

// WithUser returns a copy of the context with user and session ids set.
func (c *WorkflowContext) WithUser(userID, sessionID string) *WorkflowContext {
	cp := *c
	cp.UserID = userID
	cp.SessionID = sessionID
	return &cp
}

// Expired reports whether the deadline has passed.
func (c *WorkflowContext) Expired(now time.Time) bool {
	return !c.Deadline.IsZero() && now.After(c.Deadline)
}

// Remaining returns the time left until the deadline, or zero if no deadline
// is set. A negative value means the deadline has already passed.
func (c *WorkflowContext) Remaining(now time.Time) time.Duration {
	if c.Deadline.IsZero() {
		return 0
	}
	return c.Deadline.Sub(now)
}

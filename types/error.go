package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Configuration errors are programmer errors: they fail fast and are never
// retried.
const (
	ErrWorkflowNotFound  ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrDuplicateStep     ErrorCode = "DUPLICATE_STEP"
	ErrDuplicateAgent    ErrorCode = "DUPLICATE_AGENT"
	ErrCycleDetected     ErrorCode = "CYCLE_DETECTED"
	ErrInvalidDefinition ErrorCode = "INVALID_DEFINITION"
)

// Runtime errors follow the retry/fallback path.
const (
	ErrStepTimeout     ErrorCode = "STEP_TIMEOUT"
	ErrStepExecution   ErrorCode = "STEP_EXECUTION"
	ErrCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	ErrWorkflowTimeout ErrorCode = "WORKFLOW_TIMEOUT"
	ErrCancelled       ErrorCode = "CANCELLED"
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
	ErrStateNotFound   ErrorCode = "STATE_NOT_FOUND"
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	StepID    string    `json:"step_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStep records the step the error originated from.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}

// IsConfigurationError reports whether the error is a fail-fast programmer
// error that must never be retried or absorbed by a fallback.
func IsConfigurationError(err error) bool {
	switch GetErrorCode(err) {
	case ErrWorkflowNotFound, ErrAgentNotFound, ErrDuplicateStep,
		ErrDuplicateAgent, ErrCycleDetected, ErrInvalidDefinition:
		return true
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}

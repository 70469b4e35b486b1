package types

import "time"

// Usage accumulates resource accounting reported by agents, when available.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add merges another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// AgentResult is the immutable outcome of one step execution.
type AgentResult struct {
	// StepID is the step this result belongs to.
	StepID string `json:"step_id"`
	// Capability is the capability that produced the result.
	Capability string `json:"capability"`
	// Success is true when the agent returned without error.
	Success bool `json:"success"`
	// Output is the data produced by the agent, merged into shared data.
	Output map[string]any `json:"output,omitempty"`
	// Error holds the failure message when Success is false.
	Error string `json:"error,omitempty"`
	// FallbackUsed marks a degraded substitute produced after retries
	// were exhausted.
	FallbackUsed bool `json:"fallback_used,omitempty"`
	// Skipped marks a step whose condition evaluated false; a skipped step
	// is neither successful nor failed.
	Skipped bool `json:"skipped,omitempty"`
	// Cached marks a result served from the result cache.
	Cached bool `json:"cached,omitempty"`
	// Attempts is the number of invocation attempts made.
	Attempts int `json:"attempts,omitempty"`
	// ExecutionTime is the wall-clock duration of the step.
	ExecutionTime time.Duration `json:"execution_time"`
	// Usage is the optional resource accounting.
	Usage *Usage `json:"usage,omitempty"`
}

// WorkflowResult is the immutable outcome of one workflow execution.
type WorkflowResult struct {
	// ExecutionID identifies the execution that produced this result.
	ExecutionID string `json:"execution_id"`
	// WorkflowID identifies the workflow definition.
	WorkflowID string `json:"workflow_id"`
	// Status is the terminal workflow status.
	Status WorkflowStatus `json:"status"`
	// Success reflects the configured success policy: COMPLETED plus
	// enough non-fallback step successes.
	Success bool `json:"success"`
	// StepResults maps step ids to their outcomes.
	StepResults map[string]*AgentResult `json:"step_results,omitempty"`
	// FinalResult is the combiner output (default: flat union of step
	// outputs).
	FinalResult map[string]any `json:"final_result,omitempty"`
	// SuccessfulSteps lists steps that produced real (non-fallback) output.
	SuccessfulSteps []string `json:"successful_steps,omitempty"`
	// FailedSteps lists steps that failed, including those absorbed by a
	// fallback.
	FailedSteps []string `json:"failed_steps,omitempty"`
	// SkippedSteps lists steps whose condition evaluated false.
	SkippedSteps []string `json:"skipped_steps,omitempty"`
	// Error holds the workflow-level failure message, if any.
	Error string `json:"error,omitempty"`
	// ExecutionTimeMS is the total wall-clock duration in milliseconds.
	ExecutionTimeMS int64 `json:"execution_time_ms"`
	// Usage aggregates the usage of all executed steps.
	Usage *Usage `json:"usage,omitempty"`
}

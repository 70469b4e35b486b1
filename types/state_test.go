package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimeout.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestWorkflowStatus_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from WorkflowStatus
		to   WorkflowStatus
		want bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to completed", StatusPending, StatusCompleted, false},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to timeout", StatusRunning, StatusTimeout, true},
		{"running to cancelled", StatusRunning, StatusCancelled, true},
		{"running to pending", StatusRunning, StatusPending, false},
		{"completed is terminal", StatusCompleted, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusRunning, false},
		{"timeout is terminal", StatusTimeout, StatusCompleted, false},
		{"cancelled is terminal", StatusCancelled, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestWorkflowState_RecordResult(t *testing.T) {
	t.Parallel()

	wctx := NewWorkflowContext()
	state := NewWorkflowState("wf", wctx)
	require.Equal(t, StatusPending, state.Status)

	state.RecordResult(&AgentResult{
		StepID:  "retrieve",
		Success: true,
		Output:  map[string]any{"docs": 3},
	})
	state.RecordResult(&AgentResult{
		StepID:       "verify",
		Success:      false,
		FallbackUsed: true,
		Error:        "upstream unavailable",
	})
	state.RecordResult(&AgentResult{
		StepID:  "citation",
		Skipped: true,
	})

	assert.Equal(t, []string{"retrieve", "verify", "citation"}, state.CompletedSteps)
	assert.Equal(t, []string{"verify"}, state.FailedSteps)
	assert.Equal(t, []string{"citation"}, state.SkippedSteps)
	assert.Equal(t, 3, state.SharedData["docs"])
}

func TestWorkflowState_Clone(t *testing.T) {
	t.Parallel()

	wctx := NewWorkflowContext()
	state := NewWorkflowState("wf", wctx)
	state.RecordResult(&AgentResult{StepID: "s1", Success: true, Output: map[string]any{"x": 1}})

	clone := state.Clone()
	clone.RecordResult(&AgentResult{StepID: "s2", Success: true})
	clone.StepResults["s1"].Success = false
	clone.SharedData["x"] = 99

	assert.Len(t, state.CompletedSteps, 1)
	assert.True(t, state.StepResults["s1"].Success)
	assert.Equal(t, 1, state.SharedData["x"])
}

func TestWorkflowContext_Deadline(t *testing.T) {
	t.Parallel()

	wctx := NewWorkflowContext()
	assert.False(t, wctx.Expired(time.Now()))
	assert.Zero(t, wctx.Remaining(time.Now()))

	deadline := time.Now().Add(50 * time.Millisecond)
	bounded := wctx.WithDeadline(deadline)
	assert.False(t, bounded.Expired(time.Now()))
	assert.True(t, bounded.Expired(deadline.Add(time.Millisecond)))
	assert.Greater(t, bounded.Remaining(time.Now()), time.Duration(0))

	// The original stays unbounded.
	assert.True(t, wctx.Deadline.IsZero())
}

package workflow

import "github.com/queryloom/loom/types"

// Combiner builds the workflow's final result from the finished state.
// Combiners must treat the state as read-only.
type Combiner func(state *types.WorkflowState) map[string]any

// DefaultCombiner returns the flat union of successful step outputs merged in
// completion order; later steps win on key collisions. Fallback and skipped
// steps contribute nothing beyond what RecordResult already merged into
// shared data.
func DefaultCombiner(state *types.WorkflowState) map[string]any {
	final := make(map[string]any)
	for _, stepID := range state.CompletedSteps {
		result, ok := state.StepResults[stepID]
		if !ok || result.Skipped {
			continue
		}
		for k, v := range result.Output {
			final[k] = v
		}
	}
	return final
}

// KeyedCombiner nests each step's output under its step id, for callers that
// need provenance over a flat union.
func KeyedCombiner(state *types.WorkflowState) map[string]any {
	final := make(map[string]any, len(state.CompletedSteps))
	for _, stepID := range state.CompletedSteps {
		result, ok := state.StepResults[stepID]
		if !ok || result.Skipped || len(result.Output) == 0 {
			continue
		}
		final[stepID] = result.Output
	}
	return final
}

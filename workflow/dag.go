package workflow

import (
	"fmt"

	"github.com/queryloom/loom/types"
)

// CycleError reports a dependency cycle found during graph resolution.
type CycleError struct {
	WorkflowID string
	StepID     string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("[%s] dependency cycle through step %q in workflow %q",
		types.ErrCycleDetected, e.StepID, e.WorkflowID)
}

// newCycleError builds a CycleError that also carries the unified error code.
func newCycleError(workflowID, stepID string) error {
	return types.NewError(types.ErrCycleDetected,
		fmt.Sprintf("dependency cycle through step %q in workflow %q", stepID, workflowID)).
		WithCause(&CycleError{WorkflowID: workflowID, StepID: stepID}).
		WithStep(stepID)
}

// IsCycleError reports whether err was caused by a dependency cycle.
func IsCycleError(err error) bool {
	return types.GetErrorCode(err) == types.ErrCycleDetected
}

// visit marks used by the depth-first resolver.
type visitMark int

const (
	unvisited visitMark = iota
	visiting
	visited
)

// ExecutionOrder returns a topological ordering of step ids via depth-first
// traversal. Dependencies always precede their dependents. The traversal
// fails with a CycleError the moment a back-edge is found and never returns
// a partial order.
func (d *Definition) ExecutionOrder() ([]string, error) {
	marks := make(map[string]visitMark, len(d.steps))
	order := make([]string, 0, len(d.steps))

	var visit func(step *Step) error
	visit = func(step *Step) error {
		switch marks[step.ID] {
		case visited:
			return nil
		case visiting:
			return newCycleError(d.id, step.ID)
		}
		marks[step.ID] = visiting
		for _, depID := range step.DependsOn {
			dep, ok := d.index[depID]
			if !ok {
				return types.NewError(types.ErrInvalidDefinition,
					fmt.Sprintf("step %q depends on undeclared step %q", step.ID, depID))
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[step.ID] = visited
		order = append(order, step.ID)
		return nil
	}

	// Declaration order keeps the result deterministic across runs.
	for _, step := range d.steps {
		if err := visit(step); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Layers groups step ids into dependency levels: every step in layer n has
// all of its dependencies in layers < n. Steps within one layer share no
// dependency edge and may run concurrently; a fan-in step lands in the layer
// after its slowest parent.
func (d *Definition) Layers() ([][]string, error) {
	if _, err := d.ExecutionOrder(); err != nil {
		return nil, err
	}

	level := make(map[string]int, len(d.steps))
	var depth func(step *Step) int
	depth = func(step *Step) int {
		if l, ok := level[step.ID]; ok {
			return l
		}
		max := 0
		for _, depID := range step.DependsOn {
			if l := depth(d.index[depID]) + 1; l > max {
				max = l
			}
		}
		level[step.ID] = max
		return max
	}

	maxLevel := 0
	for _, step := range d.steps {
		if l := depth(step); l > maxLevel {
			maxLevel = l
		}
	}

	layers := make([][]string, maxLevel+1)
	for _, step := range d.steps {
		l := level[step.ID]
		layers[l] = append(layers[l], step.ID)
	}
	return layers, nil
}

// EntryPoints returns the steps with no dependencies, in declaration order.
func (d *Definition) EntryPoints() []string {
	var entries []string
	for _, step := range d.steps {
		if len(step.DependsOn) == 0 {
			entries = append(entries, step.ID)
		}
	}
	return entries
}

// Dependents returns the step ids that directly depend on the given step.
func (d *Definition) Dependents(stepID string) []string {
	var out []string
	for _, step := range d.steps {
		for _, dep := range step.DependsOn {
			if dep == stepID {
				out = append(out, step.ID)
				break
			}
		}
	}
	return out
}

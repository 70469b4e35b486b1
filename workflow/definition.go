package workflow

import (
	"fmt"
	"time"

	"github.com/queryloom/loom/types"
)

// ExecutionMode selects how the engine dispatches ready steps.
type ExecutionMode string

const (
	// ModeSequential runs steps strictly in topological order.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel runs steps sharing no dependency edge concurrently as a
	// batch; a merge step waits for all of its parents.
	ModeParallel ExecutionMode = "parallel"
	// ModeConditional runs sequentially but evaluates each step's condition
	// against accumulated data first; a failing predicate skips the step.
	ModeConditional ExecutionMode = "conditional"
)

// Step is a unit of work bound to one agent capability.
type Step struct {
	// ID is unique within the workflow.
	ID string `json:"id" yaml:"id"`
	// Capability names the registered agent that executes this step.
	Capability string `json:"capability" yaml:"capability"`
	// DependsOn lists step ids that must have a recorded result first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Timeout bounds a single invocation attempt. Zero falls back to the
	// capability's AgentInfo timeout, then the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// RetryCount is the number of retries after the first attempt.
	// Negative means "use the capability default".
	RetryCount int `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	// RetryDelay is the backoff base between attempts.
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	// CircuitBreaker routes the step through the capability breaker.
	CircuitBreaker bool `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	// Fallback substitutes a degraded result when retries are exhausted,
	// letting the workflow continue.
	Fallback bool `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	// FallbackOutput is merged into shared data when the fallback fires.
	FallbackOutput map[string]any `json:"fallback_output,omitempty" yaml:"fallback_output,omitempty"`
	// CacheKey memoizes successful results; concurrent executions sharing a
	// key invoke the agent once.
	CacheKey string `json:"cache_key,omitempty" yaml:"cache_key,omitempty"`
	// Condition gates the step in conditional mode.
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Priority orders tasks in the shared queue. Higher runs first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Metadata stores additional step information.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Definition is a named DAG of steps. It is immutable once registered with
// the engine and shared read-only across concurrent executions.
type Definition struct {
	id       string
	name     string
	mode     ExecutionMode
	steps    []*Step
	index    map[string]*Step
	combiner Combiner
}

// NewDefinition creates an empty workflow definition in sequential mode.
func NewDefinition(id, name string) *Definition {
	return &Definition{
		id:    id,
		name:  name,
		mode:  ModeSequential,
		index: make(map[string]*Step),
	}
}

// ID returns the workflow id.
func (d *Definition) ID() string { return d.id }

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// Mode returns the execution mode.
func (d *Definition) Mode() ExecutionMode { return d.mode }

// WithMode sets the execution mode and returns the definition for chaining.
func (d *Definition) WithMode(mode ExecutionMode) *Definition {
	d.mode = mode
	return d
}

// WithCombiner sets the final-result combiner.
func (d *Definition) WithCombiner(c Combiner) *Definition {
	d.combiner = c
	return d
}

// Combiner returns the configured combiner, or the default flat union.
func (d *Definition) Combiner() Combiner {
	if d.combiner != nil {
		return d.combiner
	}
	return DefaultCombiner
}

// AddStep appends a step, rejecting duplicate step ids.
func (d *Definition) AddStep(step *Step) error {
	if step == nil || step.ID == "" {
		return types.NewError(types.ErrInvalidDefinition, "step must have an id")
	}
	if step.Capability == "" {
		return types.NewError(types.ErrInvalidDefinition,
			fmt.Sprintf("step %q must declare a capability", step.ID))
	}
	if _, exists := d.index[step.ID]; exists {
		return types.NewError(types.ErrDuplicateStep,
			fmt.Sprintf("step %q already declared in workflow %q", step.ID, d.id))
	}
	d.steps = append(d.steps, step)
	d.index[step.ID] = step
	return nil
}

// Step retrieves a step by id.
func (d *Definition) Step(id string) (*Step, bool) {
	step, ok := d.index[id]
	return step, ok
}

// Steps returns all steps in declaration order.
func (d *Definition) Steps() []*Step {
	return d.steps
}

// Validate checks that every dependency refers to a declared step and that
// the graph is acyclic.
func (d *Definition) Validate() error {
	if len(d.steps) == 0 {
		return types.NewError(types.ErrInvalidDefinition,
			fmt.Sprintf("workflow %q has no steps", d.id))
	}
	for _, step := range d.steps {
		for _, dep := range step.DependsOn {
			if _, ok := d.index[dep]; !ok {
				return types.NewError(types.ErrInvalidDefinition,
					fmt.Sprintf("step %q depends on undeclared step %q", step.ID, dep))
			}
			if dep == step.ID {
				return newCycleError(d.id, step.ID)
			}
		}
	}
	_, err := d.ExecutionOrder()
	return err
}

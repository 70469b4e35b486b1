package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/queryloom/loom/types"
)

// DefinitionSpec is the serializable form of a workflow definition. Durations
// are expressed in milliseconds so specs stay portable across YAML and JSON.
type DefinitionSpec struct {
	// ID is the workflow id.
	ID string `json:"id" yaml:"id"`
	// Name is the workflow name.
	Name string `json:"name" yaml:"name"`
	// Mode is the execution mode (sequential, parallel, conditional).
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
	// Steps contains all step definitions.
	Steps []StepSpec `json:"steps" yaml:"steps"`
	// Metadata stores additional workflow information.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepSpec is the serializable form of a Step.
type StepSpec struct {
	ID             string         `json:"id" yaml:"id"`
	Capability     string         `json:"capability" yaml:"capability"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	TimeoutMs      int            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryCount     int            `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	RetryDelayMs   int            `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	CircuitBreaker bool           `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	Fallback       bool           `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	FallbackOutput map[string]any `json:"fallback_output,omitempty" yaml:"fallback_output,omitempty"`
	CacheKey       string         `json:"cache_key,omitempty" yaml:"cache_key,omitempty"`
	Condition      *ConditionSpec `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority       int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ConditionSpec is the serializable form of a Condition. Custom predicates
// cannot be declared in files.
type ConditionSpec struct {
	Kind  string `json:"kind" yaml:"kind"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// ParseDefinition builds a validated Definition from YAML (or JSON) bytes.
func ParseDefinition(data []byte) (*Definition, error) {
	var spec DefinitionSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, types.NewError(types.ErrInvalidDefinition, "unmarshal workflow spec").WithCause(err)
	}
	return FromSpec(&spec)
}

// LoadDefinition reads and parses a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return ParseDefinition(data)
}

// FromSpec converts a DefinitionSpec into a validated Definition.
func FromSpec(spec *DefinitionSpec) (*Definition, error) {
	if spec.ID == "" {
		return nil, types.NewError(types.ErrInvalidDefinition, "workflow spec must have an id")
	}

	def := NewDefinition(spec.ID, spec.Name)
	switch ExecutionMode(spec.Mode) {
	case "", ModeSequential:
		def.WithMode(ModeSequential)
	case ModeParallel:
		def.WithMode(ModeParallel)
	case ModeConditional:
		def.WithMode(ModeConditional)
	default:
		return nil, types.NewError(types.ErrInvalidDefinition,
			fmt.Sprintf("unknown execution mode %q", spec.Mode))
	}

	for i := range spec.Steps {
		step, err := spec.Steps[i].toStep()
		if err != nil {
			return nil, err
		}
		if err := def.AddStep(step); err != nil {
			return nil, err
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// ToSpec converts a Definition back into its serializable form.
func ToSpec(def *Definition) *DefinitionSpec {
	spec := &DefinitionSpec{
		ID:   def.ID(),
		Name: def.Name(),
		Mode: string(def.Mode()),
	}
	for _, step := range def.Steps() {
		ss := StepSpec{
			ID:             step.ID,
			Capability:     step.Capability,
			DependsOn:      step.DependsOn,
			TimeoutMs:      int(step.Timeout / time.Millisecond),
			RetryCount:     step.RetryCount,
			RetryDelayMs:   int(step.RetryDelay / time.Millisecond),
			CircuitBreaker: step.CircuitBreaker,
			Fallback:       step.Fallback,
			FallbackOutput: step.FallbackOutput,
			CacheKey:       step.CacheKey,
			Priority:       step.Priority,
			Metadata:       step.Metadata,
		}
		if step.Condition != nil && step.Condition.Kind != ConditionCustom {
			ss.Condition = &ConditionSpec{
				Kind:  string(step.Condition.Kind),
				Field: step.Condition.Field,
				Value: step.Condition.Value,
			}
		}
		spec.Steps = append(spec.Steps, ss)
	}
	return spec
}

// Marshal renders the definition as YAML.
func Marshal(def *Definition) ([]byte, error) {
	return yaml.Marshal(ToSpec(def))
}

func (s *StepSpec) toStep() (*Step, error) {
	step := &Step{
		ID:             s.ID,
		Capability:     s.Capability,
		DependsOn:      s.DependsOn,
		Timeout:        time.Duration(s.TimeoutMs) * time.Millisecond,
		RetryCount:     s.RetryCount,
		RetryDelay:     time.Duration(s.RetryDelayMs) * time.Millisecond,
		CircuitBreaker: s.CircuitBreaker,
		Fallback:       s.Fallback,
		FallbackOutput: s.FallbackOutput,
		CacheKey:       s.CacheKey,
		Priority:       s.Priority,
		Metadata:       s.Metadata,
	}
	if s.Condition != nil {
		switch ConditionKind(s.Condition.Kind) {
		case ConditionFieldExists:
			step.Condition = FieldExists(s.Condition.Field)
		case ConditionFieldEquals:
			step.Condition = FieldEquals(s.Condition.Field, s.Condition.Value)
		default:
			return nil, types.NewError(types.ErrInvalidDefinition,
				fmt.Sprintf("step %q: unknown condition kind %q", s.ID, s.Condition.Kind))
		}
	}
	return step, nil
}

package workflow

import (
	"fmt"
	"reflect"
)

// ConditionKind selects the predicate evaluated against accumulated data.
type ConditionKind string

const (
	// ConditionFieldExists passes when the field is present in shared data.
	ConditionFieldExists ConditionKind = "field_exists"
	// ConditionFieldEquals passes when the field equals the expected value.
	ConditionFieldEquals ConditionKind = "field_equals"
	// ConditionCustom delegates to a caller-supplied predicate function.
	ConditionCustom ConditionKind = "custom"
)

// PredicateFunc is a caller-supplied condition for ConditionCustom.
type PredicateFunc func(data map[string]any) (bool, error)

// Condition is a declarative predicate gating a step. A failing predicate
// skips the step without counting it as failed.
type Condition struct {
	// Kind selects the predicate.
	Kind ConditionKind `json:"kind" yaml:"kind"`
	// Field is the shared-data key inspected by field predicates.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// Value is the expected value for ConditionFieldEquals.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`
	// Custom is the predicate function for ConditionCustom. Not serializable.
	Custom PredicateFunc `json:"-" yaml:"-"`
}

// FieldExists builds a field-presence condition.
func FieldExists(field string) *Condition {
	return &Condition{Kind: ConditionFieldExists, Field: field}
}

// FieldEquals builds a field-equality condition.
func FieldEquals(field string, value any) *Condition {
	return &Condition{Kind: ConditionFieldEquals, Field: field, Value: value}
}

// Custom builds a condition from a caller-supplied predicate.
func Custom(fn PredicateFunc) *Condition {
	return &Condition{Kind: ConditionCustom, Custom: fn}
}

// Evaluate runs the predicate against accumulated shared data.
func (c *Condition) Evaluate(data map[string]any) (bool, error) {
	switch c.Kind {
	case ConditionFieldExists:
		_, ok := data[c.Field]
		return ok, nil

	case ConditionFieldEquals:
		got, ok := data[c.Field]
		if !ok {
			return false, nil
		}
		return reflect.DeepEqual(got, c.Value), nil

	case ConditionCustom:
		if c.Custom == nil {
			return false, fmt.Errorf("custom condition has no predicate function")
		}
		return c.Custom(data)

	default:
		return false, fmt.Errorf("unknown condition kind: %s", c.Kind)
	}
}

package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for every acyclic definition, ExecutionOrder returns a complete
// ordering that respects all dependency edges.
func TestProperty_ExecutionOrderRespectsEdges(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("topological order respects all edges", prop.ForAll(
		func(n int, edgeBits []bool) bool {
			def := randomAcyclicDefinition(n, edgeBits)
			order, err := def.ExecutionOrder()
			if err != nil {
				return false
			}
			if len(order) != n {
				return false
			}
			pos := make(map[string]int, n)
			for i, id := range order {
				pos[id] = i
			}
			for _, step := range def.Steps() {
				for _, dep := range step.DependsOn {
					if pos[dep] >= pos[step.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// Property: injecting a single back-edge into any acyclic definition makes
// ExecutionOrder fail with a cycle error and no partial order.
func TestProperty_BackEdgeAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("back-edge produces CycleError", prop.ForAll(
		func(n int, edgeBits []bool, from, to int) bool {
			if n < 2 {
				return true
			}
			// Force an edge from a later step back to an earlier one, closing
			// a cycle with the guaranteed chain edges below.
			src := from%(n-1) + 1
			dst := to % src

			def := NewDefinition("prop-wf", "prop")
			for i := 0; i < n; i++ {
				deps := []string{}
				if i > 0 {
					deps = append(deps, stepName(i-1))
				}
				if i == dst {
					deps = append(deps, stepName(src))
				}
				if err := def.AddStep(&Step{ID: stepName(i), Capability: "noop", DependsOn: deps}); err != nil {
					return false
				}
			}

			order, err := def.ExecutionOrder()
			return order == nil && IsCycleError(err)
		},
		gen.IntRange(2, 12),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}

// randomAcyclicDefinition builds a DAG over n steps where edges only point
// from lower to higher indices, so the graph is acyclic by construction.
func randomAcyclicDefinition(n int, edgeBits []bool) *Definition {
	def := NewDefinition("prop-wf", "prop")
	bit := 0
	takeBit := func() bool {
		if len(edgeBits) == 0 {
			return false
		}
		b := edgeBits[bit%len(edgeBits)]
		bit++
		return b
	}
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < i; j++ {
			if takeBit() {
				deps = append(deps, stepName(j))
			}
		}
		// AddStep cannot fail here: ids are unique by construction.
		_ = def.AddStep(&Step{ID: stepName(i), Capability: "noop", DependsOn: deps})
	}
	return def
}

func stepName(i int) string {
	return fmt.Sprintf("step_%d", i)
}

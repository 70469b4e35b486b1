package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/loom/types"
)

// buildDefinition assembles a definition from (id, deps...) tuples, failing
// the test on declaration errors.
func buildDefinition(t *testing.T, steps map[string][]string, order []string) *Definition {
	t.Helper()
	def := NewDefinition("test-wf", "test workflow")
	for _, id := range order {
		require.NoError(t, def.AddStep(&Step{ID: id, Capability: "noop", DependsOn: steps[id]}))
	}
	return def
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestExecutionOrder_Linear(t *testing.T) {
	t.Parallel()

	def := buildDefinition(t, map[string][]string{
		"b": {"a"},
		"c": {"b"},
	}, []string{"a", "b", "c"})

	order, err := def.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestExecutionOrder_FanOutFanIn(t *testing.T) {
	t.Parallel()

	// a -> {b, c} -> merge
	def := buildDefinition(t, map[string][]string{
		"b":     {"a"},
		"c":     {"a"},
		"merge": {"b", "c"},
	}, []string{"a", "b", "c", "merge"})

	order, err := def.ExecutionOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)
	assert.Less(t, indexOf(order, "a"), indexOf(order, "b"))
	assert.Less(t, indexOf(order, "a"), indexOf(order, "c"))
	assert.Less(t, indexOf(order, "b"), indexOf(order, "merge"))
	assert.Less(t, indexOf(order, "c"), indexOf(order, "merge"))
}

func TestExecutionOrder_Cycle(t *testing.T) {
	t.Parallel()

	def := buildDefinition(t, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}, []string{"a", "b", "c"})

	order, err := def.ExecutionOrder()
	require.Error(t, err)
	assert.Nil(t, order, "a cyclic graph must never yield a partial order")
	assert.True(t, IsCycleError(err))

	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestExecutionOrder_SelfCycle(t *testing.T) {
	t.Parallel()

	def := buildDefinition(t, map[string][]string{"a": {"a"}}, []string{"a"})
	_, err := def.ExecutionOrder()
	assert.True(t, IsCycleError(err))
}

func TestExecutionOrder_UndeclaredDependency(t *testing.T) {
	t.Parallel()

	def := buildDefinition(t, map[string][]string{"a": {"ghost"}}, []string{"a"})
	_, err := def.ExecutionOrder()
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidDefinition, types.GetErrorCode(err))
}

func TestLayers(t *testing.T) {
	t.Parallel()

	// a -> {b, c}; {b, c} -> d; e independent
	def := buildDefinition(t, map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}, []string{"a", "b", "c", "d", "e"})

	layers, err := def.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.ElementsMatch(t, []string{"a", "e"}, layers[0])
	assert.ElementsMatch(t, []string{"b", "c"}, layers[1])
	assert.Equal(t, []string{"d"}, layers[2])
}

func TestLayers_CycleFails(t *testing.T) {
	t.Parallel()

	def := buildDefinition(t, map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}, []string{"a", "b"})

	_, err := def.Layers()
	assert.True(t, IsCycleError(err))
}

func TestEntryPointsAndDependents(t *testing.T) {
	t.Parallel()

	def := buildDefinition(t, map[string][]string{
		"b": {"a"},
		"c": {"a"},
	}, []string{"a", "b", "c"})

	assert.Equal(t, []string{"a"}, def.EntryPoints())
	assert.Equal(t, []string{"b", "c"}, def.Dependents("a"))
	assert.Empty(t, def.Dependents("b"))
}

func TestAddStep_DuplicateRejected(t *testing.T) {
	t.Parallel()

	def := NewDefinition("wf", "wf")
	require.NoError(t, def.AddStep(&Step{ID: "a", Capability: "noop"}))
	err := def.AddStep(&Step{ID: "a", Capability: "noop"})
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateStep, types.GetErrorCode(err))
	assert.Len(t, def.Steps(), 1)
}

func TestAddStep_Invalid(t *testing.T) {
	t.Parallel()

	def := NewDefinition("wf", "wf")
	assert.Error(t, def.AddStep(nil))
	assert.Error(t, def.AddStep(&Step{ID: "", Capability: "noop"}))
	assert.Error(t, def.AddStep(&Step{ID: "a"}))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	empty := NewDefinition("wf", "wf")
	assert.Equal(t, types.ErrInvalidDefinition, types.GetErrorCode(empty.Validate()))

	ok := buildDefinition(t, map[string][]string{"b": {"a"}}, []string{"a", "b"})
	assert.NoError(t, ok.Validate())

	cyclic := buildDefinition(t, map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}, []string{"a", "b"})
	assert.True(t, IsCycleError(cyclic.Validate()))
}

package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/loom/types"
)

const sampleSpec = `
id: kq-pipeline
name: knowledge query pipeline
mode: parallel
steps:
  - id: retrieve
    capability: retrieval
    timeout_ms: 2000
    retry_count: 2
    retry_delay_ms: 100
    circuit_breaker: true
    cache_key: "retrieve:{query}"
  - id: factcheck
    capability: fact_check
    depends_on: [retrieve]
    fallback: true
    fallback_output:
      verified: false
  - id: synthesize
    capability: synthesis
    depends_on: [retrieve, factcheck]
    condition:
      kind: field_exists
      field: docs
`

func TestParseDefinition(t *testing.T) {
	t.Parallel()

	def, err := ParseDefinition([]byte(sampleSpec))
	require.NoError(t, err)

	assert.Equal(t, "kq-pipeline", def.ID())
	assert.Equal(t, ModeParallel, def.Mode())
	require.Len(t, def.Steps(), 3)

	retrieve, ok := def.Step("retrieve")
	require.True(t, ok)
	assert.Equal(t, "retrieval", retrieve.Capability)
	assert.Equal(t, 2*time.Second, retrieve.Timeout)
	assert.Equal(t, 2, retrieve.RetryCount)
	assert.Equal(t, 100*time.Millisecond, retrieve.RetryDelay)
	assert.True(t, retrieve.CircuitBreaker)

	factcheck, ok := def.Step("factcheck")
	require.True(t, ok)
	assert.True(t, factcheck.Fallback)
	assert.Equal(t, false, factcheck.FallbackOutput["verified"])

	synth, ok := def.Step("synthesize")
	require.True(t, ok)
	require.NotNil(t, synth.Condition)
	assert.Equal(t, ConditionFieldExists, synth.Condition.Kind)
	assert.Equal(t, []string{"retrieve", "factcheck"}, synth.DependsOn)
}

func TestParseDefinition_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec string
		code types.ErrorCode
	}{
		{"missing id", "name: x\nsteps: [{id: a, capability: c}]", types.ErrInvalidDefinition},
		{"unknown mode", "id: x\nmode: zigzag\nsteps: [{id: a, capability: c}]", types.ErrInvalidDefinition},
		{"duplicate step", "id: x\nsteps: [{id: a, capability: c}, {id: a, capability: c}]", types.ErrDuplicateStep},
		{"cycle", "id: x\nsteps: [{id: a, capability: c, depends_on: [b]}, {id: b, capability: c, depends_on: [a]}]", types.ErrCycleDetected},
		{"unknown condition", "id: x\nsteps: [{id: a, capability: c, condition: {kind: custom}}]", types.ErrInvalidDefinition},
		{"not yaml", "{{{", types.ErrInvalidDefinition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseDefinition([]byte(tt.spec))
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSpec), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "kq-pipeline", def.ID())

	_, err = LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	def, err := ParseDefinition([]byte(sampleSpec))
	require.NoError(t, err)

	data, err := Marshal(def)
	require.NoError(t, err)

	back, err := ParseDefinition(data)
	require.NoError(t, err)
	assert.Equal(t, def.ID(), back.ID())
	assert.Equal(t, def.Mode(), back.Mode())
	require.Len(t, back.Steps(), len(def.Steps()))

	orig, _ := def.Step("retrieve")
	rt, ok := back.Step("retrieve")
	require.True(t, ok)
	assert.Equal(t, orig.Timeout, rt.Timeout)
	assert.Equal(t, orig.CacheKey, rt.CacheKey)
}

func TestDefaultCombiner(t *testing.T) {
	t.Parallel()

	wctx := types.NewWorkflowContext()
	state := types.NewWorkflowState("wf", wctx)
	state.RecordResult(&types.AgentResult{StepID: "s1", Success: true, Output: map[string]any{"x": 1, "shared": "first"}})
	state.RecordResult(&types.AgentResult{StepID: "s2", Success: true, Output: map[string]any{"y": 2, "shared": "second"}})
	state.RecordResult(&types.AgentResult{StepID: "s3", Skipped: true, Output: map[string]any{"z": 3}})

	final := DefaultCombiner(state)
	assert.Equal(t, 1, final["x"])
	assert.Equal(t, 2, final["y"])
	assert.Equal(t, "second", final["shared"], "later steps win on collisions")
	assert.NotContains(t, final, "z")
}

func TestKeyedCombiner(t *testing.T) {
	t.Parallel()

	wctx := types.NewWorkflowContext()
	state := types.NewWorkflowState("wf", wctx)
	state.RecordResult(&types.AgentResult{StepID: "s1", Success: true, Output: map[string]any{"x": 1}})
	state.RecordResult(&types.AgentResult{StepID: "s2", Success: false, FallbackUsed: true})

	final := KeyedCombiner(state)
	assert.Equal(t, map[string]any{"x": 1}, final["s1"])
	assert.NotContains(t, final, "s2")
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queryloom/loom/types"
)

func echoAgent() types.Agent {
	return types.AgentFunc(func(_ context.Context, payload map[string]any, _ *types.WorkflowContext) (map[string]any, error) {
		return payload, nil
	})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	reg := New(RejectDuplicates, zap.NewNop())
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "retrieval"}, echoAgent()))

	assert.True(t, reg.Has("retrieval"))
	assert.False(t, reg.Has("synthesis"))

	info, err := reg.Info("retrieval")
	require.NoError(t, err)
	assert.Equal(t, "retrieval", info.Capability)

	_, err = reg.Info("synthesis")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestRegistry_RejectDuplicates(t *testing.T) {
	t.Parallel()

	reg := New(RejectDuplicates, zap.NewNop())
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "retrieval"}, echoAgent()))

	err := reg.Register(types.AgentInfo{Capability: "retrieval"}, echoAgent())
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateAgent, types.GetErrorCode(err))
}

func TestRegistry_OverwriteDuplicates(t *testing.T) {
	t.Parallel()

	reg := New(OverwriteDuplicates, zap.NewNop())
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "retrieval"}, echoAgent()))

	replacement := types.AgentFunc(func(context.Context, map[string]any, *types.WorkflowContext) (map[string]any, error) {
		return map[string]any{"replaced": true}, nil
	})
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "retrieval"}, replacement))

	e, err := reg.lookup("retrieval")
	require.NoError(t, err)
	out, err := e.agent.ProcessTask(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["replaced"])
}

func TestRegistry_RejectsInvalidRegistration(t *testing.T) {
	t.Parallel()

	reg := New(RejectDuplicates, zap.NewNop())
	assert.Error(t, reg.Register(types.AgentInfo{}, echoAgent()), "empty capability")
	assert.Error(t, reg.Register(types.AgentInfo{Capability: "x"}, nil), "nil agent")
}

func TestRegistry_Deregister(t *testing.T) {
	t.Parallel()

	reg := New(RejectDuplicates, zap.NewNop())
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "retrieval"}, echoAgent()))

	reg.Deregister("retrieval")
	assert.False(t, reg.Has("retrieval"))
	reg.Deregister("retrieval") // second removal is a no-op
}

func TestRegistry_Capabilities(t *testing.T) {
	t.Parallel()

	reg := New(RejectDuplicates, zap.NewNop())
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "retrieval"}, echoAgent()))
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "synthesis"}, echoAgent()))

	assert.ElementsMatch(t, []string{"retrieval", "synthesis"}, reg.Capabilities())
}

func TestRegistry_SnapshotTracksInvocations(t *testing.T) {
	t.Parallel()

	reg := New(RejectDuplicates, zap.NewNop())
	require.NoError(t, reg.Register(types.AgentInfo{Capability: "retrieval"}, echoAgent()))

	ex := NewExecutor(reg, nil, nil, DefaultExecutorConfig(), zap.NewNop())
	wctx := types.NewWorkflowContext()

	for i := 0; i < 3; i++ {
		_, err := ex.Execute(context.Background(), Invocation{
			StepID:     "fetch",
			Capability: "retrieval",
			Payload:    map[string]any{"q": "test"},
		}, wctx)
		require.NoError(t, err)
	}

	snap := reg.Snapshot()
	require.Contains(t, snap, "retrieval")
	assert.Equal(t, int64(3), snap["retrieval"].Invocations)
	assert.Equal(t, int64(3), snap["retrieval"].Successes)
	assert.Equal(t, int64(0), snap["retrieval"].Failures)
	assert.Greater(t, snap["retrieval"].AvgLatency, time.Duration(0))
}

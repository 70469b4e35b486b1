package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queryloom/loom/types"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(fastPolicy(3), zap.NewNop())
	var calls atomic.Int32

	res, err := exec.Execute(context.Background(), func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"ok": true}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, true, res.Output["ok"])
}

func TestExecute_FailsNThenSucceeds(t *testing.T) {
	t.Parallel()

	// Agent fails N times (N < retry budget) then succeeds: the wrapped call
	// succeeds and the agent runs exactly N+1 times.
	const n = 2
	exec := NewExecutor(fastPolicy(5), zap.NewNop())
	var calls atomic.Int32

	res, err := exec.Execute(context.Background(), func(ctx context.Context) (map[string]any, error) {
		if calls.Add(1) <= n {
			return nil, errors.New("transient")
		}
		return map[string]any{"done": 1}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(n+1), calls.Load())
	assert.Equal(t, n+1, res.Attempts)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(fastPolicy(2), zap.NewNop())
	var calls atomic.Int32
	boom := errors.New("still broken")

	res, err := exec.Execute(context.Background(), func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return nil, boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load(), "retry_count+1 attempts")
	assert.Equal(t, 3, res.Attempts)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(fastPolicy(5), zap.NewNop())
	var calls atomic.Int32

	_, err := exec.Execute(context.Background(), func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return nil, types.NewError(types.ErrCircuitOpen, "capability tripped")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	_, err = exec.Execute(context.Background(), func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return nil, types.NewError(types.ErrWorkflowNotFound, "config error")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_AttemptTimeoutAbandonsCall(t *testing.T) {
	t.Parallel()

	policy := fastPolicy(1)
	policy.AttemptTimeout = 20 * time.Millisecond
	exec := NewExecutor(policy, zap.NewNop())

	var calls atomic.Int32
	started := time.Now()

	_, err := exec.Execute(context.Background(), func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		select {
		case <-time.After(time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrStepTimeout, types.GetErrorCode(err))
	assert.Equal(t, int32(2), calls.Load(), "timeout is retryable")
	assert.Less(t, time.Since(started), 500*time.Millisecond, "attempts abandoned, not waited out")
}

func TestExecute_ParentContextCancelled(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Execute(ctx, func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(3), "cancellation stops the retry loop")
}

func TestExecute_OnRetryCallback(t *testing.T) {
	t.Parallel()

	var retries atomic.Int32
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries.Add(1)
	}
	exec := NewExecutor(policy, zap.NewNop())

	_, _ = exec.Execute(context.Background(), func(ctx context.Context) (map[string]any, error) {
		return nil, errors.New("always")
	})
	assert.Equal(t, int32(2), retries.Load())
}

func TestBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   40 * time.Millisecond,
	}, zap.NewNop())

	assert.Equal(t, 10*time.Millisecond, exec.backoff(1))
	assert.Equal(t, 20*time.Millisecond, exec.backoff(2))
	assert.Equal(t, 40*time.Millisecond, exec.backoff(3))
	assert.Equal(t, 40*time.Millisecond, exec.backoff(4), "capped at MaxDelay")
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		Jitter:     true,
	}, zap.NewNop())

	for i := 0; i < 200; i++ {
		d := exec.backoff(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

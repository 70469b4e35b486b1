// Package retry provides bounded retry with exponential backoff and jitter.
// Each attempt is bounded by its own timeout that forcibly abandons the
// in-flight call on expiry; the call itself keeps running until it observes
// its context, it is just no longer waited for.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/queryloom/loom/types"
)

// Policy configures an Executor.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// executor makes at most MaxRetries+1 attempts.
	MaxRetries int
	// BaseDelay seeds the exponential backoff: attempt n (1-based) sleeps
	// BaseDelay*2^(n-1) plus jitter before running.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep. Zero means no cap.
	MaxDelay time.Duration
	// AttemptTimeout bounds a single attempt. Zero means unbounded.
	AttemptTimeout time.Duration
	// Jitter adds ±25% randomness to each sleep to avoid retry stampedes.
	Jitter bool
	// OnRetry is invoked before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used when a step declares none.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     true,
	}
}

// CallFunc is one attempt of the wrapped operation. The context carries the
// per-attempt timeout.
type CallFunc func(ctx context.Context) (map[string]any, error)

// Executor retries a CallFunc according to a Policy.
type Executor struct {
	policy Policy
	logger *zap.Logger
}

// NewExecutor creates a retry executor. A nil logger is replaced by a noop.
func NewExecutor(policy Policy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	return &Executor{
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
	}
}

// Result carries the outcome of Execute along with the attempt count.
type Result struct {
	Output   map[string]any
	Attempts int
}

// Execute runs fn up to MaxRetries+1 times. It stops early on success, on a
// non-retryable error, or when the parent context is done. The returned
// attempt count includes the final (failed or successful) attempt.
func (e *Executor) Execute(ctx context.Context, fn CallFunc) (Result, error) {
	var lastErr error

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt)
			if e.policy.OnRetry != nil {
				e.policy.OnRetry(attempt, lastErr, delay)
			}
			e.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", e.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return Result{Attempts: attempt}, ctx.Err()
			case <-time.After(delay):
			}
		}

		output, err := e.attempt(ctx, fn)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("retry succeeded", zap.Int("attempt", attempt+1))
			}
			return Result{Output: output, Attempts: attempt + 1}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Result{Attempts: attempt + 1}, ctx.Err()
		}
		if !retryable(err) {
			e.logger.Debug("error not retryable", zap.Error(err))
			return Result{Attempts: attempt + 1}, err
		}
	}

	e.logger.Warn("retries exhausted",
		zap.Int("attempts", e.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return Result{Attempts: e.policy.MaxRetries + 1}, lastErr
}

// attempt runs fn once, bounded by the per-attempt timeout. On expiry the
// call is abandoned, not killed: fn keeps the goroutine until it returns.
func (e *Executor) attempt(ctx context.Context, fn CallFunc) (map[string]any, error) {
	attemptCtx := ctx
	cancel := func() {}
	if e.policy.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.policy.AttemptTimeout)
	}
	defer cancel()

	type callResult struct {
		output map[string]any
		err    error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		output, err := fn(attemptCtx)
		resultCh <- callResult{output: output, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled or workflow deadline passed.
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrStepTimeout, "attempt exceeded its timeout").
			WithRetryable(true).
			WithCause(attemptCtx.Err())
	case res := <-resultCh:
		return res.output, res.err
	}
}

// backoff computes the sleep before the given 1-based retry attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := float64(e.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if e.policy.MaxDelay > 0 && delay > float64(e.policy.MaxDelay) {
		delay = float64(e.policy.MaxDelay)
	}
	if e.policy.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * 0.25
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// retryable reports whether an error should consume another attempt.
// Configuration errors and explicit non-retryable markers stop the loop;
// plain agent errors and timeouts are retried.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if types.IsConfigurationError(err) {
		return false
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		switch typed.Code {
		case types.ErrCircuitOpen, types.ErrCancelled:
			return false
		case types.ErrStepTimeout, types.ErrStepExecution:
			return true
		}
		return typed.Retryable
	}
	return true
}

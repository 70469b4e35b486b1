package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/queryloom/loom/circuitbreaker"
	"github.com/queryloom/loom/retry"
	"github.com/queryloom/loom/types"
)

// Invocation is one resolved step call. The engine fills step-level settings
// in; zero values fall back to the capability's AgentInfo, then to executor
// defaults.
type Invocation struct {
	StepID     string
	Capability string
	Payload    map[string]any
	// Timeout bounds one attempt.
	Timeout time.Duration
	// MaxRetries is the retry budget. Negative means "capability default".
	MaxRetries int
	// RetryDelay is the backoff base.
	RetryDelay time.Duration
	// CircuitBreaker routes the call through the capability breaker.
	CircuitBreaker bool
	// CacheKey memoizes the successful output. Empty disables caching.
	CacheKey string
	// CacheTTL overrides the capability's cache TTL.
	CacheTTL time.Duration
}

// ExecutorConfig tunes the invocation path.
type ExecutorConfig struct {
	// DefaultTimeout bounds an attempt when neither the step nor the agent
	// declares one.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	// Breaker configures capability circuit breakers.
	Breaker circuitbreaker.Config `json:"breaker" yaml:"breaker"`
}

// DefaultExecutorConfig returns the defaults: 30s attempt timeout.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// Executor runs invocations through the full capability pipeline: result
// cache, rate limiter, concurrency gate, circuit breaker, retries. It is the
// only place agents are actually called.
type Executor struct {
	registry *Registry
	breakers *circuitbreaker.Registry
	cache    ResultCache
	group    singleflight.Group
	config   ExecutorConfig
	logger   *zap.Logger
}

// NewExecutor creates the invocation pipeline. A nil cache disables result
// caching regardless of step settings.
func NewExecutor(reg *Registry, breakers *circuitbreaker.Registry, cache ResultCache, config ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(config.Breaker, nil, logger)
	}
	return &Executor{
		registry: reg,
		breakers: breakers,
		cache:    cache,
		config:   config,
		logger:   logger.With(zap.String("component", "agent_executor")),
	}
}

// Breakers exposes the breaker registry for status reporting.
func (ex *Executor) Breakers() *circuitbreaker.Registry { return ex.breakers }

// flight is what one (possibly shared) cache-keyed call produces.
type flight struct {
	output    map[string]any
	fromCache bool
	attempts  int
}

// Execute runs one invocation and always returns a populated AgentResult,
// failed or not. The error mirrors result.Error for callers that branch on
// error codes.
func (ex *Executor) Execute(ctx context.Context, inv Invocation, wctx *types.WorkflowContext) (*types.AgentResult, error) {
	e, err := ex.registry.lookup(inv.Capability)
	if err != nil {
		return &types.AgentResult{
			StepID:     inv.StepID,
			Capability: inv.Capability,
			Error:      err.Error(),
		}, err
	}

	start := time.Now()
	var fl *flight

	if inv.CacheKey != "" && ex.cache != nil {
		// Concurrent executions sharing a cache key invoke the agent once.
		v, flErr, _ := ex.group.Do(inv.CacheKey, func() (any, error) {
			return ex.cachedInvoke(ctx, e, inv, wctx)
		})
		if v != nil {
			fl = v.(*flight)
		} else {
			fl = &flight{}
		}
		err = flErr
	} else {
		fl = &flight{}
		fl.output, fl.attempts, err = ex.invoke(ctx, e, inv, wctx)
	}

	elapsed := time.Since(start)
	result := &types.AgentResult{
		StepID:        inv.StepID,
		Capability:    inv.Capability,
		Success:       err == nil,
		Output:        fl.output,
		Cached:        fl.fromCache,
		Attempts:      fl.attempts,
		ExecutionTime: elapsed,
	}
	if err != nil {
		result.Error = err.Error()
	}

	if fl.fromCache {
		e.metrics.cacheHits.Add(1)
	} else {
		e.metrics.record(err == nil, elapsed)
	}
	return result, err
}

// cachedInvoke serves from the cache when possible, otherwise invokes and
// fills the cache on success. It runs inside the singleflight group.
func (ex *Executor) cachedInvoke(ctx context.Context, e *entry, inv Invocation, wctx *types.WorkflowContext) (*flight, error) {
	if output, ok, cerr := ex.cache.Get(ctx, inv.CacheKey); cerr != nil {
		// A broken cache backend degrades to a miss.
		ex.logger.Warn("result cache read failed",
			zap.String("cache_key", inv.CacheKey), zap.Error(cerr))
	} else if ok {
		return &flight{output: output, fromCache: true}, nil
	}

	output, attempts, err := ex.invoke(ctx, e, inv, wctx)
	if err != nil {
		return &flight{attempts: attempts}, err
	}

	ttl := inv.CacheTTL
	if ttl <= 0 {
		ttl = e.info.CacheTTL
	}
	if cerr := ex.cache.Set(ctx, inv.CacheKey, output, ttl); cerr != nil {
		ex.logger.Warn("result cache write failed",
			zap.String("cache_key", inv.CacheKey), zap.Error(cerr))
	}
	return &flight{output: output, attempts: attempts}, nil
}

// invoke runs the gate/breaker/retry pipeline around the agent call.
func (ex *Executor) invoke(ctx context.Context, e *entry, inv Invocation, wctx *types.WorkflowContext) (map[string]any, int, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, 0, types.NewError(types.ErrCancelled,
				fmt.Sprintf("rate limit wait for %q interrupted", inv.Capability)).WithCause(err)
		}
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, 0, types.NewError(types.ErrCancelled,
				fmt.Sprintf("concurrency gate for %q interrupted", inv.Capability)).WithCause(err)
		}
		defer e.sem.Release(1)
	}

	useBreaker := inv.CircuitBreaker || e.info.CircuitBreaker
	var breaker *circuitbreaker.Breaker
	if useBreaker {
		breaker = ex.breakers.GetOrCreate(inv.Capability)
		if err := breaker.Allow(); err != nil {
			e.metrics.rejected.Add(1)
			return nil, 0, err
		}
	}

	executor := retry.NewExecutor(ex.resolvePolicy(e, inv), ex.logger)
	res, err := executor.Execute(ctx, func(attemptCtx context.Context) (map[string]any, error) {
		return e.agent.ProcessTask(attemptCtx, inv.Payload, wctx)
	})

	if useBreaker {
		// One outcome per outer call; retries never count individually, and
		// cooperative cancellation says nothing about the capability's health.
		switch {
		case err == nil:
			breaker.RecordSuccess()
		case types.GetErrorCode(err) == types.ErrStepTimeout:
			breaker.RecordFailure()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
			types.GetErrorCode(err) == types.ErrCancelled:
			breaker.RecordNeutral()
		default:
			breaker.RecordFailure()
		}
	}
	return res.Output, res.Attempts, err
}

// resolvePolicy layers step settings over capability defaults.
func (ex *Executor) resolvePolicy(e *entry, inv Invocation) retry.Policy {
	policy := retry.Policy{Jitter: true}

	policy.MaxRetries = inv.MaxRetries
	if policy.MaxRetries < 0 {
		policy.MaxRetries = e.info.Retry.MaxRetries
	}

	policy.BaseDelay = inv.RetryDelay
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = e.info.Retry.BaseDelay
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = retry.DefaultPolicy().BaseDelay
	}

	policy.MaxDelay = e.info.Retry.MaxDelay
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = retry.DefaultPolicy().MaxDelay
	}

	policy.AttemptTimeout = inv.Timeout
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = e.info.Timeout
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = ex.config.DefaultTimeout
	}
	return policy
}

package types

import (
	"context"
	"time"
)

// Agent is the capability contract consumed by the engine. Implementations
// perform one unit of domain work (retrieval, fact-check, synthesis,
// citation, ...) and signal failure by returning an error, which the engine
// interprets as step failure.
//
// The engine is agent-implementation-agnostic: it never inspects the payload
// beyond passing it through.
type Agent interface {
	ProcessTask(ctx context.Context, payload map[string]any, wctx *WorkflowContext) (map[string]any, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, payload map[string]any, wctx *WorkflowContext) (map[string]any, error)

// ProcessTask implements Agent.
func (f AgentFunc) ProcessTask(ctx context.Context, payload map[string]any, wctx *WorkflowContext) (map[string]any, error) {
	return f(ctx, payload, wctx)
}

// RetryPolicy bounds the retry behavior for one capability or step.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	// (0 means a single attempt).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// BaseDelay is the backoff base; attempt n sleeps BaseDelay*2^n plus
	// jitter before running.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxDelay caps a single backoff sleep. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// AgentInfo is the capability metadata registered once at startup and
// read-only during execution.
type AgentInfo struct {
	// Capability identifies what the agent does, e.g. "retrieval".
	Capability string `json:"capability" yaml:"capability"`
	// Description is a human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// MaxConcurrent bounds in-flight invocations of this capability.
	// Zero means unbounded.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	// Timeout bounds a single invocation. Zero falls back to the
	// engine default.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Retry is the default retry policy for steps bound to this capability.
	Retry RetryPolicy `json:"retry" yaml:"retry"`
	// CircuitBreaker enables fault isolation for this capability.
	CircuitBreaker bool `json:"circuit_breaker" yaml:"circuit_breaker"`
	// Fallback enables degraded results when retries are exhausted.
	Fallback bool `json:"fallback" yaml:"fallback"`
	// RateLimit caps invocations per second. Zero disables rate limiting.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// CacheTTL is how long successful results keyed by a cache key stay
	// servable. Zero falls back to the registry default.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

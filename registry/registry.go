// Package registry manages agent registration and the per-capability
// invocation path: concurrency gates, rate limiting, result caching, circuit
// breaking and retries all live here so the engine can treat a step as a
// single call.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/queryloom/loom/types"
)

// DuplicatePolicy decides what Register does when the capability is taken.
type DuplicatePolicy int

const (
	// RejectDuplicates fails registration of an already-known capability.
	RejectDuplicates DuplicatePolicy = iota
	// OverwriteDuplicates replaces the existing agent and logs a warning.
	OverwriteDuplicates
)

// entry binds one agent to its capability gates.
type entry struct {
	info    types.AgentInfo
	agent   types.Agent
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	metrics *capabilityMetrics
}

// Registry is the capability lookup table. Registration happens at startup;
// lookups are read-mostly and cheap.
type Registry struct {
	policy DuplicatePolicy
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New(policy DuplicatePolicy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		policy:  policy,
		logger:  logger.With(zap.String("component", "agent_registry")),
		entries: make(map[string]*entry),
	}
}

// Register binds an agent to its capability. The info's concurrency bound
// and rate limit are materialized once here and shared by all invocations.
func (r *Registry) Register(info types.AgentInfo, agent types.Agent) error {
	if info.Capability == "" {
		return types.NewError(types.ErrInvalidDefinition, "agent capability must not be empty")
	}
	if agent == nil {
		return types.NewError(types.ErrInvalidDefinition,
			fmt.Sprintf("agent for capability %q must not be nil", info.Capability))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[info.Capability]; exists {
		if r.policy == RejectDuplicates {
			return types.NewError(types.ErrDuplicateAgent,
				fmt.Sprintf("capability %q already registered", info.Capability))
		}
		r.logger.Warn("overwriting registered agent", zap.String("capability", info.Capability))
	}

	e := &entry{
		info:    info,
		agent:   agent,
		metrics: newCapabilityMetrics(),
	}
	if info.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(info.MaxConcurrent))
	}
	if info.RateLimit > 0 {
		burst := int(info.RateLimit)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(info.RateLimit), burst)
	}
	r.entries[info.Capability] = e

	r.logger.Info("agent registered",
		zap.String("capability", info.Capability),
		zap.Int("max_concurrent", info.MaxConcurrent),
		zap.Bool("circuit_breaker", info.CircuitBreaker),
	)
	return nil
}

// Deregister removes a capability. Removing an unknown capability is a no-op.
func (r *Registry) Deregister(capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, capability)
}

// lookup returns the entry or an AGENT_NOT_FOUND error.
func (r *Registry) lookup(capability string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[capability]
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound,
			fmt.Sprintf("no agent registered for capability %q", capability))
	}
	return e, nil
}

// Info returns the registered metadata for a capability.
func (r *Registry) Info(capability string) (types.AgentInfo, error) {
	e, err := r.lookup(capability)
	if err != nil {
		return types.AgentInfo{}, err
	}
	return e.info, nil
}

// Has reports whether the capability is registered.
func (r *Registry) Has(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[capability]
	return ok
}

// Capabilities lists the registered capability names.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for capability := range r.entries {
		out = append(out, capability)
	}
	return out
}

// Snapshot returns per-capability invocation metrics.
func (r *Registry) Snapshot() map[string]MetricsSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MetricsSnapshot, len(r.entries))
	for capability, e := range r.entries {
		out[capability] = e.metrics.snapshot()
	}
	return out
}

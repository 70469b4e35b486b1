package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry manages one breaker per capability. Breakers are created lazily
// on first use and shared by every execution touching that capability.
type Registry struct {
	config   Config
	onChange StateChangeHandler
	logger   *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(config Config, onChange StateChangeHandler, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		onChange: onChange,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker owning the capability's CircuitState.
func (r *Registry) GetOrCreate(capability string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[capability]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[capability]; ok {
		return b
	}
	b := New(capability, r.config, r.onChange, r.logger)
	r.breakers[capability] = b
	return b
}

// Snapshots returns a point-in-time view of every breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for capability, b := range r.breakers {
		out[capability] = b.Snapshot()
	}
	return out
}

// ResetAll manually closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

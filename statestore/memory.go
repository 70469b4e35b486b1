package statestore

import (
	"context"
	"sync"

	"github.com/queryloom/loom/types"
)

// MemoryStore is the default in-process store. It deep-copies on both save
// and get so callers can never mutate stored state through a shared pointer.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*types.WorkflowState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*types.WorkflowState)}
}

// SaveState stores a deep copy of the state.
func (m *MemoryStore) SaveState(_ context.Context, state *types.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ExecutionID] = state.Clone()
	return nil
}

// GetState returns a deep copy of the stored state.
func (m *MemoryStore) GetState(_ context.Context, executionID string) (*types.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[executionID]
	if !ok {
		return nil, notFound(executionID)
	}
	return state.Clone(), nil
}

// DeleteState removes the state. Missing ids are ignored.
func (m *MemoryStore) DeleteState(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, executionID)
	return nil
}

// Len returns the number of stored states.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// Package statestore persists workflow execution state. The engine writes
// state through exactly one Store; in-flight execution never reads its own
// state back from storage, so the store is a durability and observability
// boundary rather than a coordination mechanism.
//
// Four backends ship: in-memory (the default), GORM-backed SQL, Redis, and
// MongoDB. All of them guarantee read-your-writes within one process.
package statestore

import (
	"context"
	"fmt"

	"github.com/queryloom/loom/types"
)

// Store is the persistence contract. Save is atomic per execution id: a
// concurrent Get returns either the previous or the new state, never a
// partial record.
type Store interface {
	// SaveState persists the state keyed by its execution id, overwriting
	// any previous version.
	SaveState(ctx context.Context, state *types.WorkflowState) error
	// GetState returns the stored state or a STATE_NOT_FOUND error.
	GetState(ctx context.Context, executionID string) (*types.WorkflowState, error)
	// DeleteState removes the state. Deleting a missing id is a no-op.
	DeleteState(ctx context.Context, executionID string) error
	// Close releases backend resources.
	Close() error
}

func notFound(executionID string) error {
	return types.NewError(types.ErrStateNotFound,
		fmt.Sprintf("no state for execution %q", executionID))
}

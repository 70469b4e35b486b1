// Package types defines the shared contracts of the orchestration engine:
// the Agent capability interface, capability metadata, the unified error
// taxonomy, per-execution context, and the immutable result records consumed
// by callers and the result cache.
//
// The package is dependency-light on purpose: every other package imports it,
// so it must never import engine internals.
package types

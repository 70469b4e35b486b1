// Package workflow declares multi-step workflows as dependency graphs.
//
// A Definition is an immutable, named DAG of Steps. Each Step binds one agent
// capability with its own timeout/retry/fallback policy and an optional
// declarative condition. The resolver computes a valid execution order via
// depth-first traversal and rejects cyclic graphs with a CycleError the
// moment a back-edge is found, never returning a partial order. Fan-out (one
// parent, many children) and fan-in (many parents, one child) are both
// supported.
package workflow

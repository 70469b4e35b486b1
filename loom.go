// Package loom provides a top-level convenience entry point for running
// workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/queryloom/loom"
//
//	eng := loom.New(loom.DefaultConfig())
//	eng.RegisterAgent(info, agent)
//	eng.RegisterWorkflow(def)
//	result, err := eng.ExecuteWorkflow(ctx, "knowledge-query", input)
//
// This is a thin wrapper around the engine package; both produce identical
// results. Use this package when you prefer the shorter import path.
package loom

import (
	"github.com/queryloom/loom/engine"
	"github.com/queryloom/loom/workflow"
)

// Engine orchestrates workflow executions.
type Engine = engine.Engine

// Config tunes the engine.
type Config = engine.Config

// Option configures the engine created by [New].
type Option = engine.Option

// New creates an [engine.Engine] with the given configuration.
func New(config Config, opts ...Option) *Engine {
	return engine.New(config, opts...)
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return engine.DefaultConfig()
}

// NewWorkflow starts a workflow definition builder.
func NewWorkflow(id, name string) *workflow.Definition {
	return workflow.NewDefinition(id, name)
}

// LoadWorkflow reads a YAML workflow definition from a file.
func LoadWorkflow(path string) (*workflow.Definition, error) {
	return workflow.LoadDefinition(path)
}

// Re-export engine options so callers never need to import engine/.

// WithStore sets the state store backend.
var WithStore = engine.WithStore

// WithLogger sets a custom zap logger.
var WithLogger = engine.WithLogger

// WithResultCache sets the step result cache backend.
var WithResultCache = engine.WithResultCache

// WithAgentOverwrite lets a later registration replace an earlier one.
var WithAgentOverwrite = engine.WithAgentOverwrite

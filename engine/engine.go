// Package engine orchestrates workflow executions: it resolves definitions,
// dispatches steps to registered agents through the capability pipeline,
// persists state on every transition, and publishes lifecycle events.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/queryloom/loom/circuitbreaker"
	"github.com/queryloom/loom/eventbus"
	"github.com/queryloom/loom/registry"
	"github.com/queryloom/loom/statestore"
	"github.com/queryloom/loom/taskqueue"
	"github.com/queryloom/loom/types"
	"github.com/queryloom/loom/workflow"
)

// SuccessPolicy decides what a COMPLETED execution must contain to count as
// successful.
type SuccessPolicy struct {
	// RequireAll demands every non-skipped step succeeded without fallback.
	RequireAll bool `json:"require_all" yaml:"require_all"`
	// MinSuccesses is the minimum number of non-fallback step successes.
	// Values below 1 are treated as 1.
	MinSuccesses int `json:"min_successes" yaml:"min_successes"`
}

// Config tunes the engine.
type Config struct {
	// DefaultStepTimeout bounds a step attempt when neither the step nor the
	// agent declares one.
	DefaultStepTimeout time.Duration `json:"default_step_timeout" yaml:"default_step_timeout"`
	// DefaultWorkflowTimeout bounds an execution when the caller sets none.
	// Zero means unbounded.
	DefaultWorkflowTimeout time.Duration `json:"default_workflow_timeout" yaml:"default_workflow_timeout"`
	// SuccessPolicy is evaluated on COMPLETED executions.
	SuccessPolicy SuccessPolicy `json:"success_policy" yaml:"success_policy"`
	// Breaker configures capability circuit breakers.
	Breaker circuitbreaker.Config `json:"breaker" yaml:"breaker"`
	// Queue configures the async submission pool.
	Queue taskqueue.PoolConfig `json:"queue" yaml:"queue"`
	// Bus configures the event bus.
	Bus eventbus.Config `json:"bus" yaml:"bus"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStepTimeout:     30 * time.Second,
		DefaultWorkflowTimeout: 5 * time.Minute,
		SuccessPolicy:          SuccessPolicy{MinSuccesses: 1},
		Breaker:                circuitbreaker.DefaultConfig(),
		Queue:                  taskqueue.DefaultPoolConfig(),
		Bus:                    eventbus.DefaultConfig(),
	}
}

// Engine is the orchestrator. Definitions and agents are registered at
// startup; executions run concurrently afterwards.
type Engine struct {
	config Config
	logger *zap.Logger

	store    statestore.Store
	bus      *eventbus.InMemoryBus
	registry *registry.Registry
	executor *registry.Executor
	breakers *circuitbreaker.Registry
	cache    registry.ResultCache
	pool     *taskqueue.Pool

	defMu       sync.RWMutex
	definitions map[string]*workflow.Definition

	runMu   sync.Mutex
	running map[string]context.CancelFunc

	closed atomic.Bool
}

// Option customizes engine construction.
type Option func(*Engine)

// WithStore selects the state persistence backend. Default: in-memory.
func WithStore(store statestore.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithLogger sets the logger. Default: noop.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithResultCache selects the step result cache backend. Default: in-memory.
func WithResultCache(cache registry.ResultCache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithAgentOverwrite makes duplicate agent registration replace the existing
// agent instead of failing.
func WithAgentOverwrite() Option {
	return func(e *Engine) { e.registry = registry.New(registry.OverwriteDuplicates, e.logger) }
}

// New creates a started engine.
func New(config Config, opts ...Option) *Engine {
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = DefaultConfig().DefaultStepTimeout
	}
	if config.SuccessPolicy.MinSuccesses < 1 {
		config.SuccessPolicy.MinSuccesses = 1
	}

	e := &Engine{
		config:      config,
		logger:      zap.NewNop(),
		definitions: make(map[string]*workflow.Definition),
		running:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = statestore.NewMemoryStore()
	}
	if e.cache == nil {
		e.cache = registry.NewMemoryCache(time.Minute)
	}
	if e.registry == nil {
		e.registry = registry.New(registry.RejectDuplicates, e.logger)
	}

	e.bus = eventbus.New(config.Bus, e.logger)
	e.breakers = circuitbreaker.NewRegistry(config.Breaker, e.publishBreakerChange, e.logger)
	e.executor = registry.NewExecutor(e.registry, e.breakers, e.cache, registry.ExecutorConfig{
		DefaultTimeout: config.DefaultStepTimeout,
		Breaker:        config.Breaker,
	}, e.logger)
	e.pool = taskqueue.NewPool(config.Queue, e.logger)

	e.logger = e.logger.With(zap.String("component", "engine"))
	return e
}

// Bus exposes the event bus for subscribers (metrics, tracing, tests).
func (e *Engine) Bus() *eventbus.InMemoryBus { return e.bus }

// Breakers exposes circuit breaker snapshots for status reporting.
func (e *Engine) Breakers() map[string]circuitbreaker.Snapshot { return e.breakers.Snapshots() }

// AgentMetrics exposes per-capability invocation counters.
func (e *Engine) AgentMetrics() map[string]registry.MetricsSnapshot { return e.registry.Snapshot() }

// QueueStats exposes async submission pool counters.
func (e *Engine) QueueStats() taskqueue.Stats { return e.pool.Stats() }

// RegisterAgent binds an agent implementation to its capability.
func (e *Engine) RegisterAgent(info types.AgentInfo, agent types.Agent) error {
	return e.registry.Register(info, agent)
}

// RegisterWorkflow validates and freezes a definition. Invalid graphs,
// including cyclic ones, are rejected here so execution never sees them.
func (e *Engine) RegisterWorkflow(def *workflow.Definition) error {
	if def == nil {
		return types.NewError(types.ErrInvalidDefinition, "workflow definition must not be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	e.defMu.Lock()
	defer e.defMu.Unlock()
	if _, exists := e.definitions[def.ID()]; exists {
		return types.NewError(types.ErrInvalidDefinition,
			fmt.Sprintf("workflow %q already registered", def.ID()))
	}
	e.definitions[def.ID()] = def

	e.logger.Info("workflow registered",
		zap.String("workflow_id", def.ID()),
		zap.String("mode", string(def.Mode())),
		zap.Int("steps", len(def.Steps())),
	)
	return nil
}

// Workflow returns a registered definition.
func (e *Engine) Workflow(workflowID string) (*workflow.Definition, error) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	def, ok := e.definitions[workflowID]
	if !ok {
		return nil, types.NewError(types.ErrWorkflowNotFound,
			fmt.Sprintf("workflow %q is not registered", workflowID))
	}
	return def, nil
}

// ExecOption customizes one execution.
type ExecOption func(*execOptions)

type execOptions struct {
	timeout   time.Duration
	userID    string
	sessionID string
	priority  int
}

// WithTimeout bounds the whole execution, overriding the engine default.
func WithTimeout(timeout time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = timeout }
}

// WithUser attributes the execution to a user and session.
func WithUser(userID, sessionID string) ExecOption {
	return func(o *execOptions) {
		o.userID = userID
		o.sessionID = sessionID
	}
}

// WithPriority orders async submissions in the task queue, higher first.
// Synchronous executions ignore it.
func WithPriority(priority int) ExecOption {
	return func(o *execOptions) { o.priority = priority }
}

// ExecuteWorkflow runs one execution synchronously and returns its result.
// The returned error is non-nil only when the execution could not start;
// runtime failures are reported through the result's status and error.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any, opts ...ExecOption) (*types.WorkflowResult, error) {
	def, state, wctx, err := e.prepare(ctx, workflowID, input, opts...)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, def, state, wctx), nil
}

// Submit enqueues one execution for asynchronous processing and returns its
// execution id immediately. Progress is observable via GetWorkflowStatus and
// the event bus.
func (e *Engine) Submit(ctx context.Context, workflowID string, input map[string]any, opts ...ExecOption) (string, error) {
	options := &execOptions{}
	for _, opt := range opts {
		opt(options)
	}

	def, state, wctx, err := e.prepare(ctx, workflowID, input, opts...)
	if err != nil {
		return "", err
	}

	task := &taskqueue.Task{
		ID:       state.ExecutionID,
		Priority: options.priority,
		Run: func(taskCtx context.Context) error {
			// The queued execution may have been cancelled while pending.
			current, err := e.store.GetState(taskCtx, state.ExecutionID)
			if err == nil && current.Status != types.StatusPending {
				return nil
			}
			e.bus.Publish(eventbus.NewEvent(eventbus.EventTaskDequeued, "engine", workflowID,
				state.ExecutionID, map[string]any{"priority": options.priority}))
			result := e.run(taskCtx, def, state, wctx)
			if !result.Success && result.Error != "" {
				return fmt.Errorf("execution %s: %s", state.ExecutionID, result.Error)
			}
			return nil
		},
	}
	if err := e.pool.Submit(task); err != nil {
		// Roll the orphaned PENDING record back so status queries don't show
		// an execution that will never run.
		_ = e.store.DeleteState(ctx, state.ExecutionID)
		return "", err
	}

	e.bus.Publish(eventbus.NewEvent(eventbus.EventTaskEnqueued, "engine", workflowID,
		state.ExecutionID, map[string]any{"priority": options.priority}))
	return state.ExecutionID, nil
}

// GetWorkflowStatus returns the persisted state of one execution.
func (e *Engine) GetWorkflowStatus(ctx context.Context, executionID string) (*types.WorkflowState, error) {
	return e.store.GetState(ctx, executionID)
}

// Cancel requests cooperative cancellation of one execution. Running steps
// finish their in-flight attempt; no new step starts afterwards. Cancelling a
// PENDING queued execution withdraws it; cancelling a terminal one fails.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.runMu.Lock()
	cancel, ok := e.running[executionID]
	e.runMu.Unlock()
	if ok {
		cancel()
		return nil
	}

	state, err := e.store.GetState(ctx, executionID)
	if err != nil {
		return err
	}
	if state.Status != types.StatusPending {
		return types.NewError(types.ErrCancelled,
			fmt.Sprintf("execution %s is %s and cannot be cancelled", executionID, state.Status))
	}

	state.Status = types.StatusCancelled
	now := time.Now()
	state.UpdatedAt = now
	state.FinishedAt = now
	if err := e.store.SaveState(ctx, state); err != nil {
		return err
	}
	e.bus.Publish(eventbus.NewEvent(eventbus.EventWorkflowCancelled, "engine",
		state.WorkflowID, executionID, nil))
	return nil
}

// Shutdown stops intake, drains the async queue, and releases resources.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	err := e.pool.Shutdown(ctx)
	e.bus.Stop()
	if cerr := e.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if serr := e.store.Close(); serr != nil && err == nil {
		err = serr
	}
	e.logger.Info("engine shut down")
	return err
}

// prepare resolves the definition and persists the initial PENDING state.
func (e *Engine) prepare(ctx context.Context, workflowID string, input map[string]any, opts ...ExecOption) (*workflow.Definition, *types.WorkflowState, *types.WorkflowContext, error) {
	if e.closed.Load() {
		return nil, nil, nil, types.NewError(types.ErrInternal, "engine is shut down")
	}
	def, err := e.Workflow(workflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	// Unregistered capabilities are programmer errors and fail fast, before
	// any state exists for the execution.
	for _, step := range def.Steps() {
		if !e.registry.Has(step.Capability) {
			return nil, nil, nil, types.NewError(types.ErrAgentNotFound,
				fmt.Sprintf("step %q needs unregistered capability %q", step.ID, step.Capability))
		}
	}

	options := &execOptions{timeout: e.config.DefaultWorkflowTimeout}
	for _, opt := range opts {
		opt(options)
	}

	wctx := types.NewWorkflowContext()
	if options.userID != "" || options.sessionID != "" {
		wctx = wctx.WithUser(options.userID, options.sessionID)
	}
	if options.timeout > 0 {
		wctx = wctx.WithDeadline(time.Now().Add(options.timeout))
	}

	state := types.NewWorkflowState(workflowID, wctx)
	for k, v := range input {
		state.SharedData[k] = v
	}

	if err := e.store.SaveState(ctx, state); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to persist initial state: %w", err)
	}
	return def, state, wctx, nil
}

func (e *Engine) publishBreakerChange(change circuitbreaker.StateChange) {
	e.bus.Publish(eventbus.NewEvent(eventbus.EventBreakerChange, "circuit_breaker",
		change.Capability, "", map[string]any{
			"old_state": change.OldState.String(),
			"new_state": change.NewState.String(),
			"failures":  change.Failures,
			"reason":    change.Reason,
		}))
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/queryloom/loom/eventbus"
	"github.com/queryloom/loom/registry"
	"github.com/queryloom/loom/types"
	"github.com/queryloom/loom/workflow"
)

// execution bundles the mutable pieces of one run. The mutex serializes
// state access in parallel mode; sequential mode pays for it once per step.
type execution struct {
	engine *Engine
	def    *workflow.Definition
	state  *types.WorkflowState
	wctx   *types.WorkflowContext
	ctx    context.Context
	logger *zap.Logger
	mu     sync.Mutex
}

// run drives one execution to a terminal state and builds its result.
func (e *Engine) run(ctx context.Context, def *workflow.Definition, state *types.WorkflowState, wctx *types.WorkflowContext) *types.WorkflowResult {
	var runCtx context.Context
	var cancel context.CancelFunc
	if wctx.Deadline.IsZero() {
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx, cancel = context.WithDeadline(ctx, wctx.Deadline)
	}
	defer cancel()

	e.runMu.Lock()
	e.running[state.ExecutionID] = cancel
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		delete(e.running, state.ExecutionID)
		e.runMu.Unlock()
	}()

	x := &execution{
		engine: e,
		def:    def,
		state:  state,
		wctx:   wctx,
		ctx:    runCtx,
		logger: e.logger.With(
			zap.String("workflow_id", def.ID()),
			zap.String("execution_id", state.ExecutionID),
		),
	}

	x.setStatus(types.StatusRunning, "")
	x.publishWorkflow(eventbus.EventWorkflowStarted, nil)
	x.logger.Info("workflow started", zap.String("mode", string(def.Mode())))

	var status types.WorkflowStatus
	var errMsg string
	switch def.Mode() {
	case workflow.ModeParallel:
		status, errMsg = x.runParallel()
	case workflow.ModeConditional:
		status, errMsg = x.runSequential(true)
	default:
		status, errMsg = x.runSequential(false)
	}

	x.setStatus(status, errMsg)
	x.publishWorkflow(terminalEvent(status), map[string]any{"error": errMsg})
	x.logger.Info("workflow finished",
		zap.String("status", string(status)),
		zap.Int("steps_recorded", len(state.CompletedSteps)),
	)
	return x.buildResult(status, errMsg)
}

// runSequential executes steps in topological order, one at a time. In
// conditional mode each step's predicate is evaluated against the data
// accumulated so far.
func (x *execution) runSequential(conditional bool) (types.WorkflowStatus, string) {
	order, err := x.def.ExecutionOrder()
	if err != nil {
		return types.StatusFailed, err.Error()
	}

	for _, stepID := range order {
		if status, msg, stop := x.interrupted(); stop {
			return status, msg
		}
		step, _ := x.def.Step(stepID)

		if conditional && step.Condition != nil {
			ok, err := step.Condition.Evaluate(x.dataSnapshot())
			if err != nil {
				return types.StatusFailed,
					fmt.Sprintf("condition of step %q failed to evaluate: %v", step.ID, err)
			}
			if !ok {
				x.recordSkip(step)
				continue
			}
		}

		result, err := x.runStep(x.ctx, step)
		x.record(result)
		if err != nil {
			if status, msg, stop := x.classify(err); stop {
				return status, msg
			}
			return types.StatusFailed,
				fmt.Sprintf("step %q failed: %s", step.ID, result.Error)
		}
	}
	return types.StatusCompleted, ""
}

// runParallel executes dependency layers as concurrent batches. A merge step
// never starts before all of its parents have a recorded result, because it
// sits in a later layer.
func (x *execution) runParallel() (types.WorkflowStatus, string) {
	layers, err := x.def.Layers()
	if err != nil {
		return types.StatusFailed, err.Error()
	}

	for _, layer := range layers {
		if status, msg, stop := x.interrupted(); stop {
			return status, msg
		}

		g, gctx := errgroup.WithContext(x.ctx)
		for _, stepID := range layer {
			step, _ := x.def.Step(stepID)
			g.Go(func() error {
				result, err := x.runStep(gctx, step)
				x.record(result)
				if err != nil {
					return fmt.Errorf("step %q failed: %w", step.ID, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if status, msg, stop := x.classify(err); stop {
				return status, msg
			}
			return types.StatusFailed, err.Error()
		}
	}
	return types.StatusCompleted, ""
}

// runStep invokes one step through the capability pipeline and applies the
// fallback when the step allows it. A nil error means the workflow continues.
func (x *execution) runStep(ctx context.Context, step *workflow.Step) (*types.AgentResult, error) {
	x.mu.Lock()
	x.state.CurrentStep = step.ID
	x.mu.Unlock()

	x.publishStep(eventbus.EventStepStarted, step, nil)

	result, err := x.engine.executor.Execute(ctx, registry.Invocation{
		StepID:         step.ID,
		Capability:     step.Capability,
		Payload:        x.dataSnapshot(),
		Timeout:        step.Timeout,
		MaxRetries:     step.RetryCount,
		RetryDelay:     step.RetryDelay,
		CircuitBreaker: step.CircuitBreaker,
		CacheKey:       step.CacheKey,
	}, x.wctx)

	if err == nil {
		if result.Cached {
			x.publishStep(eventbus.EventStepCacheHit, step, map[string]any{"cache_key": step.CacheKey})
		}
		x.publishStep(eventbus.EventStepCompleted, step, map[string]any{"attempts": result.Attempts})
		return result, nil
	}

	// Interruptions are never absorbed by a fallback.
	if _, _, stop := x.classify(err); stop {
		return result, err
	}

	if step.Fallback {
		x.logger.Warn("step degraded to fallback",
			zap.String("step_id", step.ID),
			zap.Int("attempts", result.Attempts),
			zap.Error(err),
		)
		x.publishStep(eventbus.EventStepFallback, step, map[string]any{"error": err.Error()})
		// The degraded result keeps the failure visible (success=false) while
		// letting the workflow continue.
		return &types.AgentResult{
			StepID:        step.ID,
			Capability:    step.Capability,
			FallbackUsed:  true,
			Output:        step.FallbackOutput,
			Error:         err.Error(),
			Attempts:      result.Attempts,
			ExecutionTime: result.ExecutionTime,
		}, nil
	}

	x.publishStep(eventbus.EventStepFailed, step, map[string]any{
		"error":    err.Error(),
		"attempts": result.Attempts,
	})
	return result, err
}

// record persists a step outcome. Every recorded result is saved before the
// next step can become eligible.
func (x *execution) record(result *types.AgentResult) {
	if result == nil {
		return
	}
	x.mu.Lock()
	x.state.RecordResult(result)
	x.state.CurrentStep = ""
	x.mu.Unlock()
	x.save()
}

func (x *execution) recordSkip(step *workflow.Step) {
	x.publishStep(eventbus.EventStepSkipped, step, nil)
	x.record(&types.AgentResult{
		StepID:     step.ID,
		Capability: step.Capability,
		Skipped:    true,
	})
}

// dataSnapshot copies the accumulated shared data so agents never see (or
// mutate) the live map.
func (x *execution) dataSnapshot() map[string]any {
	x.mu.Lock()
	defer x.mu.Unlock()
	snapshot := make(map[string]any, len(x.state.SharedData))
	for k, v := range x.state.SharedData {
		snapshot[k] = v
	}
	return snapshot
}

// interrupted checks the run context between steps.
func (x *execution) interrupted() (types.WorkflowStatus, string, bool) {
	switch {
	case x.ctx.Err() == nil:
		return "", "", false
	case errors.Is(x.ctx.Err(), context.DeadlineExceeded):
		return types.StatusTimeout, "workflow deadline exceeded", true
	default:
		return types.StatusCancelled, "workflow cancelled", true
	}
}

// classify maps a step error to a terminal status when it was caused by an
// interruption rather than by the step itself.
func (x *execution) classify(err error) (types.WorkflowStatus, string, bool) {
	switch {
	case err == nil:
		return "", "", false
	// Cancellation of the run context wins over any deadline error still in
	// flight from the step, so a cancelled workflow is never reported TIMEOUT.
	case errors.Is(x.ctx.Err(), context.Canceled):
		return types.StatusCancelled, "workflow cancelled", true
	case errors.Is(x.ctx.Err(), context.DeadlineExceeded):
		return types.StatusTimeout, "workflow deadline exceeded", true
	case errors.Is(err, context.Canceled),
		types.GetErrorCode(err) == types.ErrCancelled:
		return types.StatusCancelled, "workflow cancelled", true
	default:
		return "", "", false
	}
}

// setStatus transitions the state machine and persists the change. Illegal
// transitions are logged and dropped; terminal states stay immutable.
func (x *execution) setStatus(status types.WorkflowStatus, errMsg string) {
	x.mu.Lock()
	if !x.state.Status.CanTransition(status) {
		x.mu.Unlock()
		x.logger.Warn("illegal status transition dropped",
			zap.String("from", string(x.state.Status)),
			zap.String("to", string(status)),
		)
		return
	}
	x.state.Status = status
	x.state.Error = errMsg
	now := time.Now()
	x.state.UpdatedAt = now
	if status.Terminal() {
		x.state.FinishedAt = now
		x.state.CurrentStep = ""
	}
	x.mu.Unlock()
	x.save()
}

// save persists the current state. Persistence failures are logged, not
// fatal: the run continues on in-memory state.
func (x *execution) save() {
	x.mu.Lock()
	snapshot := x.state.Clone()
	x.mu.Unlock()
	if err := x.engine.store.SaveState(context.WithoutCancel(x.ctx), snapshot); err != nil {
		x.logger.Error("failed to persist workflow state", zap.Error(err))
	}
}

func (x *execution) publishWorkflow(eventType eventbus.EventType, payload map[string]any) {
	x.engine.bus.Publish(eventbus.NewEvent(eventType, "engine", x.def.ID(),
		x.state.ExecutionID, payload))
}

func (x *execution) publishStep(eventType eventbus.EventType, step *workflow.Step, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["capability"] = step.Capability
	x.engine.bus.Publish(eventbus.NewEvent(eventType, "engine", step.ID,
		x.state.ExecutionID, payload))
}

func terminalEvent(status types.WorkflowStatus) eventbus.EventType {
	switch status {
	case types.StatusCompleted:
		return eventbus.EventWorkflowCompleted
	case types.StatusTimeout:
		return eventbus.EventWorkflowTimeout
	case types.StatusCancelled:
		return eventbus.EventWorkflowCancelled
	default:
		return eventbus.EventWorkflowFailed
	}
}

// buildResult folds the finished state into the caller-facing result.
func (x *execution) buildResult(status types.WorkflowStatus, errMsg string) *types.WorkflowResult {
	x.mu.Lock()
	state := x.state.Clone()
	x.mu.Unlock()

	result := &types.WorkflowResult{
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Status:      status,
		StepResults: state.StepResults,
		Error:       errMsg,
	}
	if !state.FinishedAt.IsZero() {
		result.ExecutionTimeMS = state.FinishedAt.Sub(state.CreatedAt).Milliseconds()
	}

	usage := &types.Usage{}
	for _, stepID := range state.CompletedSteps {
		sr := state.StepResults[stepID]
		switch {
		case sr.Skipped:
			result.SkippedSteps = append(result.SkippedSteps, stepID)
		case !sr.Success || sr.FallbackUsed:
			result.FailedSteps = append(result.FailedSteps, stepID)
		default:
			result.SuccessfulSteps = append(result.SuccessfulSteps, stepID)
		}
		usage.Add(sr.Usage)
	}
	if *usage != (types.Usage{}) {
		result.Usage = usage
	}

	if status == types.StatusCompleted {
		result.FinalResult = x.def.Combiner()(state)
		result.Success = x.evaluateSuccess(result)
	}
	return result
}

// evaluateSuccess applies the engine's success policy to a COMPLETED run.
func (x *execution) evaluateSuccess(result *types.WorkflowResult) bool {
	policy := x.engine.config.SuccessPolicy
	if policy.RequireAll {
		return len(result.FailedSteps) == 0 && len(result.SuccessfulSteps) > 0
	}
	return len(result.SuccessfulSteps) >= policy.MinSuccesses
}

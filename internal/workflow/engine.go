package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine runs queued executions: it walks the workflow's steps in order,
// grouping contiguous steps that share a branch into tiers whose
// is_parallel steps fan out together, applying per-step conditions,
// branch gating, retries and timeouts, and records every attempt as an
// immutable step log row.
type Engine struct {
	store     Store
	registry  *Registry
	evaluator *ConditionEvaluator
	notifier  *Notifier
	observer  Observer
	logger    *zap.Logger
	clock     Clock

	stepTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

type EngineParams struct {
	Store       Store
	Registry    *Registry
	Evaluator   *ConditionEvaluator
	Notifier    *Notifier
	Observer    Observer
	Logger      *zap.Logger
	Clock       Clock
	StepTimeout time.Duration
}

func NewEngine(p EngineParams) *Engine {
	if p.Clock == nil {
		p.Clock = SystemClock
	}
	if p.Observer == nil {
		p.Observer = NopObserver{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Evaluator == nil {
		p.Evaluator = NewConditionEvaluator(p.Clock)
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = 30 * time.Second
	}
	return &Engine{
		store:       p.Store,
		registry:    p.Registry,
		evaluator:   p.Evaluator,
		notifier:    p.Notifier,
		observer:    p.Observer,
		logger:      p.Logger,
		clock:       p.Clock,
		stepTimeout: p.StepTimeout,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// tier is a set of steps that run together. Contiguous steps sharing a
// non-empty branch id form one tier; every other step is its own tier.
type tier struct {
	steps []Step
}

func buildTiers(steps []Step) []tier {
	var tiers []tier
	for i := 0; i < len(steps); {
		step := steps[i]
		if step.BranchID == "" {
			tiers = append(tiers, tier{steps: []Step{step}})
			i++
			continue
		}
		j := i + 1
		for j < len(steps) && steps[j].BranchID == step.BranchID {
			j++
		}
		tiers = append(tiers, tier{steps: steps[i:j]})
		i = j
	}
	return tiers
}

// Execute runs one execution to a terminal status. It is safe to call
// from multiple workers as long as each execution id is dispatched to
// exactly one of them.
func (e *Engine) Execute(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return nil
	}
	if exec.CancelRequested {
		return e.finish(ctx, exec, ExecutionCancelled, "cancelled before start")
	}

	w, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", exec.WorkflowID, err)
	}
	steps, err := e.store.ListSteps(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	now := e.clock.Now()
	exec.Status = ExecutionRunning
	exec.StartedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	e.observer.ExecutionStarted(exec.TriggerType)
	e.notifier.ExecutionEvent(exec, "execution.started", w.Name)
	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", w.ID),
		zap.Int("steps", len(steps)))

	run := &runState{
		exec:         exec,
		actor:        Actor{UserID: exec.TriggeredBy},
		contextData:  exec.ContextData,
		skipBranches: make(map[string]bool),
	}
	if run.contextData == nil {
		run.contextData = Context{}
	}
	if _, ok := run.contextData["step_outputs"].(map[string]any); !ok {
		run.contextData["step_outputs"] = map[string]any{}
	}

	status := ExecutionCompleted
	note := ""

	tiers := buildTiers(steps)
	for i, t := range tiers {
		// A cancel request lands between tiers, never mid-step.
		if cancelled, err := e.cancelRequested(ctx, exec.ID); err != nil {
			e.logger.Warn("cancel check failed", zap.Error(err))
		} else if cancelled {
			e.skipTiers(ctx, run, tiers[i:], "execution cancelled")
			status = ExecutionCancelled
			note = "cancel requested"
			break
		}

		if tierErr := e.runTier(ctx, run, t.steps); tierErr != nil {
			e.skipTiers(ctx, run, tiers[i+1:], "aborted after step failure")
			status = ExecutionFailed
			note = tierErr.Error()
			break
		}
	}

	return e.finish(ctx, run.exec, status, note)
}

// runTier runs the steps of one tier. Only steps flagged is_parallel
// fan out together; the rest run one at a time in step order. Parallel
// siblings each reach their own terminal status before the tier
// reports the first error, so a failing sibling never cuts the others
// short.
func (e *Engine) runTier(ctx context.Context, run *runState, steps []Step) error {
	var sequential, parallel []Step
	for _, step := range steps {
		if step.IsParallel {
			parallel = append(parallel, step)
		} else {
			sequential = append(sequential, step)
		}
	}
	for i, step := range sequential {
		if err := e.runStep(ctx, run, step); err != nil {
			e.skipSteps(ctx, run, sequential[i+1:], "aborted after step failure")
			e.skipSteps(ctx, run, parallel, "aborted after step failure")
			return err
		}
	}
	switch len(parallel) {
	case 0:
		return nil
	case 1:
		return e.runStep(ctx, run, parallel[0])
	}
	var g errgroup.Group
	for _, step := range parallel {
		step := step
		g.Go(func() error { return e.runStep(ctx, run, step) })
	}
	return g.Wait()
}

// runState is shared by steps within a parallel tier.
type runState struct {
	exec        *Execution
	actor       Actor
	contextData Context

	mu           sync.Mutex
	skipBranches map[string]bool
}

func (r *runState) branchSkipped(branchID string) bool {
	if branchID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipBranches[branchID]
}

func (r *runState) skipBranch(branchID string) {
	if branchID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipBranches[branchID] = true
}

func (r *runState) recordOutput(stepID string, output map[string]any) {
	if len(output) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if outputs, ok := r.contextData["step_outputs"].(map[string]any); ok {
		outputs[stepID] = output
	}
}

// snapshot hands out a deep copy of the context, so a parallel sibling
// recording its output never races a goroutine that is reading, and
// each step log keeps the input exactly as the attempt saw it.
func (r *runState) snapshot() Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneJSON(r.contextData)
}

// runStep runs one step through its retry attempts. A nil return means the
// execution may proceed; completed, skipped and forgiven failures all
// return nil.
func (e *Engine) runStep(ctx context.Context, run *runState, step Step) error {
	if run.branchSkipped(step.BranchID) {
		e.logSkip(ctx, run, step, "branch not taken")
		return nil
	}
	if !e.evaluator.Evaluate(step.Conditions, run.snapshot(), run.actor) {
		e.logSkip(ctx, run, step, "conditions not met")
		return nil
	}
	if step.ActionType == ActionCondition {
		return e.runConditionStep(ctx, run, step)
	}

	executor, err := e.registry.Lookup(step.ActionType)
	if err != nil {
		e.logFailure(ctx, run, step, 0, err)
		if step.ContinueOnError {
			return nil
		}
		return fmt.Errorf("step %s: %w", step.Name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= step.RetryCount; attempt++ {
		if attempt > 0 {
			e.observer.StepRetried(step.ActionType)
			if err := e.sleep(ctx, time.Duration(step.RetryDelaySeconds)*time.Second); err != nil {
				lastErr = err
				break
			}
		}
		output, err := e.attempt(ctx, run, step, attempt, executor)
		if err == nil {
			run.recordOutput(step.ID, output)
			run.bumpCompleted()
			return nil
		}
		lastErr = err
		if IsConfigurationError(err) {
			break
		}
	}

	run.bumpFailed()
	if step.ContinueOnError {
		e.logger.Warn("step failed, continuing",
			zap.String("execution_id", run.exec.ID),
			zap.String("step", step.Name),
			zap.Error(lastErr))
		return nil
	}
	return fmt.Errorf("step %s: %w", step.Name, lastErr)
}

// attempt runs one try of one step, recording it as its own log row.
func (e *Engine) attempt(ctx context.Context, run *runState, step Step, attempt int, executor StepExecutor) (map[string]any, error) {
	input := run.snapshot()
	started := e.clock.Now()
	logRow := &StepLog{
		ID:           newID("slog"),
		ExecutionID:  run.exec.ID,
		StepID:       step.ID,
		Status:       StepRunning,
		InputData:    input,
		RetryAttempt: attempt,
		StartedAt:    &started,
		CreatedAt:    started,
	}
	if err := e.store.CreateStepLog(ctx, logRow); err != nil {
		e.logger.Warn("create step log failed", zap.Error(err))
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	output, err := executor.Execute(stepCtx, step.ActionConfig, input)
	cancel()

	completed := e.clock.Now()
	duration := completed.Sub(started)
	ms := duration.Milliseconds()
	logRow.CompletedAt = &completed
	logRow.DurationMs = &ms
	if err != nil {
		logRow.Status = StepFailed
		logRow.ErrorMessage = err.Error()
	} else {
		logRow.Status = StepCompleted
		logRow.OutputData = output
	}
	if uerr := e.store.UpdateStepLog(ctx, logRow); uerr != nil {
		e.logger.Warn("update step log failed", zap.Error(uerr))
	}
	e.observer.StepFinished(step.ActionType, logRow.Status, duration)
	e.notifier.StepEvent(run.exec, logRow, step.Name, step.ActionType, "step."+string(logRow.Status))
	return output, err
}

// runConditionStep evaluates the step's conditions and disables the
// branch named by on_false (when true) or on_true (when false). The
// evaluation result lands in step_outputs so later conditions can read
// it.
func (e *Engine) runConditionStep(ctx context.Context, run *runState, step Step) error {
	started := e.clock.Now()
	result := e.evaluator.Evaluate(conditionStepSet(step), run.snapshot(), run.actor)

	onTrue, _ := step.ActionConfig["on_true"].(string)
	onFalse, _ := step.ActionConfig["on_false"].(string)
	if result {
		run.skipBranch(onFalse)
	} else {
		run.skipBranch(onTrue)
	}
	run.recordOutput(step.ID, map[string]any{"result": result})
	run.bumpCompleted()

	completed := e.clock.Now()
	ms := completed.Sub(started).Milliseconds()
	logRow := &StepLog{
		ID:          newID("slog"),
		ExecutionID: run.exec.ID,
		StepID:      step.ID,
		Status:      StepCompleted,
		OutputData:  map[string]any{"result": result},
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMs:  &ms,
		CreatedAt:   started,
	}
	if err := e.store.CreateStepLog(ctx, logRow); err != nil {
		e.logger.Warn("create step log failed", zap.Error(err))
	}
	e.observer.StepFinished(step.ActionType, StepCompleted, completed.Sub(started))
	return nil
}

// conditionStepSet prefers conditions embedded in action_config, falling
// back to the step's own condition set.
func conditionStepSet(step Step) *ConditionSet {
	raw, ok := step.ActionConfig["conditions"]
	if !ok {
		return step.Conditions
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return step.Conditions
	}
	var set ConditionSet
	if err := set.UnmarshalJSON(b); err != nil {
		return step.Conditions
	}
	return &set
}

func (e *Engine) logSkip(ctx context.Context, run *runState, step Step, reason string) {
	now := e.clock.Now()
	logRow := &StepLog{
		ID:           newID("slog"),
		ExecutionID:  run.exec.ID,
		StepID:       step.ID,
		Status:       StepSkipped,
		ErrorMessage: reason,
		CreatedAt:    now,
	}
	if err := e.store.CreateStepLog(ctx, logRow); err != nil {
		e.logger.Warn("create step log failed", zap.Error(err))
	}
	run.bumpSkipped()
	e.observer.StepFinished(step.ActionType, StepSkipped, 0)
}

func (e *Engine) logFailure(ctx context.Context, run *runState, step Step, attempt int, err error) {
	now := e.clock.Now()
	logRow := &StepLog{
		ID:           newID("slog"),
		ExecutionID:  run.exec.ID,
		StepID:       step.ID,
		Status:       StepFailed,
		ErrorMessage: err.Error(),
		RetryAttempt: attempt,
		CreatedAt:    now,
	}
	if cerr := e.store.CreateStepLog(ctx, logRow); cerr != nil {
		e.logger.Warn("create step log failed", zap.Error(cerr))
	}
	run.bumpFailed()
	e.observer.StepFinished(step.ActionType, StepFailed, 0)
}

func (e *Engine) skipSteps(ctx context.Context, run *runState, steps []Step, reason string) {
	for _, step := range steps {
		e.logSkip(ctx, run, step, reason)
	}
}

func (e *Engine) skipTiers(ctx context.Context, run *runState, tiers []tier, reason string) {
	for _, t := range tiers {
		e.skipSteps(ctx, run, t.steps, reason)
	}
}

func (r *runState) bumpCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.StepsCompleted++
}

func (r *runState) bumpFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.StepsFailed++
}

func (r *runState) bumpSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.StepsSkipped++
}

func (e *Engine) cancelRequested(ctx context.Context, executionID string) (bool, error) {
	fresh, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	return fresh.CancelRequested, nil
}

func (e *Engine) finish(ctx context.Context, exec *Execution, status ExecutionStatus, note string) error {
	now := e.clock.Now()
	exec.Status = status
	exec.CompletedAt = &now
	if status == ExecutionFailed {
		exec.ErrorMessage = note
	}
	var duration time.Duration
	if exec.StartedAt != nil {
		duration = now.Sub(*exec.StartedAt)
		ms := duration.Milliseconds()
		exec.DurationMs = &ms
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if err := e.store.RecordWorkflowResult(ctx, exec.WorkflowID, status, now); err != nil {
		e.logger.Warn("record workflow result failed", zap.Error(err))
	}
	e.observer.ExecutionFinished(status, duration)
	e.notifier.ExecutionEvent(exec, "execution."+string(status), note)
	e.logger.Info("execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(status)),
		zap.Int("completed", exec.StepsCompleted),
		zap.Int("failed", exec.StepsFailed),
		zap.Int("skipped", exec.StepsSkipped))
	return nil
}

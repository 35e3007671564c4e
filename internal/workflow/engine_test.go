package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	mu     sync.Mutex
	calls  int
	fail   int // fail this many leading attempts
	err    error
	output map[string]any
}

func (e *recordingExecutor) Execute(_ context.Context, _ map[string]any, _ Context) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.fail {
		if e.err != nil {
			return nil, e.err
		}
		return nil, errors.New("boom")
	}
	return e.output, nil
}

func (e *recordingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type engineHarness struct {
	store  *MemoryStore
	engine *Engine
	exec   *recordingExecutor
}

func newEngineHarness(t *testing.T, steps []Step) *engineHarness {
	t.Helper()
	store := NewMemoryStore()
	registry := NewRegistry()
	exec := &recordingExecutor{output: map[string]any{"done": true}}
	registry.Register(ActionWebhook, exec)

	engine := NewEngine(EngineParams{
		Store:    store,
		Registry: registry,
		Clock:    FixedClock{T: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)},
	})
	engine.sleep = func(context.Context, time.Duration) error { return nil }

	ctx := context.Background()
	w := &Workflow{ID: "wf1", Name: "test", IsActive: true, TriggerType: TriggerRecordCreated}
	require.NoError(t, store.CreateWorkflow(ctx, w))
	for i := range steps {
		steps[i].WorkflowID = "wf1"
		if steps[i].ID == "" {
			steps[i].ID = newID("step")
		}
	}
	require.NoError(t, store.ReplaceSteps(ctx, "wf1", steps))
	return &engineHarness{store: store, engine: engine, exec: exec}
}

func (h *engineHarness) newExecution(t *testing.T) *Execution {
	t.Helper()
	exec := &Execution{
		ID:          newID("exec"),
		WorkflowID:  "wf1",
		TriggerType: TriggerRecordCreated,
		Status:      ExecutionQueued,
		ContextData: Context{"record": map[string]any{"stage": "won"}, "record_id": "r1"},
		CreatedAt:   time.Now(),
	}
	require.NoError(t, h.store.CreateExecution(context.Background(), exec))
	return exec
}

func TestEngineHappyPath(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "first", ActionType: ActionWebhook},
		{Order: 2, Name: "second", ActionType: ActionWebhook},
	})
	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 2, final.StepsCompleted)
	assert.NotNil(t, final.CompletedAt)
	assert.NotNil(t, final.DurationMs)

	logs, err := h.store.ListStepLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, StepCompleted, l.Status)
	}

	w, _ := h.store.GetWorkflow(context.Background(), "wf1")
	assert.Equal(t, 1, w.ExecutionCount)
	assert.Equal(t, 1, w.SuccessCount)
}

func TestEngineRetriesProduceOneLogRowPerAttempt(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "flaky", ActionType: ActionWebhook, RetryCount: 2},
	})
	h.exec.fail = 2 // first two attempts fail, third succeeds

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 3, h.exec.callCount())

	logs, _ := h.store.ListStepLogs(context.Background(), exec.ID)
	require.Len(t, logs, 3)
	attempts := map[int]StepStatus{}
	for _, l := range logs {
		attempts[l.RetryAttempt] = l.Status
	}
	assert.Equal(t, StepFailed, attempts[0])
	assert.Equal(t, StepFailed, attempts[1])
	assert.Equal(t, StepCompleted, attempts[2])
}

func TestEngineExhaustedRetriesFailExecution(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "doomed", ActionType: ActionWebhook, RetryCount: 1},
	})
	h.exec.fail = 10

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "doomed")
	assert.Equal(t, 2, h.exec.callCount(), "initial attempt plus one retry")

	w, _ := h.store.GetWorkflow(context.Background(), "wf1")
	assert.Equal(t, 1, w.FailureCount)
}

func TestEngineConfigurationErrorSkipsRetries(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "misconfigured", ActionType: ActionWebhook, RetryCount: 5},
	})
	h.exec.fail = 10
	h.exec.err = NewConfigurationError("url", "is required")

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionFailed, final.Status)
	assert.Equal(t, 1, h.exec.callCount(), "configuration errors never retry")
}

func TestEngineContinueOnError(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "tolerated", ActionType: ActionWebhook, ContinueOnError: true},
		{Order: 2, Name: "after", ActionType: ActionWebhook},
	})
	h.exec.fail = 1

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 1, final.StepsCompleted)
	assert.Equal(t, 1, final.StepsFailed)
}

func TestEngineStepConditionsSkip(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "skipped", ActionType: ActionWebhook, Conditions: &ConditionSet{
			Logic: "and",
			Groups: []ConditionGroup{{Conditions: []Condition{
				{Field: "record.stage", Operator: "equals", Value: "lost"},
			}}},
		}},
		{Order: 2, Name: "runs", ActionType: ActionWebhook},
	})

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 1, final.StepsCompleted)
	assert.Equal(t, 1, final.StepsSkipped)
	assert.Equal(t, 1, h.exec.callCount())
}

func TestEngineConditionStepBranching(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "gate", ActionType: ActionCondition, ActionConfig: map[string]any{
			"conditions": []any{map[string]any{"field": "record.stage", "operator": "equals", "value": "won"}},
			"on_true":    "win",
			"on_false":   "lose",
		}},
		{Order: 2, Name: "win path", ActionType: ActionWebhook, BranchID: "win"},
		{Order: 3, Name: "lose path", ActionType: ActionWebhook, BranchID: "lose"},
	})

	exec := h.newExecution(t) // record.stage = "won"
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 2, final.StepsCompleted, "gate and win path")
	assert.Equal(t, 1, final.StepsSkipped, "lose path")
	assert.Equal(t, 1, h.exec.callCount())
}

func TestEngineParallelTier(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "a", ActionType: ActionWebhook, BranchID: "fanout", IsParallel: true},
		{Order: 2, Name: "b", ActionType: ActionWebhook, BranchID: "fanout", IsParallel: true},
		{Order: 3, Name: "c", ActionType: ActionWebhook, BranchID: "fanout", IsParallel: true},
		{Order: 4, Name: "after", ActionType: ActionWebhook},
	})

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 4, final.StepsCompleted)
	assert.Equal(t, 4, h.exec.callCount())
}

func TestEngineFailureSkipsRemainingSteps(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "breaks", ActionType: ActionWebhook},
		{Order: 2, Name: "never runs", ActionType: ActionWebhook},
		{Order: 3, Name: "also never runs", ActionType: ActionWebhook},
	})
	h.exec.fail = 10

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionFailed, final.Status)
	assert.Equal(t, 1, final.StepsFailed)
	assert.Equal(t, 2, final.StepsSkipped, "steps after the failure are marked skipped")
	assert.Equal(t, 1, h.exec.callCount())

	logs, _ := h.store.ListStepLogs(context.Background(), exec.ID)
	skipped := 0
	for _, l := range logs {
		if l.Status == StepSkipped {
			skipped++
			assert.Equal(t, "aborted after step failure", l.ErrorMessage)
		}
	}
	assert.Equal(t, 2, skipped)
}

func TestEngineNonParallelTierRunsInOrder(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "first", ActionType: ActionWebhook, BranchID: "batch",
			ActionConfig: map[string]any{"tag": "first"}},
		{Order: 2, Name: "second", ActionType: ActionWebhook, BranchID: "batch",
			ActionConfig: map[string]any{"tag": "second"}},
	})

	tracker := &concurrencyTrackingExecutor{}
	registry := NewRegistry()
	registry.Register(ActionWebhook, tracker)
	h.engine.registry = registry

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 2, final.StepsCompleted)
	assert.Equal(t, 1, tracker.maxActive(), "shared branch without is_parallel runs one at a time")
	assert.Equal(t, []string{"first", "second"}, tracker.order(), "step order is preserved")
}

type concurrencyTrackingExecutor struct {
	mu     sync.Mutex
	active int
	max    int
	names  []string
}

func (e *concurrencyTrackingExecutor) Execute(_ context.Context, cfg map[string]any, _ Context) (map[string]any, error) {
	e.mu.Lock()
	e.active++
	if e.active > e.max {
		e.max = e.active
	}
	if tag, ok := cfg["tag"].(string); ok {
		e.names = append(e.names, tag)
	}
	e.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	return nil, nil
}

func (e *concurrencyTrackingExecutor) maxActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max
}

func (e *concurrencyTrackingExecutor) order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.names
}

func TestEngineParallelSiblingFailureDoesNotCutOthersShort(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "fails fast", ActionType: ActionWebhook, BranchID: "fanout", IsParallel: true},
		{Order: 2, Name: "finishes anyway", ActionType: ActionSendEmail, BranchID: "fanout", IsParallel: true},
	})

	registry := NewRegistry()
	registry.Register(ActionWebhook, &recordingExecutor{fail: 10})
	slow := &contextCheckingExecutor{delay: 10 * time.Millisecond}
	registry.Register(ActionSendEmail, slow)
	h.engine.registry = registry

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionFailed, final.Status)
	assert.Equal(t, 1, final.StepsFailed)
	assert.Equal(t, 1, final.StepsCompleted, "sibling runs to its own terminal status")
	assert.False(t, slow.sawCancel(), "sibling context is not cancelled by the failure")
}

type contextCheckingExecutor struct {
	delay time.Duration

	mu        sync.Mutex
	cancelled bool
}

func (e *contextCheckingExecutor) Execute(ctx context.Context, _ map[string]any, _ Context) (map[string]any, error) {
	time.Sleep(e.delay)
	if ctx.Err() != nil {
		e.mu.Lock()
		e.cancelled = true
		e.mu.Unlock()
		return nil, ctx.Err()
	}
	return map[string]any{"sent": true}, nil
}

func (e *contextCheckingExecutor) sawCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func TestEngineStepsReceiveTheirOwnContextCopy(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "mutator", ActionType: ActionSendEmail},
		{Order: 2, Name: "still gated on won", ActionType: ActionWebhook, Conditions: &ConditionSet{
			Logic: "and",
			Groups: []ConditionGroup{{Conditions: []Condition{
				{Field: "record.stage", Operator: "equals", Value: "won"},
			}}},
		}},
	})

	registry := NewRegistry()
	registry.Register(ActionSendEmail, mutatingExecutor{})
	registry.Register(ActionWebhook, h.exec)
	h.engine.registry = registry

	exec := h.newExecution(t) // record.stage = "won"
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 2, final.StepsCompleted, "mutating the handed-in copy leaves the run context alone")
	assert.Equal(t, 1, h.exec.callCount())
}

type mutatingExecutor struct{}

func (mutatingExecutor) Execute(_ context.Context, _ map[string]any, input Context) (map[string]any, error) {
	if record, ok := input["record"].(map[string]any); ok {
		record["stage"] = "lost"
	}
	delete(input, "record_id")
	return nil, nil
}

func TestEngineCancelBetweenTiers(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{Order: 1, Name: "first", ActionType: ActionWebhook},
		{Order: 2, Name: "second", ActionType: ActionWebhook},
	})

	// Cancel as soon as the first step runs by flagging from the
	// executor side.
	store := h.store
	cancelling := &cancellingExecutor{store: store}
	registry := NewRegistry()
	registry.Register(ActionWebhook, cancelling)
	h.engine.registry = registry

	exec := h.newExecution(t)
	cancelling.executionID = exec.ID
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCancelled, final.Status)
	assert.Equal(t, 1, final.StepsCompleted)
	assert.Equal(t, 1, final.StepsSkipped)
	assert.Equal(t, 1, cancelling.calls)
}

func TestEngineCancelledRunIsNotAFailure(t *testing.T) {
	h := newEngineHarness(t, []Step{{Order: 1, Name: "x", ActionType: ActionWebhook}})
	exec := h.newExecution(t)
	exec.CancelRequested = true
	require.NoError(t, h.store.UpdateExecution(context.Background(), exec))

	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCancelled, final.Status)

	w, _ := h.store.GetWorkflow(context.Background(), "wf1")
	assert.Equal(t, 1, w.ExecutionCount, "a cancelled run still counts as a run")
	assert.Equal(t, 0, w.FailureCount)
	assert.Equal(t, 0, w.SuccessCount)
	assert.NotNil(t, w.LastRunAt)
}

type cancellingExecutor struct {
	store       Store
	executionID string
	calls       int
}

func (e *cancellingExecutor) Execute(ctx context.Context, _ map[string]any, _ Context) (map[string]any, error) {
	e.calls++
	exec, err := e.store.GetExecution(ctx, e.executionID)
	if err != nil {
		return nil, err
	}
	exec.CancelRequested = true
	return nil, e.store.UpdateExecution(ctx, exec)
}

func TestEngineStepOutputsFlowToContext(t *testing.T) {
	h := newEngineHarness(t, []Step{
		{ID: "step_one", Order: 1, Name: "produce", ActionType: ActionWebhook},
		{Order: 2, Name: "gate on output", ActionType: ActionCondition, ActionConfig: map[string]any{
			"conditions": []any{map[string]any{"field": "step_outputs.step_one.done", "operator": "is_true"}},
			"on_false":   "never",
		}},
	})

	exec := h.newExecution(t)
	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))

	final, _ := h.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, ExecutionCompleted, final.Status)
	assert.Equal(t, 2, final.StepsCompleted)
}

func TestEngineTerminalExecutionIsNoop(t *testing.T) {
	h := newEngineHarness(t, []Step{{Order: 1, Name: "x", ActionType: ActionWebhook}})
	exec := h.newExecution(t)
	exec.Status = ExecutionCompleted
	require.NoError(t, h.store.UpdateExecution(context.Background(), exec))

	require.NoError(t, h.engine.Execute(context.Background(), exec.ID))
	assert.Equal(t, 0, h.exec.callCount())
}

func TestBuildTiers(t *testing.T) {
	steps := []Step{
		{Order: 1, Name: "a"},
		{Order: 2, Name: "b", BranchID: "x"},
		{Order: 3, Name: "c", BranchID: "x"},
		{Order: 4, Name: "d"},
		{Order: 5, Name: "e", BranchID: "y"},
	}
	tiers := buildTiers(steps)
	require.Len(t, tiers, 4)
	assert.Len(t, tiers[0].steps, 1)
	assert.Len(t, tiers[1].steps, 2)
	assert.Len(t, tiers[2].steps, 1)
	assert.Len(t, tiers[3].steps, 1)
}

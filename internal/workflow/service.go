package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Service owns the authoring operations and the trigger pipeline. Every
// execution enters through admit, which applies the gates in a fixed
// order: daily cap first, then the run-once ledger, with the daily slot
// claimed atomically only once every gate has passed.
type Service struct {
	store     Store
	queue     Queue
	matcher   *Matcher
	evaluator *ConditionEvaluator
	limiter   RateLimiter
	versioner *Versioner
	notifier  *Notifier
	observer  Observer
	logger    *zap.Logger
	clock     Clock

	webhookTolerance time.Duration
}

type ServiceParams struct {
	Store            Store
	Queue            Queue
	Limiter          RateLimiter
	Notifier         *Notifier
	Observer         Observer
	Logger           *zap.Logger
	Clock            Clock
	WebhookTolerance time.Duration
}

func NewService(p ServiceParams) *Service {
	if p.Clock == nil {
		p.Clock = SystemClock
	}
	if p.Observer == nil {
		p.Observer = NopObserver{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Limiter == nil {
		p.Limiter = NewStoreRateLimiter(p.Store, p.Clock)
	}
	if p.WebhookTolerance <= 0 {
		p.WebhookTolerance = 5 * time.Minute
	}
	return &Service{
		store:            p.Store,
		queue:            p.Queue,
		matcher:          NewMatcher(),
		evaluator:        NewConditionEvaluator(p.Clock),
		limiter:          p.Limiter,
		versioner:        NewVersioner(p.Store, p.Clock),
		notifier:         p.Notifier,
		observer:         p.Observer,
		logger:           p.Logger,
		clock:            p.Clock,
		webhookTolerance: p.WebhookTolerance,
	}
}

// --- authoring ---

func (s *Service) CreateWorkflow(ctx context.Context, w *Workflow, steps []Step, actor Actor) (*Workflow, error) {
	if err := validateWorkflow(w, steps); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	w.ID = newID("wf")
	w.CreatedAt = now
	w.UpdatedAt = now
	w.CreatedBy = actor.UserID
	w.UpdatedBy = actor.UserID
	if w.TriggerTiming == "" {
		w.TriggerTiming = TimingAll
	}
	assignStepIDs(w.ID, steps)

	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	if err := s.store.ReplaceSteps(ctx, w.ID, steps); err != nil {
		return nil, fmt.Errorf("store steps: %w", err)
	}
	version, err := s.versioner.Snapshot(ctx, w, steps, ChangeCreate, "created", actor.UserID)
	if err != nil {
		return nil, err
	}
	w.CurrentVersion = version.VersionNumber
	if err := s.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("store version number: %w", err)
	}
	s.logger.Info("workflow created", zap.String("workflow_id", w.ID), zap.String("name", w.Name))
	return w, nil
}

func (s *Service) UpdateWorkflow(ctx context.Context, id string, update *Workflow, steps []Step, actor Actor) (*Workflow, error) {
	current, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateWorkflow(update, steps); err != nil {
		return nil, err
	}
	update.ID = current.ID
	update.CreatedAt = current.CreatedAt
	update.CreatedBy = current.CreatedBy
	update.ExecutionsToday = current.ExecutionsToday
	update.ExecutionsTodayDate = current.ExecutionsTodayDate
	update.ExecutionCount = current.ExecutionCount
	update.SuccessCount = current.SuccessCount
	update.FailureCount = current.FailureCount
	update.LastRunAt = current.LastRunAt
	update.UpdatedAt = s.clock.Now()
	update.UpdatedBy = actor.UserID
	if update.TriggerTiming == "" {
		update.TriggerTiming = TimingAll
	}
	assignStepIDs(id, steps)

	if err := s.store.ReplaceSteps(ctx, id, steps); err != nil {
		return nil, fmt.Errorf("store steps: %w", err)
	}
	version, err := s.versioner.Snapshot(ctx, update, steps, ChangeUpdate, "updated", actor.UserID)
	if err != nil {
		return nil, err
	}
	update.CurrentVersion = version.VersionNumber
	if err := s.store.UpdateWorkflow(ctx, update); err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	return update, nil
}

func assignStepIDs(workflowID string, steps []Step) {
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = newID("step")
		}
		steps[i].WorkflowID = workflowID
	}
}

func validateWorkflow(w *Workflow, steps []Step) error {
	var problems []string
	if w.Name == "" {
		problems = append(problems, "name is required")
	}
	if w.ModuleID == 0 && w.TriggerType != TriggerWebhook && w.TriggerType != TriggerManual {
		problems = append(problems, "module_id is required")
	}
	switch w.TriggerType {
	case TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted,
		TriggerRecordSaved, TriggerRecordConverted, TriggerRelatedCreated,
		TriggerRelatedUpdated, TriggerManual:
	case TriggerFieldChanged:
		if len(w.WatchedFields) == 0 {
			problems = append(problems, "field_changed trigger requires watched_fields")
		}
	case TriggerTimeBased:
		if w.ScheduleCron == "" && w.TriggerConfig.DateField == "" {
			problems = append(problems, "time_based trigger requires schedule_cron or a date_field")
		}
		if w.ScheduleCron != "" {
			if _, err := cron.ParseStandard(w.ScheduleCron); err != nil {
				problems = append(problems, fmt.Sprintf("invalid schedule_cron: %v", err))
			}
		}
	case TriggerWebhook:
		if w.WebhookSecret == "" {
			problems = append(problems, "webhook trigger requires webhook_secret")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown trigger type %q", w.TriggerType))
	}
	if w.MaxExecutionsPerDay != nil && *w.MaxExecutionsPerDay <= 0 {
		problems = append(problems, "max_executions_per_day must be positive")
	}
	if w.DelaySeconds < 0 {
		problems = append(problems, "delay_seconds must not be negative")
	}
	seenOrder := map[int]bool{}
	for _, step := range steps {
		if step.Name == "" {
			problems = append(problems, "every step needs a name")
		}
		if seenOrder[step.Order] {
			problems = append(problems, fmt.Sprintf("duplicate step order %d", step.Order))
		}
		seenOrder[step.Order] = true
		if err := ValidateActionConfig(step.ActionType, step.ActionConfig); err != nil {
			problems = append(problems, err.Error())
		}
		if step.RetryCount < 0 || step.RetryCount > 10 {
			problems = append(problems, fmt.Sprintf("step %q retry_count out of range", step.Name))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (s *Service) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

func (s *Service) ListWorkflows(ctx context.Context, filter ListFilter) ([]*Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

func (s *Service) Steps(ctx context.Context, workflowID string) ([]Step, error) {
	return s.store.ListSteps(ctx, workflowID)
}

func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	return s.store.SoftDeleteWorkflow(ctx, id, s.clock.Now())
}

func (s *Service) SetActive(ctx context.Context, id string, active bool, actor Actor) (*Workflow, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.IsActive == active {
		return w, nil
	}
	w.IsActive = active
	w.UpdatedAt = s.clock.Now()
	w.UpdatedBy = actor.UserID
	if err := s.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// --- versions ---

func (s *Service) ListVersions(ctx context.Context, workflowID string) ([]*Version, error) {
	return s.store.ListVersions(ctx, workflowID)
}

func (s *Service) Rollback(ctx context.Context, workflowID string, version int, actor Actor) (*Workflow, error) {
	return s.versioner.Restore(ctx, workflowID, version, actor)
}

func (s *Service) DiffVersions(ctx context.Context, workflowID string, from, to int) ([]FieldDiff, error) {
	return s.versioner.Diff(ctx, workflowID, from, to)
}

// --- triggering ---

var recordTriggerTypes = []TriggerType{
	TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted,
	TriggerRecordSaved, TriggerFieldChanged, TriggerRelatedCreated,
	TriggerRelatedUpdated, TriggerRecordConverted,
}

// HandleEvent evaluates one record event against every active workflow
// of the record's module, highest priority first. Executions are
// admitted per workflow until one with stop_on_first_match fires.
func (s *Service) HandleEvent(ctx context.Context, ev Event) ([]*Execution, error) {
	active := true
	workflows, err := s.store.ListWorkflows(ctx, ListFilter{
		ModuleID:     ev.ModuleID,
		Active:       &active,
		TriggerTypes: recordTriggerTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var admitted []*Execution
	for _, w := range workflows {
		if !s.matcher.Matches(w, ev) {
			continue
		}
		execCtx := BuildContext(ev, s.clock)
		if !s.evaluator.Evaluate(w.Conditions, execCtx, ev.Actor) {
			s.observer.TriggerSuppressed("conditions")
			continue
		}
		exec, err := s.admit(ctx, w, ev.Type, ev.RecordID, ev.RecordType, execCtx, Actor{}, w.RunOncePerRecord)
		if err != nil {
			s.logger.Warn("admission failed",
				zap.String("workflow_id", w.ID), zap.Error(err))
			continue
		}
		if exec == nil {
			continue
		}
		admitted = append(admitted, exec)
		if w.StopOnFirstMatch {
			break
		}
	}
	return admitted, nil
}

// TriggerManually starts a workflow for one record on demand.
func (s *Service) TriggerManually(ctx context.Context, workflowID string, record RecordSnapshot, actor Actor) (*Execution, error) {
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !w.AllowManualTrigger {
		return nil, &ValidationError{Problems: []string{"workflow does not allow manual triggering"}}
	}
	if !w.IsActive {
		return nil, &ValidationError{Problems: []string{"workflow is not active"}}
	}
	execCtx := BuildContext(Event{
		Type:       TriggerManual,
		ModuleID:   w.ModuleID,
		RecordID:   record.ID,
		RecordType: record.Type,
		NewData:    record.Data,
		Actor:      actor,
	}, s.clock)
	exec, err := s.admit(ctx, w, TriggerManual, record.ID, record.Type, execCtx, actor, w.RunOncePerRecord)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, &ValidationError{Problems: []string{"trigger suppressed by rate limit or run-once ledger"}}
	}
	return exec, nil
}

// HandleWebhook verifies a signed delivery and starts the workflow with
// the payload as record data.
func (s *Service) HandleWebhook(ctx context.Context, workflowID, timestampHeader, signature string, payload []byte) (*Execution, error) {
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.TriggerType != TriggerWebhook {
		return nil, &ValidationError{Problems: []string{"workflow is not webhook triggered"}}
	}
	if !w.IsActive {
		return nil, &ValidationError{Problems: []string{"workflow is not active"}}
	}
	if err := VerifySignature(w.WebhookSecret, timestampHeader, signature, payload, s.clock.Now(), s.webhookTolerance); err != nil {
		return nil, err
	}
	var data map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, &ValidationError{Problems: []string{"webhook payload must be a JSON object"}}
		}
	}
	recordID, _ := data["record_id"].(string)
	execCtx := BuildContext(Event{
		Type:     TriggerWebhook,
		ModuleID: w.ModuleID,
		RecordID: recordID,
		NewData:  data,
	}, s.clock)
	if !s.evaluator.Evaluate(w.Conditions, execCtx, Actor{}) {
		s.observer.TriggerSuppressed("conditions")
		return nil, &ValidationError{Problems: []string{"conditions not met"}}
	}
	exec, err := s.admit(ctx, w, TriggerWebhook, recordID, "", execCtx, Actor{}, w.RunOncePerRecord)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, &ValidationError{Problems: []string{"trigger suppressed by rate limit or run-once ledger"}}
	}
	return exec, nil
}

// EvaluateScheduled checks one time-based workflow against the supplied
// candidate records. A schedule_cron takes precedence over a relative
// date_field; cron due-ness admits one execution per candidate record,
// or a single record-less execution when none are supplied.
func (s *Service) EvaluateScheduled(ctx context.Context, workflowID string, records []RecordSnapshot) ([]*Execution, error) {
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.TriggerType != TriggerTimeBased || !w.IsActive {
		return nil, nil
	}
	now := s.clock.Now()

	if w.ScheduleCron != "" {
		due, err := CronDue(w.ScheduleCron, w.LastRunAt, w.CreatedAt, now)
		if err != nil {
			return nil, err
		}
		if !due {
			return nil, nil
		}
		if len(records) == 0 {
			records = []RecordSnapshot{{}}
		}
		return s.admitScheduled(ctx, w, records)
	}

	var dueRecords []RecordSnapshot
	for _, record := range records {
		if RelativeDue(w.TriggerConfig, record.Data, now) {
			dueRecords = append(dueRecords, record)
		}
	}
	return s.admitScheduled(ctx, w, dueRecords)
}

func (s *Service) admitScheduled(ctx context.Context, w *Workflow, records []RecordSnapshot) ([]*Execution, error) {
	// Relative date schedules are re-evaluated against the same records
	// on every sweep, so they always go through the run-once ledger.
	runOnce := w.RunOncePerRecord || (w.ScheduleCron == "" && w.TriggerConfig.DateField != "")
	var admitted []*Execution
	for _, record := range records {
		execCtx := BuildContext(Event{
			Type:       TriggerTimeBased,
			ModuleID:   w.ModuleID,
			RecordID:   record.ID,
			RecordType: record.Type,
			NewData:    record.Data,
		}, s.clock)
		if !s.evaluator.Evaluate(w.Conditions, execCtx, Actor{}) {
			s.observer.TriggerSuppressed("conditions")
			continue
		}
		exec, err := s.admit(ctx, w, TriggerTimeBased, record.ID, record.Type, execCtx, Actor{}, runOnce)
		if err != nil {
			s.logger.Warn("scheduled admission failed",
				zap.String("workflow_id", w.ID), zap.Error(err))
			continue
		}
		if exec != nil {
			admitted = append(admitted, exec)
		}
	}
	return admitted, nil
}

// admit applies the execution gates and, on success, persists and
// queues a new execution. The gates run in a fixed order: the daily cap
// first, then the run-once ledger, keyed by workflow, record, record
// type and trigger type. The cap check up front is advisory; the slot
// is claimed atomically once the ledger has passed, so ledger-suppressed
// triggers consume nothing and concurrent admissions cannot overshoot
// the cap. A nil execution with nil error means the trigger was
// suppressed. runOnce enables the ledger gate, either from the workflow
// flag or because the caller needs at-most-once delivery (relative date
// schedules).
func (s *Service) admit(ctx context.Context, w *Workflow, triggerType TriggerType, recordID, recordType string, execCtx Context, actor Actor, runOnce bool) (*Execution, error) {
	ok, err := s.limiter.CanExecuteToday(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !ok {
		s.observer.TriggerSuppressed("rate_limit")
		s.logger.Debug("daily cap reached", zap.String("workflow_id", w.ID))
		return nil, nil
	}
	if runOnce && recordID != "" {
		ran, err := s.store.HasRun(ctx, w.ID, recordID, recordType, triggerType)
		if err != nil {
			return nil, fmt.Errorf("run ledger check: %w", err)
		}
		if ran {
			s.observer.TriggerSuppressed("run_once")
			return nil, nil
		}
	}
	ok, err = s.limiter.Acquire(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("acquire daily slot: %w", err)
	}
	if !ok {
		s.observer.TriggerSuppressed("rate_limit")
		s.logger.Debug("daily cap reached", zap.String("workflow_id", w.ID))
		return nil, nil
	}

	now := s.clock.Now()
	exec := &Execution{
		ID:                newID("exec"),
		WorkflowID:        w.ID,
		TriggerType:       triggerType,
		TriggerRecordID:   recordID,
		TriggerRecordType: recordType,
		Status:            ExecutionPending,
		ContextData:       execCtx,
		TriggeredBy:       actor.UserID,
		CreatedAt:         now,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	if runOnce && recordID != "" {
		entry := &RunEntry{
			WorkflowID:  w.ID,
			RecordID:    recordID,
			RecordType:  recordType,
			TriggerType: triggerType,
			ExecutedAt:  now,
		}
		if err := s.store.RecordRun(ctx, entry); err != nil {
			s.logger.Warn("record run entry failed", zap.Error(err))
		}
	}

	delay := time.Duration(w.DelaySeconds) * time.Second
	if err := s.queue.Enqueue(ctx, exec.ID, delay); err != nil {
		return nil, fmt.Errorf("enqueue execution: %w", err)
	}
	queuedAt := s.clock.Now()
	exec.Status = ExecutionQueued
	exec.QueuedAt = &queuedAt
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Warn("mark queued failed", zap.Error(err))
	}
	s.notifier.ExecutionEvent(exec, "execution.queued", w.Name)
	return exec, nil
}

// --- execution history ---

func (s *Service) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return s.store.GetExecution(ctx, id)
}

func (s *Service) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

func (s *Service) StepLogs(ctx context.Context, executionID string) ([]*StepLog, error) {
	return s.store.ListStepLogs(ctx, executionID)
}

// CancelExecution cancels a pending or queued execution outright and
// flags a running one so the engine stops before its next tier.
func (s *Service) CancelExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("execution is already %s", exec.Status)}}
	}
	if exec.Status == ExecutionRunning {
		exec.CancelRequested = true
	} else {
		now := s.clock.Now()
		exec.Status = ExecutionCancelled
		exec.CompletedAt = &now
		exec.CancelRequested = true
	}
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	s.notifier.ExecutionEvent(exec, "execution.cancel_requested", "")
	return exec, nil
}

// WorkflowStats summarizes a workflow's execution history.
type WorkflowStats struct {
	WorkflowID     string                  `json:"workflow_id"`
	ExecutionCount int                     `json:"execution_count"`
	SuccessCount   int                     `json:"success_count"`
	FailureCount   int                     `json:"failure_count"`
	SuccessRate    float64                 `json:"success_rate"`
	LastRunAt      *time.Time              `json:"last_run_at,omitempty"`
	RecentStatuses map[ExecutionStatus]int `json:"recent_statuses"`
}

func (s *Service) Stats(ctx context.Context, workflowID string) (*WorkflowStats, error) {
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.ListExecutions(ctx, ExecutionFilter{WorkflowID: workflowID, Limit: 100})
	if err != nil {
		return nil, err
	}
	stats := &WorkflowStats{
		WorkflowID:     w.ID,
		ExecutionCount: w.ExecutionCount,
		SuccessCount:   w.SuccessCount,
		FailureCount:   w.FailureCount,
		LastRunAt:      w.LastRunAt,
		RecentStatuses: map[ExecutionStatus]int{},
	}
	if w.ExecutionCount > 0 {
		stats.SuccessRate = float64(w.SuccessCount) / float64(w.ExecutionCount)
	}
	for _, exec := range recent {
		stats.RecentStatuses[exec.Status]++
	}
	return stats, nil
}

// CreateFromTemplate instantiates a builtin template for a module.
func (s *Service) CreateFromTemplate(ctx context.Context, templateID string, moduleID int64, actor Actor) (*Workflow, error) {
	tpl, ok := TemplateByID(templateID)
	if !ok {
		return nil, ErrNotFound
	}
	w := cloneJSON(tpl.Workflow)
	w.ModuleID = moduleID
	steps := cloneJSON(tpl.Steps)
	return s.CreateWorkflow(ctx, &w, steps, actor)
}

// Notifier exposes the event hub for SSE handlers.
func (s *Service) Notifier() *Notifier { return s.notifier }

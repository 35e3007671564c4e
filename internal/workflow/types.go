package workflow

import "time"

// TriggerType classifies the event class that can start a workflow.
type TriggerType string

const (
	TriggerRecordCreated   TriggerType = "record_created"
	TriggerRecordUpdated   TriggerType = "record_updated"
	TriggerRecordDeleted   TriggerType = "record_deleted"
	TriggerRecordSaved     TriggerType = "record_saved" // create or update
	TriggerFieldChanged    TriggerType = "field_changed"
	TriggerRelatedCreated  TriggerType = "related_created"
	TriggerRelatedUpdated  TriggerType = "related_updated"
	TriggerRecordConverted TriggerType = "record_converted"
	TriggerTimeBased       TriggerType = "time_based"
	TriggerWebhook         TriggerType = "webhook"
	TriggerManual          TriggerType = "manual"
)

// TriggerTiming restricts record triggers to creates, updates, or both.
type TriggerTiming string

const (
	TimingAll        TriggerTiming = "all"
	TimingCreateOnly TriggerTiming = "create_only"
	TimingUpdateOnly TriggerTiming = "update_only"
)

// ChangeType configures how a field_changed trigger compares values.
type ChangeType string

const (
	ChangeAny       ChangeType = "any"
	ChangeFromValue ChangeType = "from_value"
	ChangeToValue   ChangeType = "to_value"
	ChangeFromTo    ChangeType = "from_to"
)

// ActionType identifies the step executor a step invokes.
type ActionType string

const (
	ActionSendEmail           ActionType = "send_email"
	ActionCreateRecord        ActionType = "create_record"
	ActionUpdateRecord        ActionType = "update_record"
	ActionDeleteRecord        ActionType = "delete_record"
	ActionWebhook             ActionType = "webhook"
	ActionAssignUser          ActionType = "assign_user"
	ActionAddTag              ActionType = "add_tag"
	ActionRemoveTag           ActionType = "remove_tag"
	ActionSendNotification    ActionType = "send_notification"
	ActionDelay               ActionType = "delay"
	ActionCondition           ActionType = "condition"
	ActionUpdateField         ActionType = "update_field"
	ActionCreateTask          ActionType = "create_task"
	ActionMoveStage           ActionType = "move_stage"
	ActionUpdateRelatedRecord ActionType = "update_related_record"
)

// ExecutionStatus is the execution state machine. Transitions only move
// forward: pending -> queued -> running -> completed|failed|cancelled.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the per-attempt status of one step log row.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// TriggerConfig carries the trigger-type specific settings.
type TriggerConfig struct {
	// field_changed
	ChangeType ChangeType `json:"change_type,omitempty"`
	FromValue  any        `json:"from_value,omitempty"`
	ToValue    any        `json:"to_value,omitempty"`

	// related_created / related_updated
	RelatedModuleID int64 `json:"related_module_id,omitempty"`

	// time_based relative-to-field scheduling; schedule_cron wins when set
	DateField     string `json:"date_field,omitempty"`
	OffsetSeconds int    `json:"offset_seconds,omitempty"`
	Direction     string `json:"direction,omitempty"` // "before" or "after" the field date
}

// Workflow is a persisted automation definition. Authoring operations
// mutate the definition fields; the engine alone mutates the counters.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ModuleID    int64  `json:"module_id"`
	IsActive    bool   `json:"is_active"`
	Priority    int    `json:"priority"`

	TriggerType   TriggerType   `json:"trigger_type"`
	TriggerTiming TriggerTiming `json:"trigger_timing"`
	TriggerConfig TriggerConfig `json:"trigger_config"`
	WatchedFields []string      `json:"watched_fields,omitempty"`
	Conditions    *ConditionSet `json:"conditions,omitempty"`

	StopOnFirstMatch   bool   `json:"stop_on_first_match"`
	RunOncePerRecord   bool   `json:"run_once_per_record"`
	AllowManualTrigger bool   `json:"allow_manual_trigger"`
	DelaySeconds       int    `json:"delay_seconds"`
	ScheduleCron       string `json:"schedule_cron,omitempty"`
	WebhookSecret      string `json:"webhook_secret,omitempty"`

	// Daily rate limiting. ExecutionsToday is only meaningful while
	// ExecutionsTodayDate equals the current date; otherwise it is
	// implicitly zero and reset lazily on the next increment.
	MaxExecutionsPerDay *int   `json:"max_executions_per_day,omitempty"`
	ExecutionsToday     int    `json:"executions_today"`
	ExecutionsTodayDate string `json:"executions_today_date,omitempty"` // YYYY-MM-DD

	ExecutionCount int        `json:"execution_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`

	CurrentVersion int        `json:"current_version"`
	CreatedBy      string     `json:"created_by,omitempty"`
	UpdatedBy      string     `json:"updated_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// CanExecuteToday is the pure half of the daily rate limit: true when no
// cap is configured, when the stored date is stale (reset pending), or
// while the counter is under the cap.
func (w *Workflow) CanExecuteToday(today string) bool {
	if w.MaxExecutionsPerDay == nil {
		return true
	}
	if w.ExecutionsTodayDate == "" || w.ExecutionsTodayDate != today {
		return true
	}
	return w.ExecutionsToday < *w.MaxExecutionsPerDay
}

// Step is one ordered action within a workflow. Steps sharing a BranchID
// over contiguous order form one tier.
type Step struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	Order       int    `json:"order"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ActionType   ActionType     `json:"action_type"`
	ActionConfig map[string]any `json:"action_config,omitempty"`
	Conditions   *ConditionSet  `json:"conditions,omitempty"`

	BranchID          string `json:"branch_id,omitempty"`
	IsParallel        bool   `json:"is_parallel"`
	ContinueOnError   bool   `json:"continue_on_error"`
	RetryCount        int    `json:"retry_count"`
	RetryDelaySeconds int    `json:"retry_delay_seconds"`
}

// Execution is one run instance of a workflow for one triggering event.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	TriggerType       TriggerType     `json:"trigger_type"`
	TriggerRecordID   string          `json:"trigger_record_id,omitempty"`
	TriggerRecordType string          `json:"trigger_record_type,omitempty"`
	Status            ExecutionStatus `json:"status"`

	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`

	// ContextData is an immutable snapshot of the triggering data.
	ContextData Context `json:"context_data,omitempty"`

	StepsCompleted int    `json:"steps_completed"`
	StepsFailed    int    `json:"steps_failed"`
	StepsSkipped   int    `json:"steps_skipped"`
	ErrorMessage   string `json:"error_message,omitempty"`

	// TriggeredBy is empty for automatic triggers.
	TriggeredBy string `json:"triggered_by,omitempty"`

	// CancelRequested asks the engine to stop before the next tier. It is
	// not a status transition; the status only ever moves forward.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StepLog records one attempt of one step within one execution. Rows are
// never mutated after reaching a terminal status; a retry is a new row
// with RetryAttempt+1.
type StepLog struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`

	InputData    Context        `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorTrace   string         `json:"error_trace,omitempty"`
	RetryAttempt int            `json:"retry_attempt"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RunEntry is one idempotency fact: this workflow already ran for this
// record and trigger type. Entries are append-only.
type RunEntry struct {
	WorkflowID  string      `json:"workflow_id"`
	RecordID    string      `json:"record_id"`
	RecordType  string      `json:"record_type"`
	TriggerType TriggerType `json:"trigger_type"`
	ExecutedAt  time.Time   `json:"executed_at"`
}

// Version change types.
const (
	ChangeCreate   = "create"
	ChangeUpdate   = "update"
	ChangeRollback = "rollback"
	ChangeRestore  = "restore"
)

// Version is an immutable snapshot of a workflow's full definition.
// Numbers are strictly increasing per workflow and never reused; exactly
// one version per workflow is flagged active.
type Version struct {
	ID              string    `json:"id"`
	WorkflowID      string    `json:"workflow_id"`
	VersionNumber   int       `json:"version_number"`
	Name            string    `json:"name"`
	WorkflowData    Workflow  `json:"workflow_data"`
	StepsData       []Step    `json:"steps_data"`
	IsActiveVersion bool      `json:"is_active_version"`
	ChangeType      string    `json:"change_type"`
	ChangeSummary   string    `json:"change_summary,omitempty"`
	CreatedBy       string    `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Context is the data a trigger snapshot exposes to conditions and step
// executors.
type Context map[string]any

// Actor identifies who initiated an operation. The zero value means the
// system acted automatically.
type Actor struct {
	UserID string `json:"user_id,omitempty"`
}

// Event is one record-mutation notification from the upstream record
// layer.
type Event struct {
	Type       TriggerType    `json:"type"`
	ModuleID   int64          `json:"module_id"`
	RecordID   string         `json:"record_id"`
	RecordType string         `json:"record_type"`
	NewData    map[string]any `json:"new_data,omitempty"`
	OldData    map[string]any `json:"old_data,omitempty"`
	IsCreate   bool           `json:"is_create"`
	Actor      Actor          `json:"actor"`
}

// RecordSnapshot is an opaque record handed to scheduled evaluation for
// relative-to-field-date triggers.
type RecordSnapshot struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

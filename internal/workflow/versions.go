package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Versioner snapshots workflow definitions and restores them. Version
// numbers only ever grow; a restore does not reuse the old number, it
// creates a fresh snapshot on top.
type Versioner struct {
	store Store
	clock Clock
}

func NewVersioner(store Store, clock Clock) *Versioner {
	if clock == nil {
		clock = SystemClock
	}
	return &Versioner{store: store, clock: clock}
}

// Snapshot records the workflow's current definition and steps as the
// new active version and returns it.
func (v *Versioner) Snapshot(ctx context.Context, w *Workflow, steps []Step, changeType, summary, createdBy string) (*Version, error) {
	number, err := v.store.NextVersionNumber(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("next version number: %w", err)
	}
	if err := v.store.DeactivateVersions(ctx, w.ID); err != nil {
		return nil, fmt.Errorf("deactivate versions: %w", err)
	}
	version := &Version{
		ID:              newID("wfv"),
		WorkflowID:      w.ID,
		VersionNumber:   number,
		Name:            w.Name,
		WorkflowData:    snapshotWorkflow(w),
		StepsData:       cloneJSON(steps),
		IsActiveVersion: true,
		ChangeType:      changeType,
		ChangeSummary:   summary,
		CreatedBy:       createdBy,
		CreatedAt:       v.clock.Now(),
	}
	if err := v.store.CreateVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	return version, nil
}

// snapshotWorkflow strips runtime counters so versions capture the
// definition only.
func snapshotWorkflow(w *Workflow) Workflow {
	cp := cloneJSON(*w)
	cp.ExecutionsToday = 0
	cp.ExecutionsTodayDate = ""
	cp.ExecutionCount = 0
	cp.SuccessCount = 0
	cp.FailureCount = 0
	cp.LastRunAt = nil
	return cp
}

// Restore applies an earlier version's definition back onto the
// workflow and snapshots the result. Counters and identity fields keep
// their current values.
func (v *Versioner) Restore(ctx context.Context, workflowID string, number int, actor Actor) (*Workflow, error) {
	version, err := v.store.GetVersion(ctx, workflowID, number)
	if err != nil {
		return nil, fmt.Errorf("load version %d: %w", number, err)
	}
	current, err := v.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}

	restored := version.WorkflowData
	restored.ID = current.ID
	restored.ExecutionsToday = current.ExecutionsToday
	restored.ExecutionsTodayDate = current.ExecutionsTodayDate
	restored.ExecutionCount = current.ExecutionCount
	restored.SuccessCount = current.SuccessCount
	restored.FailureCount = current.FailureCount
	restored.LastRunAt = current.LastRunAt
	restored.CreatedAt = current.CreatedAt
	restored.CreatedBy = current.CreatedBy
	restored.UpdatedBy = actor.UserID
	restored.UpdatedAt = v.clock.Now()

	steps := cloneJSON(version.StepsData)
	for i := range steps {
		steps[i].WorkflowID = workflowID
	}
	if err := v.store.ReplaceSteps(ctx, workflowID, steps); err != nil {
		return nil, fmt.Errorf("restore steps: %w", err)
	}

	summary := fmt.Sprintf("restored from version %d", number)
	snapshot, err := v.Snapshot(ctx, &restored, steps, ChangeRestore, summary, actor.UserID)
	if err != nil {
		return nil, err
	}
	restored.CurrentVersion = snapshot.VersionNumber
	if err := v.store.UpdateWorkflow(ctx, &restored); err != nil {
		return nil, fmt.Errorf("apply restored workflow: %w", err)
	}
	return &restored, nil
}

// FieldDiff is one changed field between two versions.
type FieldDiff struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// Diff compares two versions of the same workflow field by field,
// including a coarse steps comparison.
func (v *Versioner) Diff(ctx context.Context, workflowID string, fromNumber, toNumber int) ([]FieldDiff, error) {
	from, err := v.store.GetVersion(ctx, workflowID, fromNumber)
	if err != nil {
		return nil, fmt.Errorf("load version %d: %w", fromNumber, err)
	}
	to, err := v.store.GetVersion(ctx, workflowID, toNumber)
	if err != nil {
		return nil, fmt.Errorf("load version %d: %w", toNumber, err)
	}

	fromMap := toMap(from.WorkflowData)
	toMapped := toMap(to.WorkflowData)
	var diffs []FieldDiff
	for _, field := range diffFields {
		a, b := fromMap[field], toMapped[field]
		if !reflect.DeepEqual(a, b) {
			diffs = append(diffs, FieldDiff{Field: field, From: a, To: b})
		}
	}
	if !reflect.DeepEqual(from.StepsData, to.StepsData) {
		diffs = append(diffs, FieldDiff{
			Field: "steps",
			From:  fmt.Sprintf("%d steps", len(from.StepsData)),
			To:    fmt.Sprintf("%d steps", len(to.StepsData)),
		})
	}
	return diffs, nil
}

// diffFields limits Diff to the definition fields worth surfacing.
var diffFields = []string{
	"name", "description", "module_id", "is_active", "priority",
	"trigger_type", "trigger_timing", "trigger_config", "watched_fields",
	"conditions", "stop_on_first_match", "run_once_per_record",
	"allow_manual_trigger", "delay_seconds", "schedule_cron",
	"max_executions_per_day",
}

func toMap(w Workflow) map[string]any {
	b, err := json.Marshal(w)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// ListFilter narrows ListWorkflows. Zero values mean "any". Results are
// ordered priority descending, then created_at ascending.
type ListFilter struct {
	ModuleID     int64
	Active       *bool
	TriggerTypes []TriggerType
}

// ExecutionFilter narrows ListExecutions for one workflow (or all when
// WorkflowID is empty).
type ExecutionFilter struct {
	WorkflowID string
	Status     ExecutionStatus
	Limit      int
}

// Store persists workflows, steps, executions, step logs, the run
// ledger and version snapshots.
type Store interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter ListFilter) ([]*Workflow, error)
	SoftDeleteWorkflow(ctx context.Context, id string, at time.Time) error

	ReplaceSteps(ctx context.Context, workflowID string, steps []Step) error
	ListSteps(ctx context.Context, workflowID string) ([]Step, error)

	CreateExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	CreateStepLog(ctx context.Context, l *StepLog) error
	UpdateStepLog(ctx context.Context, l *StepLog) error
	ListStepLogs(ctx context.Context, executionID string) ([]*StepLog, error)

	// Run ledger for run-once semantics, keyed by workflow, record id,
	// record type and trigger type.
	HasRun(ctx context.Context, workflowID, recordID, recordType string, triggerType TriggerType) (bool, error)
	RecordRun(ctx context.Context, entry *RunEntry) error

	// IncrementExecutionsToday takes one daily slot atomically, resetting
	// the counter first when the stored date is not today. ok is false
	// when the workflow's cap is already used up, in which case the
	// counter is left untouched.
	IncrementExecutionsToday(ctx context.Context, workflowID, today string) (count int, ok bool, err error)
	// RecordWorkflowResult updates rollup counters and last_run_at.
	// Every terminal status counts as a run; only failed bumps the
	// failure counter.
	RecordWorkflowResult(ctx context.Context, workflowID string, status ExecutionStatus, at time.Time) error

	CreateVersion(ctx context.Context, v *Version) error
	ListVersions(ctx context.Context, workflowID string) ([]*Version, error)
	GetVersion(ctx context.Context, workflowID string, number int) (*Version, error)
	NextVersionNumber(ctx context.Context, workflowID string) (int, error)
	DeactivateVersions(ctx context.Context, workflowID string) error
}

// MemoryStore is an in-memory Store for tests and single-node setups.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	steps      map[string][]Step
	executions map[string]*Execution
	stepLogs   map[string][]*StepLog
	runs       map[string]RunEntry
	versions   map[string][]*Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		steps:      make(map[string][]Step),
		executions: make(map[string]*Execution),
		stepLogs:   make(map[string][]*StepLog),
		runs:       make(map[string]RunEntry),
		versions:   make(map[string][]*Version),
	}
}

func cloneJSON[T any](in T) T {
	var out T
	b, err := json.Marshal(in)
	if err != nil {
		return in
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return in
	}
	return out
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJSON(*w)
	s.workflows[w.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	cp := cloneJSON(*w)
	s.workflows[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok || w.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := cloneJSON(*w)
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter ListFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, w := range s.workflows {
		if w.DeletedAt != nil {
			continue
		}
		if filter.ModuleID != 0 && w.ModuleID != filter.ModuleID {
			continue
		}
		if filter.Active != nil && w.IsActive != *filter.Active {
			continue
		}
		if len(filter.TriggerTypes) > 0 && !containsTrigger(filter.TriggerTypes, w.TriggerType) {
			continue
		}
		cp := cloneJSON(*w)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func containsTrigger(list []TriggerType, t TriggerType) bool {
	for _, item := range list {
		if item == t {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SoftDeleteWorkflow(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.DeletedAt != nil {
		return ErrNotFound
	}
	w.DeletedAt = &at
	w.IsActive = false
	return nil
}

func (s *MemoryStore) ReplaceSteps(_ context.Context, workflowID string, steps []Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[workflowID] = cloneJSON(steps)
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, workflowID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := cloneJSON(s.steps[workflowID])
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJSON(*e)
	s.executions[e.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return ErrNotFound
	}
	cp := cloneJSON(*e)
	s.executions[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneJSON(*e)
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, e := range s.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		cp := cloneJSON(*e)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateStepLog(_ context.Context, l *StepLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJSON(*l)
	s.stepLogs[l.ExecutionID] = append(s.stepLogs[l.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) UpdateStepLog(_ context.Context, l *StepLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.stepLogs[l.ExecutionID] {
		if existing.ID == l.ID {
			cp := cloneJSON(*l)
			s.stepLogs[l.ExecutionID][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListStepLogs(_ context.Context, executionID string) ([]*StepLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.stepLogs[executionID]
	out := make([]*StepLog, 0, len(logs))
	for _, l := range logs {
		cp := cloneJSON(*l)
		out = append(out, &cp)
	}
	return out, nil
}

func runKey(workflowID, recordID, recordType string, triggerType TriggerType) string {
	return workflowID + "\x00" + recordID + "\x00" + recordType + "\x00" + string(triggerType)
}

func (s *MemoryStore) HasRun(_ context.Context, workflowID, recordID, recordType string, triggerType TriggerType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[runKey(workflowID, recordID, recordType, triggerType)]
	return ok, nil
}

func (s *MemoryStore) RecordRun(_ context.Context, entry *RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runKey(entry.WorkflowID, entry.RecordID, entry.RecordType, entry.TriggerType)] = *entry
	return nil
}

func (s *MemoryStore) IncrementExecutionsToday(_ context.Context, workflowID, today string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowID]
	if !ok || w.DeletedAt != nil {
		return 0, false, ErrNotFound
	}
	if w.ExecutionsTodayDate != today {
		w.ExecutionsToday = 0
		w.ExecutionsTodayDate = today
	}
	if w.MaxExecutionsPerDay != nil && w.ExecutionsToday >= *w.MaxExecutionsPerDay {
		return w.ExecutionsToday, false, nil
	}
	w.ExecutionsToday++
	return w.ExecutionsToday, true, nil
}

func (s *MemoryStore) RecordWorkflowResult(_ context.Context, workflowID string, status ExecutionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	w.ExecutionCount++
	switch status {
	case ExecutionCompleted:
		w.SuccessCount++
	case ExecutionFailed:
		w.FailureCount++
	}
	w.LastRunAt = &at
	return nil
}

func (s *MemoryStore) CreateVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJSON(*v)
	s.versions[v.WorkflowID] = append(s.versions[v.WorkflowID], &cp)
	return nil
}

func (s *MemoryStore) ListVersions(_ context.Context, workflowID string) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[workflowID]
	out := make([]*Version, 0, len(versions))
	for _, v := range versions {
		cp := cloneJSON(*v)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, workflowID string, number int) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[workflowID] {
		if v.VersionNumber == number {
			cp := cloneJSON(*v)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) NextVersionNumber(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, v := range s.versions[workflowID] {
		if v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) DeactivateVersions(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[workflowID] {
		v.IsActiveVersion = false
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)

// normalize for case-insensitive trigger comparisons in filters built
// from query strings.
func ParseTriggerTypes(raw string) []TriggerType {
	if raw == "" {
		return nil
	}
	var out []TriggerType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part != "" {
			out = append(out, TriggerType(part))
		}
	}
	return out
}

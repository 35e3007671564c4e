package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore persists everything in Postgres. Definitions travel as JSONB
// payloads; the columns extracted beside them exist for filtering and
// for the counters, which must update atomically under concurrent
// engine workers.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &PGStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists wf_workflows (
  id text primary key,
  module_id bigint not null,
  is_active boolean not null,
  priority int not null,
  trigger_type text not null,
  payload jsonb not null,
  executions_today int not null default 0,
  executions_today_date text not null default '',
  execution_count int not null default 0,
  success_count int not null default 0,
  failure_count int not null default 0,
  last_run_at timestamptz,
  created_at timestamptz not null,
  deleted_at timestamptz
);
create table if not exists wf_steps (
  id text primary key,
  workflow_id text not null,
  step_order int not null,
  payload jsonb not null
);
create index if not exists wf_steps_workflow_idx on wf_steps (workflow_id, step_order);
create table if not exists wf_executions (
  id text primary key,
  workflow_id text not null,
  status text not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create index if not exists wf_executions_workflow_idx on wf_executions (workflow_id, created_at desc);
create table if not exists wf_step_logs (
  id text primary key,
  execution_id text not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create index if not exists wf_step_logs_execution_idx on wf_step_logs (execution_id, created_at);
create table if not exists wf_runs (
  workflow_id text not null,
  record_id text not null,
  record_type text not null,
  trigger_type text not null,
  payload jsonb not null,
  executed_at timestamptz not null,
  primary key (workflow_id, record_id, record_type, trigger_type)
);
create table if not exists wf_versions (
  id text primary key,
  workflow_id text not null,
  version int not null,
  is_active boolean not null,
  payload jsonb not null,
  created_at timestamptz not null,
  unique (workflow_id, version)
);
`)
	return err
}

func (s *PGStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into wf_workflows
(id, module_id, is_active, priority, trigger_type, payload, executions_today, executions_today_date, created_at)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.ID, w.ModuleID, w.IsActive, w.Priority, w.TriggerType, b, w.ExecutionsToday, w.ExecutionsTodayDate, w.CreatedAt)
	return err
}

func (s *PGStore) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update wf_workflows
set module_id=$2, is_active=$3, priority=$4, trigger_type=$5, payload=$6
where id=$1 and deleted_at is null`,
		w.ID, w.ModuleID, w.IsActive, w.Priority, w.TriggerType, b)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// workflowColumns keeps payload and counter columns in one scan order.
const workflowColumns = `payload, executions_today, executions_today_date,
execution_count, success_count, failure_count, last_run_at`

func scanWorkflow(scan func(dest ...any) error) (*Workflow, error) {
	var raw []byte
	var w Workflow
	var lastRun sql.NullTime
	if err := scan(&raw, &w.ExecutionsToday, &w.ExecutionsTodayDate,
		&w.ExecutionCount, &w.SuccessCount, &w.FailureCount, &lastRun); err != nil {
		return nil, err
	}
	counters := w
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	// Counter columns win over whatever the payload last captured.
	w.ExecutionsToday = counters.ExecutionsToday
	w.ExecutionsTodayDate = counters.ExecutionsTodayDate
	w.ExecutionCount = counters.ExecutionCount
	w.SuccessCount = counters.SuccessCount
	w.FailureCount = counters.FailureCount
	if lastRun.Valid {
		w.LastRunAt = &lastRun.Time
	} else {
		w.LastRunAt = nil
	}
	return &w, nil
}

func (s *PGStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `select `+workflowColumns+`
from wf_workflows where id=$1 and deleted_at is null`, id)
	w, err := scanWorkflow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *PGStore) ListWorkflows(ctx context.Context, filter ListFilter) ([]*Workflow, error) {
	query := `select ` + workflowColumns + ` from wf_workflows where deleted_at is null`
	var args []any
	if filter.ModuleID != 0 {
		args = append(args, filter.ModuleID)
		query += fmt.Sprintf(" and module_id=$%d", len(args))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(" and is_active=$%d", len(args))
	}
	if len(filter.TriggerTypes) > 0 {
		placeholders := ""
		for i, t := range filter.TriggerTypes {
			args = append(args, string(t))
			if i > 0 {
				placeholders += ","
			}
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		query += " and trigger_type in (" + placeholders + ")"
	}
	query += " order by priority desc, created_at asc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PGStore) SoftDeleteWorkflow(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update wf_workflows
set deleted_at=$2, is_active=false where id=$1 and deleted_at is null`, id, at)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *PGStore) ReplaceSteps(ctx context.Context, workflowID string, steps []Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `delete from wf_steps where workflow_id=$1`, workflowID); err != nil {
		return err
	}
	for _, step := range steps {
		b, err := json.Marshal(step)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `insert into wf_steps (id, workflow_id, step_order, payload)
values ($1,$2,$3,$4)`, step.ID, workflowID, step.Order, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) ListSteps(ctx context.Context, workflowID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `select payload from wf_steps
where workflow_id=$1 order by step_order asc`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var step Step
		if err := json.Unmarshal(raw, &step); err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateExecution(ctx context.Context, e *Execution) error {
	return s.writeExecution(ctx, e, true)
}

func (s *PGStore) UpdateExecution(ctx context.Context, e *Execution) error {
	return s.writeExecution(ctx, e, false)
}

func (s *PGStore) writeExecution(ctx context.Context, e *Execution, create bool) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if create {
		_, err = s.db.ExecContext(ctx, `insert into wf_executions (id, workflow_id, status, payload, created_at)
values ($1,$2,$3,$4,$5)`, e.ID, e.WorkflowID, e.Status, b, e.CreatedAt)
		return err
	}
	res, err := s.db.ExecContext(ctx, `update wf_executions set status=$2, payload=$3 where id=$1`, e.ID, e.Status, b)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *PGStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select payload from wf_executions where id=$1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Execution
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PGStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `select payload from wf_executions where 1=1`
	var args []any
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += fmt.Sprintf(" and workflow_id=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" and status=$%d", len(args))
	}
	query += " order by created_at desc"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e Execution
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateStepLog(ctx context.Context, l *StepLog) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into wf_step_logs (id, execution_id, payload, created_at)
values ($1,$2,$3,$4)`, l.ID, l.ExecutionID, b, l.CreatedAt)
	return err
}

func (s *PGStore) UpdateStepLog(ctx context.Context, l *StepLog) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update wf_step_logs set payload=$2 where id=$1`, l.ID, b)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *PGStore) ListStepLogs(ctx context.Context, executionID string) ([]*StepLog, error) {
	rows, err := s.db.QueryContext(ctx, `select payload from wf_step_logs
where execution_id=$1 order by created_at asc, id asc`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StepLog
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var l StepLog
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PGStore) HasRun(ctx context.Context, workflowID, recordID, recordType string, triggerType TriggerType) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from wf_runs
where workflow_id=$1 and record_id=$2 and record_type=$3 and trigger_type=$4`,
		workflowID, recordID, recordType, string(triggerType)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) RecordRun(ctx context.Context, entry *RunEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into wf_runs (workflow_id, record_id, record_type, trigger_type, payload, executed_at)
values ($1,$2,$3,$4,$5,$6) on conflict (workflow_id, record_id, record_type, trigger_type) do nothing`,
		entry.WorkflowID, entry.RecordID, entry.RecordType, string(entry.TriggerType), b, entry.ExecutedAt)
	return err
}

// IncrementExecutionsToday claims a daily slot in one statement so
// concurrent admissions never push the counter past the cap. The cap
// lives in the payload; a row refusing the update either hit its cap
// or does not exist, and the follow-up select tells the two apart.
func (s *PGStore) IncrementExecutionsToday(ctx context.Context, workflowID, today string) (int, bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `update wf_workflows
set executions_today = case when executions_today_date = $2 then executions_today + 1 else 1 end,
    executions_today_date = $2
where id=$1 and deleted_at is null
  and ((payload->>'max_executions_per_day') is null
    or case when executions_today_date = $2 then executions_today else 0 end < (payload->>'max_executions_per_day')::int)
returning executions_today`, workflowID, today).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if serr := s.db.QueryRowContext(ctx,
			`select exists (select 1 from wf_workflows where id=$1 and deleted_at is null)`,
			workflowID).Scan(&exists); serr != nil {
			return 0, false, serr
		}
		if !exists {
			return 0, false, ErrNotFound
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (s *PGStore) RecordWorkflowResult(ctx context.Context, workflowID string, status ExecutionStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update wf_workflows
set execution_count = execution_count + 1,
    success_count = success_count + case when $2 then 1 else 0 end,
    failure_count = failure_count + case when $3 then 1 else 0 end,
    last_run_at = $4
where id=$1`, workflowID, status == ExecutionCompleted, status == ExecutionFailed, at)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *PGStore) CreateVersion(ctx context.Context, v *Version) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into wf_versions (id, workflow_id, version, is_active, payload, created_at)
values ($1,$2,$3,$4,$5,$6)`, v.ID, v.WorkflowID, v.VersionNumber, v.IsActiveVersion, b, v.CreatedAt)
	return err
}

func (s *PGStore) ListVersions(ctx context.Context, workflowID string) ([]*Version, error) {
	rows, err := s.db.QueryContext(ctx, `select payload, is_active from wf_versions
where workflow_id=$1 order by version desc`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(scan func(dest ...any) error) (*Version, error) {
	var raw []byte
	var active bool
	if err := scan(&raw, &active); err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	v.IsActiveVersion = active
	return &v, nil
}

func (s *PGStore) GetVersion(ctx context.Context, workflowID string, number int) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `select payload, is_active from wf_versions
where workflow_id=$1 and version=$2`, workflowID, number)
	v, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *PGStore) NextVersionNumber(ctx context.Context, workflowID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `select max(version) from wf_versions where workflow_id=$1`, workflowID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (s *PGStore) DeactivateVersions(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `update wf_versions set is_active=false where workflow_id=$1`, workflowID)
	return err
}

var _ Store = (*PGStore)(nil)

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const planColumns = `id,name,project_path,base_branch,status,created_at,approved_at,completed_at`

func scanPlan(row *sql.Row) (domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(&p.ID, &p.Name, &p.ProjectPath, &p.BaseBranch, &p.Status, &p.CreatedAt, &p.ApprovedAt, &p.CompletedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(id,name,project_path,base_branch,status,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.ProjectPath, p.BaseBranch, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
}

// ResolvePlan accepts a plan id or a plan name.
func (r Repo) ResolvePlan(ctx context.Context, ref string) (domain.Plan, error) {
	p, err := r.GetPlan(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Plan{}, err
	}
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE name=?`, ref))
}

func (r Repo) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.ProjectPath, &p.BaseBranch, &p.Status, &p.CreatedAt, &p.ApprovedAt, &p.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePlanStatus moves a plan to status, stamping approved_at / completed_at
// when the target status calls for it.
func (r Repo) UpdatePlanStatus(ctx context.Context, id, status, ts string) error {
	var query string
	switch status {
	case domain.PlanApproved:
		query = `UPDATE plans SET status=?, approved_at=? WHERE id=?`
	case domain.PlanCompleted, domain.PlanFailed:
		query = `UPDATE plans SET status=?, completed_at=? WHERE id=?`
	default:
		res, err := r.DB.ExecContext(ctx, `UPDATE plans SET status=? WHERE id=?`, status, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	}
	res, err := r.DB.ExecContext(ctx, query, status, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,plan_id,name,description,scope_level,gate_policy,retry_max,status,assigned_harness,workspace_ref,attempt,created_at,started_at,completed_at`

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.PlanID, &t.Name, &t.Description, &t.ScopeLevel, &t.GatePolicy, &t.RetryMax,
		&t.Status, &t.AssignedHarness, &t.WorkspaceRef, &t.Attempt, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.PlanID, &t.Name, &t.Description, &t.ScopeLevel, &t.GatePolicy, &t.RetryMax,
			&t.Status, &t.AssignedHarness, &t.WorkspaceRef, &t.Attempt, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,plan_id,name,description,scope_level,gate_policy,retry_max,status,assigned_harness,attempt,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PlanID, t.Name, t.Description, t.ScopeLevel, t.GatePolicy, t.RetryMax, t.Status, t.AssignedHarness, t.Attempt, t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ResolveTask accepts a task id, or a plan-qualified name when planID is set.
func (r Repo) ResolveTask(ctx context.Context, planID, ref string) (domain.Task, error) {
	t, err := r.GetTask(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) || planID == "" {
		return domain.Task{}, err
	}
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE plan_id=? AND name=?`, planID, ref))
}

func (r Repo) ListTasks(ctx context.Context, planID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE plan_id=? ORDER BY created_at, rowid`, planID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ReadyTasks returns pending tasks whose every dependency is passed, in
// creation order so dispatch order is deterministic.
func (r Repo) ReadyTasks(ctx context.Context, planID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.plan_id=? AND t.status='pending'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = t.id AND dep.status <> 'passed'
		  )
		ORDER BY t.created_at, t.rowid`, planID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r Repo) TasksInStatus(ctx context.Context, planID string, statuses ...string) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE plan_id=? AND status IN (?` +
		strings.Repeat(",?", len(statuses)-1) + `) ORDER BY created_at, rowid`
	args := []any{planID}
	for _, s := range statuses {
		args = append(args, s)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r Repo) CountTasksByStatus(ctx context.Context, planID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE plan_id=? GROUP BY status`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func (r Repo) AddDependencyTx(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies(task_id,depends_on) VALUES (?,?)`, taskID, dependsOn)
	return err
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id=? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// UnsatisfiedDependencies returns the dependency task names not yet passed.
func (r Repo) UnsatisfiedDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT dep.name FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on
		WHERE d.task_id=? AND dep.status <> 'passed'
		ORDER BY dep.name`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

const invariantColumns = `id,name,description,kind,command,args_json,expected_exit_code,threshold,scope,timeout_seconds`

func scanInvariant(row *sql.Row) (domain.Invariant, error) {
	var inv domain.Invariant
	var argsJSON string
	err := row.Scan(&inv.ID, &inv.Name, &inv.Description, &inv.Kind, &inv.Command, &argsJSON,
		&inv.ExpectedExitCode, &inv.Threshold, &inv.Scope, &inv.TimeoutSeconds)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &inv.Args); err != nil {
		return inv, fmt.Errorf("invariant %s args: %w", inv.Name, err)
	}
	return inv, nil
}

func (r Repo) InsertInvariant(ctx context.Context, inv domain.Invariant) error {
	args, err := json.Marshal(inv.Args)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO invariants(id,name,description,kind,command,args_json,expected_exit_code,threshold,scope,timeout_seconds) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.Name, inv.Description, inv.Kind, inv.Command, string(args), inv.ExpectedExitCode, inv.Threshold, inv.Scope, inv.TimeoutSeconds)
	return err
}

func (r Repo) GetInvariant(ctx context.Context, id string) (domain.Invariant, error) {
	return scanInvariant(r.DB.QueryRowContext(ctx, `SELECT `+invariantColumns+` FROM invariants WHERE id=?`, id))
}

func (r Repo) ResolveInvariant(ctx context.Context, ref string) (domain.Invariant, error) {
	inv, err := r.GetInvariant(ctx, ref)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Invariant{}, err
	}
	return scanInvariant(r.DB.QueryRowContext(ctx, `SELECT `+invariantColumns+` FROM invariants WHERE name=?`, ref))
}

func (r Repo) ListInvariants(ctx context.Context) ([]domain.Invariant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+invariantColumns+` FROM invariants ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return scanInvariants(rows)
}

func scanInvariants(rows *sql.Rows) ([]domain.Invariant, error) {
	defer rows.Close()
	var res []domain.Invariant
	for rows.Next() {
		var inv domain.Invariant
		var argsJSON string
		if err := rows.Scan(&inv.ID, &inv.Name, &inv.Description, &inv.Kind, &inv.Command, &argsJSON,
			&inv.ExpectedExitCode, &inv.Threshold, &inv.Scope, &inv.TimeoutSeconds); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(argsJSON), &inv.Args); err != nil {
			return nil, fmt.Errorf("invariant %s args: %w", inv.Name, err)
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// DeleteInvariant removes an invariant unless any task still links it.
func (r Repo) DeleteInvariant(ctx context.Context, id string) error {
	var linked int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_invariants WHERE invariant_id=?`, id).Scan(&linked); err != nil {
		return err
	}
	if linked > 0 {
		return fmt.Errorf("invariant %s is linked to %d task(s)", id, linked)
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM invariants WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LinkInvariant(ctx context.Context, taskID, invariantID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO task_invariants(task_id,invariant_id) VALUES (?,?)`, taskID, invariantID)
	return err
}

func (r Repo) LinkInvariantTx(ctx context.Context, tx *sql.Tx, taskID, invariantID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_invariants(task_id,invariant_id) VALUES (?,?)`, taskID, invariantID)
	return err
}

func (r Repo) ListTaskInvariants(ctx context.Context, taskID string) ([]domain.Invariant, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT i.id,i.name,i.description,i.kind,i.command,i.args_json,i.expected_exit_code,i.threshold,i.scope,i.timeout_seconds
		FROM invariants i
		JOIN task_invariants ti ON ti.invariant_id = i.id
		WHERE ti.task_id=? ORDER BY i.name`, taskID)
	if err != nil {
		return nil, err
	}
	return scanInvariants(rows)
}

func (r Repo) InsertGateResult(ctx context.Context, g domain.GateResult) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gate_results(task_id,invariant_id,attempt,passed,exit_code,stdout,stderr,duration_ms,checked_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		g.TaskID, g.InvariantID, g.Attempt, g.Passed, nullableIntPtr(g.ExitCode), g.Stdout, g.Stderr, g.DurationMS, g.CheckedAt)
	return err
}

func (r Repo) ListGateResults(ctx context.Context, taskID string, attempt int) ([]domain.GateResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,invariant_id,attempt,passed,exit_code,stdout,stderr,duration_ms,checked_at FROM gate_results WHERE task_id=? AND attempt=? ORDER BY id`, taskID, attempt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateResult
	for rows.Next() {
		var g domain.GateResult
		if err := rows.Scan(&g.ID, &g.TaskID, &g.InvariantID, &g.Attempt, &g.Passed, &g.ExitCode,
			&g.Stdout, &g.Stderr, &g.DurationMS, &g.CheckedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) ListAgentEvents(ctx context.Context, taskID string, limit int) ([]domain.AgentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,attempt,event_type,payload,recorded_at FROM agent_events WHERE task_id=? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentEvent
	for rows.Next() {
		var e domain.AgentEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Attempt, &e.EventType, &e.Payload, &e.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

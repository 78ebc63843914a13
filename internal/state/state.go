package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskgate/internal/domain"
	"taskgate/internal/events"
	"taskgate/internal/repo"
)

// ErrStateConflict reports an optimistic-lock failure: the task was not in
// the expected status when the update ran. Callers may re-read and decide.
var ErrStateConflict = errors.New("state conflict")

// ErrDependencyNotSatisfied rejects assignment while a dependency is not passed.
var ErrDependencyNotSatisfied = errors.New("dependency not satisfied")

// ErrRetryExhausted rejects a retry once attempt has reached retry_max.
var ErrRetryExhausted = errors.New("retry exhausted")

var transitions = map[string][]string{
	domain.TaskPending:   {domain.TaskAssigned},
	domain.TaskAssigned:  {domain.TaskRunning},
	domain.TaskRunning:   {domain.TaskChecking},
	domain.TaskChecking:  {domain.TaskPassed, domain.TaskFailed},
	domain.TaskFailed:    {domain.TaskAssigned, domain.TaskPending, domain.TaskEscalated},
	domain.TaskEscalated: {domain.TaskPending},
}

// IsValidTransition reports whether from→to is an edge of the task lifecycle.
func IsValidTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Machine performs guarded task status updates. All task-row mutations in the
// system go through here; every write is a compare-and-set against the status
// the caller observed.
type Machine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (m Machine) now() string {
	if m.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return m.Now().UTC().Format(time.RFC3339)
}

type transitionOpts struct {
	harness      *string
	workspaceRef *string
}

type Option func(*transitionOpts)

// WithHarness records the harness chosen for the attempt.
func WithHarness(name string) Option {
	return func(o *transitionOpts) { o.harness = &name }
}

// WithWorkspaceRef records the workspace given to the attempt.
func WithWorkspaceRef(ref string) Option {
	return func(o *transitionOpts) { o.workspaceRef = &ref }
}

// Transition moves a task from→to in one atomic compare-and-set. Timestamps
// ride along: started_at is stamped entering running, completed_at entering
// passed or failed. A zero-row update means another writer won the race.
func (m Machine) Transition(ctx context.Context, taskID, from, to string, opts ...Option) error {
	if !IsValidTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}

	var startedAt, completedAt any
	if to == domain.TaskRunning {
		startedAt = m.now()
	}
	if to == domain.TaskPassed || to == domain.TaskFailed {
		completedAt = m.now()
	}

	query := `UPDATE tasks SET status=?, started_at=COALESCE(?,started_at), completed_at=COALESCE(?,completed_at)`
	args := []any{to, startedAt, completedAt}
	if o.harness != nil {
		query += `, assigned_harness=?`
		args = append(args, *o.harness)
	}
	if o.workspaceRef != nil {
		query += `, workspace_ref=?`
		args = append(args, *o.workspaceRef)
	}
	query += ` WHERE id=? AND status=?`
	args = append(args, taskID, from)

	res, err := m.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return m.conflict(ctx, taskID, from, to)
	}
	m.record(ctx, taskID, "status_changed", events.Payload{"from": from, "to": to})
	return nil
}

// Assign moves pending→assigned after verifying every dependency is passed.
func (m Machine) Assign(ctx context.Context, taskID string, opts ...Option) error {
	unsatisfied, err := m.Repo.UnsatisfiedDependencies(ctx, taskID)
	if err != nil {
		return err
	}
	if len(unsatisfied) > 0 {
		return fmt.Errorf("task %s waiting on %v: %w", taskID, unsatisfied, ErrDependencyNotSatisfied)
	}
	return m.Transition(ctx, taskID, domain.TaskPending, domain.TaskAssigned, opts...)
}

// Retry moves failed→assigned, bumping attempt, guarded by attempt<retry_max.
func (m Machine) Retry(ctx context.Context, taskID string) error {
	return m.retry(ctx, taskID, domain.TaskAssigned)
}

// RetryToPending moves failed→pending (attempt+1) so the scheduler re-picks
// the task through the normal ready-set path. Runtime metadata from the
// failed attempt is cleared.
func (m Machine) RetryToPending(ctx context.Context, taskID string) error {
	return m.retry(ctx, taskID, domain.TaskPending)
}

func (m Machine) retry(ctx context.Context, taskID, to string) error {
	task, err := m.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Attempt >= task.RetryMax {
		return fmt.Errorf("task %s attempt %d of %d: %w", task.Name, task.Attempt, task.RetryMax, ErrRetryExhausted)
	}
	res, err := m.DB.ExecContext(ctx, `UPDATE tasks SET status=?, attempt=attempt+1, started_at=NULL, completed_at=NULL, assigned_harness=NULL, workspace_ref=NULL WHERE id=? AND status='failed' AND attempt=?`,
		to, taskID, task.Attempt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return m.conflict(ctx, taskID, domain.TaskFailed, to)
	}
	m.record(ctx, taskID, "retried", events.Payload{"attempt": task.Attempt + 1, "to": to})
	return nil
}

// Escalate moves failed→escalated once retries are exhausted.
func (m Machine) Escalate(ctx context.Context, taskID string) error {
	task, err := m.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Attempt < task.RetryMax {
		return fmt.Errorf("task %s has retries left (attempt %d of %d)", task.Name, task.Attempt, task.RetryMax)
	}
	return m.Transition(ctx, taskID, domain.TaskFailed, domain.TaskEscalated)
}

// Reopen is the operator override escalated→pending. It bypasses the
// retry_max guard; attempt is preserved so the audit trail stays truthful.
func (m Machine) Reopen(ctx context.Context, taskID string) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE tasks SET status='pending', started_at=NULL, completed_at=NULL, assigned_harness=NULL, workspace_ref=NULL WHERE id=? AND status='escalated'`, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return m.conflict(ctx, taskID, domain.TaskEscalated, domain.TaskPending)
	}
	m.record(ctx, taskID, "reopened", nil)
	return nil
}

// ResetOrphans forces tasks stranded in flight by a dead dispatcher to
// failed so the normal retry/escalate path can deal with them.
func (m Machine) ResetOrphans(ctx context.Context, planID string) ([]domain.Task, error) {
	orphans, err := m.Repo.TasksInStatus(ctx, planID, domain.TaskAssigned, domain.TaskRunning, domain.TaskChecking)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for _, t := range orphans {
		res, err := m.DB.ExecContext(ctx, `UPDATE tasks SET status='failed', completed_at=? WHERE id=? AND status=?`, now, t.ID, t.Status)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		m.record(ctx, t.ID, "orphan_reset", events.Payload{"from": t.Status})
	}
	return orphans, nil
}

// conflict re-reads the row to produce an error naming the actual status.
func (m Machine) conflict(ctx context.Context, taskID, from, to string) error {
	task, err := m.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("task %s not found", taskID)
		}
		return err
	}
	return fmt.Errorf("task %s is %s, not %s (wanted %s): %w", task.Name, task.Status, from, to, ErrStateConflict)
}

func (m Machine) record(ctx context.Context, taskID, eventType string, payload events.Payload) {
	task, err := m.Repo.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	_ = m.Events.Append(ctx, taskID, task.Attempt, eventType, payload)
}

package orch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"taskgate/internal/domain"
	"taskgate/internal/events"
	"taskgate/internal/gate"
	"taskgate/internal/harness"
	"taskgate/internal/repo"
	"taskgate/internal/state"
	"taskgate/internal/token"
	"taskgate/internal/workspace"
)

// Result is the final disposition of one dispatch run.
type Result string

const (
	// ResultCompleted: every task passed.
	ResultCompleted Result = "completed"
	// ResultFailed: at least one task is failed or escalated and nothing is
	// ready or in flight.
	ResultFailed Result = "failed"
	// ResultHumanRequired: the only remaining work is tasks parked in
	// checking under a human gate policy.
	ResultHumanRequired Result = "human_required"
	// ResultInterrupted: cancellation stopped the run before a natural end.
	ResultInterrupted Result = "interrupted"
)

// drainGrace bounds how long cancellation waits for in-flight pipelines.
const drainGrace = 10 * time.Second

// Orchestrator drives a plan from approved to completion under bounded
// concurrency, delegating per-task work to lifecycle pipelines.
type Orchestrator struct {
	Repo       repo.Repo
	Machine    state.Machine
	Gate       gate.Runner
	Events     events.Writer
	Registry   *harness.Registry
	Workspaces workspace.Provider
	Tokens     token.Config
	Log        *slog.Logger

	// Concurrency is the execution-slot budget.
	Concurrency int64
	// TaskTimeout bounds one attempt's running phase.
	TaskTimeout time.Duration
	// Workspace is the operator workspace root, exported to agents so the
	// restricted CLI surface can find the store.
	Workspace string
	// KeepWorkspaces leaves attempt directories behind for inspection.
	KeepWorkspaces bool
}

type taskOutcome struct {
	task    domain.Task
	outcome gate.Outcome
	err     error
}

func (o *Orchestrator) now() string {
	if o.Machine.Now != nil {
		return o.Machine.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// Run dispatches a plan. Per-task failures feed retry/escalation; only store
// and configuration errors abort the loop.
func (o *Orchestrator) Run(ctx context.Context, planID string) (Result, error) {
	p, err := o.Repo.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if p.Status != domain.PlanApproved && p.Status != domain.PlanRunning {
		return "", fmt.Errorf("plan %s is %s; approve it before dispatching", p.Name, p.Status)
	}
	if p.Status == domain.PlanApproved {
		if err := o.Repo.UpdatePlanStatus(ctx, p.ID, domain.PlanRunning, ""); err != nil {
			return "", err
		}
	}
	if err := o.recoverOrphans(ctx, p.ID); err != nil {
		return "", err
	}

	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)
	// One buffer slot per execution slot: a pipeline can always deliver its
	// outcome and exit, even when drain gives up waiting on it.
	results := make(chan taskOutcome, concurrency)
	inflight := 0

	for {
		if ctx.Err() != nil {
			return o.drain(p, results, inflight)
		}

		ready, err := o.Repo.ReadyTasks(ctx, p.ID)
		if err != nil {
			return "", fmt.Errorf("compute ready set: %w", err)
		}
		launched := 0
		for _, t := range ready {
			if !sem.TryAcquire(1) {
				break
			}
			inflight++
			launched++
			go func(t domain.Task) {
				out := o.runTask(ctx, p, t)
				sem.Release(1)
				results <- out
			}(t)
		}

		if inflight == 0 {
			if launched == 0 {
				return o.finish(ctx, p)
			}
			continue
		}

		select {
		case out := <-results:
			inflight--
			if out.err != nil {
				// A pipeline unwinding on run cancellation is a drain, not a
				// store failure, even when the select takes this branch first.
				if canceled(ctx, out.err) {
					return o.drain(p, results, inflight)
				}
				return "", out.err
			}
			o.settle(ctx, out)
		case <-ctx.Done():
			return o.drain(p, results, inflight)
		}
	}
}

// canceled reports whether err is the run context's own cancellation
// surfacing through a pipeline rather than an independent failure.
func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// settle applies the post-pipeline disposition: auto-retry failed tasks with
// attempts left by routing them back through pending.
func (o *Orchestrator) settle(ctx context.Context, out taskOutcome) {
	switch out.outcome {
	case gate.OutcomeFailedRetryable:
		if err := o.Machine.RetryToPending(ctx, out.task.ID); err != nil {
			o.log().Warn("retry failed", "task", out.task.Name, "error", err)
		} else {
			o.log().Info("task re-queued", "task", out.task.Name, "attempt", out.task.Attempt+1)
		}
	case gate.OutcomeEscalated:
		o.log().Warn("task escalated", "task", out.task.Name, "attempt", out.task.Attempt)
	case gate.OutcomeHumanRequired:
		o.log().Info("task awaiting human gate decision", "task", out.task.Name)
	case gate.OutcomePassed:
		o.log().Info("task passed", "task", out.task.Name, "attempt", out.task.Attempt)
	}
}

// finish classifies a run with nothing ready and nothing in flight.
func (o *Orchestrator) finish(ctx context.Context, p domain.Plan) (Result, error) {
	counts, err := o.Repo.CountTasksByStatus(ctx, p.ID)
	if err != nil {
		return "", err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if counts[domain.TaskPassed] == total {
		if err := o.Repo.UpdatePlanStatus(ctx, p.ID, domain.PlanCompleted, o.now()); err != nil {
			return "", err
		}
		return ResultCompleted, nil
	}
	if counts[domain.TaskChecking] > 0 &&
		counts[domain.TaskFailed] == 0 && counts[domain.TaskEscalated] == 0 {
		return ResultHumanRequired, nil
	}
	if err := o.Repo.UpdatePlanStatus(ctx, p.ID, domain.PlanFailed, o.now()); err != nil {
		return "", err
	}
	return ResultFailed, nil
}

// drain stops assignment, waits out the grace period for in-flight
// pipelines, and forces anything still stuck to failed.
func (o *Orchestrator) drain(p domain.Plan, results chan taskOutcome, inflight int) (Result, error) {
	o.log().Info("cancellation requested, draining", "inflight", inflight)
	deadline := time.After(drainGrace)
	for inflight > 0 {
		select {
		case <-results:
			inflight--
		case <-deadline:
			o.forceFailInFlight(p.ID)
			return ResultInterrupted, nil
		}
	}
	o.forceFailInFlight(p.ID)
	return ResultInterrupted, nil
}

// forceFailInFlight walks any task still mid-pipeline down to failed. Runs
// on a background context: the run context is already cancelled.
func (o *Orchestrator) forceFailInFlight(planID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stuck, err := o.Repo.TasksInStatus(ctx, planID, domain.TaskAssigned, domain.TaskRunning, domain.TaskChecking)
	if err != nil {
		o.log().Error("listing in-flight tasks during drain", "error", err)
		return
	}
	for _, t := range stuck {
		if err := o.forceFail(ctx, t); err != nil {
			o.log().Warn("forcing task to failed", "task", t.Name, "error", err)
		}
	}
}

// forceFail advances a task along the remaining lifecycle edges to failed.
func (o *Orchestrator) forceFail(ctx context.Context, t domain.Task) error {
	chain := map[string]string{
		domain.TaskPending:  domain.TaskAssigned,
		domain.TaskAssigned: domain.TaskRunning,
		domain.TaskRunning:  domain.TaskChecking,
		domain.TaskChecking: domain.TaskFailed,
	}
	status := t.Status
	for status != domain.TaskFailed {
		next, ok := chain[status]
		if !ok {
			return fmt.Errorf("task %s cannot reach failed from %s", t.Name, status)
		}
		if err := o.Machine.Transition(ctx, t.ID, status, next); err != nil {
			if errors.Is(err, state.ErrStateConflict) {
				fresh, rerr := o.Repo.GetTask(ctx, t.ID)
				if rerr != nil {
					return rerr
				}
				status = fresh.Status
				if status == domain.TaskFailed || status == domain.TaskPassed || status == domain.TaskEscalated {
					return nil
				}
				continue
			}
			return err
		}
		status = next
	}
	return nil
}

// recoverOrphans resets tasks a previous dispatcher left in flight, then
// re-queues or escalates them.
func (o *Orchestrator) recoverOrphans(ctx context.Context, planID string) error {
	orphans, err := o.Machine.ResetOrphans(ctx, planID)
	if err != nil {
		return err
	}
	for _, t := range orphans {
		o.log().Warn("recovered orphaned task", "task", t.Name, "was", t.Status)
		if t.Attempt < t.RetryMax {
			if err := o.Machine.RetryToPending(ctx, t.ID); err != nil {
				return err
			}
		} else {
			if err := o.Machine.Escalate(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

package orch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskgate/internal/domain"
	"taskgate/internal/gate"
	"taskgate/internal/harness"
	"taskgate/internal/state"
	"taskgate/internal/token"
)

// agentInstructions is appended to every harness system prompt.
const agentInstructions = `You are completing one task inside an isolated workspace.
Use the tg CLI to interact with the dispatcher: "tg task" shows your assignment,
"tg check" runs the acceptance checks, "tg progress <msg>" reports progress,
"tg done" signals completion. Do not modify files outside this workspace.`

// runTask is the per-task pipeline: workspace → token → assign → spawn →
// stream → gate → evaluate. Every failure short of a store error resolves to
// the task's failed disposition and the loop keeps scheduling.
func (o *Orchestrator) runTask(ctx context.Context, p domain.Plan, t domain.Task) taskOutcome {
	log := o.log().With("task", t.Name, "attempt", t.Attempt)

	harnessName := "claude-code"
	if t.AssignedHarness != nil && *t.AssignedHarness != "" {
		harnessName = *t.AssignedHarness
	}
	h, err := o.Registry.Get(harnessName)
	if err != nil {
		log.Error("harness lookup failed", "error", err)
		return o.failPipeline(ctx, t, domain.TaskPending, err)
	}

	ws, err := o.Workspaces.Create(ctx, p, t, t.Attempt)
	if err != nil {
		log.Error("workspace acquisition failed", "error", err)
		return o.failPipeline(ctx, t, domain.TaskPending, err)
	}
	cleanup := func() {
		if o.KeepWorkspaces {
			return
		}
		if err := o.Workspaces.Remove(context.Background(), ws); err != nil {
			log.Warn("workspace cleanup failed", "error", err)
		}
	}

	if err := o.Machine.Assign(ctx, t.ID,
		state.WithHarness(harnessName), state.WithWorkspaceRef(ws.Path)); err != nil {
		cleanup()
		if errors.Is(err, state.ErrStateConflict) || errors.Is(err, state.ErrDependencyNotSatisfied) {
			// Another dispatcher won the task, or a dependency regressed.
			log.Info("assignment skipped", "reason", err)
			return taskOutcome{task: t}
		}
		return taskOutcome{task: t, err: err}
	}

	mt, err := o.materialize(ctx, p, t, ws.Path)
	if err != nil {
		cleanup()
		return o.failPipeline(ctx, t, domain.TaskAssigned, err)
	}

	handle, err := h.Spawn(ctx, mt)
	if err != nil {
		log.Error("spawn failed", "harness", harnessName, "error", err)
		cleanup()
		return o.failPipeline(ctx, t, domain.TaskAssigned, err)
	}

	if err := o.Machine.Transition(ctx, t.ID, domain.TaskAssigned, domain.TaskRunning); err != nil {
		handle.Kill()
		cleanup()
		return taskOutcome{task: t, err: err}
	}
	log.Info("task running", "harness", harnessName, "workspace", ws.Path)

	o.stream(ctx, t, handle, log)

	fresh, err := o.Repo.GetTask(ctx, t.ID)
	if err != nil {
		cleanup()
		return taskOutcome{task: t, err: err}
	}
	verdict, err := o.Gate.RunGate(ctx, fresh, ws.Path)
	if err != nil {
		cleanup()
		if errors.Is(err, state.ErrStateConflict) {
			log.Info("gate skipped", "reason", err)
			return taskOutcome{task: fresh}
		}
		return taskOutcome{task: fresh, err: err}
	}
	outcome, err := o.Gate.Evaluate(ctx, fresh, verdict)
	if err != nil {
		cleanup()
		return taskOutcome{task: fresh, err: err}
	}
	log.Info("gate evaluated", "verdict", verdict.String(), "outcome", string(outcome))
	if outcome != gate.OutcomeHumanRequired {
		cleanup()
	}
	return taskOutcome{task: fresh, outcome: outcome}
}

// stream consumes harness events until completion, process exit, timeout, or
// cancellation, recording each event. Timeout and cancellation kill the
// process; the task is then judged on whatever workspace state exists.
func (o *Orchestrator) stream(ctx context.Context, t domain.Task, handle harness.Handle, log *slog.Logger) {
	timeout := o.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				log.Info("agent process exited")
				return
			}
			if err := o.Events.AppendRaw(ctx, t.ID, t.Attempt, ev.Type, string(ev.Payload)); err != nil {
				log.Warn("recording agent event", "error", err)
			}
			if ev.Type == harness.EventCompleted {
				log.Info("agent signalled completion")
				handle.Kill()
				return
			}
		case <-timer.C:
			log.Warn("task timed out", "timeout", timeout.String())
			handle.Kill()
			return
		case <-ctx.Done():
			log.Warn("cancellation while streaming")
			handle.Kill()
			return
		}
	}
}

// materialize renders the prompt and scoped environment for one attempt.
func (o *Orchestrator) materialize(ctx context.Context, p domain.Plan, t domain.Task, dir string) (harness.MaterializedTask, error) {
	invariants, err := o.Repo.ListTaskInvariants(ctx, t.ID)
	if err != nil {
		return harness.MaterializedTask{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n%s\n", t.Name, t.Description)
	if len(invariants) > 0 {
		b.WriteString("\nYour work must satisfy these checks:\n")
		for _, inv := range invariants {
			fmt.Fprintf(&b, "- %s: %s %s (expects exit %d)\n",
				inv.Name, inv.Command, strings.Join(inv.Args, " "), inv.ExpectedExitCode)
		}
	}
	tok := token.Generate(o.Tokens, t.ID, t.Attempt)
	env := map[string]string{
		token.EnvToken:       tok,
		"TASKGATE_WORKSPACE": o.Workspace,
		"TASKGATE_PLAN_ID":   p.ID,
	}
	return harness.MaterializedTask{
		TaskID:       t.ID,
		PlanID:       p.ID,
		Attempt:      t.Attempt,
		Prompt:       b.String(),
		Instructions: agentInstructions,
		WorkspaceDir: dir,
		Env:          env,
	}, nil
}

// failPipeline drives a task from its current point in the lifecycle down to
// failed so the retry/escalate path picks it up.
func (o *Orchestrator) failPipeline(ctx context.Context, t domain.Task, from string, cause error) taskOutcome {
	t.Status = from
	if err := o.forceFail(ctx, t); err != nil {
		return taskOutcome{task: t, err: err}
	}
	fresh, err := o.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return taskOutcome{task: t, err: err}
	}
	outcome := gate.OutcomeFailedRetryable
	if fresh.Attempt >= fresh.RetryMax {
		if err := o.Machine.Escalate(ctx, t.ID); err != nil && !errors.Is(err, state.ErrStateConflict) {
			return taskOutcome{task: fresh, err: err}
		}
		outcome = gate.OutcomeEscalated
	}
	return taskOutcome{task: fresh, outcome: outcome}
}

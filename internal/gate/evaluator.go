package gate

import (
	"context"

	"taskgate/internal/domain"
)

// Outcome is the disposition a verdict produces under a task's gate policy.
type Outcome string

const (
	// OutcomePassed: the task reached passed.
	OutcomePassed Outcome = "passed"
	// OutcomeFailedRetryable: the task reached failed with retries left.
	OutcomeFailedRetryable Outcome = "failed_retryable"
	// OutcomeEscalated: the task reached failed with retries exhausted and
	// was escalated.
	OutcomeEscalated Outcome = "escalated"
	// OutcomeHumanRequired: the task stays in checking; an operator supplies
	// the terminal transition. The computed verdict is advisory only.
	OutcomeHumanRequired Outcome = "human_required"
)

// Evaluate maps (verdict, gate policy) to a state transition.
func (r Runner) Evaluate(ctx context.Context, task domain.Task, verdict Verdict) (Outcome, error) {
	if task.GatePolicy != domain.GateAuto {
		return OutcomeHumanRequired, nil
	}
	if verdict.Passed {
		if err := r.Machine.Transition(ctx, task.ID, domain.TaskChecking, domain.TaskPassed); err != nil {
			return "", err
		}
		return OutcomePassed, nil
	}
	if err := r.Machine.Transition(ctx, task.ID, domain.TaskChecking, domain.TaskFailed); err != nil {
		return "", err
	}
	if task.Attempt < task.RetryMax {
		return OutcomeFailedRetryable, nil
	}
	if err := r.Machine.Escalate(ctx, task.ID); err != nil {
		return "", err
	}
	return OutcomeEscalated, nil
}

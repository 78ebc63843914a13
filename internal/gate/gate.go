package gate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"taskgate/internal/domain"
	"taskgate/internal/repo"
	"taskgate/internal/state"
)

// maxCapture bounds stored stdout/stderr per invariant run.
const maxCapture = 1024

// Verdict is the aggregate outcome of one gate run.
type Verdict struct {
	Passed   bool
	Failures []Failure
}

// Failure names one invariant that did not hold.
type Failure struct {
	Invariant string
	ExitCode  *int
	Stderr    string
}

func (v Verdict) String() string {
	if v.Passed {
		return "passed"
	}
	names := make([]string, len(v.Failures))
	for i, f := range v.Failures {
		names[i] = f.Invariant
	}
	return "failed: " + strings.Join(names, ", ")
}

// InvariantResult is the outcome of executing a single invariant command.
type InvariantResult struct {
	Invariant domain.Invariant
	Passed    bool
	ExitCode  *int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
}

// Runner executes a task's linked invariants and records the audit trail.
type Runner struct {
	Repo    repo.Repo
	Machine state.Machine
	Log     *slog.Logger
	Now     func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// RunGate transitions the task running→checking, executes every linked
// invariant inside workdir, records one gate_results row per invariant, and
// returns the aggregate verdict. Individual invariant timeouts produce
// failing results, never abort the run.
func (r Runner) RunGate(ctx context.Context, task domain.Task, workdir string) (Verdict, error) {
	if err := r.Machine.Transition(ctx, task.ID, domain.TaskRunning, domain.TaskChecking); err != nil {
		return Verdict{}, err
	}
	invariants, err := r.Repo.ListTaskInvariants(ctx, task.ID)
	if err != nil {
		return Verdict{}, err
	}
	verdict := Verdict{Passed: true}
	for _, inv := range invariants {
		res := RunInvariant(ctx, inv, workdir)
		if r.Log != nil {
			r.Log.Info("invariant checked",
				"task_id", task.ID, "attempt", task.Attempt,
				"invariant", inv.Name, "passed", res.Passed, "duration_ms", res.Duration.Milliseconds())
		}
		row := domain.GateResult{
			TaskID:      task.ID,
			InvariantID: inv.ID,
			Attempt:     task.Attempt,
			Passed:      res.Passed,
			ExitCode:    res.ExitCode,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
			DurationMS:  res.Duration.Milliseconds(),
			CheckedAt:   r.now().UTC().Format(time.RFC3339),
		}
		if err := r.Repo.InsertGateResult(ctx, row); err != nil {
			return Verdict{}, fmt.Errorf("record gate result for %s: %w", inv.Name, err)
		}
		if !res.Passed {
			verdict.Passed = false
			verdict.Failures = append(verdict.Failures, Failure{
				Invariant: inv.Name,
				ExitCode:  res.ExitCode,
				Stderr:    res.Stderr,
			})
		}
	}
	return verdict, nil
}

// RunInvariant executes one invariant command in dir under its configured
// timeout. A timeout yields a failing result with a nil exit code.
func RunInvariant(ctx context.Context, inv domain.Invariant, dir string) InvariantResult {
	timeout := time.Duration(inv.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, inv.Command, inv.Args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	duration := time.Since(start)

	res := InvariantResult{
		Invariant: inv,
		Stdout:    truncate(stdout.String()),
		Stderr:    truncate(stderr.String()),
		Duration:  duration,
	}
	if cctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.Stderr = truncate(fmt.Sprintf("timed out after %ds", inv.TimeoutSeconds))
		return res
	}
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			res.Stderr = truncate(err.Error())
			return res
		}
		code = exitErr.ExitCode()
	}
	res.ExitCode = &code
	res.Passed = code == inv.ExpectedExitCode && thresholdHolds(inv, stdout.String())
	return res
}

// thresholdHolds applies an optional numeric threshold: the last non-empty
// stdout line must parse as a number >= the threshold. Used by coverage-style
// invariants whose command prints a single figure.
func thresholdHolds(inv domain.Invariant, stdout string) bool {
	if inv.Threshold == nil {
		return true
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	last = strings.TrimSuffix(last, "%")
	observed, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return false
	}
	return observed >= *inv.Threshold
}

func truncate(s string) string {
	if len(s) <= maxCapture {
		return s
	}
	return s[:maxCapture]
}

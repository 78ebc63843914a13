package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"taskgate/internal/app"
	"taskgate/internal/events"
	"taskgate/internal/gate"
	"taskgate/internal/token"
)

// Agent-mode commands: the four capabilities reachable by an agent process
// holding a scoped token. The token binds the invocation to one (task,
// attempt); everything else in the CLI rejects agent mode.

// withAgentEnv validates the environment token and opens the store rooted at
// the dispatcher workspace the orchestrator exported.
func withAgentEnv(fn func(context.Context, *app.Env, token.Claims) error) error {
	ws := os.Getenv("TASKGATE_WORKSPACE")
	if ws == "" {
		ws = "."
	}
	e, err := app.Open(ws, app.NewLogger())
	if err != nil {
		return err
	}
	defer e.Close()
	tokens, err := e.Tokens()
	if err != nil {
		return err
	}
	claims, err := token.RequireAgentMode(tokens)
	if err != nil {
		return err
	}
	return fn(context.Background(), e, claims)
}

func agentTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task",
		Short: "Show the current task assignment (agent mode)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgentEnv(func(ctx context.Context, e *app.Env, claims token.Claims) error {
				t, err := e.Repo.GetTask(ctx, claims.TaskID)
				if err != nil {
					return err
				}
				if t.Attempt != claims.Attempt {
					return fmt.Errorf("token is for attempt %d, task is on attempt %d", claims.Attempt, t.Attempt)
				}
				invs, err := e.Repo.ListTaskInvariants(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"task": t, "invariants": invs})
			})
		},
	}
}

func agentCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the task's invariant checks in the current directory (agent mode)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgentEnv(func(ctx context.Context, e *app.Env, claims token.Claims) error {
				invs, err := e.Repo.ListTaskInvariants(ctx, claims.TaskID)
				if err != nil {
					return err
				}
				dir, err := os.Getwd()
				if err != nil {
					return err
				}
				var failed []string
				for _, inv := range invs {
					res := gate.RunInvariant(ctx, inv, dir)
					status := "ok"
					if !res.Passed {
						status = "FAIL"
						failed = append(failed, inv.Name)
					}
					detail := ""
					if res.TimedOut {
						detail = " (timed out)"
					} else if res.ExitCode != nil && *res.ExitCode != inv.ExpectedExitCode {
						detail = fmt.Sprintf(" (exit %d, expected %d)", *res.ExitCode, inv.ExpectedExitCode)
					}
					fmt.Printf("%-6s %s%s\n", status, inv.Name, detail)
				}
				if len(failed) > 0 {
					return fmt.Errorf("%d check(s) failing: %s", len(failed), strings.Join(failed, ", "))
				}
				fmt.Println("all checks passing")
				return nil
			})
		},
	}
}

func agentProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <message>",
		Short: "Report progress on the current task (agent mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgentEnv(func(ctx context.Context, e *app.Env, claims token.Claims) error {
				return e.Events.Append(ctx, claims.TaskID, claims.Attempt, "progress",
					events.Payload{"message": args[0]})
			})
		},
	}
}

func agentDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done",
		Short: "Signal completion of the current task (agent mode)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgentEnv(func(ctx context.Context, e *app.Env, claims token.Claims) error {
				return e.Events.Append(ctx, claims.TaskID, claims.Attempt, "done", nil)
			})
		},
	}
}

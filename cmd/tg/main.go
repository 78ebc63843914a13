package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgate/internal/app"
	"taskgate/internal/db"
	"taskgate/internal/domain"
	"taskgate/internal/orch"
	"taskgate/internal/plan"
	"taskgate/internal/server"
	"taskgate/internal/token"
	"taskgate/internal/workspace"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "Taskgate CLI",
	Long: `Taskgate dispatches a DAG of tasks to external agent processes and gates
each task's output behind operator-defined invariant checks. Plans are created
from a YAML definition, approved, and dispatched; every task attempt runs in
an exclusive workspace under a scoped token, and only the persisted state
machine decides when a task is done.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(invariantCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(reopenCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentTaskCmd())
	rootCmd.AddCommand(agentCheckCmd())
	rootCmd.AddCommand(agentProgressCmd())
	rootCmd.AddCommand(agentDoneCmd())
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
		Long:  "Plans are DAGs of tasks defined in YAML. They flow draft -> approved -> running -> completed/failed.",
	}
	cmd.AddCommand(planCreateCmd())
	cmd.AddCommand(planApproveCmd())
	cmd.AddCommand(planListCmd())
	cmd.AddCommand(planShowCmd())
	return cmd
}

func planCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				f, err := plan.Load(file)
				if err != nil {
					return err
				}
				svc := plan.Service{DB: e.DB, Repo: e.Repo, RetryMax: e.Config.Dispatch.RetryMax}
				p, err := svc.Create(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "taskgate-plan.yml", "plan definition file")
	return cmd
}

func planApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <plan>",
		Short: "Approve a draft plan for dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				p, err := e.Repo.ResolvePlan(ctx, args[0])
				if err != nil {
					return err
				}
				svc := plan.Service{DB: e.DB, Repo: e.Repo}
				if err := svc.Approve(ctx, p.ID); err != nil {
					return err
				}
				p, err = e.Repo.GetPlan(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func planListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				plans, err := e.Repo.ListPlans(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range plans {
					t.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan>",
		Short: "Show a plan and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				p, err := e.Repo.ResolvePlan(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTasks(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"plan": p, "tasks": tasks})
				}
				fmt.Printf("Plan: %s (%s) [%s]\n", p.Name, p.ID, p.Status)
				renderTaskTable(tasks)
				return nil
			})
		},
	}
}

func invariantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invariant",
		Short: "Manage invariants",
		Long:  "Invariants are reusable named checks (command + expected exit code) that gate task acceptance.",
	}
	cmd.AddCommand(invariantAddCmd())
	cmd.AddCommand(invariantListCmd())
	cmd.AddCommand(invariantShowCmd())
	cmd.AddCommand(invariantRmCmd())
	cmd.AddCommand(invariantLinkCmd())
	return cmd
}

func invariantAddCmd() *cobra.Command {
	var inv domain.Invariant
	var threshold float64
	cmd := &cobra.Command{
		Use:   "add <name> -- <command> [args...]",
		Short: "Add an invariant",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				inv.ID = uuid.NewString()
				inv.Name = args[0]
				inv.Command = args[1]
				inv.Args = args[2:]
				if cmd.Flags().Changed("threshold") {
					inv.Threshold = &threshold
				}
				if !domain.ValidInvariantKind(inv.Kind) {
					return fmt.Errorf("invalid kind %q", inv.Kind)
				}
				if !domain.ValidInvariantScope(inv.Scope) {
					return fmt.Errorf("invalid scope %q", inv.Scope)
				}
				if err := e.Repo.InsertInvariant(ctx, inv); err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&inv.Description, "description", "", "description")
	cmd.Flags().StringVar(&inv.Kind, "kind", domain.InvariantCustom, "kind (test_suite|typecheck|lint|coverage|custom)")
	cmd.Flags().IntVar(&inv.ExpectedExitCode, "expected-exit", 0, "expected exit code")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "numeric threshold the last stdout line must meet")
	cmd.Flags().StringVar(&inv.Scope, "scope", domain.InvariantProject, "scope (global|project)")
	cmd.Flags().IntVar(&inv.TimeoutSeconds, "timeout", 300, "timeout in seconds")
	return cmd
}

func invariantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				invs, err := e.Repo.ListInvariants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(invs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Name", "Kind", "Command", "Expect", "Timeout"})
				for _, inv := range invs {
					t.AppendRow(table.Row{inv.Name, inv.Kind,
						strings.TrimSpace(inv.Command + " " + strings.Join(inv.Args, " ")),
						inv.ExpectedExitCode, fmt.Sprintf("%ds", inv.TimeoutSeconds)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func invariantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <invariant>",
		Short: "Show an invariant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				inv, err := e.Repo.ResolveInvariant(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
}

func invariantRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <invariant>",
		Short: "Remove an invariant (refused while linked to tasks)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				inv, err := e.Repo.ResolveInvariant(ctx, args[0])
				if err != nil {
					return err
				}
				return e.Repo.DeleteInvariant(ctx, inv.ID)
			})
		},
	}
}

func invariantLinkCmd() *cobra.Command {
	var planRef string
	cmd := &cobra.Command{
		Use:   "link <task> <invariant>",
		Short: "Link an invariant to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				t, err := resolveTask(ctx, e, planRef, args[0])
				if err != nil {
					return err
				}
				inv, err := e.Repo.ResolveInvariant(ctx, args[1])
				if err != nil {
					return err
				}
				return e.Repo.LinkInvariant(ctx, t.ID, inv.ID)
			})
		},
	}
	cmd.Flags().StringVar(&planRef, "plan", "", "plan id or name (to resolve the task by name)")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var concurrency int
	var taskTimeout time.Duration
	var keepWorkspaces bool
	cmd := &cobra.Command{
		Use:   "dispatch <plan>",
		Short: "Dispatch an approved plan",
		Long: `Dispatch drives the plan's task DAG under bounded concurrency. Exit status:
0 all tasks passed, 1 some tasks failed or escalated, 2 tasks await a human
gate decision, 130 interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := token.RequireOperatorMode(); err != nil {
				return err
			}
			log := app.NewLogger()
			e, err := app.Open(viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer e.Close()

			tokens, err := e.Tokens()
			if err != nil {
				return err
			}
			p, err := e.Repo.ResolvePlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			provider, err := workspace.New(e.Config.Isolation.Mode, e.Config.Isolation.Root)
			if err != nil {
				return err
			}
			if concurrency <= 0 {
				concurrency = e.Config.Dispatch.Concurrency
			}
			if taskTimeout <= 0 {
				taskTimeout = e.Config.TaskTimeout()
			}
			o := &orch.Orchestrator{
				Repo:           e.Repo,
				Machine:        e.Machine,
				Gate:           e.Gate,
				Events:         e.Events,
				Registry:       e.Registry(),
				Workspaces:     provider,
				Tokens:         tokens,
				Log:            log,
				Concurrency:    int64(concurrency),
				TaskTimeout:    taskTimeout,
				Workspace:      e.Workspace,
				KeepWorkspaces: keepWorkspaces,
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				<-sigs
				log.Warn("interrupt received, draining (press again to force quit)")
				cancel()
				<-sigs
				log.Error("second interrupt, exiting immediately")
				os.Exit(130)
			}()

			result, err := o.Run(ctx, p.ID)
			if err != nil {
				return err
			}
			fmt.Printf("dispatch result: %s\n", result)
			switch result {
			case orch.ResultCompleted:
				return nil
			case orch.ResultHumanRequired:
				e.Close()
				os.Exit(2)
			case orch.ResultInterrupted:
				e.Close()
				os.Exit(130)
			default:
				e.Close()
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "execution slots (default from config)")
	cmd.Flags().DurationVar(&taskTimeout, "task-timeout", 0, "per-task timeout (default from config)")
	cmd.Flags().BoolVar(&keepWorkspaces, "keep-workspaces", false, "keep attempt workspaces for inspection")
	return cmd
}

func approveCmd() *cobra.Command {
	var planRef string
	cmd := &cobra.Command{
		Use:   "approve <task>",
		Short: "Approve a checking task (operator gate decision)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				t, err := resolveTask(ctx, e, planRef, args[0])
				if err != nil {
					return err
				}
				if err := e.Machine.Transition(ctx, t.ID, domain.TaskChecking, domain.TaskPassed); err != nil {
					return err
				}
				return showTask(ctx, e, t.ID)
			})
		},
	}
	cmd.Flags().StringVar(&planRef, "plan", "", "plan id or name")
	return cmd
}

func rejectCmd() *cobra.Command {
	var planRef string
	cmd := &cobra.Command{
		Use:   "reject <task>",
		Short: "Reject a checking task; it fails and feeds retry/escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				t, err := resolveTask(ctx, e, planRef, args[0])
				if err != nil {
					return err
				}
				if err := e.Machine.Transition(ctx, t.ID, domain.TaskChecking, domain.TaskFailed); err != nil {
					return err
				}
				return showTask(ctx, e, t.ID)
			})
		},
	}
	cmd.Flags().StringVar(&planRef, "plan", "", "plan id or name")
	return cmd
}

func retryCmd() *cobra.Command {
	var planRef string
	cmd := &cobra.Command{
		Use:   "retry <task>",
		Short: "Re-queue a failed task (attempt + 1)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				t, err := resolveTask(ctx, e, planRef, args[0])
				if err != nil {
					return err
				}
				if err := e.Machine.RetryToPending(ctx, t.ID); err != nil {
					return err
				}
				return showTask(ctx, e, t.ID)
			})
		},
	}
	cmd.Flags().StringVar(&planRef, "plan", "", "plan id or name")
	return cmd
}

func reopenCmd() *cobra.Command {
	var planRef string
	cmd := &cobra.Command{
		Use:   "reopen <task>",
		Short: "Reopen an escalated task (operator override)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				t, err := resolveTask(ctx, e, planRef, args[0])
				if err != nil {
					return err
				}
				if err := e.Machine.Reopen(ctx, t.ID); err != nil {
					return err
				}
				return showTask(ctx, e, t.ID)
			})
		},
	}
	cmd.Flags().StringVar(&planRef, "plan", "", "plan id or name")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan>",
		Short: "Show plan status and task table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				p, err := e.Repo.ResolvePlan(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTasks(ctx, p.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"plan": p, "tasks": tasks, "counts": counts})
				}
				fmt.Printf("Plan: %s [%s]\n", p.Name, p.Status)
				renderTaskTable(tasks)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the agent event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var planRef string
	cmd := &cobra.Command{
		Use:   "tail <task>",
		Short: "Tail agent events for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *app.Env) error {
				t, err := resolveTask(ctx, e, planRef, args[0])
				if err != nil {
					return err
				}
				evs, err := e.Repo.ListAgentEvents(ctx, t.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(evs)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 50, "number of events")
	cmd.Flags().StringVar(&planRef, "plan", "", "plan id or name")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := token.RequireOperatorMode(); err != nil {
				return err
			}
			e, err := app.Open(viper.GetString("workspace"), app.NewLogger())
			if err != nil {
				return err
			}
			defer e.Close()
			secret := e.Config.Server.JWTSecret
			if secret == "" {
				secret = os.Getenv("TASKGATE_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("TASKGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Repo:     e.Repo,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskgate API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// withEnv runs an operator command. The whole operator surface is gated: any
// agent token in the environment, valid or not, fails the invocation closed.
// Agent-mode commands go through withAgentEnv instead.
func withEnv(fn func(context.Context, *app.Env) error) error {
	if err := token.RequireOperatorMode(); err != nil {
		return err
	}
	e, err := app.Open(viper.GetString("workspace"), app.NewLogger())
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(context.Background(), e)
}

func resolveTask(ctx context.Context, e *app.Env, planRef, taskRef string) (domain.Task, error) {
	planID := ""
	if planRef != "" {
		p, err := e.Repo.ResolvePlan(ctx, planRef)
		if err != nil {
			return domain.Task{}, err
		}
		planID = p.ID
	}
	return e.Repo.ResolveTask(ctx, planID, taskRef)
}

func showTask(ctx context.Context, e *app.Env, id string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return printJSONOrTable(t)
}

func renderTaskTable(tasks []domain.Task) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Name", "Status", "Attempt", "Gate", "Harness"})
	for _, task := range tasks {
		h := ""
		if task.AssignedHarness != nil {
			h = *task.AssignedHarness
		}
		t.AppendRow(table.Row{task.Name, task.Status,
			fmt.Sprintf("%d/%d", task.Attempt, task.RetryMax), task.GatePolicy, h})
	}
	t.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

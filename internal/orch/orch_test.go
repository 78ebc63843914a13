package orch_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskgate/internal/db"
	"taskgate/internal/domain"
	"taskgate/internal/events"
	"taskgate/internal/gate"
	"taskgate/internal/harness"
	"taskgate/internal/migrate"
	"taskgate/internal/orch"
	"taskgate/internal/plan"
	"taskgate/internal/repo"
	"taskgate/internal/state"
	"taskgate/internal/token"
	"taskgate/internal/workspace"
)

// stubHarness fulfils every spawn with a handle that immediately signals
// completion (or blocks until killed), recording spawn order.
type stubHarness struct {
	name  string
	block bool

	mu      sync.Mutex
	spawned []string
}

func (s *stubHarness) Name() string { return s.name }

func (s *stubHarness) Spawn(_ context.Context, mt harness.MaterializedTask) (harness.Handle, error) {
	s.mu.Lock()
	s.spawned = append(s.spawned, mt.TaskID)
	s.mu.Unlock()
	return newStubHandle(s.block), nil
}

func (s *stubHarness) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spawned...)
}

type stubHandle struct {
	events chan harness.Event
	done   chan struct{}
	once   sync.Once
}

func newStubHandle(block bool) *stubHandle {
	h := &stubHandle{events: make(chan harness.Event, 1), done: make(chan struct{})}
	if !block {
		h.events <- harness.Event{Type: harness.EventCompleted, Payload: json.RawMessage(`{}`)}
	}
	return h
}

func (h *stubHandle) Events() <-chan harness.Event { return h.events }
func (h *stubHandle) Send(string) error           { return nil }

func (h *stubHandle) Kill() error {
	h.once.Do(func() {
		close(h.events)
		close(h.done)
	})
	return nil
}

func (h *stubHandle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

type testEnv struct {
	DB      *sql.DB
	Repo    repo.Repo
	Machine state.Machine
	Svc     plan.Service
	Ctx     context.Context
	Project string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	m := state.Machine{DB: conn, Repo: r, Events: events.Writer{DB: conn}}

	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "README"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := plan.Service{DB: conn, Repo: r, RetryMax: 2}
	return testEnv{DB: conn, Repo: r, Machine: m, Svc: svc, Ctx: context.Background(), Project: project}
}

// newOrchestrator wires an orchestrator around the stub harness.
func (e testEnv) newOrchestrator(t *testing.T, stub *stubHarness, concurrency int64) *orch.Orchestrator {
	t.Helper()
	reg := harness.NewRegistry()
	reg.Register(stub)
	return &orch.Orchestrator{
		Repo:        e.Repo,
		Machine:     e.Machine,
		Gate:        gate.Runner{Repo: e.Repo, Machine: e.Machine},
		Events:      events.Writer{DB: e.DB},
		Registry:    reg,
		Workspaces:  &workspace.DirProvider{Root: t.TempDir()},
		Tokens:      token.Config{Secret: []byte("test-secret")},
		Concurrency: concurrency,
		TaskTimeout: 30 * time.Second,
		Workspace:   e.Project,
	}
}

// approvedPlan creates and approves a plan, returning it with its tasks.
func (e testEnv) approvedPlan(t *testing.T, f plan.File) (domain.Plan, map[string]domain.Task) {
	t.Helper()
	f.ProjectPath = e.Project
	p, err := e.Svc.Create(e.Ctx, f)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := e.Svc.Approve(e.Ctx, p.ID); err != nil {
		t.Fatalf("approve plan: %v", err)
	}
	tasks, err := e.Repo.ListTasks(e.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]domain.Task{}
	for _, task := range tasks {
		byName[task.Name] = task
	}
	return p, byName
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	env := newTestEnv(t)
	stub := &stubHarness{name: "stub"}
	o := env.newOrchestrator(t, stub, 2)

	p, tasks := env.approvedPlan(t, plan.File{
		Name:           "diamond",
		DefaultHarness: "stub",
		Tasks: []plan.TaskSpec{
			{Name: "a"},
			{Name: "b"},
			{Name: "c", DependsOn: []string{"a", "b"}},
			{Name: "d", DependsOn: []string{"c"}},
		},
	})

	result, err := o.Run(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != orch.ResultCompleted {
		t.Fatalf("result = %s, want completed", result)
	}

	order := stub.order()
	if len(order) != 4 {
		t.Fatalf("spawned %d tasks, want 4", len(order))
	}
	c, d := indexOf(order, tasks["c"].ID), indexOf(order, tasks["d"].ID)
	if c < indexOf(order, tasks["a"].ID) || c < indexOf(order, tasks["b"].ID) {
		t.Fatalf("c spawned before a dependency finished: %v", order)
	}
	if d < c {
		t.Fatalf("d spawned before c: %v", order)
	}

	for name, task := range tasks {
		got, _ := env.Repo.GetTask(env.Ctx, task.ID)
		if got.Status != domain.TaskPassed {
			t.Fatalf("task %s status = %s, want passed", name, got.Status)
		}
	}
	gotPlan, _ := env.Repo.GetPlan(env.Ctx, p.ID)
	if gotPlan.Status != domain.PlanCompleted {
		t.Fatalf("plan status = %s, want completed", gotPlan.Status)
	}
}

func TestRunRetriesThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	stub := &stubHarness{name: "stub"}
	o := env.newOrchestrator(t, stub, 1)

	inv := domain.Invariant{
		ID: uuid.NewString(), Name: "never", Kind: domain.InvariantCustom,
		Command: "/bin/sh", Args: []string{"-c", "exit 1"},
		Scope: domain.InvariantProject, TimeoutSeconds: 10,
	}
	if err := env.Repo.InsertInvariant(env.Ctx, inv); err != nil {
		t.Fatal(err)
	}

	retryMax := 1
	p, tasks := env.approvedPlan(t, plan.File{
		Name:           "doomed",
		DefaultHarness: "stub",
		Tasks: []plan.TaskSpec{
			{Name: "flaky", RetryMax: &retryMax, Invariants: []string{"never"}},
		},
	})

	result, err := o.Run(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != orch.ResultFailed {
		t.Fatalf("result = %s, want failed", result)
	}
	if n := len(stub.order()); n != 2 {
		t.Fatalf("spawned %d times, want 2 (initial + one retry)", n)
	}
	got, _ := env.Repo.GetTask(env.Ctx, tasks["flaky"].ID)
	if got.Status != domain.TaskEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", got.Attempt)
	}
	for attempt := 0; attempt <= 1; attempt++ {
		results, err := env.Repo.ListGateResults(env.Ctx, got.ID, attempt)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].Passed {
			t.Fatalf("attempt %d gate results = %+v, want one failing row", attempt, results)
		}
	}
	gotPlan, _ := env.Repo.GetPlan(env.Ctx, p.ID)
	if gotPlan.Status != domain.PlanFailed {
		t.Fatalf("plan status = %s, want failed", gotPlan.Status)
	}
}

func TestRunHumanGateParksTask(t *testing.T) {
	env := newTestEnv(t)
	stub := &stubHarness{name: "stub"}
	o := env.newOrchestrator(t, stub, 1)

	p, tasks := env.approvedPlan(t, plan.File{
		Name:           "reviewed",
		DefaultHarness: "stub",
		Tasks: []plan.TaskSpec{
			{Name: "write-docs", Gate: domain.GateHumanReview},
		},
	})

	result, err := o.Run(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != orch.ResultHumanRequired {
		t.Fatalf("result = %s, want human_required", result)
	}
	got, _ := env.Repo.GetTask(env.Ctx, tasks["write-docs"].ID)
	if got.Status != domain.TaskChecking {
		t.Fatalf("status = %s, want checking (awaiting a decision)", got.Status)
	}
}

func TestRunUnknownHarnessEscalates(t *testing.T) {
	env := newTestEnv(t)
	stub := &stubHarness{name: "stub"}
	o := env.newOrchestrator(t, stub, 1)

	retryMax := 0
	p, tasks := env.approvedPlan(t, plan.File{
		Name:           "misconfigured",
		DefaultHarness: "ghost",
		Tasks: []plan.TaskSpec{
			{Name: "lost", RetryMax: &retryMax},
		},
	})

	result, err := o.Run(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != orch.ResultFailed {
		t.Fatalf("result = %s, want failed", result)
	}
	if len(stub.order()) != 0 {
		t.Fatalf("stub harness should never have been spawned")
	}
	got, _ := env.Repo.GetTask(env.Ctx, tasks["lost"].ID)
	if got.Status != domain.TaskEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
}

func TestRunRequiresApprovedPlan(t *testing.T) {
	env := newTestEnv(t)
	stub := &stubHarness{name: "stub"}
	o := env.newOrchestrator(t, stub, 1)

	f := plan.File{Name: "draft-only", DefaultHarness: "stub",
		Tasks: []plan.TaskSpec{{Name: "x"}}}
	f.ProjectPath = env.Project
	p, err := env.Svc.Create(env.Ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(env.Ctx, p.ID); err == nil {
		t.Fatalf("dispatching a draft plan should fail")
	}
}

func TestRunCancellationInterrupts(t *testing.T) {
	env := newTestEnv(t)
	stub := &stubHarness{name: "stub", block: true}
	o := env.newOrchestrator(t, stub, 1)

	p, tasks := env.approvedPlan(t, plan.File{
		Name:           "long-haul",
		DefaultHarness: "stub",
		Tasks: []plan.TaskSpec{
			{Name: "forever"},
		},
	})

	ctx, cancel := context.WithCancel(env.Ctx)
	time.AfterFunc(200*time.Millisecond, cancel)

	result, err := o.Run(ctx, p.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != orch.ResultInterrupted {
		t.Fatalf("result = %s, want interrupted", result)
	}
	got, _ := env.Repo.GetTask(env.Ctx, tasks["forever"].ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed after forced drain", got.Status)
	}
}

func TestRecoverOrphansOnStart(t *testing.T) {
	env := newTestEnv(t)
	stub := &stubHarness{name: "stub"}
	o := env.newOrchestrator(t, stub, 1)

	p, tasks := env.approvedPlan(t, plan.File{
		Name:           "restarted",
		DefaultHarness: "stub",
		Tasks: []plan.TaskSpec{
			{Name: "survivor"},
		},
	})
	// Simulate a crashed dispatcher: task left mid-flight.
	id := tasks["survivor"].ID
	if err := env.Machine.Assign(env.Ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := env.Machine.Transition(env.Ctx, id, domain.TaskAssigned, domain.TaskRunning); err != nil {
		t.Fatal(err)
	}

	result, err := o.Run(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != orch.ResultCompleted {
		t.Fatalf("result = %s, want completed after orphan recovery", result)
	}
	got, _ := env.Repo.GetTask(env.Ctx, id)
	if got.Status != domain.TaskPassed {
		t.Fatalf("status = %s, want passed", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (orphan reset consumed one)", got.Attempt)
	}
}

package domain

// Plan lifecycle statuses.
const (
	PlanDraft     = "draft"
	PlanApproved  = "approved"
	PlanRunning   = "running"
	PlanCompleted = "completed"
	PlanFailed    = "failed"
)

// Task lifecycle statuses.
const (
	TaskPending   = "pending"
	TaskAssigned  = "assigned"
	TaskRunning   = "running"
	TaskChecking  = "checking"
	TaskPassed    = "passed"
	TaskFailed    = "failed"
	TaskEscalated = "escalated"
)

// Task scope levels.
const (
	ScopeNarrow = "narrow"
	ScopeMedium = "medium"
	ScopeBroad  = "broad"
)

// Gate policies.
const (
	GateAuto         = "auto"
	GateHumanReview  = "human_review"
	GateHumanApprove = "human_approve"
)

// Invariant kinds.
const (
	InvariantTestSuite = "test_suite"
	InvariantTypecheck = "typecheck"
	InvariantLint      = "lint"
	InvariantCoverage  = "coverage"
	InvariantCustom    = "custom"
)

// Invariant scopes.
const (
	InvariantGlobal  = "global"
	InvariantProject = "project"
)

type Plan struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ProjectPath string  `json:"project_path"`
	BaseBranch  string  `json:"base_branch"`
	Status      string  `json:"status" enum:"draft,approved,running,completed,failed"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Task struct {
	ID              string  `json:"id"`
	PlanID          string  `json:"plan_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	ScopeLevel      string  `json:"scope_level" enum:"narrow,medium,broad"`
	GatePolicy      string  `json:"gate_policy" enum:"auto,human_review,human_approve"`
	RetryMax        int     `json:"retry_max"`
	Status          string  `json:"status" enum:"pending,assigned,running,checking,passed,failed,escalated"`
	AssignedHarness *string `json:"assigned_harness,omitempty"`
	WorkspaceRef    *string `json:"workspace_ref,omitempty"`
	Attempt         int     `json:"attempt"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

type TaskDependency struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}

type Invariant struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Kind             string   `json:"kind" enum:"test_suite,typecheck,lint,coverage,custom"`
	Command          string   `json:"command"`
	Args             []string `json:"args,omitempty"`
	ExpectedExitCode int      `json:"expected_exit_code"`
	Threshold        *float64 `json:"threshold,omitempty"`
	Scope            string   `json:"scope" enum:"global,project"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
}

type GateResult struct {
	ID          int64  `json:"id"`
	TaskID      string `json:"task_id"`
	InvariantID string `json:"invariant_id"`
	Attempt     int    `json:"attempt"`
	Passed      bool   `json:"passed"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	CheckedAt   string `json:"checked_at" format:"date-time"`
}

type AgentEvent struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	Attempt    int    `json:"attempt"`
	EventType  string `json:"event_type"`
	Payload    string `json:"payload_json"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

func ValidPlanStatus(s string) bool {
	switch s {
	case PlanDraft, PlanApproved, PlanRunning, PlanCompleted, PlanFailed:
		return true
	}
	return false
}

func ValidTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskAssigned, TaskRunning, TaskChecking, TaskPassed, TaskFailed, TaskEscalated:
		return true
	}
	return false
}

func ValidScopeLevel(s string) bool {
	switch s {
	case ScopeNarrow, ScopeMedium, ScopeBroad:
		return true
	}
	return false
}

func ValidGatePolicy(s string) bool {
	switch s {
	case GateAuto, GateHumanReview, GateHumanApprove:
		return true
	}
	return false
}

func ValidInvariantKind(s string) bool {
	switch s {
	case InvariantTestSuite, InvariantTypecheck, InvariantLint, InvariantCoverage, InvariantCustom:
		return true
	}
	return false
}

func ValidInvariantScope(s string) bool {
	switch s {
	case InvariantGlobal, InvariantProject:
		return true
	}
	return false
}

package plan

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskgate/internal/domain"
	"taskgate/internal/repo"
)

// Service creates and advances plans.
type Service struct {
	DB       *sql.DB
	Repo     repo.Repo
	Now      func() time.Time
	RetryMax int
}

func (s Service) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

// Create persists a validated plan definition: the plan row, its tasks in
// file order, dependency edges, and invariant links, all in one transaction.
// Referenced invariants must already exist.
func (s Service) Create(ctx context.Context, f File) (domain.Plan, error) {
	if err := Validate(f); err != nil {
		return domain.Plan{}, err
	}

	invariantIDs := map[string]string{}
	for _, t := range f.Tasks {
		for _, name := range t.Invariants {
			if _, ok := invariantIDs[name]; ok {
				continue
			}
			inv, err := s.Repo.ResolveInvariant(ctx, name)
			if err != nil {
				return domain.Plan{}, fmt.Errorf("task %s references unknown invariant %q", t.Name, name)
			}
			invariantIDs[name] = inv.ID
		}
	}

	now := s.now()
	p := domain.Plan{
		ID:          uuid.NewString(),
		Name:        f.Name,
		ProjectPath: f.ProjectPath,
		BaseBranch:  f.BaseBranch,
		Status:      domain.PlanDraft,
		CreatedAt:   now,
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	if err := s.Repo.InsertPlanTx(ctx, tx, p); err != nil {
		return domain.Plan{}, fmt.Errorf("insert plan: %w", err)
	}

	taskIDs := map[string]string{}
	for _, spec := range f.Tasks {
		retryMax := s.RetryMax
		if spec.RetryMax != nil {
			retryMax = *spec.RetryMax
		}
		harness := spec.Harness
		if harness == "" {
			harness = f.DefaultHarness
		}
		t := domain.Task{
			ID:          uuid.NewString(),
			PlanID:      p.ID,
			Name:        spec.Name,
			Description: spec.Description,
			ScopeLevel:  spec.Scope,
			GatePolicy:  spec.Gate,
			RetryMax:    retryMax,
			Status:      domain.TaskPending,
			Attempt:     0,
			CreatedAt:   now,
		}
		if harness != "" {
			t.AssignedHarness = &harness
		}
		if err := s.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return domain.Plan{}, fmt.Errorf("insert task %s: %w", spec.Name, err)
		}
		taskIDs[spec.Name] = t.ID
	}
	for _, spec := range f.Tasks {
		for _, dep := range spec.DependsOn {
			if err := s.Repo.AddDependencyTx(ctx, tx, taskIDs[spec.Name], taskIDs[dep]); err != nil {
				return domain.Plan{}, fmt.Errorf("link dependency %s -> %s: %w", spec.Name, dep, err)
			}
		}
		for _, name := range spec.Invariants {
			if err := s.Repo.LinkInvariantTx(ctx, tx, taskIDs[spec.Name], invariantIDs[name]); err != nil {
				return domain.Plan{}, fmt.Errorf("link invariant %s to %s: %w", name, spec.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

// Approve moves draft→approved.
func (s Service) Approve(ctx context.Context, planID string) error {
	p, err := s.Repo.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status != domain.PlanDraft {
		return fmt.Errorf("plan %s is %s, only draft plans can be approved", p.Name, p.Status)
	}
	return s.Repo.UpdatePlanStatus(ctx, planID, domain.PlanApproved, s.now())
}

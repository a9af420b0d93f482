// Package migration moves live sessions between versions of a scenario graph.
//
// The work is split the same way an operator experiences it:
//
//   - Planner diffs two versions and produces a reviewable MigrationPlan.
//   - Deployer (phase 1) marks eligible sessions once a plan is approved.
//   - Executor (phase 2) reconciles one session just before its next turn,
//     chaining plans when the session is several versions behind.
//
// Every collaborator is passed in through Deps; nothing here reads global state.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/flowshift/internal/condition"
	"github.com/steveyegge/flowshift/internal/graphdiff"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

// FieldFiller recovers field values without asking the customer.
// Implemented by *gapfill.Service.
type FieldFiller interface {
	Fill(ctx context.Context, s *types.Session, fields []types.FieldSpec) []types.GapFillResult
}

// ConditionEvaluator decides whether a branch condition holds for the given data.
// Implemented by *condition.Evaluator.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expr string, data map[string]string) (bool, error)
}

// Deps are the collaborators shared by Planner, Deployer and Executor.
type Deps struct {
	Scenarios  storage.ScenarioStore
	Plans      storage.PlanStore
	Sessions   storage.SessionStore
	Profiles   storage.ProfileStore // Optional: condition data for re-routing
	Audit      storage.AuditLog     // Optional
	GapFill    FieldFiller          // Optional: without it every gap-filled field is collected
	Conditions ConditionEvaluator   // nil = condition.NewEvaluator()
	Logger     *slog.Logger         // nil = slog.Default()
	Now        func() time.Time     // nil = time.Now
}

func (d Deps) withDefaults() Deps {
	if d.Conditions == nil {
		d.Conditions = condition.NewEvaluator()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (d Deps) differ() *graphdiff.Engine {
	return graphdiff.New(d.Logger)
}

// isDeployable reports whether a plan may be applied to sessions.
func isDeployable(p *types.MigrationPlan, now time.Time) bool {
	switch p.Status {
	case types.PlanApproved, types.PlanDeployed:
		return !p.IsExpired(now)
	case types.PlanPending, types.PlanRejected, types.PlanSuperseded:
		return false
	}
	return false
}

// deployablePlan returns the newest applicable plan for a version pair.
// Returns ErrPlanExpired when the only candidates have expired and
// ErrPlanNotFound when there are none.
func deployablePlan(ctx context.Context, plans storage.PlanStore, tenantID, scenarioID string, from, to int, now time.Time) (*types.MigrationPlan, error) {
	candidates, err := plans.ListPlansForVersions(ctx, tenantID, scenarioID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list plans %s v%d->v%d: %w", scenarioID, from, to, err)
	}
	expired := false
	for _, p := range candidates {
		if isDeployable(p, now) {
			return p, nil
		}
		if p.Status == types.PlanApproved || p.Status == types.PlanDeployed {
			expired = true
		}
	}
	if expired {
		return nil, fmt.Errorf("%s v%d->v%d: %w", scenarioID, from, to, ErrPlanExpired)
	}
	return nil, fmt.Errorf("%s v%d->v%d: %w", scenarioID, from, to, ErrPlanNotFound)
}

package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

// DefaultPlanTTL is how long a plan stays applicable after creation.
const DefaultPlanTTL = 720 * time.Hour

// Planner creates plans and drives their lifecycle.
type Planner struct {
	deps Deps
	ttl  time.Duration
}

// NewPlanner creates a planner. ttl <= 0 uses DefaultPlanTTL.
func NewPlanner(deps Deps, ttl time.Duration) *Planner {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	return &Planner{deps: deps.withDefaults(), ttl: ttl}
}

// GeneratePlan diffs from -> to and stores a PENDING plan with default
// policies. Older non-terminal plans for the same pair become SUPERSEDED.
func (p *Planner) GeneratePlan(ctx context.Context, tenantID, scenarioID string, from, to int) (*types.MigrationPlan, error) {
	if from < 1 || from >= to {
		return nil, fmt.Errorf("%w: v%d -> v%d", ErrInvalidVersionPair, from, to)
	}
	v1, err := p.deps.Scenarios.GetScenario(ctx, tenantID, scenarioID, from)
	if err != nil {
		return nil, fmt.Errorf("load %s v%d: %w", scenarioID, from, err)
	}
	v2, err := p.deps.Scenarios.GetScenario(ctx, tenantID, scenarioID, to)
	if err != nil {
		return nil, fmt.Errorf("load %s v%d: %w", scenarioID, to, err)
	}

	tmap, err := p.deps.differ().Diff(v1, v2)
	if err != nil {
		return nil, fmt.Errorf("diff %s v%d -> v%d: %w", scenarioID, from, to, err)
	}

	now := p.deps.Now().UTC()
	plan := &types.MigrationPlan{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ScenarioID:     scenarioID,
		FromVersion:    from,
		ToVersion:      to,
		FromChecksum:   hashing.GraphChecksum(v1),
		ToChecksum:     hashing.GraphChecksum(v2),
		Transformation: tmap,
		Policies:       make(map[string]*types.AnchorMigrationPolicy, len(tmap.Anchors)),
		Status:         types.PlanPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(p.ttl),
	}
	for _, a := range tmap.Anchors {
		plan.Policies[a.ContentHash] = types.DefaultPolicy(a.ContentHash)
	}
	if err := p.summarize(ctx, plan); err != nil {
		return nil, err
	}

	if err := p.supersedeSiblings(ctx, plan, now); err != nil {
		return nil, err
	}
	if err := p.deps.Plans.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("store plan: %w", err)
	}
	p.deps.Logger.Info("migration plan generated",
		"plan", plan.ID,
		"scenario", scenarioID,
		"from", from,
		"to", to,
		"anchors", len(tmap.Anchors),
		"affected", plan.Summary.TotalAffected)
	return plan, nil
}

// summarize fills plan.Summary from the transformation map and live session counts.
func (p *Planner) summarize(ctx context.Context, plan *types.MigrationPlan) error {
	tmap := plan.Transformation
	s := types.MigrationSummary{
		ScenarioCounts:   map[types.MigrationScenario]int{},
		AffectedSessions: map[string]int{},
		DeletedNodes:     len(tmap.DeletedNodes),
		NewNodes:         len(tmap.NewNodeIDs),
		AmbiguousAnchors: len(tmap.AmbiguousAnchors),
	}
	now := p.deps.Now()
	var required []string
	for _, a := range tmap.Anchors {
		pol := plan.PolicyFor(a.ContentHash)
		sc := effectiveScenario(&a, pol)
		s.ScenarioCounts[sc]++

		n, err := p.deps.Sessions.CountSessionsAtStep(ctx, types.SessionQuery{
			TenantID:   plan.TenantID,
			ScenarioID: plan.ScenarioID,
			StepHash:   a.ContentHash,
			StepName:   a.StepName,
			Version:    plan.FromVersion,
			Scope:      &pol.Scope,
			Now:        now,
		})
		if err != nil {
			return fmt.Errorf("count sessions at %s: %w", a.StepName, err)
		}
		s.AffectedSessions[a.ContentHash] = n
		s.TotalAffected += n

		switch sc {
		case types.ScenarioGapFill, types.ScenarioReRoute:
			for _, f := range a.Upstream.RequiredFields() {
				if !slices.Contains(required, f.Name) {
					required = append(required, f.Name)
				}
			}
		case types.ScenarioCleanGraft:
		}
		for _, node := range a.Upstream.InsertedNodes {
			if node.IsCheckpoint {
				s.Warnings = append(s.Warnings, fmt.Sprintf("checkpoint %q inserted upstream of %q: sessions there never passed it", node.StepName, a.StepName))
			}
		}
		if sc == types.ScenarioReRoute {
			s.Warnings = append(s.Warnings, fmt.Sprintf("new fork upstream of %q: sessions will be re-routed where a branch condition holds", a.StepName))
		}
	}
	slices.Sort(required)
	s.RequiredFields = required

	for _, a := range tmap.AmbiguousAnchors {
		s.Warnings = append(s.Warnings, fmt.Sprintf("step hash %s appears more than once (v%d: %v, v%d: %v) and is not anchored",
			a.ContentHash, plan.FromVersion, a.OldStepIDs, plan.ToVersion, a.NewStepIDs))
	}
	for _, d := range tmap.DeletedNodes {
		n, err := p.deps.Sessions.CountSessionsAtStep(ctx, types.SessionQuery{
			TenantID:   plan.TenantID,
			ScenarioID: plan.ScenarioID,
			StepHash:   d.ContentHash,
			StepName:   d.StepName,
			Version:    plan.FromVersion,
			Now:        now,
		})
		if err != nil {
			return fmt.Errorf("count sessions at %s: %w", d.StepName, err)
		}
		switch {
		case d.NearestAnchorHash == "" && d.DownstreamAnchorHash == "":
			s.Warnings = append(s.Warnings, fmt.Sprintf("deleted step %q has no surviving anchor: %d session(s) will restart the scenario", d.StepName, n))
		case n > 0:
			s.Warnings = append(s.Warnings, fmt.Sprintf("deleted step %q: %d session(s) will be relocated", d.StepName, n))
		}
	}
	if len(tmap.Anchors) == 0 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("no anchors between v%d and v%d: every session will restart", plan.FromVersion, plan.ToVersion))
	}
	plan.Summary = s
	return nil
}

// effectiveScenario applies a forced scenario from the policy.
func effectiveScenario(a *types.AnchorTransformation, pol *types.AnchorMigrationPolicy) types.MigrationScenario {
	if pol != nil && pol.ForceScenario != "" {
		return pol.ForceScenario
	}
	return a.MigrationScenario
}

func (p *Planner) supersedeSiblings(ctx context.Context, plan *types.MigrationPlan, now time.Time) error {
	siblings, err := p.deps.Plans.ListPlansForVersions(ctx, plan.TenantID, plan.ScenarioID, plan.FromVersion, plan.ToVersion)
	if err != nil {
		return fmt.Errorf("list sibling plans: %w", err)
	}
	for _, sib := range siblings {
		if sib.ID == plan.ID || sib.Status.IsTerminal() {
			continue
		}
		if err := sib.Transition(types.PlanSuperseded, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		if err := p.deps.Plans.UpdatePlan(ctx, sib); err != nil {
			return fmt.Errorf("supersede plan %s: %w", sib.ID, err)
		}
		p.deps.Logger.Info("migration plan superseded", "plan", sib.ID, "by", plan.ID)
	}
	return nil
}

func (p *Planner) load(ctx context.Context, planID string) (*types.MigrationPlan, error) {
	plan, err := p.deps.Plans.GetPlan(ctx, planID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	return plan, nil
}

// SetPolicy replaces the policy of one anchor while the plan is PENDING and
// refreshes the summary.
func (p *Planner) SetPolicy(ctx context.Context, planID string, pol *types.AnchorMigrationPolicy) (*types.MigrationPlan, error) {
	plan, err := p.load(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != types.PlanPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrPlanNotPending, plan.ID, plan.Status)
	}
	if plan.Transformation.AnchorByHash(pol.AnchorContentHash) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnchor, pol.AnchorContentHash)
	}
	if plan.Policies == nil {
		plan.Policies = map[string]*types.AnchorMigrationPolicy{}
	}
	cp := *pol
	plan.Policies[pol.AnchorContentHash] = &cp
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := p.summarize(ctx, plan); err != nil {
		return nil, err
	}
	plan.UpdatedAt = p.deps.Now().UTC()
	if err := p.deps.Plans.UpdatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	return plan, nil
}

// Approve moves a PENDING plan to APPROVED. Plans with ambiguous anchors need
// acknowledgeAmbiguity. Other non-terminal plans for the same pair are superseded.
func (p *Planner) Approve(ctx context.Context, planID, approver string, acknowledgeAmbiguity bool) (*types.MigrationPlan, error) {
	plan, err := p.load(ctx, planID)
	if err != nil {
		return nil, err
	}
	now := p.deps.Now().UTC()
	if plan.Status != types.PlanPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, plan.ID, plan.Status)
	}
	if plan.IsExpired(now) {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrPlanExpired, plan.ID, plan.ExpiresAt.Format(time.RFC3339))
	}
	if plan.Summary.AmbiguousAnchors > 0 || (plan.Transformation != nil && len(plan.Transformation.AmbiguousAnchors) > 0) {
		if !acknowledgeAmbiguity {
			return nil, fmt.Errorf("%w: %d ambiguous step hash(es)", ErrAmbiguityUnacknowledged, len(plan.Transformation.AmbiguousAnchors))
		}
		plan.AmbiguityAcknowledged = true
	}
	if err := p.supersedeSiblings(ctx, plan, now); err != nil {
		return nil, err
	}
	if err := plan.Transition(types.PlanApproved, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	plan.ApprovedBy = approver
	if err := p.deps.Plans.UpdatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	p.deps.Logger.Info("migration plan approved", "plan", plan.ID, "by", approver)
	return plan, nil
}

// Reject moves a PENDING plan to REJECTED.
func (p *Planner) Reject(ctx context.Context, planID, actor string) (*types.MigrationPlan, error) {
	plan, err := p.load(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := plan.Transition(types.PlanRejected, p.deps.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err := p.deps.Plans.UpdatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	p.deps.Logger.Info("migration plan rejected", "plan", plan.ID, "by", actor)
	return plan, nil
}

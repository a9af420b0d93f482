package migration

import (
	"context"
	"fmt"

	"github.com/steveyegge/flowshift/internal/types"
)

// composite migrates a session several versions behind in one step. It walks
// the plan chain from the session's version to live in memory, collecting
// the fields every intermediate insertion required, and asks only for those
// the live version still collects before the anchor. The last plan's anchor
// policy and the live version's forks decide where the session lands.
func (e *Executor) composite(ctx context.Context, r *run) *types.ReconciliationResult {
	s := r.session
	chain, err := e.planChain(ctx, s, r.live.Version)
	if err != nil {
		return e.relocate(ctx, r, err)
	}

	hash := s.CurrentStepHash
	if m := s.PendingMigration; m != nil && m.MigrationPlanID == chain[0].ID {
		hash = m.AnchorContentHash
	}
	var (
		up     types.UpstreamChanges
		anchor *types.AnchorTransformation
	)
	for _, p := range chain {
		anchor = p.Transformation.AnchorByHash(hash)
		if anchor == nil {
			return e.relocate(ctx, r, fmt.Errorf("%w: hash %s lost in v%d", ErrNoAnchorFound, hash, p.ToVersion))
		}
		up.InsertedNodes = append(up.InsertedNodes, anchor.Upstream.InsertedNodes...)
		up.NewForks = append(up.NewForks, anchor.Upstream.NewForks...)
	}
	last := chain[len(chain)-1]
	r.logger = r.logger.With("plan", last.ID, "anchor", hash)

	accumulated := up.RequiredFields()
	fields := pruneToLive(accumulated, r.live, anchor.NewStepID)
	if dropped := len(accumulated) - len(fields); dropped > 0 {
		r.logger.Debug("composite migration pruned obsolete fields", "dropped", dropped, "chain", len(chain))
	}

	pol := last.PolicyFor(hash)
	scenario := types.DetermineMigrationScenario(up)
	if pol.ForceScenario != "" {
		scenario = pol.ForceScenario
	}
	guard := newCheckpointGuard(s, r.live, r.logger)

	var res *types.ReconciliationResult
	switch scenario {
	case types.ScenarioCleanGraft:
		if res = e.passThrough(ctx, r, guard, last, anchor, pol); res == nil {
			res = e.cleanGraft(ctx, r, guard, anchor, pol)
		}
	case types.ScenarioGapFill:
		res = e.gapFill(ctx, r, guard, anchor, fields)
	case types.ScenarioReRoute:
		// Forks only route once every accumulated field is known.
		if missing := e.missing(ctx, r, fields); len(missing) > 0 {
			res = collectResult(anchor, missing)
		} else {
			res = e.reRoute(ctx, r, guard, anchor, pol)
		}
	default:
		return e.relocate(ctx, r, fmt.Errorf("%w: unknown migration scenario %q", ErrNoAnchorFound, scenario))
	}
	res.Scenario = scenario
	res.PlanID = last.ID
	res.AnchorHash = hash
	return res
}

// planChain returns one deployable plan per version step from the session's
// version up to live. A missing link is ErrBrokenPlanChain.
func (e *Executor) planChain(ctx context.Context, s *types.Session, live int) ([]*types.MigrationPlan, error) {
	now := e.deps.Now().UTC()
	chain := make([]*types.MigrationPlan, 0, live-s.ActiveScenarioVersion)
	for v := s.ActiveScenarioVersion; v < live; v++ {
		p, err := deployablePlan(ctx, e.deps.Plans, s.TenantID, s.ActiveScenarioID, v, v+1, now)
		if err != nil {
			return nil, fmt.Errorf("%w: v%d->v%d: %v", ErrBrokenPlanChain, v, v+1, err)
		}
		chain = append(chain, p)
	}
	return chain, nil
}

// pruneToLive keeps the fields some live step that leads to anchorID still requires.
func pruneToLive(fields []types.FieldSpec, live *types.ScenarioGraph, anchorID string) []types.FieldSpec {
	required := map[string]bool{}
	for _, st := range live.Steps {
		if !live.ReachableFrom(st.ID, anchorID) {
			continue
		}
		for _, f := range st.RequiredFields() {
			required[f.Name] = true
		}
	}
	var out []types.FieldSpec
	for _, f := range fields {
		if required[f.Name] {
			out = append(out, f)
		}
	}
	return out
}

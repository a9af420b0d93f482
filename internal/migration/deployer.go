package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/telemetry"
	"github.com/steveyegge/flowshift/internal/types"
)

// DefaultDeployConcurrency bounds parallel session marking.
const DefaultDeployConcurrency = 8

// maxMarkAttempts bounds compare-and-set retries for one session.
const maxMarkAttempts = 3

// DeployReport summarizes one Deploy run.
type DeployReport struct {
	PlanID   string         `json:"plan_id"`
	Marked   int            `json:"marked"`
	Skipped  int            `json:"skipped"` // Already marked by this plan, or moved away
	ByAnchor map[string]int `json:"by_anchor"`
}

// Deployer runs phase 1: it marks sessions and changes nothing else.
type Deployer struct {
	deps        Deps
	concurrency int
}

// NewDeployer creates a deployer. concurrency <= 0 uses DefaultDeployConcurrency.
func NewDeployer(deps Deps, concurrency int) *Deployer {
	if concurrency <= 0 {
		concurrency = DefaultDeployConcurrency
	}
	return &Deployer{deps: deps.withDefaults(), concurrency: concurrency}
}

var deployMetrics struct {
	marked metric.Int64Counter
}

var deployMetricsOnce sync.Once

func initDeployMetrics() {
	m := telemetry.Meter(instrumentationName)
	deployMetrics.marked, _ = m.Int64Counter("flowshift.deploy.marked",
		metric.WithDescription("Sessions marked for migration"),
		metric.WithUnit("{session}"),
	)
}

// Deploy marks every eligible session for plan planID. The plan must be
// APPROVED (it becomes DEPLOYED) or already DEPLOYED; re-deploying only
// marks sessions this plan has not marked yet.
func (d *Deployer) Deploy(ctx context.Context, planID string) (*DeployReport, error) {
	deployMetricsOnce.Do(initDeployMetrics)
	ctx, span := telemetry.Tracer(instrumentationName).Start(ctx, "migration.deploy")
	defer span.End()
	span.SetAttributes(attribute.String("flowshift.plan", planID))

	report, err := d.deploy(ctx, planID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("flowshift.deploy.marked", report.Marked))
	return report, nil
}

func (d *Deployer) deploy(ctx context.Context, planID string) (*DeployReport, error) {
	plan, err := d.deps.Plans.GetPlan(ctx, planID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	now := d.deps.Now().UTC()
	switch plan.Status {
	case types.PlanApproved, types.PlanDeployed:
	case types.PlanPending, types.PlanRejected, types.PlanSuperseded:
		return nil, fmt.Errorf("%w: cannot deploy %s plan %s", ErrInvalidTransition, plan.Status, plan.ID)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, plan.Status)
	}
	if plan.IsExpired(now) {
		return nil, fmt.Errorf("%w: %s", ErrPlanExpired, plan.ID)
	}

	report := &DeployReport{PlanID: plan.ID, ByAnchor: map[string]int{}}
	var marked, skipped atomic.Int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, a := range plan.Transformation.Anchors {
		pol := plan.PolicyFor(a.ContentHash)
		q := types.SessionQuery{
			TenantID:   plan.TenantID,
			ScenarioID: plan.ScenarioID,
			StepHash:   a.ContentHash,
			StepName:   a.StepName,
			Version:    plan.FromVersion,
			Scope:      &pol.Scope,
			Now:        now,
		}
		sessions, err := d.deps.Sessions.FindSessionsAtStep(gctx, q)
		if err != nil {
			_ = g.Wait()
			return nil, fmt.Errorf("find sessions at %s: %w", a.StepName, err)
		}
		marker := types.PendingMigration{
			TargetVersion:     plan.ToVersion,
			AnchorContentHash: a.ContentHash,
			MigrationPlanID:   plan.ID,
			MarkedAt:          now,
		}
		for _, s := range sessions {
			g.Go(func() error {
				ok, err := d.mark(gctx, s, q, marker)
				if err != nil {
					return err
				}
				if !ok {
					skipped.Add(1)
					return nil
				}
				marked.Add(1)
				mu.Lock()
				report.ByAnchor[a.ContentHash]++
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Marked = int(marked.Load())
	report.Skipped = int(skipped.Load())
	if deployMetrics.marked != nil {
		deployMetrics.marked.Add(ctx, int64(report.Marked), metric.WithAttributes(attribute.String("flowshift.scenario", plan.ScenarioID)))
	}

	if plan.Status == types.PlanApproved {
		if err := plan.Transition(types.PlanDeployed, now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		if err := d.deps.Plans.UpdatePlan(ctx, plan); err != nil {
			return nil, fmt.Errorf("update plan: %w", err)
		}
	}
	d.deps.Logger.Info("migration plan deployed",
		"plan", plan.ID,
		"scenario", plan.ScenarioID,
		"marked", report.Marked,
		"skipped", report.Skipped)
	return report, nil
}

// mark writes the marker with a compare-and-set. On a lost race the session
// is re-read and re-checked, so a session that moved in the meantime is skipped.
func (d *Deployer) mark(ctx context.Context, s *types.Session, q types.SessionQuery, marker types.PendingMigration) (bool, error) {
	for attempt := 1; ; attempt++ {
		if !eligible(s, q, marker.MigrationPlanID) {
			return false, nil
		}
		m := marker
		err := d.deps.Sessions.MarkPendingMigration(ctx, s.ID, s.Revision, &m)
		if err == nil {
			d.deps.Logger.Debug("session marked", "session", s.ID, "plan", marker.MigrationPlanID, "anchor", marker.AnchorContentHash)
			return true, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= maxMarkAttempts {
			return false, fmt.Errorf("mark session %s: %w", s.ID, err)
		}
		s, err = d.deps.Sessions.GetSession(ctx, s.ID)
		if err != nil {
			return false, fmt.Errorf("reload session %s: %w", s.ID, err)
		}
	}
}

// eligible re-checks the query in memory. Sessions already carrying this
// plan's marker are skipped so re-deploys stay idempotent.
func eligible(s *types.Session, q types.SessionQuery, planID string) bool {
	if s.PendingMigration != nil && s.PendingMigration.MigrationPlanID == planID {
		return false
	}
	if s.ActiveScenarioVersion != q.Version || s.CurrentStepHash != q.StepHash {
		return false
	}
	return q.Scope.Matches(s, q.StepName, q.Now)
}

package migration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/testutil/teststore"
	"github.com/steveyegge/flowshift/internal/types"
)

func TestDeployScopeExcludesChannel(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	f.env.SessionAt("web", v1, "ask_email", "greet")
	f.env.SessionWith("mail", v1, "ask_email", func(s *types.Session) { s.Channel = "email" }, "greet")

	p := f.planner()
	plan, err := p.GeneratePlan(f.ctx, "acme", "refund", 1, 2)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	pol := types.DefaultPolicy(hashing.StepHash(v1.Step("ask_email")))
	pol.Scope.ExcludeChannels = []string{"email"}
	if _, err := p.SetPolicy(f.ctx, plan.ID, pol); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}
	if _, err := p.Approve(f.ctx, plan.ID, "ops", false); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	report, err := NewDeployer(f.deps, 4).Deploy(f.ctx, plan.ID)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if report.Marked != 1 {
		t.Errorf("Marked = %d, want 1", report.Marked)
	}
	if s := f.env.MustGetSession("mail"); s.PendingMigration != nil {
		t.Error("email-channel session was marked")
	}
	web := f.env.MustGetSession("web")
	if web.PendingMigration == nil {
		t.Fatal("webchat session was not marked")
	}
	m := web.PendingMigration
	if m.MigrationPlanID != plan.ID || m.TargetVersion != 2 || m.AnchorContentHash != pol.AnchorContentHash || !m.MarkedAt.Equal(testStart) {
		t.Errorf("unexpected marker %+v", m)
	}
	// Marking touches nothing else.
	if web.ActiveScenarioVersion != 1 || web.CurrentStepID != "ask_email" {
		t.Errorf("marking moved the session: %+v", web)
	}

	stored, err := f.store.GetPlan(f.ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if stored.Status != types.PlanDeployed || stored.DeployedAt == nil {
		t.Errorf("plan status = %s, want deployed", stored.Status)
	}
}

func TestDeployIsIdempotent(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	f.env.SessionAt("s1", v1, "greet")
	f.env.SessionAt("s2", v1, "ask_email", "greet")
	plan := f.approved(1, 2)

	d := NewDeployer(f.deps, 2)
	first, err := d.Deploy(f.ctx, plan.ID)
	if err != nil {
		t.Fatalf("first Deploy failed: %v", err)
	}
	if first.Marked != 2 {
		t.Fatalf("first run marked %d, want 2", first.Marked)
	}
	rev := f.env.MustGetSession("s1").Revision

	// A session reaching an anchor later is picked up by a re-deploy.
	f.env.SessionAt("s3", v1, "ask_email", "greet")
	second, err := d.Deploy(f.ctx, plan.ID)
	if err != nil {
		t.Fatalf("second Deploy failed: %v", err)
	}
	if second.Marked != 1 || second.Skipped != 2 {
		t.Errorf("second run marked %d skipped %d, want 1 and 2", second.Marked, second.Skipped)
	}
	if got := f.env.MustGetSession("s1").Revision; got != rev {
		t.Errorf("already-marked session rewritten: revision %d -> %d", rev, got)
	}
}

func TestDeployRejectsUnusablePlans(t *testing.T) {
	f := newFixture(t)
	f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	pending, err := f.planner().GeneratePlan(f.ctx, "acme", "refund", 1, 2)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	d := NewDeployer(f.deps, 0)

	if _, err := d.Deploy(f.ctx, pending.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending plan: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := d.Deploy(f.ctx, "missing"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("missing plan: err = %v, want ErrPlanNotFound", err)
	}

	approved := f.approved(1, 2)
	f.now = approved.ExpiresAt
	if _, err := d.Deploy(f.ctx, approved.ID); !errors.Is(err, ErrPlanExpired) {
		t.Errorf("expired plan: err = %v, want ErrPlanExpired", err)
	}
}

// flakyMarks loses the first compare-and-set of every session.
type flakyMarks struct {
	storage.SessionStore
	failed sync.Map
	calls  atomic.Int32
}

func (f *flakyMarks) MarkPendingMigration(ctx context.Context, id string, rev int64, m *types.PendingMigration) error {
	f.calls.Add(1)
	if _, seen := f.failed.LoadOrStore(id, true); !seen {
		return storage.ErrConflict
	}
	return f.SessionStore.MarkPendingMigration(ctx, id, rev, m)
}

func TestDeployRetriesLostRace(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	f.env.SessionAt("s1", v1, "ask_email", "greet")
	plan := f.approved(1, 2)

	flaky := &flakyMarks{SessionStore: f.store}
	f.deps.Sessions = flaky
	report, err := NewDeployer(f.deps, 1).Deploy(f.ctx, plan.ID)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if report.Marked != 1 || flaky.calls.Load() != 2 {
		t.Errorf("marked %d after %d attempts, want 1 after 2", report.Marked, flaky.calls.Load())
	}
}

func TestDeploySkipsSessionThatMoved(t *testing.T) {
	s := &types.Session{ActiveScenarioVersion: 1, CurrentStepHash: "other", Channel: "webchat"}
	q := types.SessionQuery{Version: 1, StepHash: "anchor", Now: testStart}
	if eligible(s, q, "p1") {
		t.Error("session no longer at the anchor should be skipped")
	}
	s.CurrentStepHash = "anchor"
	if !eligible(s, q, "p1") {
		t.Error("session at the anchor should be eligible")
	}
	s.PendingMigration = &types.PendingMigration{MigrationPlanID: "p1"}
	if eligible(s, q, "p1") {
		t.Error("session already marked by this plan should be skipped")
	}
	if !eligible(s, q, "p2") {
		t.Error("a newer plan may re-mark the session")
	}
}

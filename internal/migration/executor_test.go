package migration

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/steveyegge/flowshift/internal/gapfill"
	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/testutil/teststore"
	"github.com/steveyegge/flowshift/internal/types"
)

func TestReconcileNoOp(t *testing.T) {
	f := newFixture(t)
	g := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.SessionAt("s1", g, "ask_email", "greet")

	need, err := f.executor().NeedsReconcile(f.ctx, f.env.MustGetSession("s1"))
	if err != nil {
		t.Fatalf("NeedsReconcile failed: %v", err)
	}
	if need {
		t.Fatal("session on the live version should not need reconciliation")
	}

	res, s := f.reconcile("s1")
	if res.Action != types.ActionContinue {
		t.Fatalf("Action = %s, want continue", res.Action)
	}
	if s.Revision != 1 {
		t.Errorf("no-op reconcile wrote the session (revision %d)", s.Revision)
	}
	if n := len(f.audits("s1")); n != 0 {
		t.Errorf("no-op reconcile wrote %d audit records", n)
	}
}

func TestReconcileCleanGraftTeleports(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	v2 := f.env.PutScenario(renamed(2))
	f.env.SessionAt("s1", v1, "ask_email", "greet")
	plan := f.deployed(1, 2)

	need, err := f.executor().NeedsReconcile(f.ctx, f.env.MustGetSession("s1"))
	if err != nil || !need {
		t.Fatalf("NeedsReconcile = %v, %v; want true", need, err)
	}

	res, s := f.reconcile("s1")
	if res.Action != types.ActionTeleport || res.TargetStepID != "email_step" {
		t.Fatalf("got %s -> %q, want teleport -> email_step", res.Action, res.TargetStepID)
	}
	if res.Scenario != types.ScenarioCleanGraft || res.PlanID != plan.ID {
		t.Errorf("scenario/plan = %s/%s, want clean_graft/%s", res.Scenario, res.PlanID, plan.ID)
	}
	if res.Message != "" {
		t.Errorf("clean graft should be silent, got message %q", res.Message)
	}
	if s.PendingMigration != nil {
		t.Error("marker not cleared")
	}
	if s.ActiveScenarioVersion != 2 || s.ScenarioChecksum != hashing.GraphChecksum(v2) {
		t.Errorf("session not moved to v2: version %d checksum %s", s.ActiveScenarioVersion, s.ScenarioChecksum)
	}
	if s.CurrentStepID != "email_step" {
		t.Errorf("CurrentStepID = %q, want email_step", s.CurrentStepID)
	}
	if len(s.StepHistory) != 2 {
		t.Errorf("step history rewritten: %d entries", len(s.StepHistory))
	}

	recs := f.audits("s1")
	if len(recs) != 1 {
		t.Fatalf("got %d audit records, want 1", len(recs))
	}
	if recs[0].Action != types.ActionTeleport || recs[0].PlanID != plan.ID || recs[0].FromVersion != 1 || recs[0].ToVersion != 2 {
		t.Errorf("unexpected audit record %+v", recs[0])
	}

	// A second call is a no-op.
	again, _ := f.reconcile("s1")
	if again.Action != types.ActionContinue || len(f.audits("s1")) != 1 {
		t.Errorf("second reconcile did work: %+v", again)
	}
}

func TestReconcileCleanGraftFrozenDownstream(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	f.env.SessionAt("s1", v1, "ask_email", "greet")

	p := f.planner()
	plan, err := p.GeneratePlan(f.ctx, "acme", "refund", 1, 2)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	hash := hashing.StepHash(v1.Step("ask_email"))
	pol := types.DefaultPolicy(hash)
	pol.UpdateDownstream = false
	if _, err := p.SetPolicy(f.ctx, plan.ID, pol); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}
	if _, err := p.Approve(f.ctx, plan.ID, "ops", false); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := NewDeployer(f.deps, 1).Deploy(f.ctx, plan.ID); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	res, s := f.reconcile("s1")
	if res.Action != types.ActionContinue {
		t.Fatalf("Action = %s, want continue", res.Action)
	}
	if s.ActiveScenarioVersion != 2 || s.PendingMigration != nil {
		t.Errorf("version %d marker %v, want v2 without marker", s.ActiveScenarioVersion, s.PendingMigration)
	}
	if s.CurrentStepID != "email_step" {
		t.Errorf("CurrentStepID = %q, want the anchor's new id", s.CurrentStepID)
	}
}

// gapFillVersions: v2 inserts ask_email between greet and summary.
func gapFillVersions(f *fixture) (*types.ScenarioGraph, *types.ScenarioGraph) {
	v1 := f.env.PutScenario(graph(1,
		step("greet", "summary"),
		step("summary", "finish"),
		step("finish"),
	))
	v2 := f.env.PutScenario(graph(2,
		step("greet", "ask_email"),
		collects(step("ask_email", "summary"), "email"),
		step("summary", "finish"),
		step("finish"),
	))
	return v1, v2
}

func TestReconcileGapFill(t *testing.T) {
	tests := []struct {
		name        string
		profile     string
		variable    string
		extraction  *gapfill.Extraction
		turns       []types.Turn
		wantAction  types.ReconciliationAction
		wantSource  types.GapFillSource
		wantCollect []string
	}{
		{
			name:       "profile",
			profile:    "jo@example.com",
			wantAction: types.ActionTeleport,
			wantSource: types.SourceProfile,
		},
		{
			name:       "session variable",
			variable:   "jo@example.com",
			wantAction: types.ActionTeleport,
			wantSource: types.SourceSession,
		},
		{
			name:       "confident extraction",
			extraction: &gapfill.Extraction{Found: true, Value: "jo@example.com", Confidence: 0.92, SourceQuote: "jo@example.com"},
			turns:      []types.Turn{{Number: 1, Role: "customer", Text: "reach me at jo@example.com"}},
			wantAction: types.ActionTeleport,
			wantSource: types.SourceExtraction,
		},
		{
			name:        "extraction needing confirmation",
			extraction:  &gapfill.Extraction{Found: true, Value: "jo@example.com", Confidence: 0.7, SourceQuote: "jo@example.com"},
			turns:       []types.Turn{{Number: 1, Role: "customer", Text: "maybe jo@example.com"}},
			wantAction:  types.ActionCollect,
			wantSource:  types.SourceExtraction,
			wantCollect: []string{"email"},
		},
		{
			name:        "nothing anywhere",
			wantAction:  types.ActionCollect,
			wantSource:  types.SourceNotFound,
			wantCollect: []string{"email"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.withGapFill(&fakeExtractor{ex: tt.extraction})
			v1, _ := gapFillVersions(f)
			f.env.SessionWith("s1", v1, "summary", func(s *types.Session) {
				if tt.variable != "" {
					s.Variables["email"] = tt.variable
				}
				s.Turns = tt.turns
			}, "greet")
			if tt.profile != "" {
				if err := f.store.SetField(f.ctx, "acme", "cust-s1", "email", tt.profile); err != nil {
					t.Fatalf("SetField failed: %v", err)
				}
			}
			f.deployed(1, 2)

			res, s := f.reconcile("s1")
			if res.Scenario != types.ScenarioGapFill {
				t.Fatalf("Scenario = %s, want gap_fill", res.Scenario)
			}
			if res.Action != tt.wantAction {
				t.Fatalf("Action = %s, want %s", res.Action, tt.wantAction)
			}
			if res.TargetStepID != "summary" {
				t.Errorf("TargetStepID = %q, want summary", res.TargetStepID)
			}
			if !slices.Equal(res.CollectFields, tt.wantCollect) {
				t.Errorf("CollectFields = %v, want %v", res.CollectFields, tt.wantCollect)
			}
			if len(res.GapFills) != 0 && res.GapFills[0].Source != tt.wantSource {
				t.Errorf("source = %s, want %s", res.GapFills[0].Source, tt.wantSource)
			}
			// COLLECT also finalizes the migration.
			if s.ActiveScenarioVersion != 2 || s.PendingMigration != nil {
				t.Errorf("session not finalized: version %d marker %v", s.ActiveScenarioVersion, s.PendingMigration)
			}
			if tt.wantSource != types.SourceNotFound && s.Variables["email"] != "jo@example.com" {
				t.Errorf("email variable = %q", s.Variables["email"])
			}
			recs := f.audits("s1")
			if len(recs) != 1 {
				t.Fatalf("got %d audit records", len(recs))
			}
			if tt.wantSource != types.SourceNotFound && recs[0].GapFilled["email"] != tt.wantSource {
				t.Errorf("audit gap_filled = %v", recs[0].GapFilled)
			}
		})
	}
}

// Steps A -> B -> C; v2 inserts D (email) between A and B. A customer paused
// at A with the email two turns back is moved through D to B.
func TestReconcilePassesThroughInsertedStep(t *testing.T) {
	f := newFixture(t)
	ex := &fakeExtractor{ex: &gapfill.Extraction{Found: true, Value: "jo@example.com", Confidence: 0.9, SourceQuote: "my email is jo@example.com"}}
	f.withGapFill(ex)

	v1 := f.env.PutScenario(graph(1,
		step("a", "b"),
		step("b", "c"),
		step("c"),
	))
	f.env.PutScenario(graph(2,
		step("a", "d"),
		collects(step("d", "b"), "email"),
		step("b", "c"),
		step("c"),
	))
	f.env.SessionWith("s1", v1, "a", func(s *types.Session) {
		s.Turns = []types.Turn{
			{Number: 1, Role: "customer", Text: "Hi, my email is jo@example.com"},
			{Number: 2, Role: "agent", Text: "Thanks! How can I help?"},
			{Number: 3, Role: "customer", Text: "I want a refund"},
		}
	})
	f.deployed(1, 2)

	res, s := f.reconcile("s1")
	if res.Action != types.ActionTeleport || res.TargetStepID != "b" {
		t.Fatalf("got %s -> %q, want teleport -> b", res.Action, res.TargetStepID)
	}
	if len(res.GapFills) != 1 {
		t.Fatalf("GapFills = %+v", res.GapFills)
	}
	gf := res.GapFills[0]
	if gf.Source != types.SourceExtraction || gf.Confidence < 0.85 || !gf.Resolved() {
		t.Errorf("unexpected gap fill %+v", gf)
	}
	if s.CurrentStepID != "b" || s.Variables["email"] != "jo@example.com" {
		t.Errorf("session at %q with email %q", s.CurrentStepID, s.Variables["email"])
	}
	if v, ok, _ := f.store.GetField(f.ctx, "acme", "cust-s1", "email"); !ok || v != "jo@example.com" {
		t.Errorf("auto-accepted extraction not persisted to profile: %q %v", v, ok)
	}
}

func TestReconcilePassThroughFallsBackWhenUnresolved(t *testing.T) {
	f := newFixture(t)
	f.withGapFill(nil)
	v1 := f.env.PutScenario(graph(1, step("a", "b"), step("b")))
	f.env.PutScenario(graph(2, step("a", "d"), collects(step("d", "b"), "email"), step("b")))
	f.env.SessionAt("s1", v1, "a")
	f.deployed(1, 2)

	res, _ := f.reconcile("s1")
	if res.Action != types.ActionTeleport || res.TargetStepID != "a" {
		t.Fatalf("got %s -> %q, want teleport -> a (customer will be asked at d)", res.Action, res.TargetStepID)
	}
}

// reRouteVersions: v2 inserts a triage fork in front of review.
func reRouteVersions(f *fixture, managerActs bool) *types.ScenarioGraph {
	v1 := f.env.PutScenario(graph(1,
		step("start", "review"),
		step("review", "done"),
		step("done"),
	))
	triage := step("triage")
	triage.Transitions = []*types.Transition{
		{Name: "large", To: "manager", Condition: "amount > 100"},
		{Name: "default", To: "review"},
	}
	manager := step("manager", "done")
	manager.PerformsAction = managerActs
	f.env.PutScenario(graph(2,
		step("start", "triage"),
		triage,
		manager,
		step("review", "done"),
		step("done"),
	))
	return v1
}

func TestReconcileReRoute(t *testing.T) {
	tests := []struct {
		name        string
		variable    string
		profile     string
		managerActs bool
		wantAction  types.ReconciliationAction
		wantTarget  string
	}{
		{"condition holds", "150", "", false, types.ActionTeleport, "manager"},
		{"condition from profile", "", "500", false, types.ActionTeleport, "manager"},
		{"condition fails falls back to clean graft", "50", "", false, types.ActionTeleport, "review"},
		{"condition unknown falls back", "", "", false, types.ActionTeleport, "review"},
		{"action step not yet run", "150", "", true, types.ActionExecuteAction, "manager"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v1 := reRouteVersions(f, tt.managerActs)
			f.env.SessionWith("s1", v1, "review", func(s *types.Session) {
				if tt.variable != "" {
					s.Variables["amount"] = tt.variable
				}
			}, "start")
			if tt.profile != "" {
				if err := f.store.SetField(f.ctx, "acme", "cust-s1", "amount", tt.profile); err != nil {
					t.Fatalf("SetField failed: %v", err)
				}
			}
			f.deployed(1, 2)

			res, s := f.reconcile("s1")
			if res.Scenario != types.ScenarioReRoute {
				t.Fatalf("Scenario = %s, want re_route", res.Scenario)
			}
			if res.Action != tt.wantAction || res.TargetStepID != tt.wantTarget {
				t.Fatalf("got %s -> %q, want %s -> %q", res.Action, res.TargetStepID, tt.wantAction, tt.wantTarget)
			}
			if s.CurrentStepID != tt.wantTarget {
				t.Errorf("CurrentStepID = %q", s.CurrentStepID)
			}
		})
	}
}

// paidVersions: the customer passed checkpoint "payment_processed"; v2 adds
// a fork whose large-amount branch routes back before the checkpoint.
func paidVersions(f *fixture, amount string) {
	v1 := f.env.PutScenario(graph(1,
		step("start", "pay"),
		checkpoint(step("pay", "wrap_up"), "payment_processed"),
		step("wrap_up"),
	))
	review := step("review")
	review.Transitions = []*types.Transition{
		{To: "start", Condition: "amount > 100"},
		{To: "wrap_up"},
	}
	f.env.PutScenario(graph(2,
		step("start", "pay"),
		checkpoint(step("pay", "review"), "payment_processed"),
		review,
		step("wrap_up"),
	))
	f.env.SessionWith("s1", v1, "wrap_up", func(s *types.Session) {
		s.Variables["amount"] = amount
	}, "start", "pay")
	f.deployed(1, 2)
}

func TestReconcileCheckpointBlocksReRoute(t *testing.T) {
	f := newFixture(t)
	paidVersions(f, "150")

	res, s := f.reconcile("s1")
	if !res.BlockedByCheckpoint {
		t.Fatalf("expected blocked_by_checkpoint, got %+v", res)
	}
	if res.Action == types.ActionTeleport && res.TargetStepID == "start" {
		t.Fatal("teleported upstream of a passed checkpoint")
	}
	if res.Action != types.ActionContinue || res.TargetStepID != "wrap_up" {
		t.Errorf("got %s -> %q, want continue on wrap_up", res.Action, res.TargetStepID)
	}
	if res.CheckpointWarning == "" {
		t.Error("missing checkpoint warning")
	}
	if s.CurrentStepID != "wrap_up" || s.ActiveScenarioVersion != 2 {
		t.Errorf("session at %q v%d, want wrap_up v2", s.CurrentStepID, s.ActiveScenarioVersion)
	}
	recs := f.audits("s1")
	if len(recs) != 1 || !recs[0].BlockedByCheckpoint {
		t.Errorf("audit should record the block: %+v", recs)
	}
}

// A blocked branch whose condition does not hold is never taken, so it
// must not be reported as a block.
func TestReconcileFalseBranchNotBlocked(t *testing.T) {
	f := newFixture(t)
	paidVersions(f, "50")

	res, s := f.reconcile("s1")
	if res.BlockedByCheckpoint || res.CheckpointWarning != "" {
		t.Fatalf("false branch reported as blocked: %+v", res)
	}
	if res.Action != types.ActionTeleport || res.TargetStepID != "wrap_up" {
		t.Errorf("got %s -> %q, want teleport -> wrap_up", res.Action, res.TargetStepID)
	}
	if s.CurrentStepID != "wrap_up" || s.ActiveScenarioVersion != 2 {
		t.Errorf("session at %q v%d, want wrap_up v2", s.CurrentStepID, s.ActiveScenarioVersion)
	}
	recs := f.audits("s1")
	if len(recs) != 1 || recs[0].BlockedByCheckpoint {
		t.Errorf("audit should not record a block: %+v", recs)
	}
}

// Layout a -> b -> c(checkpoint) -> d where v2 adds a conditional fork at a.
// Anchor b bounds the upstream region of c and d, so sessions past b clean
// graft and are never routed back through the fork.
func TestReconcileForkBeyondInterveningAnchor(t *testing.T) {
	tests := []struct {
		at      string
		visited []string
	}{
		{"c", []string{"a", "b"}},
		{"d", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run("session at "+tt.at, func(t *testing.T) {
			f := newFixture(t)
			v1 := f.env.PutScenario(graph(1,
				step("a", "b"),
				step("b", "c"),
				checkpoint(step("c", "d"), "refund issued"),
				step("d"),
			))
			a := step("a")
			a.Transitions = []*types.Transition{
				{Name: "large", To: "escalate", Condition: "amount > 100"},
				{Name: "default", To: "b"},
			}
			f.env.PutScenario(graph(2,
				a,
				step("escalate", "b"),
				step("b", "c"),
				checkpoint(step("c", "d"), "refund issued"),
				step("d"),
			))
			f.env.SessionWith("s1", v1, tt.at, func(s *types.Session) {
				s.Variables["amount"] = "150"
			}, tt.visited...)
			f.deployed(1, 2)

			res, s := f.reconcile("s1")
			if res.Scenario != types.ScenarioCleanGraft {
				t.Fatalf("Scenario = %s, want clean_graft", res.Scenario)
			}
			if res.Action != types.ActionTeleport || res.TargetStepID != tt.at {
				t.Fatalf("got %s -> %q, want teleport -> %s", res.Action, res.TargetStepID, tt.at)
			}
			if res.BlockedByCheckpoint {
				t.Error("nothing upstream of the checkpoint was attempted")
			}
			if s.CurrentStepID != tt.at || s.ActiveScenarioVersion != 2 {
				t.Errorf("session at %q v%d", s.CurrentStepID, s.ActiveScenarioVersion)
			}
		})
	}
}

func TestReconcileExpiredPlanRelocates(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	v2 := f.env.PutScenario(renamed(2))
	f.env.SessionAt("s1", v1, "ask_email", "greet")
	plan := f.deployed(1, 2)

	// The customer comes back after the plan expired.
	f.now = plan.ExpiresAt.Add(time.Hour)

	res, s := f.reconcile("s1")
	if res.Action != types.ActionTeleport || res.TargetStepID != "email_step" {
		t.Fatalf("got %s -> %q, want teleport -> email_step", res.Action, res.TargetStepID)
	}
	if !res.Relocated {
		t.Error("expected Relocated")
	}
	if s.ScenarioChecksum != hashing.GraphChecksum(v2) || s.PendingMigration != nil {
		t.Errorf("session not moved onto live: checksum %s marker %v", s.ScenarioChecksum, s.PendingMigration)
	}
	recs := f.audits("s1")
	if len(recs) != 1 || recs[0].ErrorKind != string(KindPlanExpired) {
		t.Errorf("audit records = %+v, want one with plan_expired", recs)
	}
}

func TestReconcileDriftWithoutMarker(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	plan := f.deployed(1, 2)
	// Created after deployment ran, so never marked.
	f.env.SessionAt("late", v1, "ask_email", "greet")

	res, s := f.reconcile("late")
	if res.Action != types.ActionTeleport || res.PlanID != plan.ID || res.Relocated {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.ActiveScenarioVersion != 2 {
		t.Errorf("version = %d", s.ActiveScenarioVersion)
	}
}

func TestReconcileDeletedStepRelocatesUpstream(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	v2 := teststore.LinearScenario(2)
	v2.Steps = []*types.Step{v2.Steps[0], v2.Steps[2]}
	v2.Steps[0].Transitions = []*types.Transition{{To: "confirm"}}
	f.env.PutScenario(v2)
	f.env.SessionAt("s1", v1, "ask_email", "greet")

	res, s := f.reconcile("s1")
	if res.Action != types.ActionTeleport || res.TargetStepID != "greet" || !res.Relocated {
		t.Fatalf("got %+v, want relocation to greet", res)
	}
	if s.CurrentStepID != "greet" {
		t.Errorf("CurrentStepID = %q", s.CurrentStepID)
	}
	recs := f.audits("s1")
	if len(recs) != 1 || recs[0].ErrorKind != string(KindPlanNotFound) {
		t.Errorf("audit records = %+v", recs)
	}
}

func TestReconcileRelocationBlockedEverywhereExits(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(graph(1,
		step("start", "pay"),
		checkpoint(step("pay", "mid"), "charged"),
		step("mid", "end"),
		step("end", "start"),
	))
	f.env.PutScenario(graph(2,
		step("start", "pay"),
		checkpoint(step("pay", "end"), "charged"),
		step("end", "start"),
	))
	f.env.SessionAt("s1", v1, "mid", "start", "pay")

	res, s := f.reconcile("s1")
	if res.Action != types.ActionExitScenario || !res.BlockedByCheckpoint {
		t.Fatalf("got %+v, want blocked exit", res)
	}
	if res.Message != ResetMessage {
		t.Errorf("Message = %q", res.Message)
	}
	if s.CurrentStepID != "" || s.ActiveScenarioVersion != 2 || s.PendingMigration != nil {
		t.Errorf("session not reset: %+v", s)
	}
}

func TestReconcileNoAnchorExits(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(graph(2, step("welcome", "bye"), step("bye")))
	f.env.SessionAt("s1", v1, "ask_email", "greet")

	res, _ := f.reconcile("s1")
	if res.Action != types.ActionExitScenario || res.Message != ResetMessage {
		t.Fatalf("got %+v, want exit with reset message", res)
	}
	if res.BlockedByCheckpoint {
		t.Error("exit without candidates is not a checkpoint block")
	}
}

// conflictingSessions loses every compare-and-set on UpdateSession.
type conflictingSessions struct {
	storage.SessionStore
}

func (conflictingSessions) UpdateSession(context.Context, *types.Session) error {
	return storage.ErrConflict
}

func TestReconcileConflictKeepsMarker(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	f.env.SessionAt("s1", v1, "ask_email", "greet")
	plan := f.deployed(1, 2)

	f.deps.Sessions = conflictingSessions{f.store}
	before := f.env.MustGetSession("s1")
	res := f.executor().Reconcile(f.ctx, before)
	if res.Action != types.ActionContinue {
		t.Fatalf("Action = %s, want continue", res.Action)
	}
	s := f.env.MustGetSession("s1")
	if s.PendingMigration == nil || s.PendingMigration.MigrationPlanID != plan.ID || s.ActiveScenarioVersion != 1 {
		t.Errorf("session changed after a lost write: %+v", s)
	}
	if before.ActiveScenarioVersion != 1 {
		t.Error("caller's session updated although nothing was stored")
	}
	recs := f.audits("s1")
	if len(recs) != 1 || recs[0].ErrorKind != string(KindConflict) {
		t.Errorf("audit records = %+v", recs)
	}
}

func TestReconcileUpdatesCallerSession(t *testing.T) {
	f := newFixture(t)
	v1 := f.env.PutScenario(teststore.LinearScenario(1))
	f.env.PutScenario(renamed(2))
	f.env.SessionAt("s1", v1, "ask_email", "greet")
	f.deployed(1, 2)

	s := f.env.MustGetSession("s1")
	f.executor().Reconcile(f.ctx, s)
	stored := f.env.MustGetSession("s1")
	if s.Revision != stored.Revision || s.CurrentStepID != stored.CurrentStepID {
		t.Errorf("caller copy (rev %d, %s) differs from stored (rev %d, %s)", s.Revision, s.CurrentStepID, stored.Revision, stored.CurrentStepID)
	}
}

func TestReconcileExtractionFailureAsksCustomer(t *testing.T) {
	f := newFixture(t)
	f.withGapFill(&fakeExtractor{err: errors.New("model unavailable")})
	v1, _ := gapFillVersions(f)
	f.env.SessionWith("s1", v1, "summary", func(s *types.Session) {
		s.Turns = []types.Turn{{Number: 1, Role: "customer", Text: "hello"}}
	}, "greet")
	f.deployed(1, 2)

	res, _ := f.reconcile("s1")
	if res.Action != types.ActionCollect || !slices.Equal(res.CollectFields, []string{"email"}) {
		t.Fatalf("got %+v, want collect [email]", res)
	}
}

package migration

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/flowshift/internal/gapfill"
	"github.com/steveyegge/flowshift/internal/storage/memory"
	"github.com/steveyegge/flowshift/internal/testutil/teststore"
	"github.com/steveyegge/flowshift/internal/types"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	env   *teststore.Env
	store *memory.MemoryStorage
	now   time.Time
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		env:   teststore.NewEnv(t, store),
		store: store,
		now:   testStart,
	}
	f.deps = Deps{
		Scenarios: store,
		Plans:     store,
		Sessions:  store,
		Profiles:  store,
		Audit:     store,
		Logger:    slog.New(slog.DiscardHandler),
		Now:       func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) planner() *Planner   { return NewPlanner(f.deps, 0) }
func (f *fixture) executor() *Executor { return NewExecutor(f.deps) }

// withGapFill wires a gap-fill service backed by the fixture's profile store.
func (f *fixture) withGapFill(ex gapfill.Extractor) {
	f.deps.GapFill = gapfill.New(f.store, ex, gapfill.DefaultConfig(), f.deps.Logger)
}

// approved generates and approves a plan for from -> to.
func (f *fixture) approved(from, to int) *types.MigrationPlan {
	f.t.Helper()
	p := f.planner()
	plan, err := p.GeneratePlan(f.ctx, "acme", "refund", from, to)
	if err != nil {
		f.t.Fatalf("GeneratePlan(v%d->v%d) failed: %v", from, to, err)
	}
	plan, err = p.Approve(f.ctx, plan.ID, "ops", true)
	if err != nil {
		f.t.Fatalf("Approve(%s) failed: %v", plan.ID, err)
	}
	return plan
}

// deployed approves and deploys a plan for from -> to.
func (f *fixture) deployed(from, to int) *types.MigrationPlan {
	f.t.Helper()
	plan := f.approved(from, to)
	if _, err := NewDeployer(f.deps, 2).Deploy(f.ctx, plan.ID); err != nil {
		f.t.Fatalf("Deploy(%s) failed: %v", plan.ID, err)
	}
	return plan
}

// reconcile reloads the session and reconciles it.
func (f *fixture) reconcile(id string) (*types.ReconciliationResult, *types.Session) {
	f.t.Helper()
	s := f.env.MustGetSession(id)
	res := f.executor().Reconcile(f.ctx, s)
	if res == nil {
		f.t.Fatal("Reconcile returned nil")
	}
	return res, f.env.MustGetSession(id)
}

func (f *fixture) audits(sessionID string) []*types.MigrationAuditRecord {
	f.t.Helper()
	recs, err := f.store.MigrationsForSession(f.ctx, sessionID)
	if err != nil {
		f.t.Fatalf("MigrationsForSession failed: %v", err)
	}
	return recs
}

// graph builds a refund scenario version from steps; the first step is the entry.
func graph(version int, steps ...*types.Step) *types.ScenarioGraph {
	return &types.ScenarioGraph{
		TenantID:    "acme",
		ScenarioID:  "refund",
		Version:     version,
		EntryStepID: steps[0].ID,
		Steps:       steps,
	}
}

// step builds a step named after its id with unconditional transitions.
func step(id string, to ...string) *types.Step {
	s := &types.Step{ID: id, Name: strings.ReplaceAll(id, "_", " ")}
	for _, t := range to {
		s.Transitions = append(s.Transitions, &types.Transition{To: t})
	}
	return s
}

func collects(s *types.Step, fields ...string) *types.Step {
	for _, f := range fields {
		s.Fields = append(s.Fields, types.FieldSpec{Name: f})
	}
	return s
}

func checkpoint(s *types.Step, desc string) *types.Step {
	s.IsCheckpoint = true
	s.CheckpointDescription = desc
	s.PerformsAction = true
	return s
}

// renamed is LinearScenario with every step ID changed but identical content.
func renamed(version int) *types.ScenarioGraph {
	g := teststore.LinearScenario(version)
	ids := map[string]string{"greet": "hello", "ask_email": "email_step", "confirm": "done"}
	g.EntryStepID = ids[g.EntryStepID]
	for _, s := range g.Steps {
		s.ID = ids[s.ID]
		for _, t := range s.Transitions {
			t.To = ids[t.To]
		}
	}
	return g
}

type fakeExtractor struct {
	ex    *gapfill.Extraction
	err   error
	calls atomic.Int32
}

func (f *fakeExtractor) Extract(_ context.Context, _ gapfill.ExtractRequest) (*gapfill.Extraction, error) {
	f.calls.Add(1)
	return f.ex, f.err
}

package teststore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

// RunContract runs the behavior every storage.Store must share.
// newStore is called once per subtest and must return an empty store.
func RunContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Scenarios", func(t *testing.T) { testScenarios(t, newStore(t)) })
	t.Run("Plans", func(t *testing.T) { testPlans(t, newStore(t)) })
	t.Run("SessionCAS", func(t *testing.T) { testSessionCAS(t, newStore(t)) })
	t.Run("ConcurrentMark", func(t *testing.T) { testConcurrentMark(t, newStore(t)) })
	t.Run("StepHistory", func(t *testing.T) { testStepHistory(t, newStore(t)) })
	t.Run("FindSessionsAtStep", func(t *testing.T) { testFindSessions(t, newStore(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
}

func testScenarios(t *testing.T, store storage.Store) {
	env := NewEnv(t, store)
	ctx := env.Ctx

	_, err := store.GetLiveVersion(ctx, "acme", "refund")
	AssertNotFound(t, err)

	v1 := env.PutScenario(LinearScenario(1))
	v2 := LinearScenario(2)
	v2.Steps[1].Description = "collect the email"
	env.PutScenario(v2)

	require.Error(t, store.PutScenario(ctx, LinearScenario(1)), "re-storing a version must fail")

	live, err := store.GetLiveVersion(ctx, "acme", "refund")
	require.NoError(t, err)
	assert.Equal(t, 2, live.Version)

	got, err := store.GetScenario(ctx, "acme", "refund", 1)
	require.NoError(t, err)
	assert.Equal(t, hashing.GraphChecksum(v1), hashing.GraphChecksum(got))
	assert.Equal(t, "ask_email", got.Steps[1].ID)

	versions, err := store.ListVersions(ctx, "acme", "refund")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	_, err = store.GetScenario(ctx, "acme", "refund", 7)
	AssertNotFound(t, err)
	_, err = store.GetScenario(ctx, "other", "refund", 1)
	AssertNotFound(t, err)
}

func newPlan(id string, created time.Time, from, to int) *types.MigrationPlan {
	return &types.MigrationPlan{
		ID:          id,
		TenantID:    "acme",
		ScenarioID:  "refund",
		FromVersion: from,
		ToVersion:   to,
		Status:      types.PlanPending,
		Policies: map[string]*types.AnchorMigrationPolicy{
			"h1": {AnchorContentHash: "h1", UpdateDownstream: true},
		},
		Transformation: &types.TransformationMap{
			Anchors: []types.AnchorTransformation{{OldStepID: "a", NewStepID: "a2", ContentHash: "h1", MigrationScenario: types.ScenarioGapFill}},
		},
		Summary:   types.MigrationSummary{TotalAffected: 3, Warnings: []string{"w"}},
		CreatedAt: created,
		UpdatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
}

func testPlans(t *testing.T, store storage.Store) {
	ctx := context.Background()
	older := newPlan("p-older", fixedNow, 1, 2)
	newer := newPlan("p-newer", fixedNow.Add(time.Minute), 1, 2)
	other := newPlan("p-other", fixedNow, 2, 3)
	for _, p := range []*types.MigrationPlan{older, newer, other} {
		require.NoError(t, store.CreatePlan(ctx, p))
	}
	require.Error(t, store.CreatePlan(ctx, newPlan("p-older", fixedNow, 1, 2)), "duplicate plan id must fail")

	got, err := store.GetPlan(ctx, "p-older")
	require.NoError(t, err)
	assert.Equal(t, types.PlanPending, got.Status)
	assert.True(t, got.PolicyFor("h1").UpdateDownstream)
	require.NotNil(t, got.Transformation.AnchorByHash("h1"))
	assert.Equal(t, types.ScenarioGapFill, got.Transformation.AnchorByHash("h1").MigrationScenario)
	assert.WithinDuration(t, older.ExpiresAt, got.ExpiresAt, time.Millisecond)

	// Mutating the returned copy must not leak into the store.
	got.Policies["h1"].UpdateDownstream = false
	again, err := store.GetPlan(ctx, "p-older")
	require.NoError(t, err)
	assert.True(t, again.PolicyFor("h1").UpdateDownstream)

	require.NoError(t, got.Transition(types.PlanApproved, fixedNow))
	got.ApprovedBy = "ops"
	require.NoError(t, store.UpdatePlan(ctx, got))

	pair, err := store.ListPlansForVersions(ctx, "acme", "refund", 1, 2)
	require.NoError(t, err)
	require.Len(t, pair, 2)
	assert.Equal(t, "p-newer", pair[0].ID, "newest first")
	assert.Equal(t, types.PlanApproved, pair[1].Status)
	assert.Equal(t, "ops", pair[1].ApprovedBy)

	approved, err := store.ListPlans(ctx, storage.PlanFilter{Status: types.PlanApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "p-older", approved[0].ID)

	all, err := store.ListPlans(ctx, storage.PlanFilter{TenantID: "acme", ScenarioID: "refund"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = store.GetPlan(ctx, "missing")
	AssertNotFound(t, err)
	AssertNotFound(t, store.UpdatePlan(ctx, newPlan("missing", fixedNow, 1, 2)))
}

func testSessionCAS(t *testing.T, store storage.Store) {
	env := NewEnv(t, store)
	ctx := env.Ctx
	g := env.PutScenario(LinearScenario(1))
	env.SessionAt("s1", g, "ask_email", "greet")

	s := env.MustGetSession("s1")
	assert.Equal(t, int64(1), s.Revision)
	stale := s.Clone()

	s.Variables["email"] = "a@example.com"
	s.TurnCount = 4
	require.NoError(t, store.UpdateSession(ctx, s))
	assert.Equal(t, int64(2), s.Revision, "UpdateSession bumps the caller's revision")

	err := store.UpdateSession(ctx, stale)
	require.Truef(t, errors.Is(err, storage.ErrConflict), "stale write: got %v", err)

	reloaded := env.MustGetSession("s1")
	assert.Equal(t, "a@example.com", reloaded.Variables["email"])
	assert.Equal(t, 4, reloaded.TurnCount)
	assert.Len(t, reloaded.StepHistory, 2, "UpdateSession leaves history alone")

	marker := &types.PendingMigration{TargetVersion: 2, AnchorContentHash: "h", MigrationPlanID: "p", MarkedAt: fixedNow}
	err = store.MarkPendingMigration(ctx, "s1", 1, marker)
	require.Truef(t, errors.Is(err, storage.ErrConflict), "mark with stale revision: got %v", err)
	require.NoError(t, store.MarkPendingMigration(ctx, "s1", reloaded.Revision, marker))

	marked := env.MustGetSession("s1")
	require.NotNil(t, marked.PendingMigration)
	assert.Equal(t, 2, marked.PendingMigration.TargetVersion)
	assert.Equal(t, "p", marked.PendingMigration.MigrationPlanID)
	assert.Equal(t, 1, marked.ActiveScenarioVersion, "marking must not move the session")
	assert.Equal(t, reloaded.Revision+1, marked.Revision)

	AssertNotFound(t, store.MarkPendingMigration(ctx, "ghost", 1, marker))
	AssertNotFound(t, store.UpdateSession(ctx, &types.Session{ID: "ghost", Revision: 1}))
	_, err = store.GetSession(ctx, "ghost")
	AssertNotFound(t, err)
}

func testConcurrentMark(t *testing.T, store storage.Store) {
	env := NewEnv(t, store)
	g := env.PutScenario(LinearScenario(1))
	s := env.SessionAt("s1", g, "greet")

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.MarkPendingMigration(env.Ctx, s.ID, s.Revision, &types.PendingMigration{
				TargetVersion: 2, MigrationPlanID: fmt.Sprintf("p%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one compare-and-set may win")
	assert.Equal(t, writers-1, conflicts)
}

func testStepHistory(t *testing.T, store storage.Store) {
	env := NewEnv(t, store)
	g := env.PutScenario(LinearScenario(1))
	env.SessionAt("s1", g, "greet")

	before := env.MustGetSession("s1")
	hashes := hashing.HashGraph(g)
	require.NoError(t, store.AppendStepVisit(env.Ctx, "s1", types.StepVisit{
		StepID: "ask_email", StepName: "Ask email", ContentHash: hashes["ask_email"], TurnNumber: 2,
	}))
	require.NoError(t, store.AppendStepVisit(env.Ctx, "s1", types.StepVisit{
		StepID: "confirm", StepName: "Confirm", ContentHash: hashes["confirm"], IsCheckpoint: true,
		CheckpointDescription: "refund issued", TurnNumber: 3,
	}))

	after := env.MustGetSession("s1")
	require.Len(t, after.StepHistory, 3)
	assert.Equal(t, []string{"greet", "ask_email", "confirm"},
		[]string{after.StepHistory[0].StepID, after.StepHistory[1].StepID, after.StepHistory[2].StepID})
	assert.True(t, after.StepHistory[2].IsCheckpoint)
	assert.Equal(t, "refund issued", after.StepHistory[2].CheckpointDescription)
	assert.Equal(t, before.Revision+2, after.Revision, "each append bumps the revision")

	AssertNotFound(t, store.AppendStepVisit(env.Ctx, "ghost", types.StepVisit{StepID: "x"}))
}

func testFindSessions(t *testing.T, store storage.Store) {
	env := NewEnv(t, store)
	ctx := env.Ctx
	g := env.PutScenario(LinearScenario(1))
	hashes := hashing.HashGraph(g)

	env.SessionWith("s-web", g, "ask_email", func(s *types.Session) {
		s.CreatedAt = fixedNow.Add(-time.Hour)
	}, "greet")
	env.SessionWith("s-sms", g, "ask_email", func(s *types.Session) {
		s.Channel = "sms"
		s.CreatedAt = fixedNow.Add(-72 * time.Hour)
	}, "greet")
	env.SessionAt("s-elsewhere", g, "greet")

	q := types.SessionQuery{
		TenantID: "acme", ScenarioID: "refund", StepHash: hashes["ask_email"], StepName: "Ask email", Version: 1,
		Now: fixedNow,
	}
	ids := func(q types.SessionQuery) []string {
		t.Helper()
		found, err := store.FindSessionsAtStep(ctx, q)
		require.NoError(t, err)
		n, err := store.CountSessionsAtStep(ctx, q)
		require.NoError(t, err)
		require.Equal(t, len(found), n, "count must agree with find")
		var out []string
		for _, s := range found {
			out = append(out, s.ID)
		}
		return out
	}

	assert.Equal(t, []string{"s-sms", "s-web"}, ids(q))

	q.Scope = &types.ScopeFilter{IncludeChannels: []string{"sms"}}
	assert.Equal(t, []string{"s-sms"}, ids(q))

	q.Scope = &types.ScopeFilter{ExcludeChannels: []string{"sms"}}
	assert.Equal(t, []string{"s-web"}, ids(q))

	q.Scope = &types.ScopeFilter{ExcludeSteps: []string{"Ask email"}}
	assert.Empty(t, ids(q))

	q.Scope = &types.ScopeFilter{IncludeSteps: []string{"Ask email"}}
	q.StepName = ""
	assert.Equal(t, []string{"s-sms", "s-web"}, ids(q), "step name falls back to the latest history entry")

	q.Scope = &types.ScopeFilter{MinSessionAge: 48 * time.Hour}
	assert.Equal(t, []string{"s-sms"}, ids(q))

	q.Version = 2
	q.Scope = nil
	assert.Empty(t, ids(q))
}

func testProfiles(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, ok, err := store.GetField(ctx, "acme", "c1", "email")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetField(ctx, "acme", "c1", "email", "old@example.com"))
	require.NoError(t, store.SetField(ctx, "acme", "c1", "email", "new@example.com"))

	v, ok, err := store.GetField(ctx, "acme", "c1", "email")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new@example.com", v)

	_, ok, err = store.GetField(ctx, "acme", "c2", "email")
	require.NoError(t, err)
	assert.False(t, ok, "profiles are per customer")
}

func testAudit(t *testing.T, store storage.Store) {
	ctx := context.Background()
	rec := &types.MigrationAuditRecord{
		SessionID:   "s1",
		TenantID:    "acme",
		ScenarioID:  "refund",
		PlanID:      "p1",
		Scenario:    types.ScenarioGapFill,
		Action:      types.ActionTeleport,
		FromVersion: 1,
		ToVersion:   2,
		GapFilled:   map[string]types.GapFillSource{"email": types.SourceProfile},
		Duration:    15 * time.Millisecond,
		CreatedAt:   fixedNow,
	}
	require.NoError(t, store.AppendMigration(ctx, rec))
	require.NoError(t, store.AppendMigration(ctx, &types.MigrationAuditRecord{
		SessionID: "s2", ScenarioID: "refund", Action: types.ActionContinue, FromVersion: 1, ToVersion: 2, CreatedAt: fixedNow,
	}))

	reader, ok := store.(storage.AuditReader)
	if !ok {
		return
	}
	recs, err := reader.MigrationsForSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.ActionTeleport, recs[0].Action)
	assert.Equal(t, types.SourceProfile, recs[0].GapFilled["email"])
	assert.Equal(t, 15*time.Millisecond, recs[0].Duration)
}

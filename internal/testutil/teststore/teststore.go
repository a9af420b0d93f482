// Package teststore provides shared storage test helpers.
package teststore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/storage/dolt"
	"github.com/steveyegge/flowshift/internal/types"
)

// doltInitMu serializes embedded engine startup across parallel tests.
var doltInitMu sync.Mutex

// New creates an isolated Dolt-backed store for a single test.
// The test is skipped when the embedded engine is unavailable (CGO disabled).
func New(t testing.TB) *dolt.DoltStore {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "teststore-*")
	if err != nil {
		t.Fatalf("teststore: failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	return Open(t, tmpDir)
}

// Open opens (or creates) an embedded Dolt store at path and closes it when
// the test completes. The directory itself is left in place.
func Open(t testing.TB, path string) *dolt.DoltStore {
	t.Helper()

	cfg := &dolt.Config{
		Path:           path,
		CommitterName:  "test",
		CommitterEmail: "test@example.com",
		Database:       "testdb",
	}

	// Serialize Dolt engine creation to avoid upstream race in InitStatusVariables.
	doltInitMu.Lock()
	store, err := dolt.New(context.Background(), cfg)
	doltInitMu.Unlock()
	if err != nil {
		if dolt.IsUnavailable(err) {
			t.Skipf("embedded dolt unavailable: %v", err)
		}
		t.Fatalf("teststore: failed to create Dolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Env bundles a store with helpers for seeding test data.
type Env struct {
	t     testing.TB
	Store storage.Store
	Ctx   context.Context
}

// NewEnv wraps an existing store.
func NewEnv(t testing.TB, store storage.Store) *Env {
	return &Env{t: t, Store: store, Ctx: context.Background()}
}

// LinearScenario returns a three-step graph greet -> ask_email -> confirm.
func LinearScenario(version int) *types.ScenarioGraph {
	return &types.ScenarioGraph{
		TenantID:    "acme",
		ScenarioID:  "refund",
		Version:     version,
		Name:        "Refund",
		EntryStepID: "greet",
		Steps: []*types.Step{
			{ID: "greet", Name: "Greet", Transitions: []*types.Transition{{To: "ask_email"}}},
			{ID: "ask_email", Name: "Ask email", Fields: []types.FieldSpec{{Name: "email", Type: "email"}}, Transitions: []*types.Transition{{To: "confirm"}}},
			{ID: "confirm", Name: "Confirm", IsCheckpoint: true, CheckpointDescription: "refund issued", PerformsAction: true},
		},
	}
}

// PutScenario stores g or fails the test.
func (e *Env) PutScenario(g *types.ScenarioGraph) *types.ScenarioGraph {
	e.t.Helper()
	if err := e.Store.PutScenario(e.Ctx, g); err != nil {
		e.t.Fatalf("PutScenario(%s v%d) failed: %v", g.ScenarioID, g.Version, err)
	}
	return g
}

// SessionAt creates a session positioned on stepID of g, with a history
// covering every step visited on the way.
func (e *Env) SessionAt(id string, g *types.ScenarioGraph, stepID string, visited ...string) *types.Session {
	e.t.Helper()
	return e.SessionWith(id, g, stepID, nil, visited...)
}

// SessionWith is SessionAt with a hook to adjust the session before it is stored.
func (e *Env) SessionWith(id string, g *types.ScenarioGraph, stepID string, mutate func(*types.Session), visited ...string) *types.Session {
	e.t.Helper()
	hashes := hashing.HashGraph(g)
	step := g.Step(stepID)
	if step == nil {
		e.t.Fatalf("SessionAt: step %q not in %s v%d", stepID, g.ScenarioID, g.Version)
	}
	s := &types.Session{
		ID:                    id,
		TenantID:              g.TenantID,
		CustomerID:            "cust-" + id,
		Channel:               "webchat",
		ActiveScenarioID:      g.ScenarioID,
		ActiveScenarioVersion: g.Version,
		ScenarioChecksum:      hashing.GraphChecksum(g),
		CurrentStepID:         stepID,
		CurrentStepHash:       hashes[stepID],
		Variables:             map[string]string{},
	}
	for i, vid := range append(visited, stepID) {
		vs := g.Step(vid)
		if vs == nil {
			e.t.Fatalf("SessionAt: visited step %q not in graph", vid)
		}
		s.StepHistory = append(s.StepHistory, types.StepVisit{
			StepID:                vs.ID,
			StepName:              vs.Name,
			ContentHash:           hashes[vs.ID],
			IsCheckpoint:          vs.IsCheckpoint,
			CheckpointDescription: vs.CheckpointDescription,
			TurnNumber:            i + 1,
		})
	}
	if mutate != nil {
		mutate(s)
	}
	if err := e.Store.CreateSession(e.Ctx, s); err != nil {
		e.t.Fatalf("CreateSession(%s) failed: %v", id, err)
	}
	return s
}

// MustGetSession reloads a session or fails the test.
func (e *Env) MustGetSession(id string) *types.Session {
	e.t.Helper()
	s, err := e.Store.GetSession(e.Ctx, id)
	if err != nil {
		e.t.Fatalf("GetSession(%s) failed: %v", id, err)
	}
	return s
}

// AssertNotFound fails unless err wraps storage.ErrNotFound.
func AssertNotFound(t testing.TB, err error) {
	t.Helper()
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// fixedNow is a stable reference time for age filters.
var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

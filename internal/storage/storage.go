// Package storage provides the store interfaces the migration core consumes.
//
// The concrete implementations live in the memory and dolt sub-packages.
// This package holds interface and value types that are referenced by
// both the implementations and their consumers (internal/migration, cmd/flowshift).
package storage

import (
	"context"
	"errors"

	"github.com/steveyegge/flowshift/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set write loses a race:
// the record changed since it was read.
var ErrConflict = errors.New("revision conflict")

// ScenarioStore serves versioned scenario graphs. Archived versions are read-only.
type ScenarioStore interface {
	// GetScenario returns one version of a scenario.
	GetScenario(ctx context.Context, tenantID, scenarioID string, version int) (*types.ScenarioGraph, error)

	// GetLiveVersion returns the highest stored version of a scenario.
	GetLiveVersion(ctx context.Context, tenantID, scenarioID string) (*types.ScenarioGraph, error)

	// PutScenario stores a new version. Re-storing an existing version is an error.
	PutScenario(ctx context.Context, g *types.ScenarioGraph) error

	// ListVersions returns the stored version numbers in ascending order.
	ListVersions(ctx context.Context, tenantID, scenarioID string) ([]int, error)
}

// PlanFilter narrows ListPlans. Zero values match everything.
type PlanFilter struct {
	TenantID   string
	ScenarioID string
	Status     types.PlanStatus
}

// PlanStore persists migration plans.
type PlanStore interface {
	CreatePlan(ctx context.Context, p *types.MigrationPlan) error
	GetPlan(ctx context.Context, id string) (*types.MigrationPlan, error)
	UpdatePlan(ctx context.Context, p *types.MigrationPlan) error

	// ListPlansForVersions returns every plan for a version pair, newest first.
	ListPlansForVersions(ctx context.Context, tenantID, scenarioID string, from, to int) ([]*types.MigrationPlan, error)

	ListPlans(ctx context.Context, filter PlanFilter) ([]*types.MigrationPlan, error)
}

// SessionStore is the migration-relevant view of the externally owned session store.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*types.Session, error)
	CreateSession(ctx context.Context, s *types.Session) error

	// UpdateSession writes s if the stored revision still equals s.Revision,
	// then bumps s.Revision. Returns ErrConflict otherwise.
	UpdateSession(ctx context.Context, s *types.Session) error

	// FindSessionsAtStep returns sessions positioned at q.StepHash on q.Version.
	// Implementations apply q.Scope where they can; callers re-check it.
	FindSessionsAtStep(ctx context.Context, q types.SessionQuery) ([]*types.Session, error)

	// CountSessionsAtStep is FindSessionsAtStep without materializing sessions.
	CountSessionsAtStep(ctx context.Context, q types.SessionQuery) (int, error)

	// MarkPendingMigration sets the Phase 1 marker with a single
	// compare-and-set on the session revision. Nothing else changes.
	MarkPendingMigration(ctx context.Context, sessionID string, expectedRevision int64, marker *types.PendingMigration) error

	// AppendStepVisit appends to the session's step history. History is never rewritten.
	AppendStepVisit(ctx context.Context, sessionID string, visit types.StepVisit) error
}

// ProfileStore holds long-lived customer data.
type ProfileStore interface {
	// GetField returns the stored value and whether it exists.
	GetField(ctx context.Context, tenantID, customerID, field string) (string, bool, error)
	SetField(ctx context.Context, tenantID, customerID, field, value string) error
}

// AuditLog records applied migrations.
type AuditLog interface {
	AppendMigration(ctx context.Context, rec *types.MigrationAuditRecord) error
}

// AuditReader is implemented by stores that can read the audit trail back.
type AuditReader interface {
	MigrationsForSession(ctx context.Context, sessionID string) ([]*types.MigrationAuditRecord, error)
}

// Committer is implemented by stores with versioned history (Dolt).
// The CLI calls Commit after every mutating command.
type Committer interface {
	Commit(ctx context.Context, message string) error
}

// Store is the interface satisfied by *dolt.DoltStore and *memory.MemoryStorage.
// Consumers depend on the narrow interfaces above; Store bundles them for wiring.
type Store interface {
	ScenarioStore
	PlanStore
	SessionStore
	ProfileStore
	AuditLog

	// Lifecycle
	Close() error
}

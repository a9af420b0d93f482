// Package memory implements every flowshift store in process memory.
// It backs unit tests and the CLI's "memory" backend.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

type scenarioKey struct {
	tenant, scenario string
}

type profileKey struct {
	tenant, customer, field string
}

// MemoryStorage is a thread-safe in-memory storage.Store.
type MemoryStorage struct {
	mu sync.RWMutex

	scenarios map[scenarioKey]map[int]*types.ScenarioGraph
	plans     map[string]*types.MigrationPlan
	sessions  map[string]*types.Session
	profiles  map[profileKey]string
	audit     []*types.MigrationAuditRecord

	now func() time.Time
}

var (
	_ storage.Store       = (*MemoryStorage)(nil)
	_ storage.AuditReader = (*MemoryStorage)(nil)
)

// New creates an empty store.
func New() *MemoryStorage {
	return &MemoryStorage{
		scenarios: make(map[scenarioKey]map[int]*types.ScenarioGraph),
		plans:     make(map[string]*types.MigrationPlan),
		sessions:  make(map[string]*types.Session),
		profiles:  make(map[profileKey]string),
		now:       time.Now,
	}
}

// Close is a no-op.
func (m *MemoryStorage) Close() error { return nil }

// Scenarios

func (m *MemoryStorage) GetScenario(ctx context.Context, tenantID, scenarioID string, version int) (*types.ScenarioGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.scenarios[scenarioKey{tenantID, scenarioID}][version]
	if !ok {
		return nil, fmt.Errorf("scenario %s v%d: %w", scenarioID, version, storage.ErrNotFound)
	}
	return g, nil
}

func (m *MemoryStorage) GetLiveVersion(ctx context.Context, tenantID, scenarioID string) (*types.ScenarioGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var live *types.ScenarioGraph
	for v, g := range m.scenarios[scenarioKey{tenantID, scenarioID}] {
		if live == nil || v > live.Version {
			live = g
		}
	}
	if live == nil {
		return nil, fmt.Errorf("scenario %s: %w", scenarioID, storage.ErrNotFound)
	}
	return live, nil
}

func (m *MemoryStorage) PutScenario(ctx context.Context, g *types.ScenarioGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scenarioKey{g.TenantID, g.ScenarioID}
	if m.scenarios[key] == nil {
		m.scenarios[key] = make(map[int]*types.ScenarioGraph)
	}
	if _, exists := m.scenarios[key][g.Version]; exists {
		return fmt.Errorf("scenario %s v%d already stored", g.ScenarioID, g.Version)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = m.now()
	}
	m.scenarios[key][g.Version] = g
	return nil
}

func (m *MemoryStorage) ListVersions(ctx context.Context, tenantID, scenarioID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for v := range m.scenarios[scenarioKey{tenantID, scenarioID}] {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// Plans

func clonePlan(p *types.MigrationPlan) *types.MigrationPlan {
	c := *p
	if p.Policies != nil {
		c.Policies = make(map[string]*types.AnchorMigrationPolicy, len(p.Policies))
		for k, v := range p.Policies {
			pol := *v
			c.Policies[k] = &pol
		}
	}
	c.Summary.Warnings = slices.Clone(p.Summary.Warnings)
	c.Summary.RequiredFields = slices.Clone(p.Summary.RequiredFields)
	return &c
}

func (m *MemoryStorage) CreatePlan(ctx context.Context, p *types.MigrationPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plans[p.ID]; exists {
		return fmt.Errorf("plan %s already exists", p.ID)
	}
	m.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStorage) GetPlan(ctx context.Context, id string) (*types.MigrationPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, storage.ErrNotFound)
	}
	return clonePlan(p), nil
}

func (m *MemoryStorage) UpdatePlan(ctx context.Context, p *types.MigrationPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; !ok {
		return fmt.Errorf("plan %s: %w", p.ID, storage.ErrNotFound)
	}
	m.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStorage) ListPlansForVersions(ctx context.Context, tenantID, scenarioID string, from, to int) ([]*types.MigrationPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.MigrationPlan
	for _, p := range m.plans {
		if p.TenantID == tenantID && p.ScenarioID == scenarioID && p.FromVersion == from && p.ToVersion == to {
			out = append(out, clonePlan(p))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStorage) ListPlans(ctx context.Context, filter storage.PlanFilter) ([]*types.MigrationPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.MigrationPlan
	for _, p := range m.plans {
		if filter.TenantID != "" && p.TenantID != filter.TenantID {
			continue
		}
		if filter.ScenarioID != "" && p.ScenarioID != filter.ScenarioID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(plans []*types.MigrationPlan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.After(plans[j].CreatedAt)
		}
		return plans[i].ID > plans[j].ID
	})
}

// Sessions

func (m *MemoryStorage) GetSession(ctx context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStorage) CreateSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Revision = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStorage) UpdateSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", s.ID, storage.ErrNotFound)
	}
	if cur.Revision != s.Revision {
		return fmt.Errorf("session %s at revision %d, write based on %d: %w", s.ID, cur.Revision, s.Revision, storage.ErrConflict)
	}
	s.Revision++
	s.UpdatedAt = m.now()
	// History is append-only; keep whatever was appended concurrently.
	next := s.Clone()
	next.StepHistory = cur.StepHistory
	m.sessions[s.ID] = next
	return nil
}

func (m *MemoryStorage) matching(q types.SessionQuery) []*types.Session {
	now := q.Now
	if now.IsZero() {
		now = m.now()
	}
	var out []*types.Session
	for _, s := range m.sessions {
		if s.TenantID != q.TenantID || s.ActiveScenarioID != q.ScenarioID {
			continue
		}
		if s.CurrentStepHash != q.StepHash || s.ActiveScenarioVersion != q.Version {
			continue
		}
		stepName := q.StepName
		if n := len(s.StepHistory); stepName == "" && n > 0 {
			stepName = s.StepHistory[n-1].StepName
		}
		if !q.Scope.Matches(s, stepName, now) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStorage) FindSessionsAtStep(ctx context.Context, q types.SessionQuery) ([]*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := m.matching(q)
	out := make([]*types.Session, 0, len(found))
	for _, s := range found {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *MemoryStorage) CountSessionsAtStep(ctx context.Context, q types.SessionQuery) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matching(q)), nil
}

func (m *MemoryStorage) MarkPendingMigration(ctx context.Context, sessionID string, expectedRevision int64, marker *types.PendingMigration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if cur.Revision != expectedRevision {
		return fmt.Errorf("session %s at revision %d, expected %d: %w", sessionID, cur.Revision, expectedRevision, storage.ErrConflict)
	}
	pm := *marker
	cur.PendingMigration = &pm
	cur.Revision++
	return nil
}

func (m *MemoryStorage) AppendStepVisit(ctx context.Context, sessionID string, visit types.StepVisit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if visit.VisitedAt.IsZero() {
		visit.VisitedAt = m.now()
	}
	cur.StepHistory = append(cur.StepHistory, visit)
	cur.Revision++
	return nil
}

// Profiles

func (m *MemoryStorage) GetField(ctx context.Context, tenantID, customerID, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.profiles[profileKey{tenantID, customerID, field}]
	return v, ok, nil
}

func (m *MemoryStorage) SetField(ctx context.Context, tenantID, customerID, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profileKey{tenantID, customerID, field}] = value
	return nil
}

// Audit

func (m *MemoryStorage) AppendMigration(ctx context.Context, rec *types.MigrationAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	m.audit = append(m.audit, &c)
	return nil
}

// MigrationsForSession returns the audit trail of one session, oldest first.
func (m *MemoryStorage) MigrationsForSession(ctx context.Context, sessionID string) ([]*types.MigrationAuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.MigrationAuditRecord
	for _, r := range m.audit {
		if r.SessionID == sessionID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// AuditRecords returns a copy of every recorded migration, oldest first.
func (m *MemoryStorage) AuditRecords() []*types.MigrationAuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.MigrationAuditRecord, 0, len(m.audit))
	for _, r := range m.audit {
		c := *r
		out = append(out, &c)
	}
	return out
}

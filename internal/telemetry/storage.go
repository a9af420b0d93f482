package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

const storageScopeName = "github.com/steveyegge/flowshift/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in flowshift.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner     storage.Store
	tracer    trace.Tracer
	ops       metric.Int64Counter
	dur       metric.Float64Histogram
	errs      metric.Int64Counter
	conflicts metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	return newInstrumentedStore(s)
}

func newInstrumentedStore(s storage.Store) *InstrumentedStore {
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("flowshift.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("flowshift.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("flowshift.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	conflicts, _ := m.Int64Counter("flowshift.storage.cas_conflicts",
		metric.WithDescription("Compare-and-set writes that lost a race"),
	)
	return &InstrumentedStore{
		inner:     s,
		tracer:    Tracer(storageScopeName),
		ops:       ops,
		dur:       dur,
		errs:      errs,
		conflicts: conflicts,
	}
}

// Unwrap returns the decorated store, for optional interfaces such as storage.Committer.
func (s *InstrumentedStore) Unwrap() storage.Store { return s.inner }

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
		if isConflict(err) {
			s.conflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
	span.End()
}

// ── Scenarios ───────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetScenario(ctx context.Context, tenantID, scenarioID string, version int) (*types.ScenarioGraph, error) {
	attrs := []attribute.KeyValue{attribute.String("flowshift.scenario", scenarioID), attribute.Int("flowshift.version", version)}
	ctx, span, t := s.op(ctx, "GetScenario", attrs...)
	v, err := s.inner.GetScenario(ctx, tenantID, scenarioID, version)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetLiveVersion(ctx context.Context, tenantID, scenarioID string) (*types.ScenarioGraph, error) {
	attrs := []attribute.KeyValue{attribute.String("flowshift.scenario", scenarioID)}
	ctx, span, t := s.op(ctx, "GetLiveVersion", attrs...)
	v, err := s.inner.GetLiveVersion(ctx, tenantID, scenarioID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PutScenario(ctx context.Context, g *types.ScenarioGraph) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.scenario", g.ScenarioID), attribute.Int("flowshift.version", g.Version)}
	ctx, span, t := s.op(ctx, "PutScenario", attrs...)
	err := s.inner.PutScenario(ctx, g)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListVersions(ctx context.Context, tenantID, scenarioID string) ([]int, error) {
	ctx, span, t := s.op(ctx, "ListVersions")
	v, err := s.inner.ListVersions(ctx, tenantID, scenarioID)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Plans ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreatePlan(ctx context.Context, p *types.MigrationPlan) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.plan", p.ID)}
	ctx, span, t := s.op(ctx, "CreatePlan", attrs...)
	err := s.inner.CreatePlan(ctx, p)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetPlan(ctx context.Context, id string) (*types.MigrationPlan, error) {
	attrs := []attribute.KeyValue{attribute.String("flowshift.plan", id)}
	ctx, span, t := s.op(ctx, "GetPlan", attrs...)
	v, err := s.inner.GetPlan(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpdatePlan(ctx context.Context, p *types.MigrationPlan) error {
	attrs := []attribute.KeyValue{
		attribute.String("flowshift.plan", p.ID),
		attribute.String("flowshift.plan.status", string(p.Status)),
	}
	ctx, span, t := s.op(ctx, "UpdatePlan", attrs...)
	err := s.inner.UpdatePlan(ctx, p)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListPlansForVersions(ctx context.Context, tenantID, scenarioID string, from, to int) ([]*types.MigrationPlan, error) {
	ctx, span, t := s.op(ctx, "ListPlansForVersions")
	v, err := s.inner.ListPlansForVersions(ctx, tenantID, scenarioID, from, to)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ListPlans(ctx context.Context, filter storage.PlanFilter) ([]*types.MigrationPlan, error) {
	ctx, span, t := s.op(ctx, "ListPlans")
	v, err := s.inner.ListPlans(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Sessions ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	attrs := []attribute.KeyValue{attribute.String("flowshift.session", id)}
	ctx, span, t := s.op(ctx, "GetSession", attrs...)
	v, err := s.inner.GetSession(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CreateSession(ctx context.Context, sess *types.Session) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.session", sess.ID)}
	ctx, span, t := s.op(ctx, "CreateSession", attrs...)
	err := s.inner.CreateSession(ctx, sess)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) UpdateSession(ctx context.Context, sess *types.Session) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.session", sess.ID)}
	ctx, span, t := s.op(ctx, "UpdateSession", attrs...)
	err := s.inner.UpdateSession(ctx, sess)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) FindSessionsAtStep(ctx context.Context, q types.SessionQuery) ([]*types.Session, error) {
	attrs := []attribute.KeyValue{attribute.String("flowshift.anchor", q.StepHash)}
	ctx, span, t := s.op(ctx, "FindSessionsAtStep", attrs...)
	v, err := s.inner.FindSessionsAtStep(ctx, q)
	span.SetAttributes(attribute.Int("flowshift.session.count", len(v)))
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CountSessionsAtStep(ctx context.Context, q types.SessionQuery) (int, error) {
	attrs := []attribute.KeyValue{attribute.String("flowshift.anchor", q.StepHash)}
	ctx, span, t := s.op(ctx, "CountSessionsAtStep", attrs...)
	v, err := s.inner.CountSessionsAtStep(ctx, q)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) MarkPendingMigration(ctx context.Context, sessionID string, expectedRevision int64, marker *types.PendingMigration) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.session", sessionID)}
	ctx, span, t := s.op(ctx, "MarkPendingMigration", attrs...)
	err := s.inner.MarkPendingMigration(ctx, sessionID, expectedRevision, marker)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) AppendStepVisit(ctx context.Context, sessionID string, visit types.StepVisit) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.session", sessionID)}
	ctx, span, t := s.op(ctx, "AppendStepVisit", attrs...)
	err := s.inner.AppendStepVisit(ctx, sessionID, visit)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Profiles and audit ──────────────────────────────────────────────────────

func (s *InstrumentedStore) GetField(ctx context.Context, tenantID, customerID, field string) (string, bool, error) {
	attrs := []attribute.KeyValue{attribute.String("flowshift.field", field)}
	ctx, span, t := s.op(ctx, "GetField", attrs...)
	v, ok, err := s.inner.GetField(ctx, tenantID, customerID, field)
	s.done(ctx, span, t, err, attrs...)
	return v, ok, err
}

func (s *InstrumentedStore) SetField(ctx context.Context, tenantID, customerID, field, value string) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.field", field)}
	ctx, span, t := s.op(ctx, "SetField", attrs...)
	err := s.inner.SetField(ctx, tenantID, customerID, field, value)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) AppendMigration(ctx context.Context, rec *types.MigrationAuditRecord) error {
	attrs := []attribute.KeyValue{attribute.String("flowshift.action", string(rec.Action))}
	ctx, span, t := s.op(ctx, "AppendMigration", attrs...)
	err := s.inner.AppendMigration(ctx, rec)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

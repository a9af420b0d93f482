package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/telemetry"
	"github.com/steveyegge/flowshift/internal/types"
)

const instrumentationName = "github.com/steveyegge/flowshift/migration"

// ResetMessage is shown to a customer whose position could not be recovered.
const ResetMessage = "We've updated this conversation. Let's start again from the beginning."

var execMetrics struct {
	actions  metric.Int64Counter
	blocks   metric.Int64Counter
	duration metric.Float64Histogram
}

var execMetricsOnce sync.Once

func initExecMetrics() {
	m := telemetry.Meter(instrumentationName)
	execMetrics.actions, _ = m.Int64Counter("flowshift.reconcile.actions",
		metric.WithDescription("Reconciliation results by action and migration scenario"),
		metric.WithUnit("{session}"),
	)
	execMetrics.blocks, _ = m.Int64Counter("flowshift.reconcile.checkpoint_blocks",
		metric.WithDescription("Teleports refused because the customer passed a checkpoint"),
		metric.WithUnit("{teleport}"),
	)
	execMetrics.duration, _ = m.Float64Histogram("flowshift.reconcile.duration",
		metric.WithDescription("Reconciliation latency"),
		metric.WithUnit("ms"),
	)
}

func recordCheckpointBlock(ctx context.Context) {
	execMetricsOnce.Do(initExecMetrics)
	if execMetrics.blocks != nil {
		execMetrics.blocks.Add(ctx, 1)
	}
}

// Executor runs phase 2: it reconciles one session just before its next turn.
// The caller must guarantee at most one in-flight turn per session.
type Executor struct {
	deps Deps
}

// NewExecutor creates an executor.
func NewExecutor(deps Deps) *Executor {
	return &Executor{deps: deps.withDefaults()}
}

// NeedsReconcile reports whether Reconcile must run before the session's next turn:
// it carries a marker, or its checksum or version is stale against the live version.
func (e *Executor) NeedsReconcile(ctx context.Context, s *types.Session) (bool, error) {
	if s.PendingMigration != nil {
		return true, nil
	}
	live, err := e.deps.Scenarios.GetLiveVersion(ctx, s.TenantID, s.ActiveScenarioID)
	if err != nil {
		return false, fmt.Errorf("load live %s: %w", s.ActiveScenarioID, err)
	}
	return s.ScenarioChecksum != hashing.GraphChecksum(live) || s.ActiveScenarioVersion != live.Version, nil
}

// run carries the state of one Reconcile call.
type run struct {
	session *types.Session // Working copy, written back only after a successful store update
	live    *types.ScenarioGraph
	logger  *slog.Logger
	gaps    []types.GapFillResult
	errKind ErrorKind
	noop    bool // Nothing to do; no write, no audit
	abort   bool // Could not load enough state to act; leave the session untouched
}

// Reconcile brings s onto the live version of its scenario and returns what
// the turn pipeline should do next. It never fails: every internal failure
// resolves to one of the defined actions. On success s is updated in place
// to the stored state.
func (e *Executor) Reconcile(ctx context.Context, s *types.Session) *types.ReconciliationResult {
	execMetricsOnce.Do(initExecMetrics)
	ctx, span := telemetry.Tracer(instrumentationName).Start(ctx, "migration.reconcile",
		trace.WithAttributes(
			attribute.String("flowshift.session", s.ID),
			attribute.String("flowshift.scenario", s.ActiveScenarioID),
			attribute.Int("flowshift.version", s.ActiveScenarioVersion),
		))
	defer span.End()
	start := e.deps.Now()

	r := &run{
		session: s.Clone(),
		logger:  e.deps.Logger.With("session", s.ID, "scenario", s.ActiveScenarioID),
	}
	res := e.reconcile(ctx, r)
	if r.noop {
		return res
	}
	res.GapFills = r.gaps
	res.FromVersion = s.ActiveScenarioVersion
	if r.live != nil {
		res.ToVersion = r.live.Version
	}
	if !r.abort {
		res = e.commit(ctx, r, s, res)
	}
	elapsed := e.deps.Now().Sub(start)
	e.audit(ctx, r, s, res, elapsed)

	attrs := metric.WithAttributes(
		attribute.String("action", string(res.Action)),
		attribute.String("scenario", string(res.Scenario)),
	)
	if execMetrics.actions != nil {
		execMetrics.actions.Add(ctx, 1, attrs)
	}
	if execMetrics.duration != nil {
		execMetrics.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
	span.SetAttributes(
		attribute.String("flowshift.action", string(res.Action)),
		attribute.Bool("flowshift.blocked_by_checkpoint", res.BlockedByCheckpoint),
	)
	r.logger.Info("session reconciled",
		"action", res.Action,
		"plan", res.PlanID,
		"anchor", res.AnchorHash,
		"target_step", res.TargetStepID,
		"duration", elapsed)
	return res
}

func (e *Executor) reconcile(ctx context.Context, r *run) *types.ReconciliationResult {
	s := r.session
	live, err := e.deps.Scenarios.GetLiveVersion(ctx, s.TenantID, s.ActiveScenarioID)
	if errors.Is(err, storage.ErrNotFound) {
		r.errKind = KindNotFound
		return e.exit(r, fmt.Errorf("scenario %s: %w", s.ActiveScenarioID, err), false)
	}
	if err != nil {
		r.errKind = Classify(err)
		r.abort = true
		r.logger.Warn("live scenario unavailable, continuing on current version", "error", err)
		return &types.ReconciliationResult{Action: types.ActionContinue}
	}
	r.live = live

	if s.PendingMigration == nil && s.ScenarioChecksum == hashing.GraphChecksum(live) && s.ActiveScenarioVersion == live.Version {
		r.noop = true
		return &types.ReconciliationResult{Action: types.ActionContinue}
	}
	if s.ActiveScenarioVersion >= live.Version {
		// Already on live: only the checksum or a stray marker needs clearing.
		res := &types.ReconciliationResult{Action: types.ActionContinue}
		if live.Step(s.CurrentStepID) != nil {
			res.TargetStepID = s.CurrentStepID
		}
		return res
	}
	if live.Version-s.ActiveScenarioVersion > 1 {
		return e.composite(ctx, r)
	}

	plan, hash, err := e.planFor(ctx, r)
	if err != nil {
		return e.relocate(ctx, r, err)
	}
	return e.apply(ctx, r, plan, hash)
}

// planFor finds the plan and anchor hash for a session one version behind:
// the marker's plan when it is still usable, else any deployable plan for the
// version pair anchored at the session's current step.
func (e *Executor) planFor(ctx context.Context, r *run) (*types.MigrationPlan, string, error) {
	s := r.session
	now := e.deps.Now().UTC()
	var markerErr error
	if m := s.PendingMigration; m != nil {
		plan, err := e.deps.Plans.GetPlan(ctx, m.MigrationPlanID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			markerErr = fmt.Errorf("%w: %s", ErrPlanNotFound, m.MigrationPlanID)
		case err != nil:
			markerErr = fmt.Errorf("load plan %s: %w", m.MigrationPlanID, err)
		case plan.IsExpired(now):
			markerErr = fmt.Errorf("%w: %s", ErrPlanExpired, plan.ID)
		case !isDeployable(plan, now):
			markerErr = fmt.Errorf("%w: plan %s is %s", ErrPlanNotFound, plan.ID, plan.Status)
		case plan.FromVersion != s.ActiveScenarioVersion || plan.ToVersion != r.live.Version:
			markerErr = fmt.Errorf("%w: plan %s covers v%d->v%d", ErrPlanNotFound, plan.ID, plan.FromVersion, plan.ToVersion)
		default:
			return plan, m.AnchorContentHash, nil
		}
		r.logger.Info("marker plan unusable", "plan", m.MigrationPlanID, "error", markerErr)
	}
	plan, err := deployablePlan(ctx, e.deps.Plans, s.TenantID, s.ActiveScenarioID, s.ActiveScenarioVersion, s.ActiveScenarioVersion+1, now)
	if err != nil {
		if markerErr != nil {
			return nil, "", markerErr
		}
		return nil, "", err
	}
	return plan, s.CurrentStepHash, nil
}

func (e *Executor) apply(ctx context.Context, r *run, plan *types.MigrationPlan, hash string) *types.ReconciliationResult {
	anchor := plan.Transformation.AnchorByHash(hash)
	if anchor == nil {
		return e.relocate(ctx, r, fmt.Errorf("%w: hash %s not anchored by plan %s", ErrNoAnchorFound, hash, plan.ID))
	}
	pol := plan.PolicyFor(hash)
	scenario := anchor.MigrationScenario
	if pol.ForceScenario != "" {
		scenario = pol.ForceScenario
	}
	r.logger = r.logger.With("plan", plan.ID, "anchor", hash)
	guard := newCheckpointGuard(r.session, r.live, r.logger)

	var res *types.ReconciliationResult
	switch scenario {
	case types.ScenarioCleanGraft:
		if res = e.passThrough(ctx, r, guard, plan, anchor, pol); res == nil {
			res = e.cleanGraft(ctx, r, guard, anchor, pol)
		}
	case types.ScenarioGapFill:
		res = e.gapFill(ctx, r, guard, anchor, anchor.Upstream.RequiredFields())
	case types.ScenarioReRoute:
		res = e.reRoute(ctx, r, guard, anchor, pol)
	default:
		return e.relocate(ctx, r, fmt.Errorf("%w: unknown migration scenario %q", ErrNoAnchorFound, scenario))
	}
	res.Scenario = scenario
	res.PlanID = plan.ID
	res.AnchorHash = hash
	return res
}

func (e *Executor) cleanGraft(ctx context.Context, r *run, guard *checkpointGuard, anchor *types.AnchorTransformation, pol *types.AnchorMigrationPolicy) *types.ReconciliationResult {
	if !pol.UpdateDownstream {
		return &types.ReconciliationResult{Action: types.ActionContinue, TargetStepID: anchor.NewStepID}
	}
	if res := e.teleport(ctx, r, guard, anchor.NewStepID); res != nil {
		return res
	}
	return blockedResult(guard, anchor.NewStepID, anchor.NewStepID)
}

// passThrough moves a session that finished its anchor past steps inserted
// right after it, when those steps only collect data and gap fill resolves
// all of it. The target is the single anchor the inserted steps lead to.
// Returns nil when the shortcut does not apply.
func (e *Executor) passThrough(ctx context.Context, r *run, guard *checkpointGuard, plan *types.MigrationPlan, anchor *types.AnchorTransformation, pol *types.AnchorMigrationPolicy) *types.ReconciliationResult {
	down := anchor.Downstream
	if !pol.UpdateDownstream || len(down.InsertedNodes) == 0 || len(down.NewForks) > 0 {
		return nil
	}
	inserted := make(map[string]bool, len(down.InsertedNodes))
	for _, n := range down.InsertedNodes {
		step := r.live.Step(n.StepID)
		if step == nil || n.HasRules || n.IsCheckpoint || step.PerformsAction {
			return nil
		}
		inserted[n.StepID] = true
	}
	if !stepComplete(r.session, r.live.Step(anchor.NewStepID)) {
		return nil
	}
	next, ok := exitAnchor(r.live, anchor.NewStepID, inserted, plan.Transformation)
	if !ok {
		return nil
	}
	for _, g := range e.fill(ctx, r, down.RequiredFields()) {
		if !g.Resolved() {
			return nil
		}
	}
	return e.teleport(ctx, r, guard, next)
}

// stepComplete reports whether the session holds every field step requires.
func stepComplete(s *types.Session, step *types.Step) bool {
	if step == nil {
		return false
	}
	for _, f := range step.RequiredFields() {
		if strings.TrimSpace(s.Variables[f.Name]) == "" {
			return false
		}
	}
	return true
}

// exitAnchor walks forward from start through inserted steps and returns the
// one anchor every path leaves them at.
func exitAnchor(g *types.ScenarioGraph, start string, inserted map[string]bool, tmap *types.TransformationMap) (string, bool) {
	exits := map[string]bool{}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step := g.Step(id)
		if step == nil {
			continue
		}
		for _, t := range step.Transitions {
			switch {
			case inserted[t.To]:
				if !seen[t.To] {
					seen[t.To] = true
					queue = append(queue, t.To)
				}
			case t.To != start:
				exits[t.To] = true
			}
		}
	}
	if len(exits) != 1 {
		return "", false
	}
	for id := range exits {
		if a := tmap.AnchorByHash(hashing.StepHash(g.Step(id))); a != nil && a.NewStepID == id {
			return id, true
		}
	}
	return "", false
}

func (e *Executor) gapFill(ctx context.Context, r *run, guard *checkpointGuard, anchor *types.AnchorTransformation, fields []types.FieldSpec) *types.ReconciliationResult {
	if missing := e.missing(ctx, r, fields); len(missing) > 0 {
		return collectResult(anchor, missing)
	}
	if res := e.teleport(ctx, r, guard, anchor.NewStepID); res != nil {
		return res
	}
	return blockedResult(guard, anchor.NewStepID, anchor.NewStepID)
}

// missing gap fills fields and returns the names left unresolved.
func (e *Executor) missing(ctx context.Context, r *run, fields []types.FieldSpec) []string {
	var out []string
	for _, g := range e.fill(ctx, r, fields) {
		if !g.Resolved() {
			out = append(out, g.FieldName)
		}
	}
	return out
}

func collectResult(anchor *types.AnchorTransformation, fields []string) *types.ReconciliationResult {
	return &types.ReconciliationResult{
		Action:        types.ActionCollect,
		TargetStepID:  anchor.NewStepID,
		CollectFields: fields,
	}
}

// reRoute teleports to the first new conditional branch whose condition holds.
// A holding branch the checkpoint guard refuses is reported as blocked only
// when no other holding branch is reachable.
func (e *Executor) reRoute(ctx context.Context, r *run, guard *checkpointGuard, anchor *types.AnchorTransformation, pol *types.AnchorMigrationPolicy) *types.ReconciliationResult {
	data := e.conditionData(ctx, r, anchor)
	blockedTarget := ""
	for _, fork := range anchor.Upstream.NewForks {
		for _, b := range fork.Branches {
			if strings.TrimSpace(b.Condition) == "" {
				continue
			}
			ok, err := e.deps.Conditions.Evaluate(ctx, b.Condition, data)
			if err != nil {
				r.logger.Debug("branch condition not evaluable", "fork", fork.StepName, "condition", b.Condition, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if res := e.teleport(ctx, r, guard, b.TargetStepID); res != nil {
				return res
			}
			if blockedTarget == "" {
				blockedTarget = b.TargetStepID
			}
		}
	}
	if blockedTarget != "" {
		return blockedResult(guard, blockedTarget, anchor.NewStepID)
	}
	return e.cleanGraft(ctx, r, guard, anchor, pol)
}

// conditionData is the session's variables plus profile values for any
// field a new branch condition reads that the session does not hold.
func (e *Executor) conditionData(ctx context.Context, r *run, anchor *types.AnchorTransformation) map[string]string {
	s := r.session
	data := maps.Clone(s.Variables)
	if data == nil {
		data = map[string]string{}
	}
	if e.deps.Profiles == nil {
		return data
	}
	for _, fork := range anchor.Upstream.NewForks {
		for _, b := range fork.Branches {
			for _, f := range b.ConditionReads {
				if _, ok := data[f]; ok {
					continue
				}
				v, ok, err := e.deps.Profiles.GetField(ctx, s.TenantID, s.CustomerID, f)
				if err != nil {
					r.logger.Debug("profile lookup failed", "field", f, "error", err)
					continue
				}
				if ok {
					data[f] = v
				}
			}
		}
	}
	return data
}

// fill runs gap fill and copies every filled value into the session variables,
// including values that still need the customer's confirmation.
func (e *Executor) fill(ctx context.Context, r *run, fields []types.FieldSpec) []types.GapFillResult {
	if len(fields) == 0 {
		return nil
	}
	var results []types.GapFillResult
	if e.deps.GapFill != nil {
		results = e.deps.GapFill.Fill(ctx, r.session, fields)
	} else {
		for _, f := range fields {
			results = append(results, types.GapFillResult{FieldName: f.Name, Source: types.SourceNotFound})
		}
	}
	for _, g := range results {
		if !g.Filled || g.Value == "" {
			continue
		}
		if r.session.Variables == nil {
			r.session.Variables = map[string]string{}
		}
		r.session.Variables[g.FieldName] = g.Value
	}
	r.gaps = append(r.gaps, results...)
	return results
}

// teleport returns a move to target, or nil when the checkpoint guard refuses it.
// A target that performs an action the session has not yet run becomes EXECUTE_ACTION.
func (e *Executor) teleport(ctx context.Context, r *run, guard *checkpointGuard, target string) *types.ReconciliationResult {
	if !guard.allow(ctx, r.session.ID, target) {
		return nil
	}
	action := types.ActionTeleport
	if step := r.live.Step(target); step != nil && step.PerformsAction && !visited(r.session, hashing.StepHash(step)) {
		action = types.ActionExecuteAction
	}
	return &types.ReconciliationResult{Action: action, TargetStepID: target}
}

func blockedResult(guard *checkpointGuard, target, stay string) *types.ReconciliationResult {
	return &types.ReconciliationResult{
		Action:              types.ActionContinue,
		TargetStepID:        stay,
		BlockedByCheckpoint: true,
		CheckpointWarning:   guard.warning(target),
	}
}

func visited(s *types.Session, hash string) bool {
	return slices.ContainsFunc(s.StepHistory, func(v types.StepVisit) bool { return v.ContentHash == hash })
}

// relocate places the session without a usable plan: on its own step when
// that step survived, else on the nearest surviving anchor upstream, then
// downstream. Each candidate passes the checkpoint guard.
func (e *Executor) relocate(ctx context.Context, r *run, cause error) *types.ReconciliationResult {
	s := r.session
	if r.errKind == KindNone {
		r.errKind = Classify(cause)
	}
	r.logger.Info("relocating session without a usable plan", "error", cause)

	active, err := e.deps.Scenarios.GetScenario(ctx, s.TenantID, s.ActiveScenarioID, s.ActiveScenarioVersion)
	if err != nil {
		return markRelocated(e.exit(r, fmt.Errorf("%w: load v%d: %v", ErrNoAnchorFound, s.ActiveScenarioVersion, err), false))
	}
	tmap, err := e.deps.differ().Diff(active, r.live)
	if err != nil {
		return markRelocated(e.exit(r, fmt.Errorf("%w: %v", ErrNoAnchorFound, err), false))
	}
	candidates := relocationCandidates(tmap, s)
	if len(candidates) == 0 {
		return markRelocated(e.exit(r, fmt.Errorf("%w: step %s", ErrNoAnchorFound, s.CurrentStepID), false))
	}
	guard := newCheckpointGuard(s, r.live, r.logger)
	for _, id := range candidates {
		if res := e.teleport(ctx, r, guard, id); res != nil {
			return markRelocated(res)
		}
	}
	return markRelocated(e.exit(r, fmt.Errorf("%w: every relocation target is behind a checkpoint", ErrNoAnchorFound), true))
}

func markRelocated(res *types.ReconciliationResult) *types.ReconciliationResult {
	res.Relocated = true
	return res
}

func relocationCandidates(tmap *types.TransformationMap, s *types.Session) []string {
	if a := tmap.AnchorByOldID(s.CurrentStepID); a != nil {
		return []string{a.NewStepID}
	}
	if a := tmap.AnchorByHash(s.CurrentStepHash); a != nil {
		return []string{a.NewStepID}
	}
	d, ok := tmap.RelocationFor(s.CurrentStepID)
	if !ok {
		return nil
	}
	var out []string
	for _, h := range []string{d.NearestAnchorHash, d.DownstreamAnchorHash} {
		if h == "" {
			continue
		}
		if a := tmap.AnchorByHash(h); a != nil && !slices.Contains(out, a.NewStepID) {
			out = append(out, a.NewStepID)
		}
	}
	return out
}

func (e *Executor) exit(r *run, cause error, blocked bool) *types.ReconciliationResult {
	if r.errKind == KindNone {
		r.errKind = Classify(cause)
	}
	r.logger.Warn("resetting session to scenario start", "action", types.ActionExitScenario, "error", cause)
	return &types.ReconciliationResult{
		Action:              types.ActionExitScenario,
		Message:             ResetMessage,
		BlockedByCheckpoint: blocked,
	}
}

// commit finalizes the migration with a compare-and-set write. On a lost
// race the session is left as it was, marker included, and the turn continues.
func (e *Executor) commit(ctx context.Context, r *run, orig *types.Session, res *types.ReconciliationResult) *types.ReconciliationResult {
	s := r.session
	switch res.Action {
	case types.ActionTeleport, types.ActionExecuteAction, types.ActionCollect, types.ActionContinue:
		if step := r.live.Step(res.TargetStepID); step != nil {
			s.CurrentStepID = step.ID
			s.CurrentStepHash = hashing.StepHash(step)
		}
	case types.ActionExitScenario:
		s.CurrentStepID = ""
		s.CurrentStepHash = ""
	}
	s.PendingMigration = nil
	if r.live != nil {
		s.ActiveScenarioVersion = r.live.Version
		s.ScenarioChecksum = hashing.GraphChecksum(r.live)
	}
	s.UpdatedAt = e.deps.Now().UTC()

	if err := e.deps.Sessions.UpdateSession(ctx, s); err != nil {
		r.errKind = Classify(err)
		r.logger.Warn("migration not persisted, continuing on current version", "action", res.Action, "error", err)
		return &types.ReconciliationResult{
			Action:      types.ActionContinue,
			Scenario:    res.Scenario,
			PlanID:      res.PlanID,
			AnchorHash:  res.AnchorHash,
			FromVersion: res.FromVersion,
			ToVersion:   res.ToVersion,
		}
	}
	*orig = *s
	return res
}

func (e *Executor) audit(ctx context.Context, r *run, orig *types.Session, res *types.ReconciliationResult, elapsed time.Duration) {
	if e.deps.Audit == nil {
		return
	}
	rec := &types.MigrationAuditRecord{
		SessionID:           orig.ID,
		TenantID:            orig.TenantID,
		ScenarioID:          orig.ActiveScenarioID,
		PlanID:              res.PlanID,
		AnchorHash:          res.AnchorHash,
		Scenario:            res.Scenario,
		Action:              res.Action,
		FromVersion:         res.FromVersion,
		ToVersion:           res.ToVersion,
		TargetStepID:        res.TargetStepID,
		BlockedByCheckpoint: res.BlockedByCheckpoint,
		ErrorKind:           string(r.errKind),
		Duration:            elapsed,
		CreatedAt:           e.deps.Now().UTC(),
	}
	for _, g := range r.gaps {
		if !g.Filled {
			continue
		}
		if rec.GapFilled == nil {
			rec.GapFilled = map[string]types.GapFillSource{}
		}
		rec.GapFilled[g.FieldName] = g.Source
	}
	if err := e.deps.Audit.AppendMigration(ctx, rec); err != nil {
		r.logger.Warn("audit record not written", "error", err)
	}
}

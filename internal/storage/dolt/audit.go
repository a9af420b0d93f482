package dolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/steveyegge/flowshift/internal/types"
)

// AppendMigration records one applied migration. A missing ID is generated.
func (s *DoltStore) AppendMigration(ctx context.Context, rec *types.MigrationAuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	var gapFilled any
	if len(rec.GapFilled) > 0 {
		b, err := json.Marshal(rec.GapFilled)
		if err != nil {
			return fmt.Errorf("failed to encode gap fill sources: %w", err)
		}
		gapFilled = string(b)
	}
	_, err := s.execContext(ctx, `
		INSERT INTO migration_audit (id, session_id, tenant_id, scenario_id, plan_id, anchor_hash, scenario,
			action, from_version, to_version, target_step_id, gap_filled, blocked_by_checkpoint,
			error_kind, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.TenantID, rec.ScenarioID, rec.PlanID, rec.AnchorHash, string(rec.Scenario),
		string(rec.Action), rec.FromVersion, rec.ToVersion, rec.TargetStepID, gapFilled, rec.BlockedByCheckpoint,
		rec.ErrorKind, rec.Duration.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append migration audit for session %s: %w", rec.SessionID, err)
	}
	return nil
}

// MigrationsForSession returns the audit trail of one session, oldest first.
func (s *DoltStore) MigrationsForSession(ctx context.Context, sessionID string) ([]*types.MigrationAuditRecord, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, session_id, tenant_id, scenario_id, plan_id, anchor_hash, scenario, action,
			from_version, to_version, target_step_id, gap_filled, blocked_by_checkpoint, error_kind,
			duration_ms, created_at
		FROM migration_audit WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration audit: %w", err)
	}
	defer rows.Close()

	var out []*types.MigrationAuditRecord
	for rows.Next() {
		var rec types.MigrationAuditRecord
		var scenario, action string
		var gapFilled *string
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.TenantID, &rec.ScenarioID, &rec.PlanID, &rec.AnchorHash,
			&scenario, &action, &rec.FromVersion, &rec.ToVersion, &rec.TargetStepID, &gapFilled,
			&rec.BlockedByCheckpoint, &rec.ErrorKind, &durationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Scenario = types.MigrationScenario(scenario)
		rec.Action = types.ReconciliationAction(action)
		rec.Duration = msToDuration(durationMS)
		if gapFilled != nil && *gapFilled != "" {
			if err := json.Unmarshal([]byte(*gapFilled), &rec.GapFilled); err != nil {
				return nil, fmt.Errorf("audit %s: bad gap_filled: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

const sessionColumns = `id, tenant_id, customer_id, channel, active_scenario_id, active_scenario_version,
	scenario_checksum, current_step_id, current_step_hash, pending_migration, variables, turns,
	turn_count, revision, created_at, updated_at`

// GetSession loads a session together with its step history.
func (s *DoltStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var sess *types.Session
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		var scanErr error
		sess, scanErr = scanSession(row)
		return scanErr
	}, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	if sess.StepHistory, err = s.stepHistory(ctx, id); err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateSession inserts a new session at revision 1. Any StepHistory on s is
// written as the initial history.
func (s *DoltStore) CreateSession(ctx context.Context, sess *types.Session) error {
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Revision = 1

	pending, variables, turns, err := encodeSessionBlobs(sess)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.TenantID, sess.CustomerID, sess.Channel, sess.ActiveScenarioID, sess.ActiveScenarioVersion,
			sess.ScenarioChecksum, sess.CurrentStepID, sess.CurrentStepHash, pending, variables, turns,
			sess.TurnCount, sess.Revision, sess.CreatedAt, sess.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
		}
		for i, v := range sess.StepHistory {
			if v.VisitedAt.IsZero() {
				v.VisitedAt = now
			}
			if err := insertStepVisit(ctx, tx, sess.ID, i+1, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateSession writes every mutable column with a compare-and-set on revision.
// Step history is left untouched.
func (s *DoltStore) UpdateSession(ctx context.Context, sess *types.Session) error {
	pending, variables, turns, err := encodeSessionBlobs(sess)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	res, err := s.execContext(ctx, `
		UPDATE sessions SET
			customer_id = ?, channel = ?, active_scenario_id = ?, active_scenario_version = ?,
			scenario_checksum = ?, current_step_id = ?, current_step_hash = ?,
			pending_migration = ?, variables = ?, turns = ?, turn_count = ?,
			revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		sess.CustomerID, sess.Channel, sess.ActiveScenarioID, sess.ActiveScenarioVersion,
		sess.ScenarioChecksum, sess.CurrentStepID, sess.CurrentStepHash,
		pending, variables, turns, sess.TurnCount,
		now, sess.ID, sess.Revision)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if err := s.checkCAS(ctx, res, sess.ID, sess.Revision); err != nil {
		return err
	}
	sess.Revision++
	sess.UpdatedAt = now
	return nil
}

// MarkPendingMigration sets only the pending_migration column.
func (s *DoltStore) MarkPendingMigration(ctx context.Context, sessionID string, expectedRevision int64, marker *types.PendingMigration) error {
	body, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to encode pending migration: %w", err)
	}
	res, err := s.execContext(ctx,
		"UPDATE sessions SET pending_migration = ?, revision = revision + 1, updated_at = ? WHERE id = ? AND revision = ?",
		string(body), s.now().UTC(), sessionID, expectedRevision)
	if err != nil {
		return fmt.Errorf("failed to mark session %s: %w", sessionID, err)
	}
	return s.checkCAS(ctx, res, sessionID, expectedRevision)
}

// checkCAS turns a zero-row compare-and-set update into ErrNotFound or ErrConflict.
func (s *DoltStore) checkCAS(ctx context.Context, res sql.Result, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var current int64
	err = s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&current)
	}, "SELECT revision FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read session revision: %w", err)
	}
	return fmt.Errorf("session %s at revision %d, expected %d: %w", id, current, expected, storage.ErrConflict)
}

// AppendStepVisit adds one history row and bumps the session revision in a
// single transaction.
func (s *DoltStore) AppendStepVisit(ctx context.Context, sessionID string, visit types.StepVisit) error {
	if visit.VisitedAt.IsZero() {
		visit.VisitedAt = s.now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE sessions SET revision = revision + 1, updated_at = ? WHERE id = ?",
			visit.VisitedAt, sessionID)
		if err != nil {
			return fmt.Errorf("failed to bump session %s: %w", sessionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
		}
		var seq int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM step_history WHERE session_id = ?", sessionID).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate history seq: %w", err)
		}
		return insertStepVisit(ctx, tx, sessionID, seq, visit)
	})
}

func insertStepVisit(ctx context.Context, tx *sql.Tx, sessionID string, seq int, v types.StepVisit) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO step_history (session_id, seq, step_id, step_name, content_hash, is_checkpoint,
			checkpoint_description, turn_number, visited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, v.StepID, v.StepName, v.ContentHash, v.IsCheckpoint,
		v.CheckpointDescription, v.TurnNumber, v.VisitedAt)
	if err != nil {
		return fmt.Errorf("failed to append step visit: %w", err)
	}
	return nil
}

func (s *DoltStore) stepHistory(ctx context.Context, sessionID string) ([]types.StepVisit, error) {
	rows, err := s.queryContext(ctx, `
		SELECT step_id, step_name, content_hash, is_checkpoint, checkpoint_description, turn_number, visited_at
		FROM step_history WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step history: %w", err)
	}
	defer rows.Close()

	var out []types.StepVisit
	for rows.Next() {
		var v types.StepVisit
		var desc sql.NullString
		if err := rows.Scan(&v.StepID, &v.StepName, &v.ContentHash, &v.IsCheckpoint, &desc, &v.TurnNumber, &v.VisitedAt); err != nil {
			return nil, err
		}
		v.CheckpointDescription = desc.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// positionFilter builds the WHERE clause for a session query. Channel and age
// filters are pushed into SQL; step-name filters are applied by the caller.
func positionFilter(q types.SessionQuery, now time.Time) (string, []any) {
	where := []string{
		"tenant_id = ?", "active_scenario_id = ?", "current_step_hash = ?", "active_scenario_version = ?",
	}
	args := []any{q.TenantID, q.ScenarioID, q.StepHash, q.Version}
	if f := q.Scope; f != nil {
		if len(f.IncludeChannels) > 0 {
			where = append(where, "channel IN ("+placeholders(len(f.IncludeChannels))+")")
			for _, c := range f.IncludeChannels {
				args = append(args, c)
			}
		}
		if len(f.ExcludeChannels) > 0 {
			where = append(where, "channel NOT IN ("+placeholders(len(f.ExcludeChannels))+")")
			for _, c := range f.ExcludeChannels {
				args = append(args, c)
			}
		}
		if f.MinSessionAge > 0 {
			where = append(where, "created_at <= ?")
			args = append(args, now.Add(-f.MinSessionAge))
		}
		if f.MaxSessionAge > 0 {
			where = append(where, "created_at >= ?")
			args = append(args, now.Add(-f.MaxSessionAge))
		}
	}
	return strings.Join(where, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *DoltStore) queryNow(q types.SessionQuery) time.Time {
	if q.Now.IsZero() {
		return s.now().UTC()
	}
	return q.Now
}

// FindSessionsAtStep returns sessions positioned at q.StepHash on q.Version, ordered by id.
func (s *DoltStore) FindSessionsAtStep(ctx context.Context, q types.SessionQuery) ([]*types.Session, error) {
	now := s.queryNow(q)
	where, args := positionFilter(q, now)
	rows, err := s.queryContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find sessions: %w", err)
	}
	var found []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		found = append(found, sess)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := found[:0]
	for _, sess := range found {
		if sess.StepHistory, err = s.stepHistory(ctx, sess.ID); err != nil {
			return nil, err
		}
		stepName := q.StepName
		if n := len(sess.StepHistory); stepName == "" && n > 0 {
			stepName = sess.StepHistory[n-1].StepName
		}
		if q.Scope.Matches(sess, stepName, now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// CountSessionsAtStep counts in SQL unless step-name filters need the history.
func (s *DoltStore) CountSessionsAtStep(ctx context.Context, q types.SessionQuery) (int, error) {
	if f := q.Scope; f != nil && (len(f.IncludeSteps) > 0 || len(f.ExcludeSteps) > 0) {
		if q.StepName == "" {
			found, err := s.FindSessionsAtStep(ctx, q)
			return len(found), err
		}
		if !stepAllowed(f, q.StepName) {
			return 0, nil
		}
	}
	where, args := positionFilter(q, s.queryNow(q))
	var n int
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&n)
	}, "SELECT COUNT(*) FROM sessions WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func stepAllowed(f *types.ScopeFilter, stepName string) bool {
	if len(f.IncludeSteps) > 0 && !slices.Contains(f.IncludeSteps, stepName) {
		return false
	}
	return !slices.Contains(f.ExcludeSteps, stepName)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var pending, variables, turns sql.NullString
	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.CustomerID, &sess.Channel,
		&sess.ActiveScenarioID, &sess.ActiveScenarioVersion, &sess.ScenarioChecksum,
		&sess.CurrentStepID, &sess.CurrentStepHash, &pending, &variables, &turns,
		&sess.TurnCount, &sess.Revision, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if pending.Valid && pending.String != "" {
		sess.PendingMigration = &types.PendingMigration{}
		if err := json.Unmarshal([]byte(pending.String), sess.PendingMigration); err != nil {
			return nil, fmt.Errorf("session %s: bad pending_migration: %w", sess.ID, err)
		}
	}
	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &sess.Variables); err != nil {
			return nil, fmt.Errorf("session %s: bad variables: %w", sess.ID, err)
		}
	}
	if turns.Valid && turns.String != "" {
		if err := json.Unmarshal([]byte(turns.String), &sess.Turns); err != nil {
			return nil, fmt.Errorf("session %s: bad turns: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

func encodeSessionBlobs(sess *types.Session) (pending, variables, turns sql.NullString, err error) {
	if sess.PendingMigration != nil {
		b, mErr := json.Marshal(sess.PendingMigration)
		if mErr != nil {
			return pending, variables, turns, fmt.Errorf("failed to encode pending migration: %w", mErr)
		}
		pending = sql.NullString{String: string(b), Valid: true}
	}
	if len(sess.Variables) > 0 {
		b, mErr := json.Marshal(sess.Variables)
		if mErr != nil {
			return pending, variables, turns, fmt.Errorf("failed to encode variables: %w", mErr)
		}
		variables = sql.NullString{String: string(b), Valid: true}
	}
	if len(sess.Turns) > 0 {
		b, mErr := json.Marshal(sess.Turns)
		if mErr != nil {
			return pending, variables, turns, fmt.Errorf("failed to encode turns: %w", mErr)
		}
		turns = sql.NullString{String: string(b), Valid: true}
	}
	return pending, variables, turns, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

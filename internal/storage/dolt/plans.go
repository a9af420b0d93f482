package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

const planColumns = "body"

// CreatePlan inserts a new plan.
func (s *DoltStore) CreatePlan(ctx context.Context, p *types.MigrationPlan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	_, err = s.execContext(ctx, `
		INSERT INTO migration_plans (id, tenant_id, scenario_id, from_version, to_version, status, body, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.ScenarioID, p.FromVersion, p.ToVersion, string(p.Status), string(body),
		p.CreatedAt, p.UpdatedAt, nullTime(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create plan %s: %w", p.ID, err)
	}
	return nil
}

// GetPlan returns a plan by id.
func (s *DoltStore) GetPlan(ctx context.Context, id string) (*types.MigrationPlan, error) {
	var body string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&body)
	}, "SELECT "+planColumns+" FROM migration_plans WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}
	return decodePlan(body)
}

// UpdatePlan overwrites a stored plan.
func (s *DoltStore) UpdatePlan(ctx context.Context, p *types.MigrationPlan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	res, err := s.execContext(ctx,
		"UPDATE migration_plans SET status = ?, body = ?, updated_at = ?, expires_at = ? WHERE id = ?",
		string(p.Status), string(body), p.UpdatedAt, nullTime(p.ExpiresAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update plan %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Zero affected rows can also mean nothing changed.
	var exists int
	err = s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&exists)
	}, "SELECT 1 FROM migration_plans WHERE id = ?", p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("plan %s: %w", p.ID, storage.ErrNotFound)
	}
	return err
}

// ListPlansForVersions returns every plan for a version pair, newest first.
func (s *DoltStore) ListPlansForVersions(ctx context.Context, tenantID, scenarioID string, from, to int) ([]*types.MigrationPlan, error) {
	return s.listPlans(ctx,
		"SELECT "+planColumns+" FROM migration_plans WHERE tenant_id = ? AND scenario_id = ? AND from_version = ? AND to_version = ? ORDER BY created_at DESC, id DESC",
		tenantID, scenarioID, from, to)
}

// ListPlans returns plans matching the filter, newest first.
func (s *DoltStore) ListPlans(ctx context.Context, filter storage.PlanFilter) ([]*types.MigrationPlan, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ScenarioID != "" {
		where = append(where, "scenario_id = ?")
		args = append(args, filter.ScenarioID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := "SELECT " + planColumns + " FROM migration_plans"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	return s.listPlans(ctx, query, args...)
}

func (s *DoltStore) listPlans(ctx context.Context, query string, args ...any) ([]*types.MigrationPlan, error) {
	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*types.MigrationPlan
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodePlan(body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodePlan(body string) (*types.MigrationPlan, error) {
	var p types.MigrationPlan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &p, nil
}

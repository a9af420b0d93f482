package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetField returns a stored profile value and whether it exists.
func (s *DoltStore) GetField(ctx context.Context, tenantID, customerID, field string) (string, bool, error) {
	var value string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&value)
	}, "SELECT value FROM profile_fields WHERE tenant_id = ? AND customer_id = ? AND field = ?",
		tenantID, customerID, field)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get profile field %s: %w", field, err)
	}
	return value, true, nil
}

// SetField upserts a profile value.
func (s *DoltStore) SetField(ctx context.Context, tenantID, customerID, field, value string) error {
	_, err := s.execContext(ctx, `
		INSERT INTO profile_fields (tenant_id, customer_id, field, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`,
		tenantID, customerID, field, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set profile field %s: %w", field, err)
	}
	return nil
}

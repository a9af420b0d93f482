package dolt

import (
	"context"
	"database/sql"
	"strings"
)

// RunMigrations applies schema migrations for existing databases.
// It handles columns and indexes missing from databases created with older
// schema versions. All migrations are idempotent (safe to run multiple times).
func RunMigrations(ctx context.Context, db *sql.DB) error {
	// Schema v2: plan expiry became queryable for pruning.
	if err := addColumnIfMissing(ctx, db, "migration_plans", "expires_at", "DATETIME(6) NULL"); err != nil {
		return err
	}
	// Schema v2: channel scope filters run in SQL.
	if err := createIndexIfMissing(ctx, db, "CREATE INDEX idx_sessions_channel ON sessions(channel)"); err != nil {
		return err
	}
	return nil
}

func addColumnIfMissing(ctx context.Context, db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	// #nosec G202 -- identifiers are internal constants
	_, err = db.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+column+" "+definition)
	if err != nil {
		// Race condition protection
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "duplicate column") ||
			strings.Contains(errLower, "already exists") {
			return nil
		}
		return err
	}
	return nil
}

func createIndexIfMissing(ctx context.Context, db *sql.DB, stmt string) error {
	_, err := db.ExecContext(ctx, stmt)
	if err != nil {
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "duplicate") || strings.Contains(errLower, "already exists") {
			return nil
		}
		return err
	}
	return nil
}

// columnExists checks if a column exists in a table using SHOW COLUMNS.
// This works in both embedded and server modes for Dolt/MySQL.
func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	// SHOW COLUMNS ... LIKE doesn't support parameterized queries in Dolt;
	// the values are internal constants, not user input.
	query := "SHOW COLUMNS FROM " + table + " LIKE '" + column + "'"
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	return rows.Next(), rows.Err()
}

// dataTables lists every table holding domain rows, in dependency-free order.
var dataTables = []string{"scenarios", "migration_plans", "sessions", "step_history", "profile_fields", "migration_audit"}

// Truncate deletes all domain rows, keeping schema and config.
// Used by tests that share one server across cases.
func (s *DoltStore) Truncate(ctx context.Context) error {
	for _, table := range dataTables {
		// #nosec G202 -- table names are internal constants
		if _, err := s.execContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

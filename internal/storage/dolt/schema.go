package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// currentSchemaVersion is bumped whenever schema or migrations change.
const currentSchemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS config (
    ` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
    ` + "`value`" + ` TEXT NOT NULL
);

-- One row per scenario version, graph holds the JSON document.
CREATE TABLE IF NOT EXISTS scenarios (
    tenant_id VARCHAR(128) NOT NULL,
    scenario_id VARCHAR(255) NOT NULL,
    version INT NOT NULL,
    name VARCHAR(255) NOT NULL DEFAULT '',
    checksum VARCHAR(64) NOT NULL,
    graph LONGTEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    PRIMARY KEY (tenant_id, scenario_id, version)
);

CREATE TABLE IF NOT EXISTS migration_plans (
    id VARCHAR(64) PRIMARY KEY,
    tenant_id VARCHAR(128) NOT NULL,
    scenario_id VARCHAR(255) NOT NULL,
    from_version INT NOT NULL,
    to_version INT NOT NULL,
    status VARCHAR(32) NOT NULL,
    body LONGTEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    expires_at DATETIME(6) NULL,
    INDEX idx_plans_pair (tenant_id, scenario_id, from_version, to_version)
);

CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(128) PRIMARY KEY,
    tenant_id VARCHAR(128) NOT NULL,
    customer_id VARCHAR(128) NOT NULL DEFAULT '',
    channel VARCHAR(64) NOT NULL DEFAULT '',
    active_scenario_id VARCHAR(255) NOT NULL,
    active_scenario_version INT NOT NULL,
    scenario_checksum VARCHAR(64) NOT NULL DEFAULT '',
    current_step_id VARCHAR(255) NOT NULL DEFAULT '',
    current_step_hash VARCHAR(64) NOT NULL DEFAULT '',
    pending_migration TEXT,
    variables LONGTEXT,
    turns LONGTEXT,
    turn_count INT NOT NULL DEFAULT 0,
    revision BIGINT NOT NULL DEFAULT 1,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    INDEX idx_sessions_position (tenant_id, active_scenario_id, current_step_hash, active_scenario_version)
);

-- Append-only, rows are never updated.
CREATE TABLE IF NOT EXISTS step_history (
    session_id VARCHAR(128) NOT NULL,
    seq INT NOT NULL,
    step_id VARCHAR(255) NOT NULL,
    step_name VARCHAR(255) NOT NULL DEFAULT '',
    content_hash VARCHAR(64) NOT NULL,
    is_checkpoint TINYINT(1) NOT NULL DEFAULT 0,
    checkpoint_description TEXT,
    turn_number INT NOT NULL DEFAULT 0,
    visited_at DATETIME(6) NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS profile_fields (
    tenant_id VARCHAR(128) NOT NULL,
    customer_id VARCHAR(128) NOT NULL,
    field VARCHAR(255) NOT NULL,
    value TEXT NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    PRIMARY KEY (tenant_id, customer_id, field)
);

CREATE TABLE IF NOT EXISTS migration_audit (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(128) NOT NULL,
    tenant_id VARCHAR(128) NOT NULL DEFAULT '',
    scenario_id VARCHAR(255) NOT NULL,
    plan_id VARCHAR(64) NOT NULL DEFAULT '',
    anchor_hash VARCHAR(64) NOT NULL DEFAULT '',
    scenario VARCHAR(32) NOT NULL DEFAULT '',
    action VARCHAR(32) NOT NULL,
    from_version INT NOT NULL,
    to_version INT NOT NULL,
    target_step_id VARCHAR(255) NOT NULL DEFAULT '',
    gap_filled TEXT,
    blocked_by_checkpoint TINYINT(1) NOT NULL DEFAULT 0,
    error_kind VARCHAR(64) NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_audit_session (session_id)
);
`

// initSchemaOnDB creates all tables if they don't exist and applies migrations.
func initSchemaOnDB(ctx context.Context, db *sql.DB) error {
	// Fast path: skip DDL when schema is already current.
	var version int
	err := db.QueryRowContext(ctx, "SELECT `value` FROM config WHERE `key` = 'schema_version'").Scan(&version)
	if err == nil && version >= currentSchemaVersion {
		return nil
	}

	// MySQL/Dolt doesn't support multiple statements in one Exec
	for _, stmt := range splitStatements(schema) {
		if isOnlyComments(stmt) {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w\nStatement: %s", err, truncateForError(stmt))
		}
	}

	if err := RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run dolt migrations: %w", err)
	}

	_, _ = db.ExecContext(ctx,
		"INSERT INTO config (`key`, `value`) VALUES ('schema_version', ?) "+
			"ON DUPLICATE KEY UPDATE `value` = ?",
		currentSchemaVersion, currentSchemaVersion)
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(script); i++ {
		c := script[i]

		if inString {
			current.WriteByte(c)
			if c == stringChar && (i == 0 || script[i-1] != '\\') {
				inString = false
			}
			continue
		}

		if c == '\'' || c == '"' || c == '`' {
			inString = true
			stringChar = c
			current.WriteByte(c)
			continue
		}

		if c == ';' {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}

		current.WriteByte(c)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// truncateForError truncates a string for use in error messages
func truncateForError(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}

// isOnlyComments returns true if the statement contains only SQL comments
func isOnlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return false
	}
	return true
}

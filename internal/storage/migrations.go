package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		api_key     TEXT PRIMARY KEY,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		tokens      INTEGER NOT NULL DEFAULT 10,
		rate_limit  INTEGER NOT NULL DEFAULT 10
	)`,
	`CREATE TABLE IF NOT EXISTS api_usage (
		id       UUID PRIMARY KEY,
		api_key  TEXT NOT NULL,
		used_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_usage_api_key ON api_usage (api_key)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id          BIGSERIAL PRIMARY KEY,
		url         TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		api_key     VARCHAR(191) PRIMARY KEY,
		created_at  DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		last_used   DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		tokens      INT NOT NULL DEFAULT 10,
		rate_limit  INT NOT NULL DEFAULT 10
	)`,
	`CREATE TABLE IF NOT EXISTS api_usage (
		id       CHAR(36) PRIMARY KEY,
		api_key  VARCHAR(191) NOT NULL,
		used_at  DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		INDEX idx_api_usage_api_key (api_key)
	)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		url         TEXT NOT NULL,
		created_at  DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
	)`,
}

// addedColumns are columns that older api_keys tables may lack.
var addedColumns = []struct {
	name     string
	postgres string
	mysql    string
}{
	{"active", "BOOLEAN NOT NULL DEFAULT TRUE", "BOOLEAN NOT NULL DEFAULT TRUE"},
	{"description", "TEXT", "TEXT NULL"},
}

// Migrate creates the tables and adds any columns missing from an older schema.
// It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if db.driver == DriverMySQL {
		schema = mysqlSchema
	}

	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	existing, err := db.columns(ctx, "api_keys")
	if err != nil {
		return err
	}

	for _, col := range addedColumns {
		if existing[col.name] {
			continue
		}
		def := col.postgres
		if db.driver == DriverMySQL {
			def = col.mysql
		}
		stmt := fmt.Sprintf("ALTER TABLE api_keys ADD COLUMN %s %s", col.name, def)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}

	return nil
}

func (db *DB) columns(ctx context.Context, table string) (map[string]bool, error) {
	schemaFn := "current_schema()"
	if db.driver == DriverMySQL {
		schemaFn = "DATABASE()"
	}

	query := db.rebind(fmt.Sprintf(
		`SELECT column_name FROM information_schema.columns WHERE table_schema = %s AND table_name = ?`,
		schemaFn,
	))

	var names []string
	if err := db.conn.SelectContext(ctx, &names, query, table); err != nil {
		return nil, fmt.Errorf("failed to inspect %s columns: %w", table, err)
	}

	cols := make(map[string]bool, len(names))
	for _, n := range names {
		cols[n] = true
	}
	return cols, nil
}

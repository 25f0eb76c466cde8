package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// DriverFor picks the database/sql driver from the DSN.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres
	}
	return driverSQLite
}

// InitDB opens the database, verifies the connection and applies the schema.
func InitDB(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	driver := DriverFor(dsn)
	if driver == driverSQLite && !strings.Contains(dsn, "_pragma=foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == driverSQLite {
		// A single writer avoids SQLITE_BUSY and keeps :memory: databases shared.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := MigrateDB(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return conn, nil
}

// MigrateDB creates the tables when missing.
func MigrateDB(ctx context.Context, conn *sqlx.DB) error {
	stmts := sqliteSchema
	if conn.DriverName() == driverPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	log.Info().Int("statements", len(stmts)).Msg("Database migration completed successfully.")
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at DATETIME NULL,
		company_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id INTEGER PRIMARY KEY,
		api_token TEXT NOT NULL,
		state TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_tenant ON instances(tenant_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at TIMESTAMPTZ NULL,
		company_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id BIGINT PRIMARY KEY,
		api_token TEXT NOT NULL,
		state TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_tenant ON instances(tenant_id)`,
}

// Package store persists gateway state (identities, approval requests,
// audit log) in Postgres, with a SQLite fallback for development and
// tests. The warehouse itself is accessed elsewhere; this database
// holds only the governance tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB wraps database/sql with dialect awareness for placeholder
// rebinding.
type DB struct {
	*sql.DB
	driver string
}

// Open connects to the governance database. DSNs starting with
// postgres:// or postgresql:// use pgx; anything else is treated as a
// SQLite path (":memory:" works for tests).
func Open(dsn string) (*DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// Serialized access keeps modernc's single-writer model happy.
		db.SetMaxOpenConns(1)
	}
	return &DB{DB: db, driver: driver}, nil
}

// Ping verifies connectivity, for health checks.
func (d *DB) Ping(ctx context.Context) error {
	return d.PingContext(ctx)
}

// rebind converts ? placeholders to $N for Postgres. SQLite takes ?
// as-is.
func (d *DB) rebind(query string) string {
	if d.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate creates the governance tables when absent.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			external_user_id TEXT PRIMARY KEY,
			display_name     TEXT NOT NULL DEFAULT '',
			role             TEXT NOT NULL,
			region           TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			approval_id       TEXT PRIMARY KEY,
			request_id        TEXT NOT NULL,
			requester_id      TEXT NOT NULL,
			requester_role    TEXT NOT NULL,
			approval_type     TEXT NOT NULL,
			tool_name         TEXT NOT NULL,
			inputs            TEXT NOT NULL,
			decision_input    TEXT NOT NULL,
			constraints       TEXT NOT NULL,
			status            TEXT NOT NULL,
			token_expires_at  TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			resolved_at       TEXT,
			approver_id       TEXT,
			resolution_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_request_id ON approval_requests (request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests (status)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			log_id           TEXT PRIMARY KEY,
			created_at       TEXT NOT NULL,
			request_id       TEXT NOT NULL,
			external_user_id TEXT NOT NULL,
			role             TEXT NOT NULL,
			region           TEXT NOT NULL DEFAULT '',
			tool_name        TEXT NOT NULL,
			status           TEXT NOT NULL,
			decision         TEXT NOT NULL DEFAULT '',
			reason           TEXT NOT NULL DEFAULT '',
			rule_ids         TEXT NOT NULL DEFAULT '[]',
			constraints      TEXT NOT NULL DEFAULT '{}',
			inputs           TEXT NOT NULL DEFAULT '{}',
			result_summary   TEXT NOT NULL DEFAULT '{}',
			approval_id      TEXT NOT NULL DEFAULT '',
			latency_ms       INTEGER NOT NULL DEFAULT 0,
			error_code       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit_logs (request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_logs (created_at)`,
	}
	for _, s := range stmts {
		if _, err := d.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

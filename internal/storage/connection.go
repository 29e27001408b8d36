// Package storage provides the persistent Store implementations for the
// agent: an embedded SQLite file for production, PostgreSQL behind the same
// contract, and an in-memory store for tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // embedded SQLite driver (pure Go)
)

// ErrNoDatabaseConnection is returned when a store is constructed or used
// without a live connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

const healthCheckTimeout = 5 * time.Second

// Connection wraps the SQL connection pool together with the dialect it
// speaks. All store queries are written with ? placeholders and rebound for
// PostgreSQL.
type Connection struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

// NewConnection opens the database described by cfg, applies pool settings,
// verifies connectivity, and bootstraps the schema. The embedded SQLite file
// is created on first open; this is what lets the agent start against an
// empty --db path without external tooling.
func NewConnection(cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driver := cfg.Driver()

	var (
		db  *sqlx.DB
		err error
	)

	switch driver {
	case DriverPostgres:
		db, err = sqlx.Open("postgres", cfg.dsn)
	default:
		// _txlock=immediate acquires the write lock at BEGIN, which is what
		// makes ListDue's select-then-mark transaction atomic against
		// concurrent callers. busy_timeout covers writer contention from the
		// read-only dashboard process.
		dsn := "file:" + cfg.dsn +
			"?_txlock=immediate" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=busy_timeout(5000)" +
			"&_pragma=foreign_keys(1)"
		db, err = sqlx.Open("sqlite", dsn)
	}

	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{db: db, driver: driver, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := conn.ensureSchema(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return conn, nil
}

// Rebind converts ? placeholders to the dialect's positional form.
func (c *Connection) Rebind(query string) string {
	if c.driver == DriverPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}

	return query
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}

// Schema DDL per dialect. The logical schema is identical; only the
// auto-increment column type differs. disabled is an INTEGER 0/1 in both
// dialects so scanning is uniform.
var schemaStatements = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS service (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS health_check (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			service_id            INTEGER NOT NULL REFERENCES service(id) ON DELETE CASCADE,
			name                  TEXT NOT NULL,
			kind                  TEXT NOT NULL,
			target                TEXT NOT NULL DEFAULT '',
			interval_seconds      INTEGER NOT NULL,
			disabled              INTEGER NOT NULL DEFAULT 0,
			data                  TEXT NOT NULL DEFAULT '{}',
			status                TEXT NOT NULL DEFAULT 'idle',
			next_check_time       INTEGER NOT NULL DEFAULT 0,
			processing_started_at INTEGER NOT NULL DEFAULT 0,
			created_at            INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS check_result (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			check_id   INTEGER NOT NULL REFERENCES health_check(id) ON DELETE CASCADE,
			status     TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_check_due
			ON health_check (disabled, status, next_check_time)`,
		`CREATE INDEX IF NOT EXISTS idx_check_result_check_created
			ON check_result (check_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_check_result_created
			ON check_result (created_at)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS service (
			id   BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS health_check (
			id                    BIGSERIAL PRIMARY KEY,
			service_id            BIGINT NOT NULL REFERENCES service(id) ON DELETE CASCADE,
			name                  TEXT NOT NULL,
			kind                  TEXT NOT NULL,
			target                TEXT NOT NULL DEFAULT '',
			interval_seconds      BIGINT NOT NULL,
			disabled              INTEGER NOT NULL DEFAULT 0,
			data                  TEXT NOT NULL DEFAULT '{}',
			status                TEXT NOT NULL DEFAULT 'idle',
			next_check_time       BIGINT NOT NULL DEFAULT 0,
			processing_started_at BIGINT NOT NULL DEFAULT 0,
			created_at            BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS check_result (
			id         BIGSERIAL PRIMARY KEY,
			check_id   BIGINT NOT NULL REFERENCES health_check(id) ON DELETE CASCADE,
			status     TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_check_due
			ON health_check (disabled, status, next_check_time)`,
		`CREATE INDEX IF NOT EXISTS idx_check_result_check_created
			ON check_result (check_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_check_result_created
			ON check_result (created_at)`,
	},
}

func (c *Connection) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements[c.driver] {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	return nil
}

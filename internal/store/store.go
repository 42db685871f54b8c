// Package store is the persistence layer. It speaks two SQL dialects,
// SQLite for embedded single-process deployments and PostgreSQL for
// multi-worker deployments. The dialect boundary lives in the job-claim
// protocol and in placeholder rebinding; everything above it is portable.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Store wraps the database handle with dialect awareness.
type Store struct {
	db      *sqlx.DB
	dialect config.Dialect
	log     *slog.Logger
}

// Open connects to the configured database, applies pragmas for the
// SQLite dialect, and ensures the schema exists.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	dialect := cfg.Dialect()
	switch dialect {
	case config.DialectPostgres:
		db, err = sqlx.ConnectContext(ctx, "pgx", cfg.DatabaseURL)
	default:
		dsn := cfg.SQLitePath() + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		db, err = sqlx.ConnectContext(ctx, "sqlite", dsn)
		if err == nil {
			// modernc's driver serializes writes; a single connection
			// avoids SQLITE_BUSY under concurrent goroutines.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open database (%s)", dialect)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		log:     ilog.WithComponent(logger, "store"),
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("database ready", "dialect", string(dialect))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports which backend the store is speaking to.
func (s *Store) Dialect() config.Dialect {
	return s.dialect
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// rebind translates ?-placeholders into the dialect's form.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// now returns the wall clock in UTC truncated to microseconds, the
// finest resolution both backends round-trip losslessly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS procedures (
		procedure_id   TEXT NOT NULL,
		version        TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'active',
		ckp_json       TEXT NOT NULL,
		trigger_json   TEXT,
		project_id     TEXT,
		effective_date TIMESTAMP,
		created_at     TIMESTAMP NOT NULL,
		PRIMARY KEY (procedure_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_id                  TEXT PRIMARY KEY,
		procedure_id            TEXT NOT NULL,
		procedure_version       TEXT NOT NULL,
		thread_id               TEXT NOT NULL,
		status                  TEXT NOT NULL,
		started_at              TIMESTAMP,
		ended_at                TIMESTAMP,
		input_vars_json         TEXT NOT NULL DEFAULT '{}',
		output_vars_json        TEXT,
		last_node_id            TEXT,
		last_step_id            TEXT,
		total_prompt_tokens     BIGINT NOT NULL DEFAULT 0,
		total_completion_tokens BIGINT NOT NULL DEFAULT 0,
		estimated_cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_message           TEXT,
		parent_run_id           TEXT,
		trigger_type            TEXT NOT NULL DEFAULT 'manual',
		triggered_by            TEXT NOT NULL DEFAULT '',
		cancellation_requested  BOOLEAN NOT NULL DEFAULT FALSE,
		project_id              TEXT,
		created_at              TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_events (
		event_id     TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL,
		ts           TIMESTAMP NOT NULL,
		event_type   TEXT NOT NULL,
		node_id      TEXT,
		step_id      TEXT,
		attempt      INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id       TEXT PRIMARY KEY,
		run_id            TEXT NOT NULL,
		node_id           TEXT NOT NULL,
		prompt            TEXT NOT NULL DEFAULT '',
		decision_type     TEXT NOT NULL DEFAULT 'approve_reject',
		options_json      TEXT,
		context_data_json TEXT,
		status            TEXT NOT NULL DEFAULT 'pending',
		decided_by        TEXT,
		decided_at        TIMESTAMP,
		decision_json     TEXT,
		expires_at        TIMESTAMP,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS step_idempotency (
		run_id          TEXT NOT NULL,
		node_id         TEXT NOT NULL,
		step_id         TEXT NOT NULL,
		idempotency_key TEXT,
		status          TEXT NOT NULL,
		result_json     TEXT,
		updated_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, node_id, step_id)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		node_id     TEXT NOT NULL,
		step_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		uri         TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_instances (
		agent_id             TEXT PRIMARY KEY,
		name                 TEXT NOT NULL,
		channel              TEXT NOT NULL,
		base_url             TEXT NOT NULL,
		capabilities         TEXT NOT NULL DEFAULT '[]',
		status               TEXT NOT NULL DEFAULT 'online',
		concurrency_limit    INTEGER NOT NULL DEFAULT 1,
		resource_key         TEXT NOT NULL,
		pool_id              TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		circuit_open_at      TIMESTAMP,
		last_heartbeat_at    TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_channel ON agent_instances (channel)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_resource ON agent_instances (resource_key)`,
	`CREATE TABLE IF NOT EXISTS resource_leases (
		lease_id     TEXT PRIMARY KEY,
		resource_key TEXT NOT NULL,
		run_id       TEXT NOT NULL,
		node_id      TEXT NOT NULL,
		step_id      TEXT NOT NULL,
		acquired_at  TIMESTAMP NOT NULL,
		expires_at   TIMESTAMP NOT NULL,
		released_at  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_leases_resource ON resource_leases (resource_key)`,
	`CREATE TABLE IF NOT EXISTS trigger_registrations (
		procedure_id          TEXT NOT NULL,
		version               TEXT NOT NULL,
		trigger_type          TEXT NOT NULL,
		schedule              TEXT,
		webhook_secret        TEXT,
		event_source          TEXT,
		dedupe_window_seconds INTEGER NOT NULL DEFAULT 0,
		max_concurrent_runs   INTEGER NOT NULL DEFAULT 0,
		enabled               BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (procedure_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS trigger_dedupe_records (
		procedure_id TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		run_id       TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dedupe_hash ON trigger_dedupe_records (payload_hash)`,
	`CREATE TABLE IF NOT EXISTS run_jobs (
		job_id        TEXT PRIMARY KEY,
		run_id        TEXT NOT NULL UNIQUE,
		status        TEXT NOT NULL DEFAULT 'queued',
		priority      INTEGER NOT NULL DEFAULT 0,
		attempts      INTEGER NOT NULL DEFAULT 0,
		max_attempts  INTEGER NOT NULL DEFAULT 3,
		available_at  TIMESTAMP NOT NULL,
		locked_by     TEXT,
		locked_until  TIMESTAMP,
		error_message TEXT,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_jobs_poll ON run_jobs (status, available_at, priority)`,
	`CREATE TABLE IF NOT EXISTS scheduler_leader_leases (
		name        TEXT PRIMARY KEY,
		leader_id   TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_workers (
		worker_id         TEXT PRIMARY KEY,
		status            TEXT NOT NULL DEFAULT 'online',
		is_leader         BOOLEAN NOT NULL DEFAULT FALSE,
		last_heartbeat_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// ensureSchema applies the DDL. Every statement is idempotent, so the
// schema converges on every start without a migration tool.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}

// Package store provides SQLite-backed persistence for steward runs: the run
// ledger and its event log, stage outputs, the publish ledger, review score
// cards, audit records and usage.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	target_json     TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	current_stage   TEXT NOT NULL DEFAULT '',
	failed_stage    TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	fatal           INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	state_version   INTEGER NOT NULL DEFAULT 1,
	last_event_seq  INTEGER NOT NULL DEFAULT 0,
	started_at_unix INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at_unix);

CREATE TABLE IF NOT EXISTS run_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	stage        TEXT NOT NULL DEFAULT '',
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(run_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON run_events(run_id, seq_no);

CREATE TABLE IF NOT EXISTS stage_outputs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	round       INTEGER NOT NULL DEFAULT 0,
	output_json TEXT NOT NULL DEFAULT '{}',
	checksum    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outputs_run_stage ON stage_outputs(run_id, stage);

CREATE TABLE IF NOT EXISTS publish_records (
	idem_key     TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	target       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	payload_hash TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	number       INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_publish_run ON publish_records(run_id);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_records(run_id);

CREATE TABLE IF NOT EXISTS usage_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL DEFAULT '',
	stage         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	amount_usd    REAL NOT NULL DEFAULT 0.0,
	created_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);

CREATE TABLE IF NOT EXISTS score_cards (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id       TEXT NOT NULL DEFAULT '',
	run_id          TEXT NOT NULL,
	round           INTEGER NOT NULL DEFAULT 0,
	reviewer        TEXT NOT NULL DEFAULT '',
	correctness     INTEGER NOT NULL DEFAULT 0,
	security        INTEGER NOT NULL DEFAULT 0,
	maintainability INTEGER NOT NULL DEFAULT 0,
	scope           INTEGER NOT NULL DEFAULT 0,
	testing         INTEGER NOT NULL DEFAULT 0,
	findings_json   TEXT NOT NULL DEFAULT '[]',
	verdict         TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_score_cards_run ON score_cards(run_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer and batch runs share the handle.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// WithTx runs fn inside a transaction, committing on success.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

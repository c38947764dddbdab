// Package sqlite is an embedded implementation of the pick-agent store. It
// backs local single-node deployments and the real-SQL unit tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix milliseconds so range predicates compare
// integers.
const schema = `
CREATE TABLE IF NOT EXISTS locks (
    key         TEXT PRIMARY KEY,
    holder_id   TEXT    NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cooldowns (
    subject_id TEXT    NOT NULL,
    category   TEXT    NOT NULL,
    kind       TEXT    NOT NULL,
    outcome    TEXT    NOT NULL CHECK (outcome IN ('PASS', 'DECIDED', 'ERROR')),
    run_id     TEXT,
    expires_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (subject_id, category, kind)
);

CREATE TABLE IF NOT EXISTS schedules (
    subject_id       TEXT    NOT NULL,
    category         TEXT    NOT NULL,
    kind             TEXT    NOT NULL,
    enabled          INTEGER NOT NULL DEFAULT 1,
    interval_seconds INTEGER NOT NULL,
    priority         INTEGER NOT NULL DEFAULT 0,
    last_run_at      INTEGER,
    next_run_at      INTEGER,
    last_status      TEXT    NOT NULL DEFAULT '',
    run_count        INTEGER NOT NULL DEFAULT 0,
    success_count    INTEGER NOT NULL DEFAULT 0,
    failure_count    INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    PRIMARY KEY (subject_id, category, kind)
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    subject_id    TEXT    NOT NULL,
    category      TEXT    NOT NULL,
    kind          TEXT    NOT NULL,
    game_id       TEXT    NOT NULL,
    game_start    INTEGER NOT NULL,
    state         TEXT    NOT NULL,
    decision      TEXT,
    selection     TEXT,
    confidence    REAL,
    tier          TEXT,
    error_message TEXT,
    created_at    INTEGER NOT NULL,
    completed_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_open ON runs(subject_id, category, kind, game_id, state);

CREATE TABLE IF NOT EXISTS run_steps (
    run_id     TEXT    NOT NULL REFERENCES runs(id),
    step       TEXT    NOT NULL,
    result     TEXT    NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS factors (
    run_id           TEXT    NOT NULL REFERENCES runs(id),
    factor_no        INTEGER NOT NULL,
    name             TEXT    NOT NULL,
    raw_inputs       TEXT    NOT NULL,
    normalized_value REAL    NOT NULL,
    weight           REAL    NOT NULL,
    points           REAL    NOT NULL,
    caps_applied     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, factor_no)
);

CREATE TABLE IF NOT EXISTS outcomes (
    id           TEXT PRIMARY KEY,
    run_id       TEXT    NOT NULL UNIQUE REFERENCES runs(id),
    subject_id   TEXT    NOT NULL,
    category     TEXT    NOT NULL,
    kind         TEXT    NOT NULL,
    game_id      TEXT    NOT NULL,
    selection    TEXT    NOT NULL,
    line         REAL    NOT NULL,
    price        INTEGER NOT NULL,
    confidence   REAL    NOT NULL,
    tier         TEXT    NOT NULL,
    units        REAL    NOT NULL,
    created_at   INTEGER NOT NULL,
    result       TEXT,
    profit_units REAL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_perf ON outcomes(subject_id, category, kind, created_at DESC);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    step          TEXT    NOT NULL,
    key           TEXT    NOT NULL,
    request_hash  TEXT    NOT NULL,
    state         TEXT    NOT NULL,
    status_code   INTEGER NOT NULL DEFAULT 0,
    response_body BLOB,
    reserved_at   INTEGER NOT NULL,
    completed_at  INTEGER,
    PRIMARY KEY (step, key)
);
`

// Store implements every store interface on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

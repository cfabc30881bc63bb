// Package sqlite implements the ledger and market stores on an embedded
// SQLite database (modernc.org/sqlite, no cgo). It backs dev mode and tests;
// production deployments use the postgres package.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id           TEXT PRIMARY KEY,
    game_id      TEXT    NOT NULL,
    category_id  TEXT    NOT NULL DEFAULT '',
    status       TEXT    NOT NULL,
    outcomes     TEXT    NOT NULL,
    quantities   TEXT    NOT NULL,
    liquidity    REAL    NOT NULL,
    outcome      TEXT,
    created_at   INTEGER NOT NULL,
    opened_at    INTEGER,
    closed_at    INTEGER,
    resolved_at  INTEGER
);

CREATE TABLE IF NOT EXISTS positions (
    id               TEXT PRIMARY KEY,
    address          TEXT    NOT NULL,
    market_id        TEXT    NOT NULL,
    outcome          TEXT    NOT NULL,
    shares           REAL    NOT NULL,
    cost_paid        REAL    NOT NULL,
    session_id       TEXT    NOT NULL DEFAULT '',
    session_version  INTEGER NOT NULL DEFAULT 0,
    session_status   TEXT    NOT NULL DEFAULT 'open',
    created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
    id           TEXT PRIMARY KEY,
    position_id  TEXT    NOT NULL UNIQUE,
    market_id    TEXT    NOT NULL,
    address      TEXT    NOT NULL,
    outcome_bet  TEXT    NOT NULL,
    outcome_won  TEXT    NOT NULL,
    result       TEXT    NOT NULL CHECK (result IN ('WIN', 'LOSS')),
    shares       REAL    NOT NULL,
    cost_paid    REAL    NOT NULL,
    payout       REAL    NOT NULL,
    profit       REAL    NOT NULL,
    session_id   TEXT    NOT NULL DEFAULT '',
    settled_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_game      ON markets(game_id, created_at);
CREATE INDEX IF NOT EXISTS idx_positions_market  ON positions(market_id, created_at);
CREATE INDEX IF NOT EXISTS idx_positions_address ON positions(address);
CREATE INDEX IF NOT EXISTS idx_positions_session ON positions(session_id);
CREATE INDEX IF NOT EXISTS idx_settle_market     ON settlements(market_id);
CREATE INDEX IF NOT EXISTS idx_settle_address    ON settlements(address, settled_at DESC);
`

// DB is an open SQLite database with the schema applied.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer, and one connection keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Timestamps are stored as UTC unix nanoseconds.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

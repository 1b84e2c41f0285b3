package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed record store. It implements
// interfaces.CustodyStore and interfaces.ResidentStore.
type Store struct {
	db  *sql.DB
	sq  sq.StatementBuilderType
	log *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS residents (
	id                    TEXT PRIMARY KEY,
	owner_ref             TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'active',
	total_runs            INTEGER NOT NULL DEFAULT 0,
	tokens_used_total     INTEGER NOT NULL DEFAULT 0,
	token_balance         INTEGER NOT NULL DEFAULT 0,
	token_bank            INTEGER NOT NULL DEFAULT 0,
	next_instruction_id   TEXT NOT NULL DEFAULT '',
	next_instruction_text TEXT NOT NULL DEFAULT '',
	final_words           TEXT NOT NULL DEFAULT '',
	last_run_at           TIMESTAMP,
	created_at            TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS guardians (
	id               TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL,
	email            TEXT NOT NULL DEFAULT '',
	share_index      INTEGER NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	last_verified_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ceremonies (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	threshold    INTEGER NOT NULL,
	total_shares INTEGER NOT NULL,
	initiator    TEXT NOT NULL,
	status       TEXT NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_log (
	id          TEXT PRIMARY KEY,
	resident_id TEXT NOT NULL REFERENCES residents(id),
	status      TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS inbox (
	id           TEXT PRIMARY KEY,
	resident_id  TEXT NOT NULL REFERENCES residents(id),
	sender_ref   TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL,
	delivered    INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	delivered_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS posts (
	id          TEXT PRIMARY KEY,
	resident_id TEXT NOT NULL REFERENCES residents(id),
	body        TEXT NOT NULL,
	pinned      INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_log_resident ON run_log(resident_id, started_at);
CREATE INDEX IF NOT EXISTS idx_inbox_undelivered ON inbox(resident_id, delivered);
CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at);
`

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. Use ":memory:" for an isolated test database.
func Open(path string, log *slog.Logger) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; serialize access through a single conn to
	// avoid SQLITE_BUSY under the engine's parallel runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info("Opened record store", slog.String("path", path))

	return &Store{
		db:  db,
		sq:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		log: log,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// entirely on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("Transaction rollback failed", "err", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

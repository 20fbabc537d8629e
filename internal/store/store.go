// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides SQLite-backed persistence for the admin
// gateway: the one-time recovery code table and the append-only audit
// log. Admin credential material (password hash, TOTP secret) lives in
// configuration, not here, and session state is entirely client-held.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// schema is applied idempotently at open.
const schema = `
CREATE TABLE IF NOT EXISTS recovery_codes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	code_hash  TEXT    NOT NULL,
	used       INTEGER NOT NULL DEFAULT 0,
	used_at    TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recovery_codes_used ON recovery_codes(used);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	actor_id   TEXT,
	action     TEXT    NOT NULL,
	resource   TEXT,
	ip_address TEXT    NOT NULL DEFAULT '',
	user_agent TEXT    NOT NULL DEFAULT '',
	success    INTEGER NOT NULL,
	details    TEXT    NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
`

// Store wraps the SQLite database handle shared by the repositories.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema. Pass ":memory:" for an in-process database in
// tests.
//
// RELIABILITY: the connection pool is capped at a single connection so
// all writers serialize through it; combined with the busy_timeout
// pragma this avoids SQLITE_BUSY under concurrent request handling.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the repositories in this package.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

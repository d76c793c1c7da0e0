// Package store provides SQLite-backed persistence for identities,
// credentials, ceremony state, and sessions.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Register the sqlite database/sql driver.
)

// Open opens the SQLite database at path with the pragmas this workload needs.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite behaves best with a single connection for this workload.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;")
	if err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	return db, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id BLOB PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id BLOB NOT NULL,
	credential_id BLOB NOT NULL UNIQUE,
	public_key BLOB NOT NULL,
	sign_count INTEGER NOT NULL,
	aaguid BLOB NOT NULL,
	backup_eligible INTEGER NOT NULL,
	backup_state INTEGER NOT NULL,
	transports TEXT NOT NULL,
	user_agent_short TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_used_at DATETIME,
	FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS ceremonies (
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, kind)
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	token_hash BLOB NOT NULL,
	user_id BLOB,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials (user_id);
CREATE INDEX IF NOT EXISTS idx_ceremonies_expiry ON ceremonies (expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions (expires_at);
`

// Init creates the schema if it does not exist yet.
func Init(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}

	return ctx
}

func rollbackTx(tx *sql.Tx) {
	err := tx.Rollback()
	if err != nil {
		return
	}
}

func closeRows(rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		return
	}
}

func nullTimeToValue(value sql.NullTime) any {
	if value.Valid {
		return value.Time
	}

	return nil
}

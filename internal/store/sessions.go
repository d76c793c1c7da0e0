package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord stores one session. UserID is nil for anonymous sessions,
// which exist only to key pending ceremony state.
type SessionRecord struct {
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastSeenAt time.Time
	ID         string
	TokenHash  []byte
	UserID     []byte
}

// CreateSession inserts a session row.
func CreateSession(ctx context.Context, db *sql.DB, record *SessionRecord) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, token_hash, user_id, created_at, expires_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.TokenHash,
		record.UserID,
		record.CreatedAt,
		record.ExpiresAt,
		record.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

// GetSessionByID loads a session row. Misses surface as sql.ErrNoRows.
func GetSessionByID(ctx context.Context, db *sql.DB, sessionID string) (SessionRecord, error) {
	ctx = contextOrBackground(ctx)

	var record SessionRecord

	err := db.QueryRowContext(
		ctx,
		`SELECT id, token_hash, user_id, created_at, expires_at, last_seen_at
FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(
		&record.ID,
		&record.TokenHash,
		&record.UserID,
		&record.CreatedAt,
		&record.ExpiresAt,
		&record.LastSeenAt,
	)
	if err != nil {
		return SessionRecord{}, err
	}

	return record, nil
}

// TouchSession rolls a session's expiry and activity timestamp forward.
func TouchSession(ctx context.Context, db *sql.DB, sessionID string, expiresAt, lastSeenAt time.Time) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(
		ctx,
		`UPDATE sessions SET expires_at = ?, last_seen_at = ? WHERE id = ?`,
		expiresAt,
		lastSeenAt,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return nil
}

// DeleteSession removes a session row. Deleting an unknown id is not an error.
func DeleteSession(ctx context.Context, db *sql.DB, sessionID string) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

// DeleteExpiredSessions removes sessions whose deadline has passed.
func DeleteExpiredSessions(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	ctx = contextOrBackground(ctx)

	result, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted sessions: %w", err)
	}

	return count, nil
}

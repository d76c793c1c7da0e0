package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ceremony kinds. One pending ceremony per (session, kind).
const (
	CeremonyRegistration   = "registration"
	CeremonyAuthentication = "authentication"
)

// ErrCeremonyMissing indicates no live ceremony exists for the handle and
// kind. Never-started, expired, and already-taken ceremonies are
// indistinguishable.
var ErrCeremonyMissing = errors.New("ceremony missing")

// CeremonyRecord stores the server-side state of one pending ceremony.
type CeremonyRecord struct {
	CreatedAt time.Time
	ExpiresAt time.Time
	SessionID string
	Kind      string
	Payload   []byte
}

// PutCeremony stores pending ceremony state. An existing ceremony for the
// same (session, kind) is silently replaced: starting over abandons the
// previous challenge.
func PutCeremony(ctx context.Context, db *sql.DB, record *CeremonyRecord) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO ceremonies (session_id, kind, payload, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)`,
		record.SessionID,
		record.Kind,
		record.Payload,
		record.ExpiresAt,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store %s ceremony: %w", record.Kind, err)
	}

	return nil
}

// TakeCeremony atomically loads and deletes the pending ceremony for the
// handle and kind. The row is gone when this returns, success or not, so a
// challenge can never be answered twice.
func TakeCeremony(ctx context.Context, db *sql.DB, sessionID, kind string, now time.Time) ([]byte, error) {
	ctx = contextOrBackground(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take ceremony transaction: %w", err)
	}

	var (
		payload   []byte
		expiresAt time.Time
	)

	err = tx.QueryRowContext(
		ctx,
		`SELECT payload, expires_at FROM ceremonies WHERE session_id = ? AND kind = ?`,
		sessionID,
		kind,
	).Scan(&payload, &expiresAt)
	if err != nil {
		rollbackTx(tx)

		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCeremonyMissing
		}

		return nil, fmt.Errorf("load %s ceremony: %w", kind, err)
	}

	_, err = tx.ExecContext(
		ctx,
		`DELETE FROM ceremonies WHERE session_id = ? AND kind = ?`,
		sessionID,
		kind,
	)
	if err != nil {
		rollbackTx(tx)

		return nil, fmt.Errorf("delete %s ceremony: %w", kind, err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("commit take ceremony transaction: %w", err)
	}

	if now.After(expiresAt) {
		return nil, ErrCeremonyMissing
	}

	return payload, nil
}

// DeleteExpiredCeremonies removes ceremonies whose deadline has passed.
func DeleteExpiredCeremonies(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	ctx = contextOrBackground(ctx)

	result, err := db.ExecContext(ctx, `DELETE FROM ceremonies WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired ceremonies: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted ceremonies: %w", err)
	}

	return count, nil
}

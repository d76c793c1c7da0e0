package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"passkeyd/internal/store"
)

// Expiry rolls happen at most this often so routine traffic does not write
// the sessions table on every request.
const sessionRollInterval = 60 * time.Second

// SessionIssue is a freshly minted session: the cookie value carries the
// plaintext token, the store keeps only its hash.
type SessionIssue struct {
	ExpiresAt   time.Time
	ID          string
	CookieValue string
}

// Principal is a validated session. UserID is the zero uuid for anonymous
// sessions.
type Principal struct {
	ExpiresAt     time.Time
	SessionID     string
	UserID        uuid.UUID
	Authenticated bool
	Rolled        bool
}

// CreateAnonymousSession mints a session bound to no identity. It exists to
// key ceremony state for callers who have not authenticated yet.
func (m *Manager) CreateAnonymousSession(ctx context.Context) (SessionIssue, error) {
	return m.createSession(ctx, nil)
}

// EstablishUserSession mints a fresh session bound to userID and revokes the
// caller's previous handle. Rotating the handle on privilege change prevents
// session fixation.
func (m *Manager) EstablishUserSession(ctx context.Context, previousID string, userID uuid.UUID) (SessionIssue, error) {
	issue, err := m.createSession(ctx, userID[:])
	if err != nil {
		return SessionIssue{}, err
	}

	if previousID != "" {
		err = store.DeleteSession(ctx, m.db, previousID)
		if err != nil {
			m.logger.Warn("revoke previous session", "session_id", previousID, "error", err)
		}
	}

	return issue, nil
}

// ValidateSession checks a session cookie value and returns the principal it
// names. The expiry rolls forward on activity, coalesced to once per
// sessionRollInterval.
func (m *Manager) ValidateSession(ctx context.Context, cookieValue string) (Principal, error) {
	sessionID, token, ok := strings.Cut(cookieValue, ".")
	if !ok || sessionID == "" || token == "" {
		return Principal{}, ErrInvalidSession
	}

	record, err := store.GetSessionByID(ctx, m.db, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Principal{}, ErrInvalidSession
		}

		return Principal{}, fmt.Errorf("load session: %w", err)
	}

	now := time.Now()
	if now.After(record.ExpiresAt) {
		return Principal{}, ErrInvalidSession
	}

	hash := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(hash[:], record.TokenHash) != 1 {
		return Principal{}, ErrInvalidSession
	}

	principal := Principal{
		SessionID: record.ID,
		ExpiresAt: record.ExpiresAt,
	}

	if record.UserID != nil {
		principal.UserID, err = uuid.FromBytes(record.UserID)
		if err != nil {
			return Principal{}, fmt.Errorf("decode session user id: %w", err)
		}

		principal.Authenticated = true
	}

	if now.Sub(record.LastSeenAt) >= sessionRollInterval {
		expiresAt := now.Add(m.sessionTTL)

		err = store.TouchSession(ctx, m.db, record.ID, expiresAt, now)
		if err != nil {
			return Principal{}, fmt.Errorf("roll session expiry: %w", err)
		}

		principal.ExpiresAt = expiresAt
		principal.Rolled = true
	}

	return principal, nil
}

// RevokeSession deletes a session. Unknown ids are a no-op.
func (m *Manager) RevokeSession(ctx context.Context, sessionID string) error {
	err := store.DeleteSession(ctx, m.db, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

func (m *Manager) createSession(ctx context.Context, userID []byte) (SessionIssue, error) {
	sessionID, err := randomToken()
	if err != nil {
		return SessionIssue{}, err
	}

	token, err := randomToken()
	if err != nil {
		return SessionIssue{}, err
	}

	now := time.Now()
	record := store.SessionRecord{
		ID:         sessionID,
		TokenHash:  sha256Bytes(token),
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.sessionTTL),
		LastSeenAt: now,
	}

	err = store.CreateSession(ctx, m.db, &record)
	if err != nil {
		return SessionIssue{}, fmt.Errorf("create session: %w", err)
	}

	return SessionIssue{
		ID:          sessionID,
		CookieValue: sessionID + "." + token,
		ExpiresAt:   record.ExpiresAt,
	}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)

	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func sha256Bytes(value string) []byte {
	hash := sha256.Sum256([]byte(value))

	return hash[:]
}

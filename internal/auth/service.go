// Package auth orchestrates passkey registration and authentication
// ceremonies and owns the session lifecycle.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"passkeyd/internal/store"
)

const (
	defaultSessionTTL   = 7 * 24 * time.Hour
	defaultChallengeTTL = 5 * time.Minute

	usernameMinLen = 3
	usernameMaxLen = 24
)

// Config holds the relying-party identity and the lifetimes the manager
// enforces.
type Config struct {
	RPID         string
	RPOrigin     string
	RPName       string
	SessionTTL   time.Duration
	ChallengeTTL time.Duration
}

// Manager runs registration and authentication ceremonies against the store.
type Manager struct {
	db           *sql.DB
	logger       *slog.Logger
	webAuthn     *webauthn.WebAuthn
	sessionTTL   time.Duration
	challengeTTL time.Duration
}

// NewManager builds a Manager. RPID and RPOrigin are required; the remaining
// fields default.
func NewManager(db *sql.DB, logger *slog.Logger, cfg Config) (*Manager, error) {
	if cfg.RPID == "" || cfg.RPOrigin == "" {
		return nil, errors.New("relying party id and origin are required")
	}

	if cfg.RPName == "" {
		cfg.RPName = cfg.RPID
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}

	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}

	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          cfg.RPID,
		RPOrigins:     []string{cfg.RPOrigin},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationRequired,
		},
		AttestationPreference: protocol.PreferNoAttestation,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}

	return &Manager{
		db:           db,
		logger:       logger,
		webAuthn:     webAuthn,
		sessionTTL:   cfg.SessionTTL,
		challengeTTL: cfg.ChallengeTTL,
	}, nil
}

// registrationState is the cached server half of a pending registration.
type registrationState struct {
	UserID   uuid.UUID            `json:"user_id"`
	Username string               `json:"username"`
	IsNew    bool                 `json:"is_new"`
	Session  webauthn.SessionData `json:"session"`
}

// StartRegistration validates the requested name, resolves the target
// identity, and issues creation options. caller is nil for anonymous
// sessions; authenticated callers may only add credentials to their own
// identity, and their existing credentials populate the exclusion list.
func (m *Manager) StartRegistration(
	ctx context.Context,
	handle string,
	username string,
	caller *store.UserRecord,
) (*protocol.CredentialCreation, error) {
	if !validUsername(username) {
		return nil, ErrInvalidUsername
	}

	var (
		userID     uuid.UUID
		isNew      bool
		exclusions []protocol.CredentialDescriptor
	)

	switch {
	case caller != nil:
		if caller.Username != username {
			return nil, ErrRegisterSelfOnly
		}

		userID = caller.ID

		records, err := store.ListCredentialsByUser(ctx, m.db, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: list caller credentials: %w", ErrStoreUnavailable, err)
		}

		for i := range records {
			credential := recordToCredential(&records[i])
			exclusions = append(exclusions, credential.Descriptor())
		}
	default:
		taken, err := store.UsernameExists(ctx, m.db, username)
		if err != nil {
			return nil, fmt.Errorf("%w: check username: %w", ErrStoreUnavailable, err)
		}

		if taken {
			return nil, ErrUsernameTaken
		}

		userID, err = uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate user id: %w", err)
		}

		isNew = true
	}

	user := &ceremonyUser{id: userID, name: username}

	options, session, err := m.webAuthn.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	err = m.putCeremonyState(ctx, handle, store.CeremonyRegistration, registrationState{
		UserID:   userID,
		Username: username,
		IsNew:    isNew,
		Session:  *session,
	})
	if err != nil {
		return nil, err
	}

	return options, nil
}

// FinishRegistration consumes the pending registration state, verifies the
// attestation, and persists the credential. For a new identity the user row
// and first credential commit atomically and a fresh authenticated session is
// issued (isNew true, issue non-nil); for an existing identity the credential
// is appended and the caller's session is untouched.
func (m *Manager) FinishRegistration(
	ctx context.Context,
	handle string,
	body io.Reader,
	label string,
) (store.UserRecord, bool, *SessionIssue, error) {
	var state registrationState

	err := m.takeCeremonyState(ctx, handle, store.CeremonyRegistration, &state)
	if err != nil {
		return store.UserRecord{}, false, nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return store.UserRecord{}, false, nil, ErrVerificationFailed
	}

	user := &ceremonyUser{id: state.UserID, name: state.Username}

	credential, err := m.webAuthn.CreateCredential(user, state.Session, parsed)
	if err != nil {
		m.logger.Warn("registration verification failed", "username", state.Username, "error", err)

		return store.UserRecord{}, false, nil, ErrVerificationFailed
	}

	now := time.Now()
	record := credentialToRecord(credential, state.UserID, label, now)

	if !state.IsNew {
		err = store.InsertCredential(ctx, m.db, record)
		if err != nil {
			return store.UserRecord{}, false, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}

		userRecord, err := store.GetUserByID(ctx, m.db, state.UserID)
		if err != nil {
			return store.UserRecord{}, false, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}

		m.logger.Info("credential added", "username", state.Username, "label", label)

		return userRecord, false, nil, nil
	}

	userRecord := store.UserRecord{
		ID:        state.UserID,
		Username:  state.Username,
		CreatedAt: now,
	}

	err = store.CreateUserWithCredential(ctx, m.db, &userRecord, record)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return store.UserRecord{}, false, nil, ErrUsernameTaken
		}

		return store.UserRecord{}, false, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	issue, err := m.EstablishUserSession(ctx, handle, state.UserID)
	if err != nil {
		return store.UserRecord{}, false, nil, fmt.Errorf("establish session: %w", err)
	}

	m.logger.Info("user registered", "username", state.Username, "user_id", state.UserID)

	return userRecord, true, &issue, nil
}

// StartAuthentication issues discoverable (username-less) assertion options.
// Authenticated callers must sign out first.
func (m *Manager) StartAuthentication(ctx context.Context, handle string, authenticated bool) (*protocol.CredentialAssertion, error) {
	if authenticated {
		return nil, ErrAlreadySignedIn
	}

	options, session, err := m.webAuthn.BeginDiscoverableLogin(
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("begin authentication: %w", err)
	}

	err = m.putCeremonyState(ctx, handle, store.CeremonyAuthentication, session)
	if err != nil {
		return nil, err
	}

	return options, nil
}

// FinishAuthentication consumes the pending authentication state, resolves
// the asserted (user handle, credential id) pair, verifies the assertion, and
// issues a fresh authenticated session. The ceremony state is consumed before
// any verification so a challenge can never be answered twice.
func (m *Manager) FinishAuthentication(ctx context.Context, handle string, body io.Reader) (store.UserRecord, SessionIssue, error) {
	var session webauthn.SessionData

	err := m.takeCeremonyState(ctx, handle, store.CeremonyAuthentication, &session)
	if err != nil {
		return store.UserRecord{}, SessionIssue{}, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return store.UserRecord{}, SessionIssue{}, ErrCredentialMismatch
	}

	userID, err := uuid.FromBytes(parsed.Response.UserHandle)
	if err != nil {
		return store.UserRecord{}, SessionIssue{}, ErrCredentialMismatch
	}

	record, err := store.GetCredential(ctx, m.db, userID, parsed.RawID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.UserRecord{}, SessionIssue{}, ErrUserNotFound
		}

		return store.UserRecord{}, SessionIssue{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	userRecord, err := store.GetUserByID(ctx, m.db, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.UserRecord{}, SessionIssue{}, ErrUserNotFound
		}

		return store.UserRecord{}, SessionIssue{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	user := &ceremonyUser{
		id:          userRecord.ID,
		name:        userRecord.Username,
		credentials: []webauthn.Credential{recordToCredential(&record)},
	}

	lookup := func(_, _ []byte) (webauthn.User, error) {
		return user, nil
	}

	_, verified, err := m.webAuthn.ValidatePasskeyLogin(lookup, session, parsed)
	if err != nil {
		m.logger.Warn("authentication verification failed", "username", userRecord.Username, "error", err)

		return store.UserRecord{}, SessionIssue{}, ErrVerificationFailed
	}

	if verified.Authenticator.CloneWarning {
		m.logger.Warn("credential counter did not advance, possible cloned authenticator",
			"username", userRecord.Username,
			"credential_id", fmt.Sprintf("%x", record.CredentialID),
			"stored_count", record.SignCount,
		)
	}

	// UpdateCounter already refuses to lower the count; the max is belt and
	// braces against a future library change.
	signCount := max(verified.Authenticator.SignCount, record.SignCount)

	err = store.UpdateCredentialCounters(
		ctx, m.db, userID, record.CredentialID,
		signCount, verified.Flags.BackupState, verified.Flags.BackupEligible,
		time.Now(),
	)
	if err != nil {
		return store.UserRecord{}, SessionIssue{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	issue, err := m.EstablishUserSession(ctx, handle, userID)
	if err != nil {
		return store.UserRecord{}, SessionIssue{}, fmt.Errorf("establish session: %w", err)
	}

	m.logger.Info("user authenticated", "username", userRecord.Username)

	return userRecord, issue, nil
}

// User loads an identity by id.
func (m *Manager) User(ctx context.Context, userID uuid.UUID) (store.UserRecord, error) {
	userRecord, err := store.GetUserByID(ctx, m.db, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.UserRecord{}, ErrUserNotFound
		}

		return store.UserRecord{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return userRecord, nil
}

// Authenticators lists an identity's registered credentials.
func (m *Manager) Authenticators(ctx context.Context, userID uuid.UUID) ([]store.CredentialRecord, error) {
	records, err := store.ListCredentialsByUser(ctx, m.db, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return records, nil
}

// CleanupExpired sweeps expired ceremonies and sessions.
func (m *Manager) CleanupExpired(ctx context.Context) {
	now := time.Now()

	ceremonies, err := store.DeleteExpiredCeremonies(ctx, m.db, now)
	if err != nil {
		m.logger.Warn("sweep expired ceremonies", "error", err)
	}

	sessions, err := store.DeleteExpiredSessions(ctx, m.db, now)
	if err != nil {
		m.logger.Warn("sweep expired sessions", "error", err)
	}

	if ceremonies > 0 || sessions > 0 {
		m.logger.Info("cleanup swept expired rows", "ceremonies", ceremonies, "sessions", sessions)
	}
}

func (m *Manager) putCeremonyState(ctx context.Context, handle, kind string, state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", kind, err)
	}

	now := time.Now()

	err = store.PutCeremony(ctx, m.db, &store.CeremonyRecord{
		SessionID: handle,
		Kind:      kind,
		Payload:   payload,
		ExpiresAt: now.Add(m.challengeTTL),
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return nil
}

func (m *Manager) takeCeremonyState(ctx context.Context, handle, kind string, state any) error {
	payload, err := store.TakeCeremony(ctx, m.db, handle, kind, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrCeremonyMissing) {
			return ErrCorruptSession
		}

		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	err = json.Unmarshal(payload, state)
	if err != nil {
		return ErrCorruptSession
	}

	return nil
}

func validUsername(username string) bool {
	if !utf8.ValidString(username) {
		return false
	}

	return len(username) >= usernameMinLen && len(username) <= usernameMaxLen
}

// ceremonyUser adapts an identity to the webauthn.User interface for the
// duration of one ceremony.
type ceremonyUser struct {
	name        string
	credentials []webauthn.Credential
	id          uuid.UUID
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return u.id[:]
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.name
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.name
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func recordToCredential(record *store.CredentialRecord) webauthn.Credential {
	return webauthn.Credential{
		ID:        record.CredentialID,
		PublicKey: record.PublicKey,
		Transport: parseTransports(record.Transports),
		Flags: webauthn.CredentialFlags{
			BackupEligible: record.BackupEligible,
			BackupState:    record.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    record.AAGUID,
			SignCount: record.SignCount,
		},
	}
}

func credentialToRecord(credential *webauthn.Credential, userID uuid.UUID, label string, now time.Time) *store.CredentialRecord {
	return &store.CredentialRecord{
		UserID:         userID,
		CredentialID:   credential.ID,
		PublicKey:      credential.PublicKey,
		SignCount:      credential.Authenticator.SignCount,
		AAGUID:         credential.Authenticator.AAGUID,
		BackupEligible: credential.Flags.BackupEligible,
		BackupState:    credential.Flags.BackupState,
		Transports:     joinTransports(credential.Transport),
		UserAgentShort: label,
		CreatedAt:      now,
	}
}

func joinTransports(transports []protocol.AuthenticatorTransport) string {
	parts := make([]string, 0, len(transports))
	for _, transport := range transports {
		parts = append(parts, string(transport))
	}

	return strings.Join(parts, ",")
}

func parseTransports(joined string) []protocol.AuthenticatorTransport {
	if joined == "" {
		return nil
	}

	parts := strings.Split(joined, ",")
	transports := make([]protocol.AuthenticatorTransport, 0, len(parts))

	for _, part := range parts {
		transports = append(transports, protocol.AuthenticatorTransport(part))
	}

	return transports
}

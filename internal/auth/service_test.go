package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/google/uuid"

	"passkeyd/internal/auth"
	"passkeyd/internal/store"
	"passkeyd/internal/testutil"
)

const (
	testRPID   = "localhost"
	testOrigin = "http://localhost"
)

func newTestManager(t *testing.T) *auth.Manager {
	t.Helper()

	db := testutil.OpenTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	manager, err := auth.NewManager(db, logger, auth.Config{
		RPID:     testRPID,
		RPOrigin: testOrigin,
		RPName:   "passkeyd test",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	return manager
}

func testRelyingParty() virtualwebauthn.RelyingParty {
	return virtualwebauthn.RelyingParty{Name: "passkeyd test", ID: testRPID, Origin: testOrigin}
}

// registerUser drives a complete registration ceremony for username with a
// fresh virtual authenticator. The returned authenticator carries the user
// handle needed for discoverable assertions.
func registerUser(
	t *testing.T,
	manager *auth.Manager,
	username string,
) (store.UserRecord, virtualwebauthn.Authenticator, virtualwebauthn.Credential, auth.SessionIssue) {
	t.Helper()

	ctx := context.Background()
	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	options, err := manager.StartRegistration(ctx, anon.ID, username, nil)
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		t.Fatalf("marshal creation options: %v", err)
	}

	attestationOptions, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("parse attestation options: %v", err)
	}

	response := virtualwebauthn.CreateAttestationResponse(
		testRelyingParty(), authenticator, credential, *attestationOptions,
	)

	user, isNew, issue, err := manager.FinishRegistration(ctx, anon.ID, strings.NewReader(response), "Firefox - Linux")
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}

	if !isNew {
		t.Fatal("first registration should create a new identity")
	}

	if issue == nil {
		t.Fatal("new identity registration should issue a session")
	}

	authenticator.Options.UserHandle = user.ID[:]

	return user, authenticator, credential, *issue
}

// authenticate drives a complete discoverable login ceremony.
func authenticate(
	t *testing.T,
	manager *auth.Manager,
	authenticator virtualwebauthn.Authenticator,
	credential virtualwebauthn.Credential,
) (store.UserRecord, auth.SessionIssue, error) {
	t.Helper()

	ctx := context.Background()

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	options, err := manager.StartAuthentication(ctx, anon.ID, false)
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		t.Fatalf("marshal assertion options: %v", err)
	}

	assertionOptions, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("parse assertion options: %v", err)
	}

	response := virtualwebauthn.CreateAssertionResponse(
		testRelyingParty(), authenticator, credential, *assertionOptions,
	)

	return manager.FinishAuthentication(ctx, anon.ID, strings.NewReader(response))
}

func TestRegistrationRoundTrip(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	user, _, _, issue := registerUser(t, manager, "alice")

	if user.Username != "alice" {
		t.Errorf("username = %q, want alice", user.Username)
	}

	principal, err := manager.ValidateSession(ctx, issue.CookieValue)
	if err != nil {
		t.Fatalf("validate issued session: %v", err)
	}

	if !principal.Authenticated || principal.UserID != user.ID {
		t.Errorf("principal = %+v, want authenticated as %s", principal, user.ID)
	}

	authenticators, err := manager.Authenticators(ctx, user.ID)
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}

	if len(authenticators) != 1 {
		t.Fatalf("authenticator count = %d, want 1", len(authenticators))
	}

	if authenticators[0].UserAgentShort != "Firefox - Linux" {
		t.Errorf("label = %q", authenticators[0].UserAgentShort)
	}
}

func TestAuthenticationRoundTrip(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	user, authenticator, credential, _ := registerUser(t, manager, "alice")

	credential.Counter++

	got, issue, err := authenticate(t, manager, authenticator, credential)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if got.ID != user.ID {
		t.Errorf("authenticated user = %s, want %s", got.ID, user.ID)
	}

	principal, err := manager.ValidateSession(ctx, issue.CookieValue)
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}

	if !principal.Authenticated || principal.UserID != user.ID {
		t.Errorf("principal = %+v", principal)
	}

	authenticators, err := manager.Authenticators(ctx, user.ID)
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}

	if authenticators[0].SignCount != credential.Counter {
		t.Errorf("stored sign count = %d, want %d", authenticators[0].SignCount, credential.Counter)
	}

	if !authenticators[0].LastUsedAt.Valid {
		t.Error("last_used_at should be set after login")
	}
}

func TestFinishAuthenticationReplay(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	_, authenticator, credential, _ := registerUser(t, manager, "alice")

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	options, err := manager.StartAuthentication(ctx, anon.ID, false)
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		t.Fatalf("marshal options: %v", err)
	}

	assertionOptions, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("parse assertion options: %v", err)
	}

	credential.Counter++
	response := virtualwebauthn.CreateAssertionResponse(
		testRelyingParty(), authenticator, credential, *assertionOptions,
	)

	_, _, err = manager.FinishAuthentication(ctx, anon.ID, strings.NewReader(response))
	if err != nil {
		t.Fatalf("first finish: %v", err)
	}

	// The challenge was consumed; replaying the same response must fail
	// before any verification happens.
	_, _, err = manager.FinishAuthentication(ctx, anon.ID, strings.NewReader(response))
	if !errors.Is(err, auth.ErrCorruptSession) {
		t.Fatalf("replay error = %v, want ErrCorruptSession", err)
	}
}

func TestFinishRegistrationReplay(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	_, _, _, _ = registerUser(t, manager, "alice")

	// registerUser consumed its handle; a finish on a handle with no pending
	// ceremony is a corrupt session.
	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	_, _, _, err = manager.FinishRegistration(ctx, anon.ID, strings.NewReader("{}"), "test")
	if !errors.Is(err, auth.ErrCorruptSession) {
		t.Fatalf("finish without start error = %v, want ErrCorruptSession", err)
	}
}

func TestStartRegistrationNameValidation(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	tests := []struct {
		name     string
		username string
		wantErr  error
	}{
		{name: "too short", username: "ab", wantErr: auth.ErrInvalidUsername},
		{name: "min length", username: "abc"},
		{name: "max length", username: strings.Repeat("x", 24)},
		{name: "too long", username: strings.Repeat("x", 25), wantErr: auth.ErrInvalidUsername},
		{name: "empty", username: "", wantErr: auth.ErrInvalidUsername},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.StartRegistration(ctx, anon.ID, tt.username, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("StartRegistration(%q) error = %v, want %v", tt.username, err, tt.wantErr)
			}
		})
	}
}

func TestStartRegistrationNameTaken(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	_, _, _, _ = registerUser(t, manager, "alice")

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	_, err = manager.StartRegistration(ctx, anon.ID, "alice", nil)
	if !errors.Is(err, auth.ErrUsernameTaken) {
		t.Fatalf("taken name error = %v, want ErrUsernameTaken", err)
	}
}

func TestStartRegistrationSelfOnly(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	user, _, _, _ := registerUser(t, manager, "alice")

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	_, err = manager.StartRegistration(ctx, anon.ID, "bobby", &user)
	if !errors.Is(err, auth.ErrRegisterSelfOnly) {
		t.Fatalf("cross-name registration error = %v, want ErrRegisterSelfOnly", err)
	}
}

func TestAddCredentialExcludesExisting(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	user, _, _, issue := registerUser(t, manager, "alice")

	principal, err := manager.ValidateSession(ctx, issue.CookieValue)
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}

	options, err := manager.StartRegistration(ctx, principal.SessionID, "alice", &user)
	if err != nil {
		t.Fatalf("start add-credential registration: %v", err)
	}

	if len(options.Response.CredentialExcludeList) != 1 {
		t.Fatalf("exclusion list length = %d, want 1", len(options.Response.CredentialExcludeList))
	}

	// Finish with a second authenticator; the identity gains a credential and
	// the caller's session is untouched.
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		t.Fatalf("marshal options: %v", err)
	}

	attestationOptions, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("parse attestation options: %v", err)
	}

	second := virtualwebauthn.NewAuthenticator()
	secondCredential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	response := virtualwebauthn.CreateAttestationResponse(
		testRelyingParty(), second, secondCredential, *attestationOptions,
	)

	got, isNew, newIssue, err := manager.FinishRegistration(
		ctx, principal.SessionID, strings.NewReader(response), "Chrome - macOS",
	)
	if err != nil {
		t.Fatalf("finish add-credential: %v", err)
	}

	if isNew {
		t.Error("adding a credential must not report a new identity")
	}

	if newIssue != nil {
		t.Error("adding a credential must not mint a session")
	}

	if got.ID != user.ID {
		t.Errorf("user = %s, want %s", got.ID, user.ID)
	}

	authenticators, err := manager.Authenticators(ctx, user.ID)
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}

	if len(authenticators) != 2 {
		t.Errorf("authenticator count = %d, want 2", len(authenticators))
	}

	_, err = manager.ValidateSession(ctx, issue.CookieValue)
	if err != nil {
		t.Errorf("original session should survive add-credential: %v", err)
	}
}

func TestStartAuthenticationAlreadySignedIn(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	_, _, _, issue := registerUser(t, manager, "alice")

	_, err := manager.StartAuthentication(ctx, issue.ID, true)
	if !errors.Is(err, auth.ErrAlreadySignedIn) {
		t.Fatalf("signed-in start error = %v, want ErrAlreadySignedIn", err)
	}
}

func TestAuthenticateUnknownCredential(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)

	_, _, _, _ = registerUser(t, manager, "alice")

	// A valid-looking assertion from a credential nobody registered.
	stranger := virtualwebauthn.NewAuthenticator()
	strangerID := uuid.New()
	stranger.Options.UserHandle = strangerID[:]
	strangerCredential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	_, _, err := authenticate(t, manager, stranger, strangerCredential)
	if !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("unknown credential error = %v, want ErrUserNotFound", err)
	}
}

func TestAuthenticateMalformedBody(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	_, _, _, _ = registerUser(t, manager, "alice")

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	_, err = manager.StartAuthentication(ctx, anon.ID, false)
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}

	_, _, err = manager.FinishAuthentication(ctx, anon.ID, strings.NewReader("not json"))
	if !errors.Is(err, auth.ErrCredentialMismatch) {
		t.Fatalf("malformed body error = %v, want ErrCredentialMismatch", err)
	}
}

func TestCounterRegressionNeverLowersStoredCount(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	user, authenticator, credential, _ := registerUser(t, manager, "alice")

	credential.Counter = 10

	_, _, err := authenticate(t, manager, authenticator, credential)
	if err != nil {
		t.Fatalf("first login: %v", err)
	}

	// A cloned authenticator would replay an old counter. The login still
	// succeeds but the stored count must not move backwards.
	credential.Counter = 3

	_, _, err = authenticate(t, manager, authenticator, credential)
	if err != nil {
		t.Fatalf("regressed-counter login: %v", err)
	}

	authenticators, err := manager.Authenticators(ctx, user.ID)
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}

	if authenticators[0].SignCount != 10 {
		t.Errorf("stored sign count = %d, want 10", authenticators[0].SignCount)
	}
}

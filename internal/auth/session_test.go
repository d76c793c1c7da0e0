package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"passkeyd/internal/auth"
)

func TestAnonymousSessionLifecycle(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	issue, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	principal, err := manager.ValidateSession(ctx, issue.CookieValue)
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}

	if principal.Authenticated {
		t.Error("anonymous session must not be authenticated")
	}

	if principal.SessionID != issue.ID {
		t.Errorf("session id = %q, want %q", principal.SessionID, issue.ID)
	}

	// Immediate revalidation must not roll the expiry again.
	principal, err = manager.ValidateSession(ctx, issue.CookieValue)
	if err != nil {
		t.Fatalf("revalidate session: %v", err)
	}

	if principal.Rolled {
		t.Error("back-to-back validations should coalesce the expiry roll")
	}
}

func TestValidateSessionRejectsForgedToken(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	issue, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	sessionID, _, _ := strings.Cut(issue.CookieValue, ".")

	for _, cookie := range []string{
		"",
		"garbage",
		sessionID + ".",
		sessionID + ".wrong-token",
		"unknown-session.token",
	} {
		_, err := manager.ValidateSession(ctx, cookie)
		if !errors.Is(err, auth.ErrInvalidSession) {
			t.Errorf("ValidateSession(%q) error = %v, want ErrInvalidSession", cookie, err)
		}
	}
}

func TestEstablishUserSessionRotatesHandle(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	user, _, _, _ := registerUser(t, manager, "alice")

	anon, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create anonymous session: %v", err)
	}

	issue, err := manager.EstablishUserSession(ctx, anon.ID, user.ID)
	if err != nil {
		t.Fatalf("establish user session: %v", err)
	}

	if issue.ID == anon.ID {
		t.Error("authenticated session must get a fresh handle")
	}

	principal, err := manager.ValidateSession(ctx, issue.CookieValue)
	if err != nil {
		t.Fatalf("validate new session: %v", err)
	}

	if !principal.Authenticated || principal.UserID != user.ID {
		t.Errorf("principal = %+v, want authenticated as %s", principal, user.ID)
	}

	_, err = manager.ValidateSession(ctx, anon.CookieValue)
	if !errors.Is(err, auth.ErrInvalidSession) {
		t.Fatalf("old handle error = %v, want ErrInvalidSession", err)
	}
}

func TestRevokeSession(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	ctx := context.Background()

	issue, err := manager.CreateAnonymousSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	err = manager.RevokeSession(ctx, issue.ID)
	if err != nil {
		t.Fatalf("revoke session: %v", err)
	}

	_, err = manager.ValidateSession(ctx, issue.CookieValue)
	if !errors.Is(err, auth.ErrInvalidSession) {
		t.Fatalf("revoked session error = %v, want ErrInvalidSession", err)
	}
}

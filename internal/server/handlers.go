package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"passkeyd/internal/auth"
	"passkeyd/internal/store"
	"passkeyd/internal/ua"
)

const (
	sessionCookieName = "id"

	// infoCookieName is a JS-readable mirror of the signed-in user for client
	// rendering. It is never used to authenticate anything.
	infoCookieName = "authenticated_user_js"
)

type userPayload struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type authenticatorPayload struct {
	Label          string     `json:"label"`
	Transports     string     `json:"transports"`
	BackupEligible bool       `json:"backup_eligible"`
	BackupState    bool       `json:"backup_state"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at"`
}

func userToPayload(user store.UserRecord) userPayload {
	return userPayload{
		ID:        user.ID.String(),
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	}
}

func (a *App) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	principal, err := a.ensureSession(w, r)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	var caller *store.UserRecord

	if principal.Authenticated {
		user, err := a.manager.User(r.Context(), principal.UserID)
		if err != nil {
			a.writeAuthError(w, r, err)

			return
		}

		caller = &user
	}

	options, err := a.manager.StartRegistration(r.Context(), principal.SessionID, r.PathValue("username"), caller)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (a *App) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	principal, err := a.ensureSession(w, r)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	label := ua.ShortLabel(r.Header.Get("User-Agent"))

	user, isNew, issue, err := a.manager.FinishRegistration(r.Context(), principal.SessionID, r.Body, label)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	if isNew && issue != nil {
		a.setSessionCookies(w, user, *issue)
	}

	a.limiter.recordSuccess(clientIP(r))
	writeJSON(w, http.StatusOK, userToPayload(user))
}

func (a *App) handleAuthenticateStart(w http.ResponseWriter, r *http.Request) {
	principal, err := a.ensureSession(w, r)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	options, err := a.manager.StartAuthentication(r.Context(), principal.SessionID, principal.Authenticated)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (a *App) handleAuthenticateFinish(w http.ResponseWriter, r *http.Request) {
	principal, err := a.ensureSession(w, r)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	user, issue, err := a.manager.FinishAuthentication(r.Context(), principal.SessionID, r.Body)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	a.setSessionCookies(w, user, issue)
	a.limiter.recordSuccess(clientIP(r))
	writeJSON(w, http.StatusOK, userToPayload(user))
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.authenticatedPrincipal(w, r)
	if !ok {
		return
	}

	user, err := a.manager.User(r.Context(), principal.UserID)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, userToPayload(user))
}

func (a *App) handleMeAuthenticators(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.authenticatedPrincipal(w, r)
	if !ok {
		return
	}

	records, err := a.manager.Authenticators(r.Context(), principal.UserID)
	if err != nil {
		a.writeAuthError(w, r, err)

		return
	}

	payload := make([]authenticatorPayload, 0, len(records))

	for _, record := range records {
		item := authenticatorPayload{
			Label:          record.UserAgentShort,
			Transports:     record.Transports,
			BackupEligible: record.BackupEligible,
			BackupState:    record.BackupState,
			CreatedAt:      record.CreatedAt,
		}
		if record.LastUsedAt.Valid {
			usedAt := record.LastUsedAt.Time
			item.LastUsedAt = &usedAt
		}

		payload = append(payload, item)
	}

	writeJSON(w, http.StatusOK, payload)
}

func (a *App) handleSignout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		principal, err := a.manager.ValidateSession(r.Context(), cookie.Value)
		if err == nil {
			err = a.manager.RevokeSession(r.Context(), principal.SessionID)
			if err != nil {
				a.logger.Warn("revoke session on signout", "error", err, "request_id", requestID(r.Context()))
			}
		}
	}

	a.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// ensureSession resolves the caller's session, minting an anonymous one when
// the cookie is missing or invalid so ceremony state has a handle to live
// under.
func (a *App) ensureSession(w http.ResponseWriter, r *http.Request) (auth.Principal, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		principal, err := a.manager.ValidateSession(r.Context(), cookie.Value)
		if err == nil {
			if principal.Rolled {
				a.setSessionCookie(w, cookie.Value, principal.ExpiresAt)
			}

			return principal, nil
		}

		if !errors.Is(err, auth.ErrInvalidSession) {
			return auth.Principal{}, err
		}
	}

	issue, err := a.manager.CreateAnonymousSession(r.Context())
	if err != nil {
		return auth.Principal{}, err
	}

	a.setSessionCookie(w, issue.CookieValue, issue.ExpiresAt)

	return auth.Principal{SessionID: issue.ID, ExpiresAt: issue.ExpiresAt}, nil
}

// authenticatedPrincipal validates the cookie without minting anything and
// writes a 401 when the caller is not signed in.
func (a *App) authenticatedPrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "not signed in")

		return auth.Principal{}, false
	}

	principal, err := a.manager.ValidateSession(r.Context(), cookie.Value)
	if err != nil || !principal.Authenticated {
		if err != nil && !errors.Is(err, auth.ErrInvalidSession) {
			a.writeAuthError(w, r, err)

			return auth.Principal{}, false
		}

		writeJSONError(w, http.StatusUnauthorized, "not signed in")

		return auth.Principal{}, false
	}

	if principal.Rolled {
		a.setSessionCookie(w, cookie.Value, principal.ExpiresAt)
	}

	return principal, true
}

func (a *App) setSessionCookies(w http.ResponseWriter, user store.UserRecord, issue auth.SessionIssue) {
	a.setSessionCookie(w, issue.CookieValue, issue.ExpiresAt)
	a.setInfoCookie(w, user, issue.ExpiresAt)
}

func (a *App) setSessionCookie(w http.ResponseWriter, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *App) setInfoCookie(w http.ResponseWriter, user store.UserRecord, expiresAt time.Time) {
	payload, err := json.Marshal(map[string]any{
		"user":       user.Username,
		"expires_at": expiresAt,
	})
	if err != nil {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     infoCookieName,
		Value:    url.QueryEscape(string(payload)),
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: false,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *App) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{sessionCookieName, infoCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == sessionCookieName,
			Secure:   a.secureCookies,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// writeAuthError maps the auth error taxonomy to stable statuses. Response
// bodies never leak internal detail; the three identification failures share
// one body so callers cannot probe which credentials exist.
func (a *App) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidUsername):
		writeJSONError(w, http.StatusBadRequest, "invalid username")
	case errors.Is(err, auth.ErrUsernameTaken):
		writeJSONError(w, http.StatusConflict, "username already taken")
	case errors.Is(err, auth.ErrRegisterSelfOnly):
		writeJSONError(w, http.StatusForbidden, "may only register credentials for yourself")
	case errors.Is(err, auth.ErrAlreadySignedIn):
		writeJSONError(w, http.StatusBadRequest, "already signed in")
	case errors.Is(err, auth.ErrCorruptSession):
		writeJSONError(w, http.StatusBadRequest, "corrupt session")
	case errors.Is(err, auth.ErrCredentialMismatch),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrVerificationFailed):
		a.limiter.recordFailure(clientIP(r))
		writeJSONError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, auth.ErrStoreUnavailable):
		a.logger.Error("store unavailable", "error", err, "request_id", requestID(r.Context()))
		writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		a.logger.Error("unhandled request error", "error", err, "request_id", requestID(r.Context()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		return
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Package server exposes the passkey registration and authentication flows
// over HTTP.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"passkeyd/internal/auth"
)

// Config holds the HTTP-level knobs.
type Config struct {
	SecureCookies bool
}

// App wires the auth manager to the HTTP surface.
type App struct {
	logger        *slog.Logger
	manager       *auth.Manager
	limiter       *authRateLimiter
	secureCookies bool
}

// New builds an App.
func New(logger *slog.Logger, manager *auth.Manager, cfg Config) *App {
	return &App{
		logger:        logger,
		manager:       manager,
		limiter:       newAuthRateLimiter(),
		secureCookies: cfg.SecureCookies,
	}
}

// Routes builds the full handler tree.
func (a *App) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register_start/{username}", a.limited(a.handleRegisterStart))
	mux.HandleFunc("POST /register_finish", a.limited(a.handleRegisterFinish))
	mux.HandleFunc("POST /authenticate_start", a.limited(a.handleAuthenticateStart))
	mux.HandleFunc("POST /authenticate_finish", a.limited(a.handleAuthenticateFinish))
	mux.HandleFunc("GET /me", a.handleMe)
	mux.HandleFunc("GET /me/authenticators", a.handleMeAuthenticators)
	mux.HandleFunc("POST /signout", a.handleSignout)
	mux.HandleFunc("GET /healthz", handleHealthz)

	return withRequestID(withSecurityHeaders(mux))
}

// StartBackgroundLoops runs the periodic expiry sweep until ctx is done.
func (a *App) StartBackgroundLoops(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.manager.CleanupExpired(ctx)
			}
		}
	}()
}

func (a *App) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.allow(clientIP(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")

			return
		}

		next(w, r)
	}
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 8)
		_, _ = rand.Read(buf)
		id := hex.EncodeToString(buf)

		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(withRequestIDContext(r.Context(), id)))
	})
}

type requestIDKey struct{}

func withRequestIDContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)

	return id
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		header.Set("Referrer-Policy", "same-origin")
		header.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers proxy headers so the rate limiter keys on the real client
// behind a reverse proxy.
func clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")

		return strings.TrimSpace(first)
	}

	real := r.Header.Get("X-Real-Ip")
	if real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

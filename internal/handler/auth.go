// Package handler contains HTTP handlers for the storefront session relay.
//
// This file implements the login and logout endpoints. Both speak JSON and
// manage the HttpOnly session cookies; tokens never appear in a response body.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/csrf"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/requestid"
	"github.com/DukeRupert/storefront/internal/session"
)

// maxLoginBodyBytes bounds the login request body.
const maxLoginBodyBytes = 16 << 10

// =============================================================================
// Handler Configuration
// =============================================================================

// Authority is the subset of the backend authority client used by the auth
// handler. This interface allows for mocking in tests.
type Authority interface {
	Login(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error)
	Logout(ctx context.Context, sess domain.Session) error
}

// LoginLimiter tracks failed login attempts. A nil LoginLimiter disables
// rate limiting.
type LoginLimiter interface {
	RecordFailedLogin(r *http.Request)
	ResetLogin(r *http.Request)
}

// AuthHandler handles the session endpoints.
//
// Dependencies:
// - authority: the backend authority client (login, logout)
// - limiter: records failed logins against the per-IP limit
// - logger: structured logging for request handling
// - isSecure: whether to set the Secure flag on cookies (true in production)
// - csrfEnabled: whether to issue a CSRF cookie on login
//
// Routes handled:
// - POST /api/auth/login  -> Login
// - POST /api/auth/logout -> Logout
type AuthHandler struct {
	authority   Authority
	limiter     LoginLimiter
	logger      *slog.Logger
	isSecure    bool
	csrfEnabled bool
}

// NewAuthHandler creates a new AuthHandler with the required dependencies.
//
// Example usage in main.go:
//
//	authHandler := handler.NewAuthHandler(authority, loginLimiter, logger, cfg.IsSecure(), cfg.CSRFEnabled)
func NewAuthHandler(
	authority Authority,
	limiter LoginLimiter,
	logger *slog.Logger,
	isSecure bool,
	csrfEnabled bool,
) *AuthHandler {
	return &AuthHandler{
		authority:   authority,
		limiter:     limiter,
		logger:      logger,
		isSecure:    isSecure,
		csrfEnabled: csrfEnabled,
	}
}

// =============================================================================
// POST /api/auth/login
// =============================================================================

// Login exchanges identity credentials for a session.
//
// Request body: {"identifier": "...", "secret": "..."}
//
// Success Flow:
// 1. Forward the credentials to the authority
// 2. Write both session cookies
// 3. Respond 200 with {"email": "...", "type": "..."}
//
// Error Flow:
// - Malformed JSON or missing fields -> 400, no network call
// - Authority rejected the credentials -> 401 "Invalid credentials"
// - Anything else -> 502 "Login failed. Please try again later."
//
// There is no automatic retry. Failed attempts count against the login rate
// limit; a successful login resets it.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	const op = "auth.login"

	var creds domain.Credentials
	dec := json.NewDecoder(io.LimitReader(r.Body, maxLoginBodyBytes))
	if err := dec.Decode(&creds); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Request body must be JSON with identifier and secret"))
		return
	}

	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.authority.Login(r.Context(), creds)
	if err != nil {
		if domain.ErrorCode(err) == domain.EUNAUTHORIZED && h.limiter != nil {
			h.limiter.RecordFailedLogin(r)
		}
		ErrorResponse(w, r, h.logger, err)
		return
	}

	store := session.NewCookieStore(w, r, h.isSecure)
	if err := store.Set(r.Context(), result.Session); err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "write session"))
		return
	}
	if h.csrfEnabled {
		csrf.RefreshToken(w, h.isSecure)
	}
	if h.limiter != nil {
		h.limiter.ResetLogin(r)
	}

	h.logger.Info("user logged in",
		"email", result.Identity.Email,
		"type", result.Identity.Type,
		"has_refresh", result.Session.RefreshToken != "",
		"request_id", requestid.FromContext(r.Context()),
	)

	writeJSON(w, http.StatusOK, result.Identity)
}

// =============================================================================
// POST /api/auth/logout
// =============================================================================

// Logout ends the session.
//
// Flow:
// 1. Read the session from the cookies
// 2. If a refresh credential is present, notify the authority (best effort)
// 3. Clear both cookies
// 4. Respond 200 {"success": true}
//
// Notes:
// - This operation is idempotent; calling without a session is fine
// - The cookies are cleared even when the notification fails or panics
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	store := session.NewCookieStore(w, r, h.isSecure)

	sess, err := store.Get(r.Context())
	if err != nil {
		h.logger.Warn("failed to read session on logout", "error", err)
	}

	if sess.HasRefresh() {
		h.notifyLogout(r, *sess)
	}

	if err := store.Clear(r.Context()); err != nil {
		h.logger.Error("failed to clear session", "error", err)
	}
	if h.csrfEnabled {
		csrf.ClearCookie(w, h.isSecure)
	}

	h.logger.Debug("user logged out")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// notifyLogout tells the authority the refresh credential is no longer in
// use. Failures, panics included, are logged and swallowed.
func (h *AuthHandler) notifyLogout(r *http.Request, sess domain.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic during logout notification", "panic", rec)
		}
	}()

	if err := h.authority.Logout(r.Context(), sess); err != nil {
		h.logger.Warn("failed to notify authority of logout", "error", err)
	}
}

// =============================================================================
// Route Registration
// =============================================================================

// RegisterRoutes registers the session endpoints on the given mux.
// limitLogin wraps the login handler with the login rate limiter; pass nil to
// register it unwrapped.
//
// Example:
//
//	authHandler.RegisterRoutes(mux, authLimiter.LimitLogin)
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux, limitLogin func(http.Handler) http.Handler) {
	var login http.Handler = http.HandlerFunc(h.Login)
	if limitLogin != nil {
		login = limitLogin(login)
	}

	mux.Handle("POST /api/auth/login", login)
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

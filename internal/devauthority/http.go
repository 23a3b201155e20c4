package devauthority

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/requestid"
)

const maxRequestBytes = 1 << 20

// Handler returns the authority's HTTP surface:
//
//	POST /auth/login    credentials -> tokens and identity
//	POST /auth/refresh  refresh token -> access token (and rotated refresh token)
//	POST /auth/logout   refresh token -> 204
//	GET  /me            bearer -> identity
//	POST /echo          bearer -> the request body, for exercising replays
//	GET  /health
func (a *Authority) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+backend.LoginPath, a.handleLogin)
	mux.HandleFunc("POST "+backend.RefreshPath, a.handleRefresh)
	mux.HandleFunc("POST "+backend.LogoutPath, a.handleLogout)
	mux.Handle("GET /me", a.Require(http.HandlerFunc(a.handleMe)))
	mux.Handle("POST /echo", a.Require(http.HandlerFunc(handleEcho)))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

func (a *Authority) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	tokens, err := a.Login(creds)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			a.logger.Info("login rejected", "request_id", r.Header.Get(requestid.Header))
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		a.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	a.logger.Info("login", "email", tokens.Identity.Email)
	writeJSON(w, http.StatusOK, backend.LoginResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Email:        tokens.Identity.Email,
		Type:         tokens.Identity.Type,
	})
}

func (a *Authority) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req backend.RefreshRequest
	if err := decode(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	tokens, err := a.Refresh(req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			writeError(w, http.StatusUnauthorized, "invalid_grant")
			return
		}
		a.logger.Error("refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	a.logger.Debug("refresh", "email", tokens.Identity.Email, "rotated", tokens.RefreshToken != "")
	writeJSON(w, http.StatusOK, backend.RefreshResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
}

func (a *Authority) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req backend.RefreshRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	a.Revoke(req.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Authority) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetIdentityFromRequest(r))
}

func handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// Require rejects requests without a valid bearer access token.
func (a *Authority) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		identity, err := a.Verify(token)
		if err != nil {
			a.logger.Debug("access token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), identity)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < len("bearer ") || !strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[len("bearer "):])
	return token, token != ""
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

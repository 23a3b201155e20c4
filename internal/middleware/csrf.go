package middleware

import (
	"log/slog"
	"net/http"

	"github.com/DukeRupert/storefront/internal/csrf"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/handler"
)

// CSRFMiddleware enforces the double-submit token on unsafe requests.
//
// Safe methods (GET, HEAD, OPTIONS) always pass, and are where a visitor
// without a token cookie is issued one, so anonymous cart calls through the
// gateway can carry it. Exempt paths pass too; the login endpoint is exempt
// because it rotates the token anyway.
type CSRFMiddleware struct {
	enabled  bool
	isSecure bool
	exempt   map[string]bool
	logger   *slog.Logger
}

// NewCSRFMiddleware creates the middleware. When enabled is false every
// request passes and no cookie is issued.
func NewCSRFMiddleware(enabled, isSecure bool, logger *slog.Logger, exemptPaths ...string) *CSRFMiddleware {
	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = true
	}
	return &CSRFMiddleware{
		enabled:  enabled,
		isSecure: isSecure,
		exempt:   exempt,
		logger:   logger,
	}
}

// Protect returns middleware that rejects unsafe requests whose token does
// not match the cookie with 403.
func (m *CSRFMiddleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || m.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if isSafeMethod(r.Method) {
			csrf.EnsureToken(w, r, m.isSecure)
			next.ServeHTTP(w, r)
			return
		}

		if !csrf.ValidateRequest(r) {
			m.logger.Warn("csrf validation failed",
				"path", r.URL.Path,
				"method", r.Method,
				"has_cookie", csrf.GetTokenFromRequest(r) != "",
			)
			handler.ErrorResponse(w, r, m.logger, domain.Forbidden("csrf.protect", "Invalid or missing CSRF token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

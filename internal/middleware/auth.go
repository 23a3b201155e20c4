// Package middleware contains HTTP middleware for the storefront relay.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/handler"
	"github.com/DukeRupert/storefront/internal/session"
)

// =============================================================================
// Configuration Constants
// =============================================================================

const (
	// DefaultAdminPrefix is the protected administrative area.
	DefaultAdminPrefix = "/admin"

	// DefaultAdminLoginPath is the one page under the prefix that stays public.
	DefaultAdminLoginPath = "/admin/login"

	// ReturnToParam carries the originally requested page to the login page.
	ReturnToParam = "return_to"
)

// =============================================================================
// Protected Route Classification
// =============================================================================

// ProtectedRoutes is a pure predicate over request paths: anything under
// Prefix except LoginPath is protected.
type ProtectedRoutes struct {
	Prefix    string
	LoginPath string
}

// DefaultProtectedRoutes returns the administrative area classification.
func DefaultProtectedRoutes() ProtectedRoutes {
	return ProtectedRoutes{
		Prefix:    DefaultAdminPrefix,
		LoginPath: DefaultAdminLoginPath,
	}
}

// Match reports whether path is protected.
//
// "/admin" and "/admin/orders" match; "/admin/login" and "/administrator" do not.
func (p ProtectedRoutes) Match(path string) bool {
	if path == p.LoginPath || path == p.LoginPath+"/" {
		return false
	}
	return path == p.Prefix || strings.HasPrefix(path, p.Prefix+"/")
}

// =============================================================================
// RouteGuard Middleware
// =============================================================================

// RouteGuard blocks navigation to protected pages when no session is present.
//
// It checks the presence of the access cookie only, never its validity. An
// expired but present cookie passes; the gateway's 401 and refresh handling
// enforces validity when the page fetches data. This keeps the guard free of
// network round trips.
type RouteGuard struct {
	routes ProtectedRoutes
	logger *slog.Logger
}

// NewRouteGuard creates a new RouteGuard.
func NewRouteGuard(routes ProtectedRoutes, logger *slog.Logger) *RouteGuard {
	return &RouteGuard{
		routes: routes,
		logger: logger,
	}
}

// Require is middleware that redirects to the login page when a protected
// path is requested without an access cookie.
//
// Flow:
//
//	Request -> Require -> Handler
//	           |
//	           +-> Unprotected path: call next handler
//	           +-> Access cookie present: call next handler
//	           +-> Otherwise: 303 to login?return_to=<path> (401 JSON for API requests)
func (g *RouteGuard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.routes.Match(r.URL.Path) || session.HasAccessCookie(r) {
			next.ServeHTTP(w, r)
			return
		}

		g.logger.Debug("route guard redirect", "path", r.URL.Path)

		if isAPIRequest(r) {
			handler.ErrorResponse(w, r, g.logger, domain.Unauthorized("guard.require", "Authentication required"))
			return
		}

		http.Redirect(w, r, g.LoginURL(r), http.StatusSeeOther)
	})
}

// LoginURL builds the login page URL with the requested page as return_to.
func (g *RouteGuard) LoginURL(r *http.Request) string {
	returnTo := r.URL.Path
	if r.URL.RawQuery != "" {
		returnTo += "?" + r.URL.RawQuery
	}
	return g.routes.LoginPath + "?" + url.Values{ReturnToParam: {returnTo}}.Encode()
}

// =============================================================================
// Request Helpers
// =============================================================================

// isAPIRequest determines if the request expects a JSON response.
//
// This is used to decide whether to redirect (pages) or return JSON errors (API).
func isAPIRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(requestID, loggingMw.Handler, guard.Require)
//	mux.Handle("GET /admin/", stack(adminPages))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var _ func(http.Handler) http.Handler = (&RouteGuard{}).Require

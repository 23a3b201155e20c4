package middleware

import (
	"net/http"
	"strings"
)

// storefrontCSP keeps the browser on the storefront's own origin. Product
// data and session calls go through the gateway, so nothing needs to connect
// to the backend directly. Product images may come from any HTTPS CDN.
var storefrontCSP = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self'",
	"style-src 'self' 'unsafe-inline'",
	"img-src 'self' data: https:",
	"font-src 'self'",
	"connect-src 'self'",
	"frame-ancestors 'none'",
	"base-uri 'self'",
	"form-action 'self'",
}, "; ")

// SecurityHeadersMiddleware adds browser hardening headers to every response
// and marks relay responses as uncacheable.
type SecurityHeadersMiddleware struct {
	headers map[string]string
}

// NewSecurityHeadersMiddleware creates the middleware. HSTS is only sent when
// isSecure is set, since it would pin plain-HTTP development hosts to HTTPS.
func NewSecurityHeadersMiddleware(isSecure bool) *SecurityHeadersMiddleware {
	headers := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": storefrontCSP,
		"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
	}
	if isSecure {
		headers["Strict-Transport-Security"] = "max-age=31536000; includeSubDomains"
	}
	return &SecurityHeadersMiddleware{headers: headers}
}

// Handler returns middleware that sets the headers before the wrapped handler
// runs.
//
// Responses under /api/ start out as no-store. They carry session state or
// per-shopper backend data. The gateway replaces the value when the backend
// sends its own Cache-Control.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range m.headers {
			h.Set(name, value)
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}

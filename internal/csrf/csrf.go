// Package csrf provides CSRF protection using the double-submit cookie pattern.
//
// The double-submit cookie pattern works by:
// 1. Setting a random token in a cookie that page script can read
// 2. Having the page echo that token in the X-CSRF-Token header on unsafe calls
// 3. Comparing the cookie value with the header value on the server
//
// This is secure because:
// - Attackers can make the browser send cookies with cross-origin requests
// - But attackers cannot read cookies for our domain (same-origin policy)
// - So they cannot put the correct token in the header
//
// The session cookies themselves stay HttpOnly; only this token is readable.
package csrf

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"net/url"
)

// =============================================================================
// Configuration Constants
// =============================================================================

const (
	// CookieName is the name of the CSRF token cookie.
	CookieName = "csrf_token"

	// HeaderName carries the token on script-initiated requests.
	HeaderName = "X-CSRF-Token"

	// FormFieldName is accepted as a fallback for plain form posts.
	FormFieldName = "csrf_token"

	// TokenLength is the number of random bytes for the token (32 bytes = 256 bits).
	TokenLength = 32

	// CookieMaxAge matches the refresh credential lifetime so the token
	// outlives access-credential rotation (7 days).
	CookieMaxAge = 7 * 24 * 60 * 60

	// maxFormBytes bounds how much of a form body is scanned for the token.
	maxFormBytes = 1 << 20
)

// =============================================================================
// Token Generation
// =============================================================================

// GenerateToken generates a cryptographically secure random token.
//
// The token is 32 bytes of random data, base64 URL-encoded.
// This produces a 44-character string.
func GenerateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// MustGenerateToken generates a token or panics.
func MustGenerateToken() string {
	token, err := GenerateToken()
	if err != nil {
		panic("csrf: failed to generate token: " + err.Error())
	}
	return token
}

// =============================================================================
// Token Validation
// =============================================================================

// ValidateToken compares the cookie token with the submitted token.
//
// Uses constant-time comparison to prevent timing attacks.
func ValidateToken(cookieToken, submitted string) bool {
	if cookieToken == "" || submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(submitted)) == 1
}

// SubmittedToken returns the token the caller echoed back: the X-CSRF-Token
// header, or the csrf_token form field for urlencoded form posts.
//
// Only urlencoded bodies are scanned, and r.Body is restored afterwards so a
// downstream handler (the gateway) still reads the complete body.
func SubmittedToken(r *http.Request) string {
	if token := r.Header.Get(HeaderName); token != "" {
		return token
	}
	if r.Body == nil || !isURLEncodedForm(r) {
		return ""
	}

	original := r.Body
	buf, err := io.ReadAll(io.LimitReader(original, maxFormBytes+1))
	r.Body = readCloser{io.MultiReader(bytes.NewReader(buf), original), original}
	if err != nil || len(buf) > maxFormBytes {
		return ""
	}

	values, err := url.ParseQuery(string(buf))
	if err != nil {
		return ""
	}
	return values.Get(FormFieldName)
}

func isURLEncodedForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// readCloser replays a buffered prefix and closes the original body.
type readCloser struct {
	io.Reader
	io.Closer
}

// ValidateRequest validates the CSRF token from a request.
func ValidateRequest(r *http.Request) bool {
	return ValidateToken(GetTokenFromRequest(r), SubmittedToken(r))
}

// =============================================================================
// Cookie Management
// =============================================================================

// SetCookie sets the CSRF token cookie on the response.
//
// Cookie settings:
// - HttpOnly: false - page script must read it to fill the header
// - Secure: configurable - true in production (HTTPS only)
// - SameSite: Strict
// - Path: / - Available on all routes
func SetCookie(w http.ResponseWriter, token string, isSecure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   CookieMaxAge,
		HttpOnly: false,
		Secure:   isSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookie expires the CSRF cookie.
func ClearCookie(w http.ResponseWriter, isSecure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: false,
		Secure:   isSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// GetTokenFromRequest retrieves the CSRF token from the request cookie.
// Returns empty string if cookie doesn't exist.
func GetTokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// =============================================================================
// Handler Helpers
// =============================================================================

// EnsureToken returns the request's CSRF token, issuing a new cookie when
// none exists.
func EnsureToken(w http.ResponseWriter, r *http.Request, isSecure bool) string {
	if existing := GetTokenFromRequest(r); existing != "" {
		return existing
	}
	return RefreshToken(w, isSecure)
}

// RefreshToken generates a new CSRF token and sets it in the response cookie.
// The login handler calls this so every new session gets a fresh token.
func RefreshToken(w http.ResponseWriter, isSecure bool) string {
	token, err := GenerateToken()
	if err != nil {
		token = MustGenerateToken()
	}
	SetCookie(w, token, isSecure)
	return token
}

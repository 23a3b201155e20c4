package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/DukeRupert/storefront/internal/domain"
)

// =============================================================================
// HttpOnly Cookie Store
// =============================================================================

// CookieStore is the server-side credential store. It is bound to a single
// request/response pair: reads come from the request cookies, writes go to
// the response as Set-Cookie headers.
//
// Cookie Settings:
// - HttpOnly: true - page script can never read either token
// - Secure: configurable - set true in production (HTTPS only)
// - SameSite: Lax - prevents CSRF while allowing normal navigation
// - Path: / - cookies sent with all requests
// - MaxAge: 1 hour (access), 7 days (refresh)
//
// Writes made earlier in the same request are visible to later Get calls,
// and a later write replaces any Set-Cookie line an earlier write added for
// the same cookie, so the browser only ever sees the final value.
type CookieStore struct {
	w        http.ResponseWriter
	r        *http.Request
	isSecure bool

	written bool
	current *domain.Session
}

// NewCookieStore binds a cookie store to a request/response pair.
func NewCookieStore(w http.ResponseWriter, r *http.Request, isSecure bool) *CookieStore {
	return &CookieStore{
		w:        w,
		r:        r,
		isSecure: isSecure,
	}
}

// Get returns the session carried by the request, or the last value written
// through this store.
func (s *CookieStore) Get(ctx context.Context) (*domain.Session, error) {
	if s.written {
		if s.current == nil {
			return nil, nil
		}
		sess := *s.current
		return &sess, nil
	}

	sess := domain.Session{
		AccessToken:  cookieValue(s.r, AccessCookieName),
		RefreshToken: cookieValue(s.r, RefreshCookieName),
	}
	if sess.AccessToken == "" && sess.RefreshToken == "" {
		return nil, nil
	}
	return &sess, nil
}

// Set writes both cookies. An empty field deletes the matching cookie.
func (s *CookieStore) Set(ctx context.Context, sess domain.Session) error {
	if sess.AccessToken != "" {
		s.writeCookie(AccessCookieName, sess.AccessToken, AccessCookieMaxAge)
	} else {
		s.writeCookie(AccessCookieName, "", -1)
	}
	if sess.RefreshToken != "" {
		s.writeCookie(RefreshCookieName, sess.RefreshToken, RefreshCookieMaxAge)
	} else {
		s.writeCookie(RefreshCookieName, "", -1)
	}

	s.written = true
	s.current = &sess
	return nil
}

// Clear deletes both cookies.
func (s *CookieStore) Clear(ctx context.Context) error {
	s.writeCookie(AccessCookieName, "", -1)
	s.writeCookie(RefreshCookieName, "", -1)

	s.written = true
	s.current = nil
	return nil
}

// writeCookie replaces any pending Set-Cookie line for name and appends the
// new one.
func (s *CookieStore) writeCookie(name, value string, maxAge int) {
	header := s.w.Header()
	if lines := header.Values("Set-Cookie"); len(lines) > 0 {
		kept := lines[:0:0]
		for _, line := range lines {
			if !strings.HasPrefix(line, name+"=") {
				kept = append(kept, line)
			}
		}
		header.Del("Set-Cookie")
		for _, line := range kept {
			header.Add("Set-Cookie", line)
		}
	}

	http.SetCookie(s.w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     CookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.isSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// =============================================================================
// Request Helpers
// =============================================================================

// HasAccessCookie reports whether the request carries a non-empty access
// cookie. It checks presence only, never validity.
func HasAccessCookie(r *http.Request) bool {
	return cookieValue(r, AccessCookieName) != ""
}

func cookieValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

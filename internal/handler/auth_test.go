package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/csrf"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/session"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// mockAuthority implements the Authority interface for testing.
type mockAuthority struct {
	LoginFunc  func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error)
	LogoutFunc func(ctx context.Context, sess domain.Session) error
}

func (m *mockAuthority) Login(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, creds)
	}
	return nil, errors.New("LoginFunc not implemented")
}

func (m *mockAuthority) Logout(ctx context.Context, sess domain.Session) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, sess)
	}
	return nil
}

// mockLimiter records limiter callbacks.
type mockLimiter struct {
	failures int
	resets   int
}

func (m *mockLimiter) RecordFailedLogin(r *http.Request) { m.failures++ }
func (m *mockLimiter) ResetLogin(r *http.Request)        { m.resets++ }

// =============================================================================
// Test Helpers
// =============================================================================

// newTestLogger creates a logger that only shows errors in tests.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestAuthHandler(mock *mockAuthority, limiter LoginLimiter) *AuthHandler {
	return NewAuthHandler(mock, limiter, newTestLogger(), true, false)
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func loginRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// =============================================================================
// Login Tests
// =============================================================================

func TestLogin_SetsBothCookiesAndReturnsIdentity(t *testing.T) {
	var gotCreds domain.Credentials
	mock := &mockAuthority{
		LoginFunc: func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
			gotCreds = creds
			return &backend.LoginResult{
				Session:  domain.Session{AccessToken: "A1", RefreshToken: "R1"},
				Identity: domain.Identity{Email: "a@b.com", Type: "customer"},
			}, nil
		},
	}
	limiter := &mockLimiter{}
	handler := newTestAuthHandler(mock, limiter)

	rec := httptest.NewRecorder()
	handler.Login(rec, loginRequest(`{"identifier":"a@b.com","secret":"x"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if gotCreds.Identifier != "a@b.com" || gotCreds.Secret != "x" {
		t.Errorf("authority got %+v", gotCreds)
	}

	var identity domain.Identity
	if err := json.NewDecoder(rec.Body).Decode(&identity); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if identity.Email != "a@b.com" || identity.Type != "customer" {
		t.Errorf("identity = %+v, want email a@b.com type customer", identity)
	}
	if strings.Contains(rec.Body.String(), "A1") || strings.Contains(rec.Body.String(), "R1") {
		t.Errorf("response body leaks a token: %s", rec.Body.String())
	}

	tests := []struct {
		name   string
		value  string
		maxAge int
	}{
		{session.AccessCookieName, "A1", session.AccessCookieMaxAge},
		{session.RefreshCookieName, "R1", session.RefreshCookieMaxAge},
	}
	for _, tt := range tests {
		cookie := findCookie(rec, tt.name)
		if cookie == nil {
			t.Fatalf("cookie %s not set", tt.name)
		}
		if cookie.Value != tt.value {
			t.Errorf("%s = %q, want %q", tt.name, cookie.Value, tt.value)
		}
		if cookie.MaxAge != tt.maxAge {
			t.Errorf("%s MaxAge = %d, want %d", tt.name, cookie.MaxAge, tt.maxAge)
		}
		if !cookie.HttpOnly {
			t.Errorf("%s must be HttpOnly", tt.name)
		}
		if !cookie.Secure {
			t.Errorf("%s must be Secure in production", tt.name)
		}
		if cookie.SameSite != http.SameSiteLaxMode {
			t.Errorf("%s SameSite = %v, want Lax", tt.name, cookie.SameSite)
		}
		if cookie.Path != "/" {
			t.Errorf("%s Path = %q, want /", tt.name, cookie.Path)
		}
	}

	if limiter.resets != 1 {
		t.Errorf("limiter resets = %d, want 1", limiter.resets)
	}
}

func TestLogin_ForwardsIdentifierCaseUnchanged(t *testing.T) {
	var gotCreds domain.Credentials
	mock := &mockAuthority{
		LoginFunc: func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
			gotCreds = creds
			return &backend.LoginResult{Session: domain.Session{AccessToken: "A1", RefreshToken: "R1"}}, nil
		},
	}

	rec := httptest.NewRecorder()
	newTestAuthHandler(mock, nil).Login(rec, loginRequest(`{"identifier":"  J.Doe@Shop.Example ","secret":"x"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotCreds.Identifier != "J.Doe@Shop.Example" {
		t.Errorf("identifier = %q, want it trimmed but not case-folded", gotCreds.Identifier)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	mock := &mockAuthority{
		LoginFunc: func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
			return nil, domain.Unauthorized("backend.login", "Invalid credentials")
		},
	}
	limiter := &mockLimiter{}
	handler := newTestAuthHandler(mock, limiter)

	rec := httptest.NewRecorder()
	handler.Login(rec, loginRequest(`{"identifier":"a@b.com","secret":"wrong"}`))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rec.Body.String(), "Invalid credentials") {
		t.Errorf("body = %s, want Invalid credentials", rec.Body.String())
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Errorf("no cookies should be set on failure, got %v", rec.Result().Cookies())
	}
	if limiter.failures != 1 {
		t.Errorf("limiter failures = %d, want 1", limiter.failures)
	}
}

func TestLogin_BackendUnavailable(t *testing.T) {
	mock := &mockAuthority{
		LoginFunc: func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
			return nil, domain.Unavailable(errors.New("connection refused"), "backend.login", "Login failed. Please try again later.")
		},
	}
	limiter := &mockLimiter{}
	handler := newTestAuthHandler(mock, limiter)

	rec := httptest.NewRecorder()
	handler.Login(rec, loginRequest(`{"identifier":"a@b.com","secret":"x"}`))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "try again later") {
		t.Errorf("body = %s, want generic retry message", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body exposes transport error: %s", rec.Body.String())
	}
	if limiter.failures != 0 {
		t.Errorf("an outage must not count against the login limit")
	}
}

func TestLogin_MalformedInputMakesNoCall(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `identifier=a@b.com`},
		{"empty body", ``},
		{"missing secret", `{"identifier":"a@b.com"}`},
		{"missing identifier", `{"secret":"x"}`},
		{"blank identifier", `{"identifier":"   ","secret":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			mock := &mockAuthority{
				LoginFunc: func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
					called = true
					return nil, nil
				},
			}
			handler := newTestAuthHandler(mock, &mockLimiter{})

			rec := httptest.NewRecorder()
			handler.Login(rec, loginRequest(tt.body))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status code = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if called {
				t.Error("authority must not be called for malformed input")
			}
		})
	}
}

func TestLogin_IssuesCSRFCookieWhenEnabled(t *testing.T) {
	mock := &mockAuthority{
		LoginFunc: func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
			return &backend.LoginResult{Session: domain.Session{AccessToken: "A1", RefreshToken: "R1"}}, nil
		},
	}
	handler := NewAuthHandler(mock, nil, newTestLogger(), false, true)

	rec := httptest.NewRecorder()
	handler.Login(rec, loginRequest(`{"identifier":"a@b.com","secret":"x"}`))

	cookie := findCookie(rec, csrf.CookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("csrf cookie not issued on login")
	}
	if cookie.HttpOnly {
		t.Error("csrf cookie must be readable by page script")
	}
}

// =============================================================================
// Logout Tests
// =============================================================================

func TestLogout_NotifiesAuthorityAndClearsCookies(t *testing.T) {
	var notified *domain.Session
	mock := &mockAuthority{
		LogoutFunc: func(ctx context.Context, sess domain.Session) error {
			notified = &sess
			return nil
		},
	}
	handler := newTestAuthHandler(mock, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: "A1"})
	req.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: "R1"})
	rec := httptest.NewRecorder()

	handler.Logout(rec, req)

	if notified == nil {
		t.Fatal("authority was not notified")
	}
	if notified.RefreshToken != "R1" || notified.AccessToken != "A1" {
		t.Errorf("notified with %+v", *notified)
	}
	assertLoggedOut(t, rec)
}

func TestLogout_AuthorityFailureStillClears(t *testing.T) {
	mock := &mockAuthority{
		LogoutFunc: func(ctx context.Context, sess domain.Session) error {
			return domain.Unavailable(errors.New("timeout"), "backend.logout", "Logout notification failed")
		},
	}
	handler := newTestAuthHandler(mock, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: "R1"})
	rec := httptest.NewRecorder()

	handler.Logout(rec, req)

	assertLoggedOut(t, rec)
}

func TestLogout_AuthorityPanicStillClears(t *testing.T) {
	mock := &mockAuthority{
		LogoutFunc: func(ctx context.Context, sess domain.Session) error {
			panic("transport exploded")
		},
	}
	handler := newTestAuthHandler(mock, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: "R1"})
	rec := httptest.NewRecorder()

	handler.Logout(rec, req)

	assertLoggedOut(t, rec)
}

func TestLogout_WithoutSessionIsIdempotent(t *testing.T) {
	called := false
	mock := &mockAuthority{
		LogoutFunc: func(ctx context.Context, sess domain.Session) error {
			called = true
			return nil
		},
	}
	handler := newTestAuthHandler(mock, nil)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.Logout(rec, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
		assertLoggedOut(t, rec)
	}

	if called {
		t.Error("authority should not be notified without a refresh credential")
	}
}

// assertLoggedOut checks the 200 {"success":true} body and that both session
// cookies are deletions.
func assertLoggedOut(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body["success"] {
		t.Errorf("body = %v, want success true", body)
	}

	for _, name := range []string{session.AccessCookieName, session.RefreshCookieName} {
		cookie := findCookie(rec, name)
		if cookie == nil {
			t.Fatalf("cookie %s not cleared", name)
		}
		if cookie.Value != "" || cookie.MaxAge != -1 {
			t.Errorf("%s = %q MaxAge %d, want deletion", name, cookie.Value, cookie.MaxAge)
		}
	}
}

// =============================================================================
// Route Registration
// =============================================================================

func TestRegisterRoutes(t *testing.T) {
	mock := &mockAuthority{
		LoginFunc: func(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error) {
			return &backend.LoginResult{Session: domain.Session{AccessToken: "A1"}}, nil
		},
	}
	handler := newTestAuthHandler(mock, nil)

	wrapped := false
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = true
			next.ServeHTTP(w, r)
		})
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, loginRequest(`{"identifier":"a@b.com","secret":"x"}`))
	if rec.Code != http.StatusOK {
		t.Errorf("login status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !wrapped {
		t.Error("login was not wrapped by the rate limiter")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/login", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET login status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

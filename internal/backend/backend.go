// Package backend is the HTTP client for the backend authority: the service
// that owns identities and issues access and refresh credentials.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/metrics"
	"github.com/DukeRupert/storefront/internal/requestid"
)

const (
	// LoginPath is the authority endpoint that exchanges identity credentials
	// for a session.
	LoginPath = "/auth/login"

	// LogoutPath is the authority endpoint that invalidates a refresh credential.
	LogoutPath = "/auth/logout"

	// RefreshPath is the authority endpoint that mints a new access credential.
	RefreshPath = "/auth/refresh"

	// DefaultTimeout bounds each call when no http.Client is supplied.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps the auth responses we are willing to decode.
	maxResponseBytes = 1 << 20
)

// Config contains configuration for the authority client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the backend authority. It is safe for concurrent use and
// holds no session state of its own.
type Client struct {
	baseURL *url.URL
	client  *http.Client
	logger  *slog.Logger
}

// New creates an authority client.
func New(config Config, logger *slog.Logger) (*Client, error) {
	base, err := ParseBaseURL(config.BaseURL)
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Client{
		baseURL: base,
		client:  httpClient,
		logger:  logger,
	}, nil
}

// ParseBaseURL validates an authority origin. Trailing slashes are dropped so
// paths can be appended directly.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url must include a host, got %q", raw)
	}
	return u, nil
}

// BaseURL returns the authority origin.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// HTTPClient returns the underlying HTTP client so that other call paths
// share its transport and timeout.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// =============================================================================
// Wire Types
// =============================================================================

// LoginResponse is the authority's login payload.
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Email        string `json:"email"`
	Type         string `json:"type"`
}

// RefreshRequest is the body sent to the refresh and logout endpoints.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is the authority's refresh payload. RefreshToken is empty
// when the authority keeps the current refresh credential valid.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LoginResult is a successful login.
type LoginResult struct {
	Session  domain.Session
	Identity domain.Identity
}

// =============================================================================
// Operations
// =============================================================================

// Login exchanges identity credentials for a session.
//
// Errors:
// - EINVALID: credentials are missing a field (no network call is made)
// - EUNAUTHORIZED: the authority rejected the credentials (400, 401, 403)
// - EUNAVAILABLE: transport failure, 5xx, or an unusable response
func (c *Client) Login(ctx context.Context, creds domain.Credentials) (*LoginResult, error) {
	const op = "backend.login"

	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	resp, err := c.postJSON(ctx, LoginPath, creds, "")
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("unavailable").Inc()
		return nil, domain.Unavailable(err, op, "Login failed. Please try again later.")
	}
	defer drain(resp)

	switch {
	case isCredentialRejection(resp.StatusCode):
		metrics.LoginAttempts.WithLabelValues("rejected").Inc()
		return nil, domain.Unauthorized(op, "Invalid credentials")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.LoginAttempts.WithLabelValues("unavailable").Inc()
		return nil, domain.Unavailable(
			fmt.Errorf("authority returned %d", resp.StatusCode),
			op, "Login failed. Please try again later.",
		)
	}

	var body LoginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		metrics.LoginAttempts.WithLabelValues("unavailable").Inc()
		return nil, domain.Unavailable(err, op, "Login failed. Please try again later.")
	}
	if body.AccessToken == "" {
		metrics.LoginAttempts.WithLabelValues("unavailable").Inc()
		return nil, domain.Unavailable(
			fmt.Errorf("authority response missing access token"),
			op, "Login failed. Please try again later.",
		)
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	return &LoginResult{
		Session: domain.Session{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
		},
		Identity: domain.Identity{
			Email: body.Email,
			Type:  body.Type,
		},
	}, nil
}

// Logout notifies the authority that a refresh credential is no longer in
// use. Callers treat every error as best effort.
func (c *Client) Logout(ctx context.Context, sess domain.Session) error {
	const op = "backend.logout"

	resp, err := c.postJSON(ctx, LogoutPath, RefreshRequest{RefreshToken: sess.RefreshToken}, sess.AccessToken)
	if err != nil {
		return domain.Unavailable(err, op, "Logout notification failed")
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Unavailable(
			fmt.Errorf("authority returned %d", resp.StatusCode),
			op, "Logout notification failed",
		)
	}
	return nil
}

// Refresh exchanges a refresh credential for a new access credential.
//
// Errors:
// - ESESSIONEXPIRED: the authority rejected the refresh credential (any 4xx)
//   or answered without an access credential. This is terminal.
// - EUNAVAILABLE: transport failure or 5xx. The session may still be valid.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	const op = "backend.refresh"

	if refreshToken == "" {
		return nil, domain.SessionExpired(op)
	}

	resp, err := c.postJSON(ctx, RefreshPath, RefreshRequest{RefreshToken: refreshToken}, "")
	if err != nil {
		return nil, domain.Unavailable(err, op, "Backend unavailable")
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, domain.SessionExpired(op)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, domain.Unavailable(
			fmt.Errorf("authority returned %d", resp.StatusCode),
			op, "Backend unavailable",
		)
	}

	var body RefreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, domain.Unavailable(err, op, "Backend unavailable")
	}
	if body.AccessToken == "" {
		return nil, domain.SessionExpired(op)
	}
	return &body, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) postJSON(ctx context.Context, path string, payload any, accessToken string) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ObserveUpstream(path, resp, err, time.Since(start))
	if err != nil {
		c.logger.Warn("authority call failed", "path", path, "error", err)
		return nil, err
	}
	c.logger.Debug("authority call", "path", path, "status", resp.StatusCode)
	return resp, nil
}

// isCredentialRejection reports whether a login status means the identity
// credentials themselves were refused.
func isCredentialRejection(status int) bool {
	return status == http.StatusBadRequest ||
		status == http.StatusUnauthorized ||
		status == http.StatusForbidden
}

// drain discards the rest of a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}

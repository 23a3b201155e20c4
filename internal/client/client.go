// Package client is the client call interceptor: a direct caller of the
// backend that keeps its session in a script-readable store instead of
// HttpOnly cookies.
//
// It shares relay.Retrier with the gateway, so attach, refresh and retry
// behave identically on both call paths. Browser-originated calls should
// prefer the gateway; see session.ScriptReadableStore for the trust trade-off.
package client

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

	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/metrics"
	"github.com/DukeRupert/storefront/internal/relay"
	"github.com/DukeRupert/storefront/internal/requestid"
	"github.com/DukeRupert/storefront/internal/session"
)

// CallerName labels this call path in logs and metrics.
const CallerName = "client"

// maxErrorBodyBytes caps how much of a failed response is kept for the error.
const maxErrorBodyBytes = 4 << 10

// Authority is the subset of the backend authority client the interceptor
// needs. *backend.Client satisfies it.
type Authority interface {
	relay.Refresher
	Login(ctx context.Context, creds domain.Credentials) (*backend.LoginResult, error)
	Logout(ctx context.Context, sess domain.Session) error
}

// Config contains configuration for the interceptor.
type Config struct {
	// BaseURL is the backend origin calls are resolved against.
	BaseURL *url.URL

	// HTTPClient issues the calls. Its timeout bounds every attempt.
	HTTPClient *http.Client

	// Store holds the session, normally a ScriptReadableStore.
	Store session.Store

	// OnSessionExpired runs after a terminal failure has cleared the store.
	// Interactive callers use it to send the user back to the entry point.
	OnSessionExpired func(ctx context.Context)
}

// Client is the client call interceptor. It is safe for concurrent use as
// long as its Store is.
type Client struct {
	baseURL          *url.URL
	httpClient       *http.Client
	store            session.Store
	authority        Authority
	retrier          *relay.Retrier
	onSessionExpired func(ctx context.Context)
	logger           *slog.Logger
}

// New creates an interceptor.
func New(config Config, authority Authority, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == nil {
		return nil, fmt.Errorf("client: base url is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("client: store is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: backend.DefaultTimeout}
	}

	return &Client{
		baseURL:          config.BaseURL,
		httpClient:       httpClient,
		store:            config.Store,
		authority:        authority,
		retrier:          relay.NewRetrier(authority, CallerName, logger),
		onSessionExpired: config.OnSessionExpired,
		logger:           logger,
	}, nil
}

// =============================================================================
// Session Operations
// =============================================================================

// Login exchanges identity credentials for a session and stores it.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) (*domain.Identity, error) {
	const op = "client.login"

	result, err := c.authority.Login(ctx, creds)
	if err != nil {
		return nil, err
	}

	if err := c.store.Set(ctx, result.Session); err != nil {
		return nil, domain.Internal(err, op, "write session")
	}

	c.logger.Info("client logged in", "email", result.Identity.Email, "has_refresh", result.Session.HasRefresh())
	return &result.Identity, nil
}

// Logout notifies the authority (best effort) and always clears the store.
// Only a failure to clear is returned.
func (c *Client) Logout(ctx context.Context) error {
	const op = "client.logout"

	sess, err := c.store.Get(ctx)
	if err != nil {
		c.logger.Warn("failed to read session on logout", "error", err)
	}

	if sess.HasRefresh() {
		c.notifyLogout(ctx, *sess)
	}

	if err := c.store.Clear(ctx); err != nil {
		return domain.Internal(err, op, "clear session")
	}
	return nil
}

func (c *Client) notifyLogout(ctx context.Context, sess domain.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic during logout notification", "panic", rec)
		}
	}()

	if err := c.authority.Logout(ctx, sess); err != nil {
		c.logger.Warn("failed to notify authority of logout", "error", err)
	}
}

// =============================================================================
// Calls
// =============================================================================

// Do issues one backend call with the stored access credential, refreshing
// and retrying once on a 401.
//
// path is resolved against the base URL and may carry a query string. body
// is never sent for GET or HEAD. The caller owns the returned body.
//
// A terminal failure clears the store, runs OnSessionExpired and returns
// ESESSIONEXPIRED.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	const op = "client.do"

	target, endpoint, err := c.resolve(path)
	if err != nil {
		return nil, domain.Invalid(op, "Invalid request path")
	}

	if method == http.MethodGet || method == http.MethodHead {
		body = nil
	}

	send := func(ctx context.Context, accessToken string) (*http.Response, error) {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return nil, domain.Internal(err, op, "build request")
		}
		if body != nil && contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		if id := requestid.FromContext(ctx); id != "" {
			req.Header.Set(requestid.Header, id)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		metrics.ObserveUpstream(endpoint, resp, err, time.Since(start))
		return resp, err
	}

	resp, err := c.retrier.Do(ctx, c.store, send)
	if err != nil {
		if domain.IsSessionExpired(err) && c.onSessionExpired != nil {
			c.onSessionExpired(ctx)
		}
		return nil, err
	}
	return resp, nil
}

// GetJSON issues a GET and decodes a 2xx JSON body into out (which may be nil).
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// SendJSON encodes in as the request body, issues the call and decodes a 2xx
// JSON body into out (which may be nil).
func (c *Client) SendJSON(ctx context.Context, method, path string, in, out any) error {
	const op = "client.send_json"

	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return domain.Invalid(op, "Request body could not be encoded")
		}
		body = data
	}

	resp, err := c.Do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// resolve joins path onto the base URL. It returns the absolute target and
// the bare path used as the metrics endpoint label.
func (c *Client) resolve(path string) (string, string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", "", err
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", "", fmt.Errorf("path %q must be relative", path)
	}

	endpoint := "/" + strings.TrimLeft(ref.EscapedPath(), "/")

	u := *c.baseURL
	u.RawPath = ""
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), endpoint, nil
}

// decodeResponse maps non-2xx statuses to domain errors and decodes JSON.
func decodeResponse(resp *http.Response, out any) error {
	const op = "client.decode"
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, op)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Unavailable(err, op, "Backend returned an unreadable response")
	}
	return nil
}

// statusError converts a backend status into the matching error code. The
// start of the body is kept on the wrapped error for logs only.
func statusError(resp *http.Response, op string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	cause := fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))

	var code string
	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		code = domain.EINVALID
	case resp.StatusCode == http.StatusForbidden:
		code = domain.EFORBIDDEN
	case resp.StatusCode == http.StatusNotFound:
		code = domain.ENOTFOUND
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		code = domain.ETOOLARGE
	case resp.StatusCode == http.StatusTooManyRequests:
		code = domain.ERATELIMIT
	case resp.StatusCode >= 500:
		code = domain.EUNAVAILABLE
	default:
		code = domain.EINTERNAL
	}

	return domain.Wrap(cause, code, op, http.StatusText(resp.StatusCode))
}

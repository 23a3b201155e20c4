// Package gateway implements the forwarding gateway: a single path prefix
// that relays arbitrary API calls to the backend authority, attaching the
// access credential from the HttpOnly cookies on the caller's behalf.
//
// Browser code never learns the backend's location and never sees a token.
// A 401 from the backend drives exactly one refresh negotiation and one retry
// through relay.Retrier; the rotated credentials are written back as cookies
// on the outgoing response.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/handler"
	"github.com/DukeRupert/storefront/internal/metrics"
	"github.com/DukeRupert/storefront/internal/relay"
	"github.com/DukeRupert/storefront/internal/requestid"
	"github.com/DukeRupert/storefront/internal/session"
)

const (
	// DefaultPrefix is the path prefix the gateway is mounted at.
	DefaultPrefix = "/api/proxy/"

	// DefaultMaxBodyBytes bounds buffered request bodies.
	DefaultMaxBodyBytes = 10 << 20
)

// forwardedRequestHeaders are copied from the incoming request. Everything
// else, cookies included, stays on this side of the gateway.
var forwardedRequestHeaders = []string{
	"Content-Type",
	"Accept",
}

// forwardedResponseHeaders are copied from the backend response.
// Set-Cookie is never forwarded: the browser's cookies belong to this origin.
// Location is handled separately by gatewayLocation.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"Content-Disposition",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

// Config contains configuration for the gateway.
type Config struct {
	// Prefix is stripped from the incoming path before forwarding.
	Prefix string

	// MaxBodyBytes bounds incoming request bodies. Bodies are buffered so the
	// call can be replayed after a refresh.
	MaxBodyBytes int64

	// IsSecure marks rotated cookies Secure (production).
	IsSecure bool
}

// Handler is the forwarding gateway.
type Handler struct {
	backendURL *url.URL
	client     *http.Client
	retrier    *relay.Retrier
	config     Config
	logger     *slog.Logger
}

// New creates a gateway that forwards to backendURL using client.
func New(backendURL *url.URL, client *http.Client, retrier *relay.Retrier, config Config, logger *slog.Logger) *Handler {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return &Handler{
		backendURL: backendURL,
		client:     client,
		retrier:    retrier,
		config:     config,
		logger:     logger,
	}
}

// RegisterRoutes mounts the gateway for every method under its prefix.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(h.config.Prefix, h)
}

// ServeHTTP relays one call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "gateway.forward"

	target := h.TargetURL(r)

	body, err := h.readBody(w, r)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	store := session.NewCookieStore(w, r, h.config.IsSecure)
	upstreamPath := "/" + strings.TrimPrefix(r.URL.Path, h.config.Prefix)

	send := func(ctx context.Context, accessToken string) (*http.Response, error) {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, target, reqBody)
		if err != nil {
			return nil, domain.Internal(err, op, "build upstream request")
		}
		for _, name := range forwardedRequestHeaders {
			if v := r.Header.Get(name); v != "" {
				req.Header.Set(name, v)
			}
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		if id := requestid.FromContext(ctx); id != "" {
			req.Header.Set(requestid.Header, id)
		}

		start := time.Now()
		resp, err := h.client.Do(req)
		metrics.ObserveUpstream(upstreamPath, resp, err, time.Since(start))
		return resp, err
	}

	resp, err := h.retrier.Do(r.Context(), store, send)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	defer resp.Body.Close()

	h.logger.Debug("gateway response",
		"method", r.Method,
		"path", upstreamPath,
		"status", resp.StatusCode,
	)

	h.copyResponse(w, resp, target)
}

// TargetURL reconstructs the backend URL for an incoming request: the
// gateway prefix is stripped and the raw query string is passed through
// unchanged.
func (h *Handler) TargetURL(r *http.Request) string {
	suffix := strings.TrimPrefix(r.URL.EscapedPath(), h.config.Prefix)
	suffix = strings.TrimPrefix(suffix, "/")

	target := h.backendURL.String() + "/" + suffix
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// readBody buffers the request body. GET and HEAD never carry a body
// upstream, whatever the client sent.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	const op = "gateway.read_body"

	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, domain.TooLarge(op, "Request body too large")
		}
		return nil, domain.Invalid(op, "Could not read request body")
	}
	return data, nil
}

// copyResponse writes the backend response verbatim. The body is streamed as
// opaque bytes and never parsed.
func (h *Handler) copyResponse(w http.ResponseWriter, resp *http.Response, target string) {
	for _, name := range forwardedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		if rewritten, ok := h.gatewayLocation(loc, target); ok {
			w.Header().Set("Location", rewritten)
		} else {
			h.logger.Warn("dropped backend redirect outside the gateway", "status", resp.StatusCode)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("failed to copy upstream response", "error", err)
	}
}

// gatewayLocation maps a backend Location onto the gateway prefix so the
// backend origin never reaches the browser. Locations on other origins pass
// through unchanged. Backend locations outside its base path have no gateway
// equivalent and are dropped.
func (h *Handler) gatewayLocation(location, target string) (string, bool) {
	base, err := url.Parse(target)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", false
	}

	abs := base.ResolveReference(ref)
	if abs.Scheme != h.backendURL.Scheme || !strings.EqualFold(abs.Host, h.backendURL.Host) {
		return location, true
	}

	path := abs.EscapedPath()
	if basePath := strings.TrimRight(h.backendURL.EscapedPath(), "/"); basePath != "" {
		if path != basePath && !strings.HasPrefix(path, basePath+"/") {
			return "", false
		}
		path = strings.TrimPrefix(path, basePath)
	}

	rewritten := strings.TrimRight(h.config.Prefix, "/") + "/" + strings.TrimPrefix(path, "/")
	if abs.RawQuery != "" {
		rewritten += "?" + abs.RawQuery
	}
	return rewritten, true
}

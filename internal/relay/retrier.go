package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/metrics"
	"github.com/DukeRupert/storefront/internal/session"
)

// SendFunc issues one call with the given access credential ("" means no
// Authorization header). It must build a fresh request on every invocation
// so the call can be replayed after a refresh.
type SendFunc func(ctx context.Context, accessToken string) (*http.Response, error)

// Retrier is the single with-refresh-retry operation. The gateway and the
// client interceptor both go through Do, parameterized only by their store.
type Retrier struct {
	negotiator *Negotiator
	caller     string
	logger     *slog.Logger
}

// NewRetrier creates a retrier for one call path.
func NewRetrier(refresher Refresher, caller string, logger *slog.Logger) *Retrier {
	return &Retrier{
		negotiator: NewNegotiator(refresher, caller, logger),
		caller:     caller,
		logger:     logger,
	}
}

// Do sends a call with the stored access credential and, on a 401, runs one
// refresh negotiation and one retry.
//
// Any response other than a final 401 is returned to the caller, who owns
// its body. Terminal outcomes clear the store:
// - 401 with no refresh credential stored
// - refresh rejected by the authority
// - 401 on the retried call
// and return ESESSIONEXPIRED. Transport failures return EUNAVAILABLE and
// leave the store untouched.
func (rt *Retrier) Do(ctx context.Context, store session.Store, send SendFunc) (*http.Response, error) {
	const op = "relay.do"

	current, err := store.Get(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "read session")
	}

	rt.logger.Debug("relay call",
		"caller", rt.caller,
		"has_access", current.HasAccess(),
		"has_refresh", current.HasRefresh(),
	)

	var accessToken string
	if current != nil {
		accessToken = current.AccessToken
	}

	resp, err := send(ctx, accessToken)
	if err != nil {
		return nil, sendError(err, op)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	if !current.HasRefresh() {
		return nil, rt.teardown(ctx, store, "no_refresh")
	}

	next, err := rt.negotiator.Negotiate(ctx, *current)
	if err != nil {
		if domain.IsSessionExpired(err) {
			return nil, rt.teardown(ctx, store, "refresh_rejected")
		}
		return nil, err
	}

	if err := store.Set(ctx, next); err != nil {
		return nil, domain.Internal(err, op, "write session")
	}

	metrics.RelayRetries.WithLabelValues(rt.caller).Inc()
	resp, err = send(ctx, next.AccessToken)
	if err != nil {
		return nil, sendError(err, op)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, rt.teardown(ctx, store, "retry_rejected")
	}
	return resp, nil
}

// teardown clears the store after a terminal failure and returns the
// session-expired error for the caller to surface.
func (rt *Retrier) teardown(ctx context.Context, store session.Store, reason string) error {
	const op = "relay.teardown"

	metrics.SessionTeardowns.WithLabelValues(rt.caller, reason).Inc()
	rt.logger.Info("session expired", "caller", rt.caller, "reason", reason)

	if err := store.Clear(ctx); err != nil {
		rt.logger.Error("failed to clear session", "caller", rt.caller, "error", err)
	}
	return domain.SessionExpired(op)
}

// sendError keeps domain errors raised while building the request and maps
// everything else to a transport failure.
func sendError(err error, op string) error {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return domain.Unavailable(err, op, "Backend unavailable")
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

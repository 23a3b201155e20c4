// Package relay implements the shared attach / refresh / retry operation used
// by both the forwarding gateway and the client call interceptor.
package relay

import (
	"context"
	"log/slog"

	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/metrics"
)

// Refresher exchanges a refresh credential for a new access credential.
// *backend.Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*backend.RefreshResponse, error)
}

// Negotiator obtains a new session from the authority after an access
// credential was rejected.
//
// There is no concurrency control: two calls that fail at the same time each
// run their own negotiation, and the authority decides whether both succeed.
type Negotiator struct {
	refresher Refresher
	caller    string
	logger    *slog.Logger
}

// NewNegotiator creates a negotiator. caller labels metrics and log lines
// ("gateway", "client").
func NewNegotiator(refresher Refresher, caller string, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		refresher: refresher,
		caller:    caller,
		logger:    logger,
	}
}

// Negotiate runs exactly one refresh for current.
//
// The returned session always carries the new access credential. The refresh
// credential is replaced only when the authority issued a new one.
//
// Errors:
// - ESESSIONEXPIRED: no refresh credential, or the authority rejected it
// - EUNAVAILABLE: the authority could not be reached; the session may be valid
func (n *Negotiator) Negotiate(ctx context.Context, current domain.Session) (domain.Session, error) {
	const op = "relay.negotiate"

	if !current.HasRefresh() {
		metrics.RefreshNegotiations.WithLabelValues(n.caller, "rejected").Inc()
		return domain.Session{}, domain.SessionExpired(op)
	}

	resp, err := n.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		switch domain.ErrorCode(err) {
		case domain.ESESSIONEXPIRED:
			metrics.RefreshNegotiations.WithLabelValues(n.caller, "rejected").Inc()
			n.logger.Info("refresh rejected", "caller", n.caller)
			return domain.Session{}, err
		case domain.EUNAVAILABLE:
			metrics.RefreshNegotiations.WithLabelValues(n.caller, "unavailable").Inc()
			n.logger.Warn("refresh unavailable", "caller", n.caller, "error", err)
			return domain.Session{}, err
		default:
			metrics.RefreshNegotiations.WithLabelValues(n.caller, "unavailable").Inc()
			return domain.Session{}, domain.Unavailable(err, op, "Backend unavailable")
		}
	}

	metrics.RefreshNegotiations.WithLabelValues(n.caller, "success").Inc()
	n.logger.Debug("refresh succeeded",
		"caller", n.caller,
		"rotated_refresh", resp.RefreshToken != "",
	)
	return current.Rotate(resp.AccessToken, resp.RefreshToken), nil
}

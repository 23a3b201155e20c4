package devauthority

import (
	"context"
	"net/http"

	"github.com/DukeRupert/storefront/internal/domain"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const identityContextKey contextKey = "identity"

// GetIdentity retrieves the identity attached by Require.
//
// Returns nil if the request was not authenticated.
func GetIdentity(ctx context.Context) *domain.Identity {
	identity, ok := ctx.Value(identityContextKey).(*domain.Identity)
	if !ok {
		return nil
	}
	return identity
}

// GetIdentityFromRequest is GetIdentity for a request.
func GetIdentityFromRequest(r *http.Request) *domain.Identity {
	return GetIdentity(r.Context())
}

// SetIdentity stores an identity in the context.
func SetIdentity(ctx context.Context, identity *domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

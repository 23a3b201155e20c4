// Package requestid carries a per-request correlation ID through the
// context so that the gateway and the authority client can forward it.
//
// This package is imported by middleware, gateway, and backend without
// causing import cycles.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate the request ID.
const Header = "X-Request-ID"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const requestIDContextKey contextKey = "request_id"

// New returns a fresh random request ID.
func New() string {
	return uuid.NewString()
}

// FromContext retrieves the request ID, or "" if none is set.
func FromContext(ctx context.Context) string {
	id, ok := ctx.Value(requestIDContextKey).(string)
	if !ok {
		return ""
	}
	return id
}

// WithID stores a request ID in the context.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// FromRequest returns the incoming X-Request-ID when it is a valid UUID,
// otherwise a new one. Arbitrary client-supplied values are not trusted
// because they end up in logs and upstream headers.
func FromRequest(r *http.Request) string {
	if incoming := r.Header.Get(Header); incoming != "" {
		if parsed, err := uuid.Parse(incoming); err == nil {
			return parsed.String()
		}
	}
	return New()
}

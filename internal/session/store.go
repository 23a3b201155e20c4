package session

import (
	"context"

	"github.com/DukeRupert/storefront/internal/domain"
)

// Store is the credential store contract shared by both call paths.
//
// Get returns nil when no credential of either kind is stored. Set and
// Clear replace the whole value; there are no partial-field updates.
type Store interface {
	Get(ctx context.Context) (*domain.Session, error)
	Set(ctx context.Context, s domain.Session) error
	Clear(ctx context.Context) error
}

// Compile-time checks
var (
	_ Store = (*CookieStore)(nil)
	_ Store = (*ScriptReadableStore)(nil)
)

// Package devauthority is an in-memory stand-in for the backend authority,
// for local development and integration tests.
//
// It speaks the same wire format the relay expects from the real authority:
// login, refresh and logout under /auth, HS256 access tokens and opaque
// refresh tokens. Nothing is persisted; restarting it logs everyone out.
package devauthority

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"

	"github.com/DukeRupert/storefront/internal/domain"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "storefront-devauthority"
	DefaultUserType   = "customer"
)

// Config contains configuration for the dev authority.
type Config struct {
	// SigningKey signs access tokens. A random key is generated when empty.
	SigningKey []byte

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string

	// RotateRefresh issues a new refresh token on every refresh and revokes
	// the old one. When false the refresh response omits refreshToken.
	RotateRefresh bool

	// HashCost is the bcrypt cost for user secrets. Tests use bcrypt.MinCost.
	HashCost int

	// Now overrides the clock.
	Now func() time.Time
}

type user struct {
	email    string
	userType string
	hash     []byte
}

type grant struct {
	email     string
	expiresAt time.Time
}

// accessClaims are the claims carried by an access token.
type accessClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Authority issues and checks credentials for a fixed set of users.
type Authority struct {
	config Config
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	users  map[string]user
	grants map[string]grant
}

// New creates an authority with no users.
func New(config Config, logger *slog.Logger) (*Authority, error) {
	if len(config.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		config.SigningKey = key
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = DefaultAccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = DefaultRefreshTTL
	}
	if config.Issuer == "" {
		config.Issuer = DefaultIssuer
	}
	if config.HashCost == 0 {
		config.HashCost = bcrypt.DefaultCost
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Authority{
		config: config,
		now:    now,
		logger: logger,
		users:  make(map[string]user),
		grants: make(map[string]grant),
	}, nil
}

// AddUser registers a user. Identifiers are matched case-insensitively, so
// the stored email is the case-folded identifier.
func (a *Authority) AddUser(identifier, secret, userType string) error {
	creds := domain.Credentials{Identifier: identifier, Secret: secret}.Normalize()
	if err := creds.Validate(); err != nil {
		return err
	}
	key := userKey(creds.Identifier)
	if userType == "" {
		userType = DefaultUserType
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Secret), a.config.HashCost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[key] = user{email: key, userType: userType, hash: hash}
	return nil
}

// userKey case-folds an identifier. This authority's policy, not the
// relay's: the relay forwards identifiers as typed. A Caser is stateful, so
// each call gets its own.
func userKey(identifier string) string {
	return cases.Fold().String(identifier)
}

// ErrInvalidGrant is returned for unknown, revoked or expired refresh tokens.
var ErrInvalidGrant = errors.New("invalid refresh token")

// ErrInvalidCredentials is returned when login credentials do not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Tokens is one issued credential pair. RefreshToken is empty when a refresh
// did not rotate.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Identity     domain.Identity
}

// Login checks credentials and opens a new refresh grant.
func (a *Authority) Login(creds domain.Credentials) (*Tokens, error) {
	creds = creds.Normalize()

	a.mu.Lock()
	u, ok := a.users[userKey(creds.Identifier)]
	a.mu.Unlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(creds.Secret)); err != nil {
		return nil, ErrInvalidCredentials
	}

	access, err := a.signAccess(u)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	refresh := a.openGrantLocked(u.email)
	a.mu.Unlock()

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		Identity:     domain.Identity{Email: u.email, Type: u.userType},
	}, nil
}

// Refresh mints a new access token for a live grant, rotating the grant when
// configured to.
func (a *Authority) Refresh(refreshToken string) (*Tokens, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.grants[refreshToken]
	if !ok {
		return nil, ErrInvalidGrant
	}
	if !a.now().Before(g.expiresAt) {
		delete(a.grants, refreshToken)
		return nil, ErrInvalidGrant
	}
	u, ok := a.users[g.email]
	if !ok {
		delete(a.grants, refreshToken)
		return nil, ErrInvalidGrant
	}

	access, err := a.signAccess(u)
	if err != nil {
		return nil, err
	}

	tokens := &Tokens{
		AccessToken: access,
		Identity:    domain.Identity{Email: u.email, Type: u.userType},
	}
	if a.config.RotateRefresh {
		delete(a.grants, refreshToken)
		tokens.RefreshToken = a.openGrantLocked(u.email)
	}
	return tokens, nil
}

// Revoke ends a refresh grant. Unknown tokens are ignored.
func (a *Authority) Revoke(refreshToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants, refreshToken)
}

// Verify checks an access token and returns the identity it was issued to.
func (a *Authority) Verify(accessToken string) (*domain.Identity, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims,
		func(t *jwt.Token) (any, error) { return a.config.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	return &domain.Identity{Email: claims.Subject, Type: claims.Type}, nil
}

func (a *Authority) signAccess(u user) (string, error) {
	now := a.now()
	claims := accessClaims{
		Type: u.userType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   u.email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.AccessTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// openGrantLocked must be called with a.mu held.
func (a *Authority) openGrantLocked(email string) string {
	token := uuid.NewString()
	a.grants[token] = grant{email: email, expiresAt: a.now().Add(a.config.RefreshTTL)}
	return token
}

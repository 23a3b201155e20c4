package domain

import "strings"

// Session is the pair of credentials representing one authenticated
// browsing context.
//
// Either field may be empty when read back from a store: the access cookie
// expires after an hour while the refresh cookie lives for a week. The relay
// never inspects token contents or tracks expiry locally; a 401 from the
// authority is the only expiry signal.
type Session struct {
	AccessToken  string
	RefreshToken string
}

// HasAccess reports whether an access credential is present.
func (s *Session) HasAccess() bool {
	return s != nil && s.AccessToken != ""
}

// HasRefresh reports whether a refresh credential is present.
func (s *Session) HasRefresh() bool {
	return s != nil && s.RefreshToken != ""
}

// Rotate returns the session that results from a successful refresh.
// The access credential is always replaced. The refresh credential is
// replaced only when the authority issued a new one.
func (s Session) Rotate(accessToken, refreshToken string) Session {
	next := Session{
		AccessToken:  accessToken,
		RefreshToken: s.RefreshToken,
	}
	if refreshToken != "" {
		next.RefreshToken = refreshToken
	}
	return next
}

// Identity is the minimal identity payload handed to the browser after a
// successful login. It never carries tokens.
type Identity struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

// Credentials are the user-supplied identity credentials exchanged for a
// session at login.
type Credentials struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// Normalize trims surrounding whitespace from the identifier. Case is left
// alone: whether identifiers are case-sensitive is the authority's call.
// The secret is never altered.
func (c Credentials) Normalize() Credentials {
	return Credentials{
		Identifier: strings.TrimSpace(c.Identifier),
		Secret:     c.Secret,
	}
}

// Validate rejects credentials with missing fields.
func (c Credentials) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(c.Identifier) == "" {
		fields["identifier"] = "Identifier is required"
	}
	if c.Secret == "" {
		fields["secret"] = "Secret is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Op: "credentials.validate", Fields: fields}
	}
	return nil
}

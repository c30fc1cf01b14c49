package session

import (
	"fmt"
	"strings"
	"time"

	"pulse/cmd/identity"
)

// AccessClaims is the identity envelope carried by an access token.
type AccessClaims struct {
	UserID    string
	Username  string
	Email     string
	TokenID   string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
}

// AccessTokenManager issues and verifies access tokens.
type AccessTokenManager interface {
	Issue(u identity.User, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	Format() TokenFormat
}

// NewAccessTokenManager validates cfg and builds the manager for cfg.TokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.TokenFormat {
	case FormatPasetoV4Local:
		return newPasetoV4LocalManager(cfg)
	default:
		return newJWTManager(cfg), nil
	}
}

// subjectOf extracts the claims a token is issued for.
// The username claim carries the email: login is email based.
func subjectOf(u identity.User) (id, username, email string, err error) {
	id = strings.TrimSpace(u.ID)
	email = strings.TrimSpace(u.Email)
	if id == "" || email == "" {
		return "", "", "", fmt.Errorf("session: issue: %w", ErrInvalidSubject)
	}
	return id, email, email, nil
}

// maxAccessTokenLen bounds token input before any parsing.
const maxAccessTokenLen = 8192

func plausibleToken(tok string) bool {
	return tok != "" && len(tok) <= maxAccessTokenLen
}

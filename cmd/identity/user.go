package identity

import (
	"strings"
	"time"
)

// Provider identifies how a user authenticates.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderGitHub    Provider = "github"
)

// OAuthProviders lists the external providers in a stable order.
var OAuthProviders = []Provider{ProviderGoogle, ProviderMicrosoft, ProviderGitHub}

// ParseProvider maps a case-insensitive name to a Provider.
func ParseProvider(s string) (Provider, bool) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderLocal, ProviderGoogle, ProviderMicrosoft, ProviderGitHub:
		return p, true
	default:
		return "", false
	}
}

// IsOAuth reports whether p is an external provider.
func (p Provider) IsOAuth() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderGitHub:
		return true
	default:
		return false
	}
}

// User is the canonical security principal.
// Exactly one of PasswordHash and ProviderUserID is set, matching Provider.
type User struct {
	ID        string
	Email     string
	EmailNorm string

	DisplayName *string

	PasswordHash   *string
	Provider       Provider
	ProviderUserID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the credential invariant and required fields.
func (u User) Validate() error {
	const op = "identity.User.Validate"

	if strings.TrimSpace(u.Email) == "" {
		return invalid(op, "email", "email is required")
	}
	if !ValidEmail(u.Email) {
		return invalid(op, "email", "email is malformed")
	}

	hasHash := u.PasswordHash != nil && *u.PasswordHash != ""
	hasProviderID := u.ProviderUserID != nil && *u.ProviderUserID != ""

	switch {
	case u.Provider == ProviderLocal:
		if !hasHash || hasProviderID {
			return invalid(op, "password", "local users need a password hash and no provider id")
		}
	case u.Provider.IsOAuth():
		if !hasProviderID || hasHash {
			return invalid(op, "provider", "oauth users need a provider id and no password hash")
		}
	default:
		return invalid(op, "provider", "unknown auth provider")
	}
	return nil
}

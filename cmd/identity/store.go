package identity

import (
	"context"
	"errors"
	"strings"
	"time"
)

// NewUser describes a user to insert. The store assigns ID, EmailNorm and timestamps.
type NewUser struct {
	Email          string
	DisplayName    *string
	PasswordHash   *string
	Provider       Provider
	ProviderUserID *string
	Now            time.Time
}

// Store is the credential persistence boundary.
//
// Lookups return NotFoundError when no row matches. InsertUser returns
// ConflictError{Field:"email"} or ConflictError{Field:"provider_user_id"}
// on uniqueness violations and an ErrInvalidInput OpError when the user
// breaks the credential invariant.
type Store interface {
	InsertUser(ctx context.Context, in NewUser) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByProvider(ctx context.Context, provider Provider, providerUserID string) (User, error)

	// UpdateProfile sets the display name. A nil name clears it.
	UpdateProfile(ctx context.Context, id string, displayName *string, now time.Time) (User, error)

	// UpdatePasswordHash replaces the hash of a local user (rehash after login).
	UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error
}

// buildUser normalizes in into a User and validates it.
func buildUser(op string, in NewUser) (User, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	provider := in.Provider
	if provider == "" {
		provider = ProviderLocal
	}

	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:             id,
		Email:          strings.TrimSpace(in.Email),
		EmailNorm:      NormalizeEmail(in.Email),
		DisplayName:    trimPtr(in.DisplayName),
		PasswordHash:   trimPtr(in.PasswordHash),
		Provider:       provider,
		ProviderUserID: trimPtr(in.ProviderUserID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := u.Validate(); err != nil {
		var oe OpError
		if errors.As(err, &oe) {
			oe.Op = op
			return User{}, oe
		}
		return User{}, err
	}
	return u, nil
}

// trimPtr trims a string pointer, returning nil if the result is empty.
func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}

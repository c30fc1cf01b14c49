package session

import (
	"context"
	"time"
)

// Revocation reasons recorded on refresh tokens.
const (
	ReasonNewToken = "New token issued"
	ReasonLogout   = "Logout"
	ReasonReuse    = "Reuse detected"
	ReasonRevoked  = "Revoked"
)

// RefreshToken mirrors a refresh_tokens row. Only the hash of the opaque
// token is stored. Rows are never deleted.
type RefreshToken struct {
	ID               string
	UserID           string
	TokenHash        string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevocationReason *string

	// ReplacedByID links a rotated token to its successor.
	ReplacedByID *string
}

// Active reports whether the token is unrevoked and unexpired at now.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

func (t *RefreshToken) revoke(now time.Time, reason string) {
	at := now
	r := reason
	t.RevokedAt = &at
	t.RevocationReason = &r
}

// RefreshStore is the refresh-token persistence boundary.
type RefreshStore interface {
	// FindByHash returns ErrTokenNotFound when no row matches.
	FindByHash(ctx context.Context, hash string) (RefreshToken, error)

	// FindActive returns every unrevoked token of the user, expired ones included,
	// oldest first.
	FindActive(ctx context.Context, userID string) ([]RefreshToken, error)

	// Insert returns ErrActiveTokenExists if the user already has an unrevoked token.
	Insert(ctx context.Context, t RefreshToken) error

	// Update persists RevokedAt, RevocationReason and ReplacedByID.
	// It returns ErrTokenNotFound for unknown ids.
	Update(ctx context.Context, t RefreshToken) error
}

// Store is a RefreshStore that can serialize work per user.
type Store interface {
	RefreshStore

	// WithUserLock runs fn while holding an exclusive lock for userID.
	// The RefreshStore passed to fn is bound to that unit of work; for
	// transactional stores an error from fn rolls the unit back.
	WithUserLock(ctx context.Context, userID string, fn func(tx RefreshStore) error) error
}

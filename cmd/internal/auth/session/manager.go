package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/cmd/identity/ids"
	"pulse/cmd/security/token"
)

// Manager issues, rotates, validates and revokes refresh tokens.
//
// Every mutation for a user runs inside Store.WithUserLock, so revoking the
// previous tokens and inserting the next one is one logical unit per user.
type Manager struct {
	cfg    Config
	store  Store
	hasher token.Hasher
}

// Issued is a freshly created refresh token. Token is the only copy of the
// plaintext and must be handed to the client once and never logged.
type Issued struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// NewManager constructs a Manager.
func NewManager(cfg Config, store Store, hasher token.Hasher) *Manager {
	return &Manager{cfg: cfg, store: store, hasher: hasher}
}

// Generate revokes every unrevoked token of the user (reason ReasonNewToken)
// and issues a new one expiring at now + RefreshTokenTTL.
func (m *Manager) Generate(ctx context.Context, now time.Time, userID string) (Issued, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Issued{}, fmt.Errorf("session: generate: %w", ErrInvalidSubject)
	}

	var out Issued
	err := m.store.WithUserLock(ctx, userID, func(tx RefreshStore) error {
		var err error
		out, err = m.issueLocked(ctx, tx, now, userID, "")
		return err
	})
	if err != nil {
		return Issued{}, err
	}
	return out, nil
}

// Validate reports whether plain names an unrevoked token with ExpiresAt > now.
func (m *Manager) Validate(ctx context.Context, now time.Time, plain string) (bool, error) {
	plain, ok := cleanRefreshToken(plain)
	if !ok {
		return false, nil
	}

	row, err := m.store.FindByHash(ctx, m.hasher.HashHex(plain))
	if errors.Is(err, ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Active(now), nil
}

// Revoke revokes a single token. Unknown and already revoked tokens are a no-op.
func (m *Manager) Revoke(ctx context.Context, now time.Time, plain string, reason string) error {
	plain, ok := cleanRefreshToken(plain)
	if !ok {
		return nil
	}
	if reason == "" {
		reason = ReasonRevoked
	}
	hash := m.hasher.HashHex(plain)

	row, err := m.store.FindByHash(ctx, hash)
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return m.store.WithUserLock(ctx, row.UserID, func(tx RefreshStore) error {
		cur, err := tx.FindByHash(ctx, hash)
		if err != nil {
			return err
		}
		if cur.RevokedAt != nil {
			return nil
		}
		cur.revoke(now, reason)
		return tx.Update(ctx, cur)
	})
}

// RevokeAll revokes every unrevoked token of the user and returns how many were revoked.
func (m *Manager) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) (int, error) {
	if reason == "" {
		reason = ReasonRevoked
	}

	var n int
	err := m.store.WithUserLock(ctx, userID, func(tx RefreshStore) error {
		var err error
		n, err = revokeAllLocked(ctx, tx, now, userID, reason)
		return err
	})
	return n, err
}

// Rotate exchanges a presented refresh token for a new one.
//
// The presented token is re-read under the user's lock. If it is no longer
// active the call fails with ErrInvalidToken; in a concurrent refresh race the
// loser lands here because the winner already revoked its token. A rotated
// token presented again after ReuseGrace is treated as theft: every active
// token of the user is revoked and a ReuseError (wrapping ErrInvalidToken) is returned.
func (m *Manager) Rotate(ctx context.Context, now time.Time, plain string) (Issued, error) {
	plain, ok := cleanRefreshToken(plain)
	if !ok {
		return Issued{}, ErrInvalidToken
	}
	hash := m.hasher.HashHex(plain)

	row, err := m.store.FindByHash(ctx, hash)
	if errors.Is(err, ErrTokenNotFound) {
		return Issued{}, ErrInvalidToken
	}
	if err != nil {
		return Issued{}, err
	}

	var (
		out     Issued
		outcome error
	)
	err = m.store.WithUserLock(ctx, row.UserID, func(tx RefreshStore) error {
		cur, err := tx.FindByHash(ctx, hash)
		if err != nil {
			return err
		}

		if cur.Active(now) {
			out, err = m.issueLocked(ctx, tx, now, cur.UserID, cur.ID)
			return err
		}

		if m.reuseDetected(cur, now) {
			n, err := revokeAllLocked(ctx, tx, now, cur.UserID, ReasonReuse)
			if err != nil {
				return err
			}
			// Commit the revocations; the failure is reported after the unit completes.
			outcome = ReuseError{UserID: cur.UserID, Revoked: n}
			return nil
		}

		outcome = ErrInvalidToken
		return nil
	})
	if errors.Is(err, ErrTokenNotFound) {
		return Issued{}, ErrInvalidToken
	}
	if err != nil {
		return Issued{}, err
	}
	if outcome != nil {
		return Issued{}, outcome
	}
	return out, nil
}

func (m *Manager) reuseDetected(t RefreshToken, now time.Time) bool {
	if !m.cfg.ReuseDetection || t.RevokedAt == nil || t.ReplacedByID == nil {
		return false
	}
	return now.Sub(*t.RevokedAt) > m.cfg.ReuseGrace
}

// issueLocked must run under the user's lock. rotatedFromID, when set, is the
// token being rotated and gets linked to its successor.
func (m *Manager) issueLocked(ctx context.Context, tx RefreshStore, now time.Time, userID string, rotatedFromID string) (Issued, error) {
	newID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	active, err := tx.FindActive(ctx, userID)
	if err != nil {
		return Issued{}, err
	}
	for _, t := range active {
		t.revoke(now, ReasonNewToken)
		if t.ID == rotatedFromID {
			next := newID
			t.ReplacedByID = &next
		}
		if err := tx.Update(ctx, t); err != nil {
			return Issued{}, err
		}
	}

	plain, hash, err := newOpaqueRefreshToken(m.cfg.RefreshTokenBytes, m.hasher)
	if err != nil {
		return Issued{}, err
	}

	row := RefreshToken{
		ID:        newID,
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.RefreshTokenTTL),
	}
	if err := tx.Insert(ctx, row); err != nil {
		return Issued{}, err
	}

	return Issued{
		ID:        row.ID,
		UserID:    userID,
		Token:     plain,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

func revokeAllLocked(ctx context.Context, tx RefreshStore, now time.Time, userID, reason string) (int, error) {
	active, err := tx.FindActive(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, t := range active {
		t.revoke(now, reason)
		if err := tx.Update(ctx, t); err != nil {
			return 0, err
		}
	}
	return len(active), nil
}

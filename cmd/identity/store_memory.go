package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured
// and in tests. It enforces the same uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]User
	byEmail    map[string]string
	byProvider map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]User),
		byEmail:    make(map[string]string),
		byProvider: make(map[string]string),
	}
}

func providerKey(p Provider, providerUserID string) string {
	return string(p) + "\x00" + providerUserID
}

// InsertUser validates and stores a new user.
func (s *MemoryStore) InsertUser(ctx context.Context, in NewUser) (User, error) {
	const op = "identity.InsertUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, err := buildUser(op, in)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[u.EmailNorm]; taken {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	var pk string
	if u.ProviderUserID != nil {
		pk = providerKey(u.Provider, *u.ProviderUserID)
		if _, taken := s.byProvider[pk]; taken {
			return User{}, ConflictError{Op: op, Field: "provider_user_id"}
		}
	}

	s.byID[u.ID] = u
	s.byEmail[u.EmailNorm] = u.ID
	if pk != "" {
		s.byProvider[pk] = u.ID
	}
	return cloneUser(u), nil
}

// GetUserByID returns the user with id.
func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return cloneUser(u), nil
}

// FindUserByEmail looks up a user by normalized email.
func (s *MemoryStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.FindUserByEmail"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return cloneUser(s.byID[id]), nil
}

// FindUserByProvider looks up a user by OAuth linkage.
func (s *MemoryStore) FindUserByProvider(ctx context.Context, provider Provider, providerUserID string) (User, error) {
	const op = "identity.FindUserByProvider"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProvider[providerKey(provider, strings.TrimSpace(providerUserID))]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return cloneUser(s.byID[id]), nil
}

// UpdateProfile sets the display name.
func (s *MemoryStore) UpdateProfile(ctx context.Context, id string, displayName *string, now time.Time) (User, error) {
	const op = "identity.UpdateProfile"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	u.DisplayName = trimPtr(displayName)
	u.UpdatedAt = now
	s.byID[id] = u
	return cloneUser(u), nil
}

// UpdatePasswordHash replaces the password hash of a local user.
func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"

	if err := ctx.Err(); err != nil {
		return err
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return invalid(op, "password", "empty password hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok || u.Provider != ProviderLocal {
		return NotFoundError{Op: op, Resource: "user"}
	}
	u.PasswordHash = &hash
	u.UpdatedAt = now
	s.byID[id] = u
	return nil
}

// cloneUser copies pointer fields so callers cannot mutate stored state.
func cloneUser(u User) User {
	u.DisplayName = clonePtr(u.DisplayName)
	u.PasswordHash = clonePtr(u.PasswordHash)
	u.ProviderUserID = clonePtr(u.ProviderUserID)
	return u
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

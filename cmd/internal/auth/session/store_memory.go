package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Per-user locks are channels so that a
// waiting caller can give up when its context is canceled.
//
// Work inside WithUserLock is not rolled back on error.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]RefreshToken
	byHash map[string]string

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[string]RefreshToken),
		byHash: make(map[string]string),
		locks:  make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) userLock(userID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[userID] = l
	}
	return l
}

// WithUserLock serializes fn per user.
func (s *MemoryStore) WithUserLock(ctx context.Context, userID string, fn func(tx RefreshStore) error) error {
	l := s.userLock(userID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()

	return fn(s)
}

func (s *MemoryStore) FindByHash(ctx context.Context, hash string) (RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return RefreshToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return RefreshToken{}, ErrTokenNotFound
	}
	return cloneToken(s.rows[id]), nil
}

func (s *MemoryStore) FindActive(ctx context.Context, userID string) ([]RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RefreshToken
	for _, r := range s.rows {
		if r.UserID == userID && r.RevokedAt == nil {
			out = append(out, cloneToken(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Insert(ctx context.Context, t RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[t.ID]; ok {
		return fmt.Errorf("session: duplicate refresh token id %s", t.ID)
	}
	if _, ok := s.byHash[t.TokenHash]; ok {
		return fmt.Errorf("session: duplicate refresh token hash")
	}
	if t.RevokedAt == nil {
		for _, r := range s.rows {
			if r.UserID == t.UserID && r.RevokedAt == nil {
				return ErrActiveTokenExists
			}
		}
	}

	s.rows[t.ID] = cloneToken(t)
	s.byHash[t.TokenHash] = t.ID
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, t RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[t.ID]
	if !ok {
		return ErrTokenNotFound
	}
	cur.RevokedAt = cloneTime(t.RevokedAt)
	cur.RevocationReason = cloneString(t.RevocationReason)
	cur.ReplacedByID = cloneString(t.ReplacedByID)
	s.rows[t.ID] = cur
	return nil
}

func cloneToken(t RefreshToken) RefreshToken {
	t.RevokedAt = cloneTime(t.RevokedAt)
	t.RevocationReason = cloneString(t.RevocationReason)
	t.ReplacedByID = cloneString(t.ReplacedByID)
	return t
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

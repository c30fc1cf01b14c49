package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// DefaultSessionKey is the KV key holding the whole session.
const DefaultSessionKey = "pulse.session"

// User is the cached profile snapshot.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  *string   `json:"displayName,omitempty"`
	AuthProvider string    `json:"authProvider"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Session is the client-held token pair plus the user snapshot.
type Session struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
	User                  User      `json:"user"`
}

func (s Session) complete() bool {
	return s.AccessToken != "" && s.RefreshToken != "" && s.User.ID != ""
}

// ErrIncompleteSession is returned by Save for a session missing a token or the user id.
var ErrIncompleteSession = errors.New("client: incomplete session")

// SessionStore persists one Session under a single key so every field is
// written and replaced together.
type SessionStore struct {
	kv  KV
	key string
	log *slog.Logger
}

// NewSessionStore stores the session under DefaultSessionKey. log may be nil.
func NewSessionStore(kv KV, log *slog.Logger) *SessionStore {
	if log == nil {
		log = slog.Default()
	}
	return &SessionStore{kv: kv, key: DefaultSessionKey, log: log}
}

// WithKey returns a copy of the store using key, for running several
// accounts against the same KV.
func (s *SessionStore) WithKey(key string) *SessionStore {
	cp := *s
	cp.key = key
	return &cp
}

func (s *SessionStore) Save(ctx context.Context, sess Session) error {
	if !sess.complete() {
		return ErrIncompleteSession
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, s.key, b)
}

// Load returns nil, nil when no usable session is stored. A corrupt or
// incomplete entry counts as no session.
func (s *SessionStore) Load(ctx context.Context) (*Session, error) {
	b, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		s.log.WarnContext(ctx, "client.session.corrupt", "err", err, "key", s.key)
		return nil, nil
	}
	if !sess.complete() {
		s.log.WarnContext(ctx, "client.session.incomplete", "key", s.key)
		return nil, nil
	}
	return &sess, nil
}

func (s *SessionStore) Clear(ctx context.Context) error {
	return s.kv.Remove(ctx, s.key)
}

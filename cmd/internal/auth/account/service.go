package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pulse/cmd/identity"
	"pulse/cmd/internal/auth/session"
	"pulse/cmd/security/password"
)

// Session is what a successful register, login or refresh hands to the client.
type Session struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	User                  identity.User
}

// OAuthIdentity is a verified profile returned by an external provider.
type OAuthIdentity struct {
	Provider       identity.Provider
	ProviderUserID string
	Email          string
	DisplayName    *string
}

const maxDisplayNameRunes = 100

// Service is the auth orchestrator.
type Service struct {
	log       *slog.Logger
	users     identity.Store
	passwords password.Config
	tokens    session.AccessTokenManager
	refresh   *session.Manager

	// dummyHash is verified against when the user is unknown so that
	// login latency does not reveal which emails exist.
	dummyHash string
}

// NewService constructs a Service.
func NewService(log *slog.Logger, users identity.Store, passwords password.Config, tokens session.AccessTokenManager, refresh *session.Manager) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if users == nil || tokens == nil || refresh == nil {
		return nil, errors.New("account: missing dependency")
	}
	if err := passwords.Check(); err != nil {
		return nil, err
	}

	dummy, err := passwords.Rehash("dummy-password-for-timing-only")
	if err != nil {
		return nil, fmt.Errorf("account: dummy hash: %w", err)
	}

	return &Service{
		log:       log,
		users:     users,
		passwords: passwords,
		tokens:    tokens,
		refresh:   refresh,
		dummyHash: dummy,
	}, nil
}

// Register creates a local user and returns its first session.
//
// The user row and the first session are written separately. If issuing the
// session fails the account still exists: the caller gets KindUnexpected and
// should log in rather than register again, which would be a conflict.
func (s *Service) Register(ctx context.Context, now time.Time, email, pw string) (Session, error) {
	const op = "account.Register"

	fields := map[string]string{}
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		fields["email"] = "email is required"
	case !identity.ValidEmail(email):
		fields["email"] = "email is malformed"
	}
	if err := s.passwords.Validate(pw); err != nil {
		fields["password"] = s.passwordMessage(err)
	}
	if len(fields) > 0 {
		return Session{}, validation(op, fields)
	}

	hash, err := s.passwords.Hash(pw)
	if err != nil {
		return Session{}, unexpected(op, err)
	}

	u, err := s.users.InsertUser(ctx, identity.NewUser{
		Email:        email,
		PasswordHash: &hash,
		Provider:     identity.ProviderLocal,
		Now:          now,
	})
	if err != nil {
		return Session{}, s.mapStoreErr(op, err)
	}

	return s.issue(ctx, op, now, u)
}

// Login verifies email and password. Unknown email, wrong password and
// OAuth-only accounts all fail with the same KindUnauthorized error.
func (s *Service) Login(ctx context.Context, now time.Time, email, pw string) (Session, error) {
	const op = "account.Login"

	fields := map[string]string{}
	if strings.TrimSpace(email) == "" {
		fields["email"] = "email is required"
	}
	if pw == "" {
		fields["password"] = "password is required"
	}
	if len(fields) > 0 {
		return Session{}, validation(op, fields)
	}

	u, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if !identity.IsNotFound(err) {
			return Session{}, unexpected(op, err)
		}
		_, _ = s.passwords.Verify(s.dummyHash, pw)
		return Session{}, unauthorized(op, msgInvalidCredentials, err)
	}
	if u.PasswordHash == nil {
		_, _ = s.passwords.Verify(s.dummyHash, pw)
		return Session{}, unauthorized(op, msgInvalidCredentials, errors.New("account has no password"))
	}

	ok, err := s.passwords.Verify(*u.PasswordHash, pw)
	if err != nil {
		s.log.Error("auth.login.hash_invalid", "err", err, "user_id", u.ID)
		return Session{}, unauthorized(op, msgInvalidCredentials, err)
	}
	if !ok {
		return Session{}, unauthorized(op, msgInvalidCredentials, errors.New("password mismatch"))
	}

	s.maybeRehash(ctx, now, u, pw)

	return s.issue(ctx, op, now, u)
}

// maybeRehash upgrades legacy or weaker hashes after a successful login.
// Failure is logged and never blocks the login.
func (s *Service) maybeRehash(ctx context.Context, now time.Time, u identity.User, pw string) {
	if !s.passwords.NeedsRehash(*u.PasswordHash) {
		return
	}
	hash, err := s.passwords.Rehash(pw)
	if err != nil {
		s.log.Warn("auth.login.rehash.fail", "err", err, "user_id", u.ID)
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, hash, now); err != nil {
		s.log.Warn("auth.login.rehash.store.fail", "err", err, "user_id", u.ID)
		return
	}
	s.log.Info("auth.login.rehash", "user_id", u.ID)
}

// LoginOAuth signs in a user linked to an external provider, creating an
// OAuth-only account on first login. An email already owned by another
// account is a conflict; accounts are never merged implicitly.
func (s *Service) LoginOAuth(ctx context.Context, now time.Time, in OAuthIdentity) (Session, error) {
	const op = "account.LoginOAuth"

	fields := map[string]string{}
	if !in.Provider.IsOAuth() {
		fields["provider"] = "unsupported provider"
	}
	if strings.TrimSpace(in.ProviderUserID) == "" {
		fields["providerUserId"] = "provider user id is required"
	}
	if !identity.ValidEmail(in.Email) {
		fields["email"] = "provider returned no usable email"
	}
	if len(fields) > 0 {
		return Session{}, validation(op, fields)
	}

	u, err := s.users.FindUserByProvider(ctx, in.Provider, in.ProviderUserID)
	switch {
	case err == nil:
		return s.issue(ctx, op, now, u)
	case !identity.IsNotFound(err):
		return Session{}, unexpected(op, err)
	}

	pid := strings.TrimSpace(in.ProviderUserID)
	u, err = s.users.InsertUser(ctx, identity.NewUser{
		Email:          in.Email,
		DisplayName:    in.DisplayName,
		Provider:       in.Provider,
		ProviderUserID: &pid,
		Now:            now,
	})
	if err != nil {
		return Session{}, s.mapStoreErr(op, err)
	}

	return s.issue(ctx, op, now, u)
}

// Refresh rotates a refresh token and issues a new access token.
// Any token problem is KindUnauthorized "session expired"; the client must
// clear its session and re-authenticate.
func (s *Service) Refresh(ctx context.Context, now time.Time, refreshToken string) (Session, error) {
	const op = "account.Refresh"

	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, validation(op, map[string]string{"refreshToken": "refresh token is required"})
	}

	rt, err := s.refresh.Rotate(ctx, now, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			return Session{}, unauthorized(op, msgSessionExpired, err)
		}
		return Session{}, unexpected(op, err)
	}

	u, err := s.users.GetUserByID(ctx, rt.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Session{}, unauthorized(op, msgSessionExpired, err)
		}
		return Session{}, unexpected(op, err)
	}

	access, accessExp, err := s.tokens.Issue(u, now)
	if err != nil {
		return Session{}, unexpected(op, err)
	}

	return Session{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          rt.Token,
		RefreshTokenExpiresAt: rt.ExpiresAt,
		User:                  u,
	}, nil
}

// Logout revokes every active refresh token of the user.
func (s *Service) Logout(ctx context.Context, now time.Time, userID string) error {
	const op = "account.Logout"

	if _, err := s.refresh.RevokeAll(ctx, now, userID, session.ReasonLogout); err != nil {
		return unexpected(op, err)
	}
	return nil
}

// Authenticate verifies an access token.
func (s *Service) Authenticate(_ context.Context, now time.Time, accessToken string) (session.AccessClaims, error) {
	const op = "account.Authenticate"

	claims, err := s.tokens.Verify(strings.TrimSpace(accessToken), now)
	if err != nil {
		return session.AccessClaims{}, unauthorized(op, msgInvalidToken, err)
	}
	return claims, nil
}

// Me returns the current user.
func (s *Service) Me(ctx context.Context, userID string) (identity.User, error) {
	const op = "account.Me"

	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return identity.User{}, s.mapStoreErr(op, err)
	}
	return u, nil
}

// UpdateProfile sets the display name of the current user. A nil or blank name clears it.
func (s *Service) UpdateProfile(ctx context.Context, now time.Time, userID string, displayName *string) (identity.User, error) {
	const op = "account.UpdateProfile"

	if displayName != nil && utf8.RuneCountInString(strings.TrimSpace(*displayName)) > maxDisplayNameRunes {
		return identity.User{}, validation(op, map[string]string{
			"displayName": fmt.Sprintf("display name must be at most %d characters", maxDisplayNameRunes),
		})
	}

	u, err := s.users.UpdateProfile(ctx, userID, displayName, now)
	if err != nil {
		return identity.User{}, s.mapStoreErr(op, err)
	}
	return u, nil
}

func (s *Service) issue(ctx context.Context, op string, now time.Time, u identity.User) (Session, error) {
	rt, err := s.refresh.Generate(ctx, now, u.ID)
	if err != nil {
		return Session{}, unexpected(op, err)
	}
	access, accessExp, err := s.tokens.Issue(u, now)
	if err != nil {
		return Session{}, unexpected(op, err)
	}
	return Session{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          rt.Token,
		RefreshTokenExpiresAt: rt.ExpiresAt,
		User:                  u,
	}, nil
}

func (s *Service) mapStoreErr(op string, err error) *Error {
	var ce identity.ConflictError
	var oe identity.OpError
	switch {
	case errors.As(err, &ce):
		if ce.Field == "email" {
			return &Error{Kind: KindConflict, Op: op, Message: msgEmailTaken, Fields: map[string]string{"email": msgEmailTaken}, Err: err}
		}
		return &Error{Kind: KindConflict, Op: op, Message: "account already exists", Err: err}
	case identity.IsNotFound(err):
		return &Error{Kind: KindNotFound, Op: op, Message: msgUserNotFound, Err: err}
	case errors.As(err, &oe) && errors.Is(err, identity.ErrInvalidInput):
		field := oe.Field
		if field == "" {
			field = "input"
		}
		return &Error{Kind: KindValidation, Op: op, Message: msgInvalidInput, Fields: map[string]string{field: oe.Msg}, Err: err}
	default:
		return unexpected(op, err)
	}
}

func (s *Service) passwordMessage(err error) string {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return fmt.Sprintf("password must be at least %d characters", s.passwords.Policy.MinLength)
	case errors.Is(err, password.ErrPasswordTooLong):
		return fmt.Sprintf("password must be at most %d characters", s.passwords.Policy.MaxLength)
	case errors.Is(err, password.ErrWeakPassword):
		return "password is too common"
	default:
		return "password is not acceptable"
	}
}

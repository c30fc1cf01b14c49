package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when an access or refresh token is missing,
	// malformed, expired, revoked or otherwise unusable. Causes are not distinguished.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrInvalidSubject is returned when a token is requested for an incomplete user.
	ErrInvalidSubject = errors.New("invalid token subject")

	// ErrTokenNotFound is returned by stores when no refresh token matches.
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrActiveTokenExists is returned by stores when inserting a second
	// unrevoked refresh token for a user.
	ErrActiveTokenExists = errors.New("active refresh token exists")
)

// ReuseError reports that a rotated refresh token was presented again and all
// of the user's tokens were revoked. It unwraps to ErrInvalidToken so callers
// that only check errors.Is(err, ErrInvalidToken) treat it like any other rejection.
type ReuseError struct {
	UserID  string
	Revoked int
}

func (e ReuseError) Error() string {
	return fmt.Sprintf("%s: refresh token reuse detected", ErrInvalidToken.Error())
}

func (e ReuseError) Unwrap() error { return ErrInvalidToken }

package session

import (
	"fmt"
	"strings"
	"time"
)

// TokenFormat selects the access token encoding.
type TokenFormat string

const (
	FormatJWT           TokenFormat = "jwt"
	FormatPasetoV4Local TokenFormat = "paseto"
)

// MinSecretBytes is the shortest signing secret accepted.
const MinSecretBytes = 32

// Config defines all runtime configuration for the session subsystem.
// The caller fills it from its config layer and calls Validate at startup;
// an invalid Config is a fatal startup condition.
type Config struct {
	// Secret keys both JWT HS256 signatures and the derived PASETO v4.local key.
	Secret   string
	Issuer   string
	Audience string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ClockSkew is the leeway applied when checking nbf/exp.
	ClockSkew time.Duration

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int

	TokenFormat TokenFormat

	// ReuseDetection revokes every active token of a user when a rotated
	// token is presented again after ReuseGrace has elapsed. Within the
	// grace window the presenter is treated as the loser of a concurrent
	// refresh and simply rejected.
	ReuseDetection bool
	ReuseGrace     time.Duration
}

// DefaultConfig returns defaults for everything except Secret.
func DefaultConfig() Config {
	return Config{
		Issuer:            "pulse",
		Audience:          "pulse-api",
		AccessTokenTTL:    7 * 24 * time.Hour,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
		TokenFormat:       FormatJWT,
		ReuseDetection:    true,
		ReuseGrace:        10 * time.Second,
	}
}

// Validate returns an error wrapping ErrConfig when the configuration is unusable.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Secret) == "":
		return fmt.Errorf("%w: signing secret is required", ErrConfig)
	case len(c.Secret) < MinSecretBytes:
		return fmt.Errorf("%w: signing secret must be at least %d bytes", ErrConfig, MinSecretBytes)
	case strings.TrimSpace(c.Issuer) == "":
		return fmt.Errorf("%w: issuer is required", ErrConfig)
	case strings.TrimSpace(c.Audience) == "":
		return fmt.Errorf("%w: audience is required", ErrConfig)
	case c.AccessTokenTTL <= 0:
		return fmt.Errorf("%w: access token ttl must be positive", ErrConfig)
	case c.RefreshTokenTTL <= 0:
		return fmt.Errorf("%w: refresh token ttl must be positive", ErrConfig)
	case c.ClockSkew < 0:
		return fmt.Errorf("%w: clock skew must not be negative", ErrConfig)
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return fmt.Errorf("%w: refresh token bytes %d out of range [32..64]", ErrConfig, c.RefreshTokenBytes)
	case c.ReuseGrace < 0:
		return fmt.Errorf("%w: reuse grace must not be negative", ErrConfig)
	}

	switch c.TokenFormat {
	case FormatJWT, FormatPasetoV4Local:
	default:
		return fmt.Errorf("%w: unknown token format %q", ErrConfig, c.TokenFormat)
	}
	return nil
}

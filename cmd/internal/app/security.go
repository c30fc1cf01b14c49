package app

import (
	"errors"
	"fmt"

	"pulse/cmd/security/token"
)

// NewTokenHasher builds the refresh-token hasher from the auth section.
//
// With RequireTokenHMAC set a missing or short key is a startup failure;
// there is no silent fallback to plain SHA-256.
func NewTokenHasher(cfg Config) (token.Hasher, error) {
	if !cfg.Auth.RequireTokenHMAC {
		return token.NewHasher(cfg.Auth.TokenHMACKey), nil
	}

	h, err := token.NewRequiredHasher(cfg.Auth.TokenHMACKey, token.MinHMACKeyBytes)
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		return token.Hasher{}, errors.New("security policy: require_token_hmac is set but token_hmac_key is missing")
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return token.Hasher{}, fmt.Errorf("security policy: token_hmac_key is too short (min %d bytes)", token.MinHMACKeyBytes)
	case err != nil:
		return token.Hasher{}, err
	}

	if !h.HMAC() {
		return token.Hasher{}, errors.New("security policy: token hasher is not in HMAC mode")
	}
	return h, nil
}

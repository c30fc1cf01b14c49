package session

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"pulse/cmd/security/token"
)

// maxRefreshTokenLen bounds presented refresh tokens to avoid pathological inputs.
const maxRefreshTokenLen = 4096

func newOpaqueRefreshToken(nBytes int, h token.Hasher) (plain string, hashHex string, err error) {
	b := make([]byte, nBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}

	// URL-safe, no padding.
	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, h.HashHex(plain), nil
}

// cleanRefreshToken trims a presented token and reports whether it is worth a lookup.
func cleanRefreshToken(plain string) (string, bool) {
	plain = strings.TrimSpace(plain)
	return plain, plain != "" && len(plain) <= maxRefreshTokenLen
}

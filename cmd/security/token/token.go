package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// MinHMACKeyBytes is the shortest HMAC key accepted when HMAC is required.
const MinHMACKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher hashes refresh tokens. The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with rawKey (trimmed). An empty key selects SHA-256.
func NewHasher(rawKey string) Hasher {
	k := strings.TrimSpace(rawKey)
	if k == "" {
		return Hasher{}
	}
	return Hasher{key: []byte(k)}
}

// NewRequiredHasher is NewHasher in enforced-HMAC mode: the key must be present
// and at least minBytes long.
func NewRequiredHasher(rawKey string, minBytes int) (Hasher, error) {
	k := strings.TrimSpace(rawKey)
	if k == "" {
		return Hasher{}, ErrHMACKeyMissing
	}
	if minBytes > 0 && len(k) < minBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	return Hasher{key: []byte(k)}, nil
}

// HMAC reports whether the hasher is keyed.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// HashHex returns the storage hash for a plaintext refresh token.
func (h Hasher) HashHex(plain string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(plain)
	}
	return HashHMACSHA256Hex(plain, h.key)
}

// EqualHex64 compares two 64-char hex digests in constant time.
// Any other length compares unequal.
func EqualHex64(a, b string) bool {
	if len(a) != 64 || len(b) != 64 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

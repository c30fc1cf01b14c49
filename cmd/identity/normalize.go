package identity

import (
	"net/mail"
	"strings"
)

const maxEmailLen = 254

// NormalizeEmail performs case-insensitive canonicalization.
// Only trim + lower-case; provider-specific rules (dots, plus tags) are not applied.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidEmail reports whether s is a bare addr-spec ("a@b.c"), without a display name.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxEmailLen {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

package api

import (
	"net/http"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Failed logins allowed per client IP and per email inside the window.
	LoginIPMax       int
	LoginIPWindow    time.Duration
	LoginEmailMax    int
	LoginEmailWindow time.Duration

	// OAuth state/PKCE cookies.
	OAuthCookieTTL time.Duration
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieDomain   string
}

// DefaultConfig returns the baseline used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:     1 << 20,
		LoginIPMax:       20,
		LoginIPWindow:    5 * time.Minute,
		LoginEmailMax:    5,
		LoginEmailWindow: 15 * time.Minute,
		OAuthCookieTTL:   10 * time.Minute,
		CookieSecure:     true,
		CookieSameSite:   http.SameSiteLaxMode,
	}
}

// normalized fills zero values from DefaultConfig and applies cookie guardrails.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = def.LoginIPWindow
	}
	if c.LoginEmailWindow <= 0 {
		c.LoginEmailWindow = def.LoginEmailWindow
	}
	if c.OAuthCookieTTL <= 0 {
		c.OAuthCookieTTL = def.OAuthCookieTTL
	}
	if c.CookieSameSite == 0 {
		c.CookieSameSite = def.CookieSameSite
	}
	// Browsers drop SameSite=None cookies that are not Secure.
	if c.CookieSameSite == http.SameSiteNoneMode {
		c.CookieSecure = true
	}
	return c
}

// ParseSameSite maps a config string to http.SameSite. Unknown values select Lax.
func ParseSameSite(s string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

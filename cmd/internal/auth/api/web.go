package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"pulse/cmd/identity"
)

const (
	oauthStateCookie    = "pulse_oauth_state"
	oauthVerifierCookie = "pulse_oauth_verifier"
)

func oauthCookiePath(p identity.Provider) string {
	return "/auth/oauth/" + string(p)
}

func (h *Handler) setOAuthCookies(w http.ResponseWriter, p identity.Provider, state, verifier string) {
	exp := time.Now().Add(h.cfg.OAuthCookieTTL)
	h.setCookie(w, p, oauthStateCookie, state, exp)
	h.setCookie(w, p, oauthVerifierCookie, verifier, exp)
}

func (h *Handler) clearOAuthCookies(w http.ResponseWriter, p identity.Provider) {
	for _, name := range []string{oauthStateCookie, oauthVerifierCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     oauthCookiePath(p),
			Domain:   h.cfg.CookieDomain,
			Expires:  time.Unix(0, 0).UTC(),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cfg.CookieSecure,
			SameSite: h.cfg.CookieSameSite,
		})
	}
}

func (h *Handler) setCookie(w http.ResponseWriter, p identity.Provider, name, value string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     oauthCookiePath(p),
		Domain:   h.cfg.CookieDomain,
		Expires:  exp,
		MaxAge:   int(h.cfg.OAuthCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	})
}

// oauthFlowFromRequest returns the PKCE verifier when the callback's state
// matches the state cookie.
func oauthFlowFromRequest(r *http.Request) (verifier string, ok bool) {
	sc, err := r.Cookie(oauthStateCookie)
	if err != nil {
		return "", false
	}
	vc, err := r.Cookie(oauthVerifierCookie)
	if err != nil {
		return "", false
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if !secureStringEqual(strings.TrimSpace(sc.Value), state) {
		return "", false
	}
	verifier = strings.TrimSpace(vc.Value)
	return verifier, verifier != ""
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

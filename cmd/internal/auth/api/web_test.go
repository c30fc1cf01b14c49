package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"pulse/cmd/identity"
)

func TestSetOAuthCookies(t *testing.T) {
	h := &Handler{cfg: DefaultConfig()}

	rr := httptest.NewRecorder()
	h.setOAuthCookies(rr, identity.ProviderGitHub, "state-1", "verifier-1")

	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if !c.HttpOnly || !c.Secure {
			t.Fatalf("cookie %s must be HttpOnly and Secure", c.Name)
		}
		if c.Path != "/auth/oauth/github" {
			t.Fatalf("cookie %s path = %q", c.Name, c.Path)
		}
	}
}

func TestOAuthFlowFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		cookies map[string]string
		ok      bool
	}{
		{
			name:    "match",
			query:   "?state=s1&code=c",
			cookies: map[string]string{oauthStateCookie: "s1", oauthVerifierCookie: "v1"},
			ok:      true,
		},
		{
			name:    "state mismatch",
			query:   "?state=s2&code=c",
			cookies: map[string]string{oauthStateCookie: "s1", oauthVerifierCookie: "v1"},
		},
		{
			name:    "missing verifier",
			query:   "?state=s1",
			cookies: map[string]string{oauthStateCookie: "s1"},
		},
		{
			name:  "no cookies",
			query: "?state=s1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/oauth/google/callback"+tc.query, nil)
			for k, v := range tc.cookies {
				req.AddCookie(&http.Cookie{Name: k, Value: v})
			}
			verifier, ok := oauthFlowFromRequest(req)
			if ok != tc.ok {
				t.Fatalf("ok=%v, want %v", ok, tc.ok)
			}
			if ok && verifier != "v1" {
				t.Fatalf("verifier=%q", verifier)
			}
		})
	}
}

func TestSecureStringEqual(t *testing.T) {
	if !secureStringEqual("abc", "abc") {
		t.Fatalf("expected equal")
	}
	if secureStringEqual("abc", "abd") || secureStringEqual("", "") || secureStringEqual("a", "ab") {
		t.Fatalf("expected not equal")
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := bearerToken(req); got != want {
			t.Fatalf("bearerToken(%q)=%q, want %q", header, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(req, false); got.String() != "10.0.0.1" {
		t.Fatalf("untrusted proxy: got %v", got)
	}
	if got := clientIP(req, true); got.String() != "203.0.113.9" {
		t.Fatalf("trusted proxy: got %v", got)
	}
}

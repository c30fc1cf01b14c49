package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/cmd/identity"
)

type fakeProvider struct {
	*httptest.Server
	gotVerifier string
	emails      []map[string]any
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	f := &fakeProvider{
		emails: []map[string]any{
			{"email": "other@x.com", "primary": false, "verified": true},
			{"email": "dev@x.com", "primary": true, "verified": true},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		f.gotVerifier = r.PostForm.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","expires_in":3600}`))
	})
	writeJSON := func(w http.ResponseWriter, r *http.Request, v any) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/google/userinfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, map[string]any{"sub": "g-1", "email": "g@x.com", "email_verified": true, "name": "Gee"})
	})
	mux.HandleFunc("/google/unverified", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, map[string]any{"sub": "g-2", "email": "g2@x.com", "email_verified": false})
	})
	mux.HandleFunc("/graph/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, map[string]any{"id": "ms-1", "mail": "", "userPrincipalName": "ms@x.com", "displayName": "Em Es"})
	})
	mux.HandleFunc("/github/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, map[string]any{"id": 42, "login": "octo", "name": ""})
	})
	mux.HandleFunc("/github/emails", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, f.emails)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeProvider) provider(userInfoPath string) ProviderConfig {
	return ProviderConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example/auth/oauth/cb",
		AuthURL:      f.URL + "/authorize",
		TokenURL:     f.URL + "/token",
		UserInfoURL:  f.URL + userInfoPath,
		EmailsURL:    f.URL + "/github/emails",
	}
}

func TestRegistry_OnlyConfiguredProvidersEnabled(t *testing.T) {
	r := NewRegistry(Config{GitHub: ProviderConfig{ClientID: "id"}}, nil)

	assert.Equal(t, []identity.Provider{identity.ProviderGitHub}, r.Providers())
	assert.True(t, r.Enabled(identity.ProviderGitHub))
	assert.False(t, r.Enabled(identity.ProviderGoogle))

	_, err := r.Start(identity.ProviderGoogle)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistry_StartBuildsPKCERedirect(t *testing.T) {
	f := newFakeProvider(t)
	r := NewRegistry(Config{Google: f.provider("/google/userinfo")}, f.Client())

	req, err := r.Start(identity.ProviderGoogle)
	require.NoError(t, err)
	assert.NotEmpty(t, req.State)
	assert.NotEmpty(t, req.Verifier)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, req.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEqual(t, req.Verifier, q.Get("code_challenge"))
	assert.Equal(t, "client", q.Get("client_id"))

	again, err := r.Start(identity.ProviderGoogle)
	require.NoError(t, err)
	assert.NotEqual(t, req.State, again.State)
}

func TestRegistry_CompleteGoogle(t *testing.T) {
	f := newFakeProvider(t)
	r := NewRegistry(Config{Google: f.provider("/google/userinfo")}, f.Client())

	prof, err := r.Complete(context.Background(), identity.ProviderGoogle, "good-code", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, Profile{
		Provider:      identity.ProviderGoogle,
		Subject:       "g-1",
		Email:         "g@x.com",
		EmailVerified: true,
		Name:          "Gee",
	}, prof)
	assert.Equal(t, "verifier-1", f.gotVerifier)
}

func TestRegistry_CompleteRejectsUnverifiedEmail(t *testing.T) {
	f := newFakeProvider(t)
	r := NewRegistry(Config{Google: f.provider("/google/unverified")}, f.Client())

	_, err := r.Complete(context.Background(), identity.ProviderGoogle, "good-code", "v")
	assert.ErrorIs(t, err, ErrUnverifiedEmail)
}

func TestRegistry_CompleteMicrosoftFallsBackToUPN(t *testing.T) {
	f := newFakeProvider(t)
	r := NewRegistry(Config{Microsoft: f.provider("/graph/me")}, f.Client())

	prof, err := r.Complete(context.Background(), identity.ProviderMicrosoft, "good-code", "v")
	require.NoError(t, err)
	assert.Equal(t, "ms-1", prof.Subject)
	assert.Equal(t, "ms@x.com", prof.Email)
	assert.Equal(t, "Em Es", prof.Name)
}

func TestRegistry_CompleteGitHubUsesPrimaryVerifiedEmail(t *testing.T) {
	f := newFakeProvider(t)
	r := NewRegistry(Config{GitHub: f.provider("/github/user")}, f.Client())

	prof, err := r.Complete(context.Background(), identity.ProviderGitHub, "good-code", "v")
	require.NoError(t, err)
	assert.Equal(t, "42", prof.Subject)
	assert.Equal(t, "dev@x.com", prof.Email)
	assert.Equal(t, "octo", prof.Name)

	f.emails = []map[string]any{{"email": "dev@x.com", "primary": true, "verified": false}}
	_, err = r.Complete(context.Background(), identity.ProviderGitHub, "good-code", "v")
	assert.ErrorIs(t, err, ErrUnverifiedEmail)
}

func TestRegistry_CompleteBadCode(t *testing.T) {
	f := newFakeProvider(t)
	r := NewRegistry(Config{Google: f.provider("/google/userinfo")}, f.Client())

	_, err := r.Complete(context.Background(), identity.ProviderGoogle, "bad-code", "v")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExchange))
}

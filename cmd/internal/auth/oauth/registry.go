package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"pulse/cmd/identity"
)

// Profile is the provider's view of the signed-in user.
type Profile struct {
	Provider      identity.Provider
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// AuthRequest is the redirect target plus the values the caller must keep
// (usually in short-lived cookies) until the callback arrives.
type AuthRequest struct {
	URL      string
	State    string
	Verifier string
}

type provider struct {
	id          identity.Provider
	conf        *oauth2.Config
	userInfoURL string
	emailsURL   string
}

// Registry holds the enabled providers.
type Registry struct {
	providers map[identity.Provider]*provider
	client    *http.Client
}

// NewRegistry builds a Registry from cfg. httpClient is used for code
// exchange and user info calls; nil selects a client with a 10s timeout.
func NewRegistry(cfg Config, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	r := &Registry{providers: map[identity.Provider]*provider{}, client: httpClient}
	for id, pc := range cfg.byProvider() {
		if !pc.Enabled() {
			continue
		}
		d := providerDefaults[id]

		endpoint := d.endpoint
		if pc.AuthURL != "" {
			endpoint.AuthURL = pc.AuthURL
		}
		if pc.TokenURL != "" {
			endpoint.TokenURL = pc.TokenURL
		}
		scopes := pc.Scopes
		if len(scopes) == 0 {
			scopes = d.scopes
		}

		p := &provider{
			id: id,
			conf: &oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Endpoint:     endpoint,
				RedirectURL:  pc.RedirectURL,
				Scopes:       scopes,
			},
			userInfoURL: firstNonEmpty(pc.UserInfoURL, d.userInfoURL),
			emailsURL:   firstNonEmpty(pc.EmailsURL, d.emailsURL),
		}
		r.providers[id] = p
	}
	return r
}

// Providers returns the enabled providers in name order.
func (r *Registry) Providers() []identity.Provider {
	out := make([]identity.Provider, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enabled reports whether p is configured.
func (r *Registry) Enabled(p identity.Provider) bool {
	_, ok := r.providers[p]
	return ok
}

// Start begins the flow for p.
func (r *Registry) Start(p identity.Provider) (AuthRequest, error) {
	prov, ok := r.providers[p]
	if !ok {
		return AuthRequest{}, ErrUnknownProvider
	}

	state, err := randomState()
	if err != nil {
		return AuthRequest{}, err
	}
	verifier := oauth2.GenerateVerifier()

	return AuthRequest{
		URL:      prov.conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:    state,
		Verifier: verifier,
	}, nil
}

// Complete exchanges code for a provider token and fetches the profile.
func (r *Registry) Complete(ctx context.Context, p identity.Provider, code, verifier string) (Profile, error) {
	prov, ok := r.providers[p]
	if !ok {
		return Profile{}, ErrUnknownProvider
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok, err := prov.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrExchange, err)
	}

	client := prov.conf.Client(ctx, tok)
	var prof Profile
	switch p {
	case identity.ProviderGoogle:
		prof, err = fetchGoogle(ctx, client, prov.userInfoURL)
	case identity.ProviderMicrosoft:
		prof, err = fetchMicrosoft(ctx, client, prov.userInfoURL)
	case identity.ProviderGitHub:
		prof, err = fetchGitHub(ctx, client, prov.userInfoURL, prov.emailsURL)
	default:
		return Profile{}, ErrUnknownProvider
	}
	if err != nil {
		return Profile{}, err
	}
	prof.Provider = p

	if prof.Subject == "" {
		return Profile{}, fmt.Errorf("%w: missing subject", ErrProfile)
	}
	if prof.Email == "" || !prof.EmailVerified {
		return Profile{}, ErrUnverifiedEmail
	}
	return prof, nil
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("oauth: state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

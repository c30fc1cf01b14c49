package oauth

import (
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"pulse/cmd/identity"
)

var (
	ErrUnknownProvider = errors.New("oauth: provider not configured")
	ErrExchange        = errors.New("oauth: code exchange failed")
	ErrProfile         = errors.New("oauth: user info request failed")
	ErrUnverifiedEmail = errors.New("oauth: provider returned no verified email")
)

// ProviderConfig holds the client registration of one provider.
// A provider with an empty ClientID is disabled.
//
// AuthURL, TokenURL and UserInfoURL override the provider's public
// endpoints; EmailsURL applies to GitHub only.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	EmailsURL   string
}

func (c ProviderConfig) Enabled() bool { return c.ClientID != "" }

// Config lists the provider registrations.
type Config struct {
	Google    ProviderConfig
	Microsoft ProviderConfig
	GitHub    ProviderConfig
}

type defaults struct {
	endpoint    oauth2.Endpoint
	scopes      []string
	userInfoURL string
	emailsURL   string
}

var providerDefaults = map[identity.Provider]defaults{
	identity.ProviderGoogle: {
		endpoint:    google.Endpoint,
		scopes:      []string{"openid", "email", "profile"},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	},
	identity.ProviderMicrosoft: {
		endpoint:    microsoft.AzureADEndpoint("common"),
		scopes:      []string{"openid", "email", "profile", "User.Read"},
		userInfoURL: "https://graph.microsoft.com/v1.0/me",
	},
	identity.ProviderGitHub: {
		endpoint:    github.Endpoint,
		scopes:      []string{"read:user", "user:email"},
		userInfoURL: "https://api.github.com/user",
		emailsURL:   "https://api.github.com/user/emails",
	},
}

func (c Config) byProvider() map[identity.Provider]ProviderConfig {
	return map[identity.Provider]ProviderConfig{
		identity.ProviderGoogle:    c.Google,
		identity.ProviderMicrosoft: c.Microsoft,
		identity.ProviderGitHub:    c.GitHub,
	}
}

package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pulse/cmd/internal/auth/api"
	"pulse/cmd/internal/auth/oauth"
	"pulse/cmd/internal/auth/session"
	"pulse/cmd/security/password"
)

// EnvConfigFile names an optional YAML/JSON/TOML config file. Environment
// variables (PULSE_<SECTION>_<KEY>) override file values.
const EnvConfigFile = "PULSE_CONFIG"

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

type DBConfig struct {
	URL      string `mapstructure:"url"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	// Migrate applies the embedded DDL at startup.
	Migrate bool `mapstructure:"migrate"`
	// RequireForReadiness makes /readyz fail when no database is configured.
	RequireForReadiness bool `mapstructure:"require_for_readiness"`
}

type AuthConfig struct {
	Secret            string        `mapstructure:"secret"`
	Issuer            string        `mapstructure:"issuer"`
	Audience          string        `mapstructure:"audience"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `mapstructure:"refresh_token_ttl"`
	ClockSkew         time.Duration `mapstructure:"clock_skew"`
	RefreshTokenBytes int           `mapstructure:"refresh_token_bytes"`
	TokenFormat       string        `mapstructure:"token_format"`
	ReuseDetection    bool          `mapstructure:"reuse_detection"`
	ReuseGrace        time.Duration `mapstructure:"reuse_grace"`

	// TokenHMACKey keys refresh-token hashing. RequireTokenHMAC makes it mandatory.
	TokenHMACKey     string `mapstructure:"token_hmac_key"`
	RequireTokenHMAC bool   `mapstructure:"require_token_hmac"`

	TrustProxy       bool          `mapstructure:"trust_proxy"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	LoginIPMax       int           `mapstructure:"login_ip_max"`
	LoginIPWindow    time.Duration `mapstructure:"login_ip_window"`
	LoginEmailMax    int           `mapstructure:"login_email_max"`
	LoginEmailWindow time.Duration `mapstructure:"login_email_window"`
}

type PasswordConfig struct {
	MemoryKiB      uint32 `mapstructure:"memory_kib"`
	Iterations     uint32 `mapstructure:"iterations"`
	Parallelism    uint8  `mapstructure:"parallelism"`
	MinLength      int    `mapstructure:"min_length"`
	MaxLength      int    `mapstructure:"max_length"`
	RejectVeryWeak bool   `mapstructure:"reject_very_weak"`
}

type OAuthProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

type OAuthConfig struct {
	Google         OAuthProviderConfig `mapstructure:"google"`
	Microsoft      OAuthProviderConfig `mapstructure:"microsoft"`
	GitHub         OAuthProviderConfig `mapstructure:"github"`
	CookieTTL      time.Duration       `mapstructure:"cookie_ttl"`
	CookieSecure   bool                `mapstructure:"cookie_secure"`
	CookieSameSite string              `mapstructure:"cookie_samesite"`
	CookieDomain   string              `mapstructure:"cookie_domain"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAgeSeconds    int      `mapstructure:"max_age_seconds"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config contains all runtime configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Password PasswordConfig `mapstructure:"password"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)

	v.SetDefault("db.url", "")
	v.SetDefault("db.schema", "pulse")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.migrate", false)
	v.SetDefault("db.require_for_readiness", false)

	sess := session.DefaultConfig()
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", sess.Issuer)
	v.SetDefault("auth.audience", sess.Audience)
	v.SetDefault("auth.access_token_ttl", sess.AccessTokenTTL)
	v.SetDefault("auth.refresh_token_ttl", sess.RefreshTokenTTL)
	v.SetDefault("auth.clock_skew", sess.ClockSkew)
	v.SetDefault("auth.refresh_token_bytes", sess.RefreshTokenBytes)
	v.SetDefault("auth.token_format", string(sess.TokenFormat))
	v.SetDefault("auth.reuse_detection", sess.ReuseDetection)
	v.SetDefault("auth.reuse_grace", sess.ReuseGrace)
	v.SetDefault("auth.token_hmac_key", "")
	v.SetDefault("auth.require_token_hmac", false)

	a := api.DefaultConfig()
	v.SetDefault("auth.trust_proxy", a.TrustProxy)
	v.SetDefault("auth.max_body_bytes", a.MaxBodyBytes)
	v.SetDefault("auth.login_ip_max", a.LoginIPMax)
	v.SetDefault("auth.login_ip_window", a.LoginIPWindow)
	v.SetDefault("auth.login_email_max", a.LoginEmailMax)
	v.SetDefault("auth.login_email_window", a.LoginEmailWindow)

	pw := password.DefaultConfig()
	v.SetDefault("password.memory_kib", pw.Params.MemoryKiB)
	v.SetDefault("password.iterations", pw.Params.Iterations)
	v.SetDefault("password.parallelism", pw.Params.Parallelism)
	v.SetDefault("password.min_length", pw.Policy.MinLength)
	v.SetDefault("password.max_length", pw.Policy.MaxLength)
	v.SetDefault("password.reject_very_weak", pw.Policy.RejectVeryWeak)

	for _, p := range []string{"google", "microsoft", "github"} {
		v.SetDefault("oauth."+p+".client_id", "")
		v.SetDefault("oauth."+p+".client_secret", "")
		v.SetDefault("oauth."+p+".redirect_url", "")
	}
	v.SetDefault("oauth.cookie_ttl", a.OAuthCookieTTL)
	v.SetDefault("oauth.cookie_secure", a.CookieSecure)
	v.SetDefault("oauth.cookie_samesite", "lax")
	v.SetDefault("oauth.cookie_domain", "")

	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age_seconds", 600)

	v.SetDefault("metrics.enabled", true)
}

// LoadConfig reads defaults, the optional PULSE_CONFIG file and PULSE_* env vars.
func LoadConfig() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names kept for operators and the integration test harness.
	_ = v.BindEnv("db.url", "PULSE_DATABASE_URL", "PULSE_DB_URL")
	_ = v.BindEnv("auth.token_hmac_key", "PULSE_TOKEN_HMAC_KEY", "PULSE_AUTH_TOKEN_HMAC_KEY")
	_ = v.BindEnv("auth.require_token_hmac", "PULSE_REQUIRE_TOKEN_HMAC", "PULSE_AUTH_REQUIRE_TOKEN_HMAC")

	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Session maps the auth section to session.Config.
func (c Config) Session() session.Config {
	return session.Config{
		Secret:            c.Auth.Secret,
		Issuer:            c.Auth.Issuer,
		Audience:          c.Auth.Audience,
		AccessTokenTTL:    c.Auth.AccessTokenTTL,
		RefreshTokenTTL:   c.Auth.RefreshTokenTTL,
		ClockSkew:         c.Auth.ClockSkew,
		RefreshTokenBytes: c.Auth.RefreshTokenBytes,
		TokenFormat:       session.TokenFormat(strings.ToLower(strings.TrimSpace(c.Auth.TokenFormat))),
		ReuseDetection:    c.Auth.ReuseDetection,
		ReuseGrace:        c.Auth.ReuseGrace,
	}
}

// Passwords maps the password section onto the package defaults.
func (c Config) Passwords() password.Config {
	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = c.Password.MemoryKiB
	pw.Params.Iterations = c.Password.Iterations
	pw.Params.Parallelism = c.Password.Parallelism
	pw.Policy.MinLength = c.Password.MinLength
	pw.Policy.MaxLength = c.Password.MaxLength
	pw.Policy.RejectVeryWeak = c.Password.RejectVeryWeak
	return pw
}

// API maps throttling and cookie settings to api.Config.
func (c Config) API() api.Config {
	return api.Config{
		TrustProxy:       c.Auth.TrustProxy,
		MaxBodyBytes:     c.Auth.MaxBodyBytes,
		LoginIPMax:       c.Auth.LoginIPMax,
		LoginIPWindow:    c.Auth.LoginIPWindow,
		LoginEmailMax:    c.Auth.LoginEmailMax,
		LoginEmailWindow: c.Auth.LoginEmailWindow,
		OAuthCookieTTL:   c.OAuth.CookieTTL,
		CookieSecure:     c.OAuth.CookieSecure,
		CookieSameSite:   api.ParseSameSite(c.OAuth.CookieSameSite),
		CookieDomain:     c.OAuth.CookieDomain,
	}
}

// OAuthProviders maps the oauth section to oauth.Config.
func (c Config) OAuthProviders() oauth.Config {
	conv := func(p OAuthProviderConfig) oauth.ProviderConfig {
		return oauth.ProviderConfig{
			ClientID:     strings.TrimSpace(p.ClientID),
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
		}
	}
	return oauth.Config{
		Google:    conv(c.OAuth.Google),
		Microsoft: conv(c.OAuth.Microsoft),
		GitHub:    conv(c.OAuth.GitHub),
	}
}

// Validate checks what cannot be deferred to first use. Signing problems
// are fatal at startup.
func (c Config) Validate() error {
	if err := c.Session().Validate(); err != nil {
		return err
	}
	if err := c.Passwords().Check(); err != nil {
		return err
	}
	for name, p := range map[string]OAuthProviderConfig{
		"google": c.OAuth.Google, "microsoft": c.OAuth.Microsoft, "github": c.OAuth.GitHub,
	} {
		if p.ClientID != "" && (p.ClientSecret == "" || p.RedirectURL == "") {
			return fmt.Errorf("oauth %s: client_secret and redirect_url are required when client_id is set", name)
		}
	}
	if c.DB.Migrate && c.DB.URL == "" {
		return errors.New("db.migrate requires db.url")
	}
	return nil
}

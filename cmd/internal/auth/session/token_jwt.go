package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pulse/cmd/identity"
)

type jwtClaims struct {
	UniqueName string `json:"unique_name"`
	Email      string `json:"email"`
	jwt.RegisteredClaims
}

type jwtManager struct {
	issuer    string
	audience  string
	ttl       time.Duration
	clockSkew time.Duration
	secret    []byte
}

func newJWTManager(cfg Config) *jwtManager {
	return &jwtManager{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    []byte(cfg.Secret),
	}
}

func (m *jwtManager) Format() TokenFormat { return FormatJWT }

func (m *jwtManager) Issue(u identity.User, now time.Time) (string, time.Time, error) {
	sub, username, email, err := subjectOf(u)
	if err != nil {
		return "", time.Time{}, err
	}

	// NumericDate has second precision; report the exp that is actually encoded.
	iat := now.Truncate(time.Second)
	exp := iat.Add(m.ttl)

	claims := jwtClaims{
		UniqueName: username,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{m.audience},
			ExpiresAt: jwt.NewNumericDate(exp),
			NotBefore: jwt.NewNumericDate(iat),
			IssuedAt:  jwt.NewNumericDate(iat),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *jwtManager) Verify(token string, now time.Time) (AccessClaims, error) {
	if !plausibleToken(token) {
		return AccessClaims{}, ErrInvalidToken
	}

	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var c jwtClaims
	_, err := p.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return m.secret, nil })
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	if c.Subject == "" || c.ID == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	out := AccessClaims{
		UserID:   c.Subject,
		Username: c.UniqueName,
		Email:    c.Email,
		TokenID:  c.ID,
		Issuer:   c.Issuer,
		Audience: m.audience,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.NotBefore != nil {
		out.NotBefore = c.NotBefore.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

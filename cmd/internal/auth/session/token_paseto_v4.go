package session

import (
	"crypto/sha256"
	"errors"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/google/uuid"

	"pulse/cmd/identity"
)

// pasetoKeyContext separates the derived PASETO key from the raw HS256 secret.
const pasetoKeyContext = "pulse/paseto/v4.local:"

type pasetoV4LocalManager struct {
	issuer    string
	audience  string
	ttl       time.Duration
	clockSkew time.Duration

	key paseto.V4SymmetricKey
}

func newPasetoV4LocalManager(cfg Config) (AccessTokenManager, error) {
	sum := sha256.Sum256([]byte(pasetoKeyContext + cfg.Secret))
	key, err := paseto.V4SymmetricKeyFromBytes(sum[:])
	if err != nil {
		return nil, ErrConfig
	}

	return &pasetoV4LocalManager{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		key:       key,
	}, nil
}

func (m *pasetoV4LocalManager) Format() TokenFormat { return FormatPasetoV4Local }

func (m *pasetoV4LocalManager) Issue(u identity.User, now time.Time) (string, time.Time, error) {
	sub, username, email, err := subjectOf(u)
	if err != nil {
		return "", time.Time{}, err
	}

	// Registered time claims are RFC 3339 with second precision.
	iat := now.Truncate(time.Second)
	exp := iat.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetAudience(m.audience)
	tok.SetSubject(sub)
	tok.SetJti(uuid.NewString())
	tok.SetIssuedAt(iat)
	tok.SetNotBefore(iat)
	tok.SetExpiration(exp)
	tok.SetString("unique_name", username)
	tok.SetString("email", email)

	return tok.V4Encrypt(m.key, nil), exp, nil
}

var errPasetoTime = errors.New("token not valid at this time")

// validWithSkew checks nbf and exp against now with a symmetric leeway.
func validWithSkew(now time.Time, skew time.Duration) paseto.Rule {
	return func(t paseto.Token) error {
		exp, err := t.GetExpiration()
		if err != nil {
			return err
		}
		if !now.Before(exp.Add(skew)) {
			return errPasetoTime
		}
		nbf, err := t.GetNotBefore()
		if err != nil {
			return err
		}
		if now.Add(skew).Before(nbf) {
			return errPasetoTime
		}
		return nil
	}
}

func (m *pasetoV4LocalManager) Verify(token string, now time.Time) (AccessClaims, error) {
	if !plausibleToken(token) {
		return AccessClaims{}, ErrInvalidToken
	}

	// Fresh parser per call so rules never accumulate across verifies.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ForAudience(m.audience))
	p.AddRule(validWithSkew(now, m.clockSkew))

	parsed, err := p.ParseV4Local(m.key, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	jti, err := parsed.GetJti()
	if err != nil || jti == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	aud, _ := parsed.GetAudience()
	iat, _ := parsed.GetIssuedAt()
	nbf, _ := parsed.GetNotBefore()
	exp, _ := parsed.GetExpiration()
	username, _ := parsed.GetString("unique_name")
	email, _ := parsed.GetString("email")

	return AccessClaims{
		UserID:    sub,
		Username:  username,
		Email:     email,
		TokenID:   jti,
		Issuer:    iss,
		Audience:  aud,
		IssuedAt:  iat,
		NotBefore: nbf,
		ExpiresAt: exp,
	}, nil
}

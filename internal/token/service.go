package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type discriminates access tokens from refresh tokens. A token only ever
// satisfies a verification for its own type.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

var (
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("token signature invalid")
	ErrMalformed    = errors.New("token malformed")
	ErrWrongType    = errors.New("token type mismatch")
)

// Claims is the validated claim set returned by Verify.
type Claims struct {
	Subject   string
	Issuer    string
	Type      Type
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service issues and verifies HS256-signed compact tokens. Verify is the
// single verification chokepoint for the whole backend, so key rotation can
// land here without touching call sites.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// MinSecretBytes is the secret length below which NewService reports a
// configuration warning (256 bits).
const MinSecretBytes = 32

func NewService(secret, issuer string) (*Service, bool, error) {
	if secret == "" {
		return nil, false, errors.New("signing secret is required")
	}
	weak := len(secret) < MinSecretBytes

	return &Service{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, weak, nil
}

// WithClock overrides the time source. Test hook only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Issue(subject string, typ Type, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if typ != TypeAccess && typ != TypeRefresh {
		return "", fmt.Errorf("unknown token type %q", typ)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := s.now().UTC()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": s.issuer,
		"typ": string(typ),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return encoded, nil
}

// Verify checks signature, then expiry, then type, and returns exactly one
// tagged failure when the token is rejected. No claim is trusted before the
// signature check passes.
func (s *Service) Verify(raw string, want Type) (Claims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return Claims{}, ErrBadSignature
		default:
			return Claims{}, ErrMalformed
		}
	}
	if !parsed.Valid {
		return Claims{}, ErrBadSignature
	}

	typ, _ := claims["typ"].(string)
	if Type(typ) != want {
		return Claims{}, ErrWrongType
	}

	subject, _ := claims["sub"].(string)
	issuer, _ := claims["iss"].(string)
	if subject == "" {
		return Claims{}, ErrMalformed
	}

	out := Claims{
		Subject: subject,
		Issuer:  issuer,
		Type:    Type(typ),
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time.UTC()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}

	return out, nil
}

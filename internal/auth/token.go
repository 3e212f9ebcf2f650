package auth

import (
	"crypto/rand"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const issuerName = "areawatch"

// operatorClaims binds a signed token to one operator account. The
// jti is fresh per login, so individual sessions stay distinguishable
// in request logs.
type operatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// tokenSigner issues and verifies HS256 session tokens.
type tokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// newTokenSigner reads AREAWATCH_JWT_SECRET and AREAWATCH_JWT_EXPIRY.
// Without a configured secret a random per-process one is used, which
// invalidates sessions across restarts; fine for bench setups.
func newTokenSigner() *tokenSigner {
	secret := []byte(os.Getenv("AREAWATCH_JWT_SECRET"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
	}

	ttl := 24 * time.Hour
	if v := os.Getenv("AREAWATCH_JWT_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ttl = d
		}
	}

	return &tokenSigner{secret: secret, ttl: ttl}
}

// Issue signs a session token for the operator and returns it with its
// expiry time.
func (ts *tokenSigner) Issue(operator string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ts.ttl)

	claims := operatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses a token and returns the operator it was issued to.
// Tokens from another issuer, with a foreign signature, without an
// expiry, or past it are all rejected.
func (ts *tokenSigner) Verify(raw string) (string, error) {
	var claims operatorClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return ts.secret, nil
	}, jwt.WithIssuer(issuerName), jwt.WithExpirationRequired())

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	default:
		return "", ErrInvalidToken
	}

	if claims.Operator == "" {
		return "", ErrInvalidToken
	}
	return claims.Operator, nil
}

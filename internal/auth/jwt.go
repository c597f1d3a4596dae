package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// OperatorClaims are the claims robotd expects in an operator token.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// HS256 validates HMAC-signed JWTs against a shared secret. Issuer, when set,
// must match the token's iss claim.
type HS256 struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
}

func NewHS256(secret, issuer string) (HS256, error) {
	if strings.TrimSpace(secret) == "" {
		return HS256{}, errors.New("auth: empty hs256 secret")
	}
	return HS256{Secret: []byte(secret), Issuer: issuer, Leeway: 5 * time.Second}, nil
}

func (v HS256) Validate(token string) error {
	_, err := v.Parse(token)
	return err
}

// Parse verifies token and returns its claims.
func (v HS256) Parse(token string) (*OperatorClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" || len(v.Secret) == 0 {
		return nil, ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		log.Debug().Err(err).Msg("auth.HS256 rejected token")
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// Sign issues a token for subject valid for ttl. Used by robotctl and tests.
func (v HS256) Sign(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}

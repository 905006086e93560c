package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("jwt verifier: signing key required")
	ErrMissingIssuer     = errors.New("jwt verifier: issuer required")
)

// Claims mirrors the JWT payload emitted by the platform's auth service.
type Claims struct {
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// JWTVerifierConfig describes how to validate HS256 tokens.
type JWTVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// JWTVerifier validates HS256 JWTs signed with a secret shared with the auth service.
type JWTVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewJWTVerifier constructs a verifier with the provided configuration.
func NewJWTVerifier(cfg JWTVerifierConfig) (*JWTVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &JWTVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Verify validates the supplied JWT string and returns the identity it names.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	return Identity{Subject: subject, DisplayName: strings.TrimSpace(claims.UserDisplayName)}, nil
}

// Package auth implements the Authentication Gate that admits connections to document rooms.
package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrRejected is the only failure surfaced to callers of Gate.Verify.
	ErrRejected = errors.New("auth: token rejected")

	// ErrMissingToken indicates an empty bearer token.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates a token the authority refused.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates a token past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")

	errMissingVerifier = errors.New("auth: verifier required")
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	Subject     string
	DisplayName string
}

// Verifier validates a bearer token against an identity authority.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Gate consults the configured Verifier once per call and collapses every failure into
// ErrRejected. Results are never cached.
type Gate struct {
	verifier Verifier
	logger   *zap.Logger
}

// NewGate constructs a Gate.
func NewGate(verifier Verifier, logger *zap.Logger) (*Gate, error) {
	if verifier == nil {
		return nil, errMissingVerifier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{verifier: verifier, logger: logger}, nil
}

// Verify returns the token's identity or ErrRejected.
func (g *Gate) Verify(ctx context.Context, token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		g.logger.Info("token rejected", zap.Error(ErrMissingToken))
		return Identity{}, ErrRejected
	}

	identity, err := g.verifier.Verify(ctx, trimmed)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			g.logger.Info("token validation failed", zap.Error(err))
		} else {
			g.logger.Warn("token validation failed", zap.Error(err))
		}
		return Identity{}, ErrRejected
	}
	if strings.TrimSpace(identity.Subject) == "" {
		g.logger.Warn("token validation failed", zap.String("reason", "missing subject"))
		return Identity{}, ErrRejected
	}
	return identity, nil
}

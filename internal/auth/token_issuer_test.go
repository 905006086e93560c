package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerIssuesVerifiableTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      15 * time.Minute,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresAt, err := issuer.Issue(Identity{Subject: "user-321", DisplayName: "Grace"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	identity, err := newTestVerifier(t, clockNow).Verify(context.Background(), tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if identity.Subject != "user-321" || identity.DisplayName != "Grace" {
		t.Fatalf("unexpected identity %#v", identity)
	}

	if _, err := newTestVerifier(t, clockNow.Add(time.Hour)).Verify(context.Background(), tokenString); err == nil {
		t.Fatalf("expected token to expire after its ttl")
	}
}

func TestTokenIssuerRejectsMissingSecretAndIssuer(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: testIssuer}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: " "}); err == nil {
		t.Fatalf("expected constructor error for missing issuer")
	}
}

func TestTokenIssuerRequiresSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue(Identity{}); err == nil {
		t.Fatalf("expected error for missing subject")
	}
}

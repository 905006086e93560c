package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newRemoteVerifier(t *testing.T, handler http.HandlerFunc) (*RemoteVerifier, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	verifier, err := NewRemoteVerifier(RemoteVerifierConfig{Endpoint: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier, &calls
}

func TestRemoteVerifierReturnsIdentity(t *testing.T) {
	verifier, calls := newRemoteVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subject":" user-123 ","display_name":"Ada"}`))
	})

	for attempt := 0; attempt < 2; attempt++ {
		identity, err := verifier.Verify(context.Background(), "token-1")
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if identity.Subject != "user-123" || identity.DisplayName != "Ada" {
			t.Fatalf("unexpected identity %#v", identity)
		}
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected every verification to reach the authority, got %d calls", got)
	}
}

func TestRemoteVerifierFailures(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		body        string
		wantInvalid bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantInvalid: true},
		{name: "forbidden", status: http.StatusForbidden, wantInvalid: true},
		{name: "missing subject", status: http.StatusOK, body: `{"display_name":"Ada"}`, wantInvalid: true},
		{name: "authority error", status: http.StatusBadGateway},
		{name: "malformed body", status: http.StatusOK, body: `{`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			verifier, _ := newRemoteVerifier(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			})
			_, err := verifier.Verify(context.Background(), "token-1")
			if err == nil {
				t.Fatalf("expected error")
			}
			if errors.Is(err, ErrInvalidToken) != testCase.wantInvalid {
				t.Fatalf("unexpected error classification: %v", err)
			}
		})
	}
}

func TestRemoteVerifierSkipsAuthorityForEmptyToken(t *testing.T) {
	verifier, calls := newRemoteVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if _, err := verifier.Verify(context.Background(), "  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Fatalf("expected no authority calls")
	}
}

func TestNewRemoteVerifierRequiresEndpoint(t *testing.T) {
	if _, err := NewRemoteVerifier(RemoteVerifierConfig{Endpoint: " "}); !errors.Is(err, errMissingEndpoint) {
		t.Fatalf("expected errMissingEndpoint, got %v", err)
	}
}

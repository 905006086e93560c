package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRemoteTimeout      = 5 * time.Second
	maxRemoteResponseBytes    = 64 << 10
	remoteAuthorizationPrefix = "Bearer "
)

var errMissingEndpoint = errors.New("remote verifier: endpoint required")

// RemoteVerifierConfig configures a RemoteVerifier.
type RemoteVerifierConfig struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// RemoteVerifier asks the platform's auth service whether a token is valid. Every call
// reaches the service.
type RemoteVerifier struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

type remoteIdentity struct {
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name"`
}

// NewRemoteVerifier constructs a verifier with validated configuration.
func NewRemoteVerifier(cfg RemoteVerifierConfig) (*RemoteVerifier, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteVerifier{endpoint: endpoint, httpClient: httpClient, timeout: timeout}, nil
}

// Verify performs one GET against the endpoint with the token as bearer credentials.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrMissingToken
	}

	requestContext, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestContext, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return Identity{}, err
	}
	request.Header.Set("Authorization", remoteAuthorizationPrefix+token)
	request.Header.Set("Accept", "application/json")

	response, err := v.httpClient.Do(request)
	if err != nil {
		return Identity{}, fmt.Errorf("remote verifier: %w", err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Identity{}, fmt.Errorf("%w: authority returned status %d", ErrInvalidToken, response.StatusCode)
	default:
		return Identity{}, fmt.Errorf("remote verifier: authority returned status %d", response.StatusCode)
	}

	var payload remoteIdentity
	if err := json.NewDecoder(io.LimitReader(response.Body, maxRemoteResponseBytes)).Decode(&payload); err != nil {
		return Identity{}, fmt.Errorf("remote verifier: decode response: %w", err)
	}
	subject := strings.TrimSpace(payload.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	return Identity{Subject: subject, DisplayName: strings.TrimSpace(payload.DisplayName)}, nil
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

const (
	maxContentBytes    = 32 << 20
	contentPathSuffix  = "/content"
	contentTypeJSON    = "application/json"
	authorizationValue = "Bearer "
)

var errMissingStoreEndpoint = errors.New("http store: endpoint required")

// HTTPStoreConfig configures an HTTPStore.
type HTTPStoreConfig struct {
	Endpoint   string
	HTTPClient *http.Client
}

// HTTPStore talks to the platform's article API:
// GET {endpoint}/{id}/content and PATCH {endpoint}/{id}/content.
type HTTPStore struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPStore constructs a store against the article API base URL.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errMissingStoreEndpoint
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("http store: invalid endpoint: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPStore{endpoint: endpoint, httpClient: httpClient}, nil
}

func (s *HTTPStore) contentURL(documentID crdt.DocumentID) string {
	return s.endpoint + "/" + url.PathEscape(documentID.String()) + contentPathSuffix
}

// Fetch downloads the rendered content. A 404 maps to ErrNotFound.
func (s *HTTPStore) Fetch(ctx context.Context, documentID crdt.DocumentID) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.contentURL(documentID), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", contentTypeJSON)

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("http store: fetch %s: %w", documentID, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("http store: fetch %s returned status %d", documentID, response.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(response.Body, maxContentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("http store: read %s: %w", documentID, err)
	}
	if len(content) > maxContentBytes {
		return nil, fmt.Errorf("http store: content for %s exceeds %d bytes", documentID, maxContentBytes)
	}
	return content, nil
}

// Store uploads the rendered content with the triggering session's credentials.
func (s *HTTPStore) Store(ctx context.Context, documentID crdt.DocumentID, content []byte, credentials Credentials) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.contentURL(documentID), bytes.NewReader(content))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", contentTypeJSON)
	if credentials.Token != "" {
		request.Header.Set("Authorization", authorizationValue+credentials.Token)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("http store: store %s: %w", documentID, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("http store: store %s returned status %d", documentID, response.StatusCode)
	}
	return nil
}

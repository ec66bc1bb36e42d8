package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// profilePath is appended to the tenant API base URL.
const profilePath = "/tenant/ava-profile"

// maxProfileBody caps the size of a profile response.
const maxProfileBody = 1 << 20

// HTTPSource fetches profiles from the tenant API.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Source = (*HTTPSource)(nil)

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient replaces the default client (5 s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// NewHTTPSource returns a source for the API at baseURL. token is sent as a
// bearer service token when non-empty.
func NewHTTPSource(baseURL, token string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load implements [Source]. Fields missing from the response keep their
// default values. A 404 yields [ErrNotFound].
func (s *HTTPSource) Load(ctx context.Context, tenantID string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+profilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("profile: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileBody))
		return nil, fmt.Errorf("profile: fetch: unexpected status %d", resp.StatusCode)
	}

	p := Defaults(tenantID)
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBody)).Decode(p); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	p.TenantID = tenantID
	return p, nil
}

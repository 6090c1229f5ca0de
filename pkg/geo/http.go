package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxResponseSize = 64 << 10

// HTTPProvider queries an ipgeolocation.io compatible JSON API.
type HTTPProvider struct {
	baseURL   string
	apiKey    string
	userAgent string
	client    *http.Client
}

type httpLookupResponse struct {
	CountryName string `json:"country_name"`
	City        string `json:"city"`
}

// StatusError is returned when the provider answers with a non-200 status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// NewHTTPProvider creates a new HTTP provider
func NewHTTPProvider(config Config) (*HTTPProvider, error) {
	if config.BaseURL == "" {
		return nil, errors.New("geo: http provider requires a base URL")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("geo: invalid base URL: %w", err)
	}

	return &HTTPProvider{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		apiKey:    config.APIKey,
		userAgent: config.UserAgent,
		// The per-call deadline comes from the caller's context.
		client: &http.Client{},
	}, nil
}

// Lookup fetches the location for ip.
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	q := url.Values{}
	q.Set("ip", ip)
	if p.apiKey != "" {
		q.Set("apiKey", p.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/ipgeo?"+q.Encode(), nil)
	if err != nil {
		return Location{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("failed to query provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, &StatusError{Code: resp.StatusCode}
	}

	var body httpLookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Location{
		Country: strings.TrimSpace(body.CountryName),
		City:    strings.TrimSpace(body.City),
	}, nil
}

// Package geo resolves client IP addresses to ISO country codes via an
// external HTTP lookup API. Lookups are best-effort: a failure attributes
// the click to "unknown" and is journaled for later inspection.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Resolver answers country lookups for an IP address.
type Resolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// HTTPResolver queries a JSON geolocation endpoint of the form
// GET {endpoint}/{ip} → {"countryCode": "JP", ...}.
type HTTPResolver struct {
	client   *http.Client
	endpoint string
}

// NewHTTPResolver builds a resolver against the given endpoint.
func NewHTTPResolver(endpoint string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
	}
}

// Country resolves ip to a country code.
func (r *HTTPResolver) Country(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/"+ip, nil)
	if err != nil {
		return "", fmt.Errorf("build geo request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo lookup returned %d", resp.StatusCode)
	}

	var body struct {
		CountryCode string `json:"countryCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode geo response: %w", err)
	}
	if body.CountryCode == "" {
		return "", fmt.Errorf("geo lookup returned empty country for %s", ip)
	}
	return body.CountryCode, nil
}

// Static always answers with a fixed country. Useful in tests and when geo
// lookups are disabled.
type Static string

// Country implements Resolver.
func (s Static) Country(context.Context, string) (string, error) { return string(s), nil }

// Package geo resolves client IP addresses to a country and city using an
// external provider. Providers are treated as unreliable: callers must bound
// every lookup with a context deadline.
package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Supported provider types.
const (
	ProviderHTTP   = "http"
	ProviderGeoIP2 = "geoip2"
)

var (
	// ErrMalformed is returned when the provider answered with data that
	// could not be decoded.
	ErrMalformed = errors.New("geo: malformed provider response")

	// ErrInvalidIP is returned for addresses that cannot be parsed.
	ErrInvalidIP = errors.New("geo: invalid IP address")

	// ErrCircuitOpen is returned by a Breaker while the provider is considered down.
	ErrCircuitOpen = errors.New("geo: provider circuit open")
)

// Location is the resolved position of an IP address. An empty field means
// the value is unknown.
type Location struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// IsZero reports whether neither country nor city is known.
func (l Location) IsZero() bool {
	return l.Country == "" && l.City == ""
}

// Provider looks up the location of a single IP address.
type Provider interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// Config represents the geolocation provider configuration
type Config struct {
	Provider     string        `toml:"provider"`
	BaseURL      string        `toml:"baseURL"`
	APIKey       string        `toml:"apiKey"`
	DatabasePath string        `toml:"databasePath"`
	Timeout      time.Duration `toml:"timeout"`
	UserAgent    string        `toml:"userAgent"`

	Breaker BreakerConfig `toml:"breaker"`
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		Provider:     ProviderHTTP,
		BaseURL:      "https://api.ipgeolocation.io",
		DatabasePath: "/usr/share/GeoIP/GeoLite2-City.mmdb",
		Timeout:      3 * time.Second,
		UserAgent:    "iptrack/1.0",
		Breaker:      DefaultBreakerConfig(),
	}
}

// New creates the configured provider, wrapped in a circuit breaker when enabled.
func New(config Config, logger *log.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)

	switch config.Provider {
	case ProviderHTTP:
		p, err = NewHTTPProvider(config)
	case ProviderGeoIP2:
		p, err = OpenGeoIP2(config.DatabasePath)
	default:
		return nil, fmt.Errorf("unknown geolocation provider: %s", config.Provider)
	}
	if err != nil {
		return nil, err
	}

	if config.Breaker.Enabled {
		p = NewBreaker(config.Provider, p, config.Breaker, logger)
	}
	return p, nil
}

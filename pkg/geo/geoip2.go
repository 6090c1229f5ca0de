package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP2Provider resolves locations from a local MaxMind City database.
type GeoIP2Provider struct {
	db *geoip2.Reader
}

// OpenGeoIP2 opens the MaxMind database at path.
func OpenGeoIP2(path string) (*GeoIP2Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database at %s: %w", path, err)
	}
	return &GeoIP2Provider{db: db}, nil
}

// Lookup returns the English country and city names recorded for ip.
func (p *GeoIP2Provider) Lookup(ctx context.Context, ip string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}

	record, err := p.db.City(parsed)
	if err != nil {
		return Location{}, fmt.Errorf("geoip2 lookup: %w", err)
	}

	return Location{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
	}, nil
}

// Close releases the database.
func (p *GeoIP2Provider) Close() error {
	return p.db.Close()
}

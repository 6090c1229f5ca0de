// Package geocache keeps geolocation results keyed by IP with a fixed TTL.
// Failed lookups are cached as negative entries so that an unavailable
// provider is asked at most once per IP per TTL.
package geocache

import (
	"context"
	"fmt"
	"time"

	"github.com/dobrevit/iptrack/pkg/geo"
)

// Supported cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// DefaultTTL is how long a resolved (or failed) lookup stays authoritative.
const DefaultTTL = 24 * time.Hour

// Entry is a cached geolocation result.
type Entry struct {
	IP        string       `json:"ip"`
	Location  geo.Location `json:"location"`
	Negative  bool         `json:"negative,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Store is the persistence layer behind a Cache. Implementations may drop
// entries after ttl on their own; the Cache still checks ExpiresAt on read.
type Store interface {
	Get(ctx context.Context, ip string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry, ttl time.Duration) error
	Close() error
}

// Config represents geolocation cache configuration
type Config struct {
	Backend       string        `toml:"backend"`
	TTL           time.Duration `toml:"ttl"`
	SingleFlight  bool          `toml:"singleFlight"`
	SweepInterval time.Duration `toml:"sweepInterval"`

	Redis  RedisConfig  `toml:"redis"`
	Badger BadgerConfig `toml:"badger"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendMemory,
		TTL:           DefaultTTL,
		SweepInterval: 10 * time.Minute,
		Redis:         DefaultRedisConfig(),
		Badger: BadgerConfig{
			Path: "geocache",
		},
	}
}

// NewStore creates the store selected by config.Backend.
func NewStore(config Config) (Store, error) {
	switch config.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(config.Redis)
	case BackendBadger:
		return OpenBadgerStore(config.Badger)
	default:
		return nil, fmt.Errorf("unknown geocache backend: %s", config.Backend)
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used to stamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is a TTL view over a Store.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewCache creates a cache over store. A non-positive ttl selects DefaultTTL.
func NewCache(store Store, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lifetime given to new entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for ip if one exists and has not expired.
func (c *Cache) Get(ctx context.Context, ip string) (Entry, bool, error) {
	entry, ok, err := c.store.Get(ctx, ip)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if !c.now().Before(entry.ExpiresAt) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put stores a resolved location, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, ip string, loc geo.Location) (Entry, error) {
	return c.set(ctx, Entry{IP: ip, Location: loc})
}

// PutNegative records that ip could not be resolved.
func (c *Cache) PutNegative(ctx context.Context, ip string) (Entry, error) {
	return c.set(ctx, Entry{IP: ip, Negative: true})
}

func (c *Cache) set(ctx context.Context, entry Entry) (Entry, error) {
	entry.ExpiresAt = c.now().Add(c.ttl)
	if err := c.store.Set(ctx, entry, c.ttl); err != nil {
		return Entry{}, fmt.Errorf("failed to store geolocation for %s: %w", entry.IP, err)
	}
	return entry, nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

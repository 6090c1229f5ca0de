package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dobrevit/iptrack/pkg/auth"
	"github.com/dobrevit/iptrack/pkg/detector"
	"github.com/dobrevit/iptrack/pkg/geo"
	"github.com/dobrevit/iptrack/pkg/geocache"
	"github.com/dobrevit/iptrack/pkg/health"
	"github.com/dobrevit/iptrack/pkg/interceptor"
	"github.com/dobrevit/iptrack/pkg/ratelimit"
	"github.com/dobrevit/iptrack/pkg/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IPTRACK_"

// Config represents the main application configuration
type Config struct {
	Server      ServerConfig         `toml:"server"`
	Logging     LoggingConfig        `toml:"logging"`
	Interceptor interceptor.Config   `toml:"interceptor"`
	Geo         geo.Config           `toml:"geo"`
	GeoCache    geocache.Config      `toml:"geocache"`
	Detector    detector.Config      `toml:"detector"`
	RateLimit   ratelimit.Config     `toml:"rateLimit"`
	Auth        auth.Config          `toml:"auth"`
	Storage     storage.Config       `toml:"storage"`
	Health      health.MonitorConfig `toml:"health"`
}

// ServerConfig contains server-specific configuration
type ServerConfig struct {
	Bind     string `toml:"bind"`
	GRPCBind string `toml:"grpcBind"`
	// Upstream receives forwarded requests that match no local route.
	Upstream string `toml:"upstream"`

	ReadTimeout     time.Duration `toml:"readTimeout"`
	WriteTimeout    time.Duration `toml:"writeTimeout"`
	ShutdownTimeout time.Duration `toml:"shutdownTimeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Interceptor: interceptor.DefaultConfig(),
		Geo:         geo.DefaultConfig(),
		GeoCache:    geocache.DefaultConfig(),
		Detector:    detector.DefaultConfig(),
		RateLimit:   ratelimit.DefaultConfig(),
		Auth:        auth.DefaultConfig(),
		Storage:     storage.DefaultConfig(),
		Health:      health.DefaultMonitorConfig(),
	}
}

// LoadConfig loads configuration from a TOML file over the defaults. A
// missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename == "" {
		return config, nil
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return config, nil
	}

	if _, err := toml.DecodeFile(filename, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	return config, nil
}

// SaveConfig saves configuration to a TOML file
func SaveConfig(config *Config, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return toml.NewEncoder(file).Encode(config)
}

// ApplyEnv overrides secrets and connection strings from IPTRACK_*
// environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"BIND":                 &c.Server.Bind,
		"GRPC_BIND":            &c.Server.GRPCBind,
		"UPSTREAM":             &c.Server.Upstream,
		"LOG_LEVEL":            &c.Logging.Level,
		"STORAGE_BACKEND":      &c.Storage.Backend,
		"STORAGE_DSN":          &c.Storage.DSN,
		"GEO_PROVIDER":         &c.Geo.Provider,
		"GEO_API_KEY":          &c.Geo.APIKey,
		"GEO_DATABASE_PATH":    &c.Geo.DatabasePath,
		"GEOCACHE_BACKEND":     &c.GeoCache.Backend,
		"GEOCACHE_REDIS_ADDR":  &c.GeoCache.Redis.Addr,
		"GEOCACHE_REDIS_PASS":  &c.GeoCache.Redis.Password,
		"RATELIMIT_BACKEND":    &c.RateLimit.Backend.Type,
		"RATELIMIT_REDIS_ADDR": &c.RateLimit.Backend.Redis.Addr,
		"RATELIMIT_REDIS_PASS": &c.RateLimit.Backend.Redis.Password,
		"AUTH_SECRET":          &c.Auth.Secret,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "GEOCACHE_TTL"); ok {
		ttl, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%sGEOCACHE_TTL: %w", EnvPrefix, err)
		}
		c.GeoCache.TTL = ttl
	}
	return nil
}

// parseSeconds accepts a Go duration or a plain number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return fmt.Errorf("server.bind must be set")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format: %s", c.Logging.Format)
	}
	if c.GeoCache.TTL <= 0 {
		return fmt.Errorf("geocache.ttl must be positive, got %s", c.GeoCache.TTL)
	}
	switch c.GeoCache.Backend {
	case geocache.BackendMemory, geocache.BackendRedis, geocache.BackendBadger:
	default:
		return fmt.Errorf("unknown geocache backend: %s", c.GeoCache.Backend)
	}
	switch c.Geo.Provider {
	case geo.ProviderHTTP, geo.ProviderGeoIP2:
	default:
		return fmt.Errorf("unknown geolocation provider: %s", c.Geo.Provider)
	}
	if c.Geo.Timeout <= 0 {
		return fmt.Errorf("geo.timeout must be positive, got %s", c.Geo.Timeout)
	}
	switch c.Storage.Backend {
	case storage.BackendMemory, storage.BackendPostgres, storage.BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	if err := c.Interceptor.Validate(); err != nil {
		return fmt.Errorf("interceptor: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rateLimit: %w", err)
	}
	return nil
}

// Package ratelimit provides per-IP sliding window rate limiting for
// sensitive endpoints such as login.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/dobrevit/iptrack/pkg/auth"
)

// TooManyRequestsMessage is the error returned to rejected callers.
const TooManyRequestsMessage = "Too many requests. Please try again later."

// Backend stores the event log behind the limiter.
type Backend interface {
	// Hit records an event for key if fewer than limit events fall within
	// the window ending at now. When the event is rejected it is not
	// recorded, and retryAfter tells when the oldest event leaves the window.
	Hit(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (allowed bool, retryAfter time.Duration, err error)

	// Statistics
	GetStats(ctx context.Context) (BackendStats, error)

	// Cleanup drops events older than before.
	Cleanup(ctx context.Context, before time.Time) error

	Close() error
}

// BackendStats represents backend statistics
type BackendStats struct {
	TrackedKeys int    `json:"tracked_keys"`
	BackendType string `json:"backend_type"`
}

// LimitConfig is a window and the number of events allowed inside it.
type LimitConfig struct {
	Enabled     bool          `toml:"enabled"`
	Window      time.Duration `toml:"window"`
	MaxRequests int           `toml:"maxRequests"`
}

// Config represents rate limiting configuration
type Config struct {
	Enabled     bool          `toml:"enabled"`
	Window      time.Duration `toml:"window"`
	MaxRequests int           `toml:"maxRequests"`

	// Only these methods are counted; others pass through untouched.
	Methods []string `toml:"methods"`

	// Authenticated callers bypass the limiter unless this is enabled.
	Authenticated LimitConfig `toml:"authenticated"`

	CleanupInterval time.Duration `toml:"cleanupInterval"`

	// Backend configuration
	Backend BackendConfig `toml:"backend"`

	// Whitelist configuration
	Whitelist WhitelistConfig `toml:"whitelist"`
}

// BackendConfig represents backend configuration
type BackendConfig struct {
	Type  string      `toml:"type"`
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig represents Redis backend configuration
type RedisConfig struct {
	Addr         string        `toml:"addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"poolSize"`
	DialTimeout  time.Duration `toml:"dialTimeout"`
	ReadTimeout  time.Duration `toml:"readTimeout"`
	WriteTimeout time.Duration `toml:"writeTimeout"`
	KeyPrefix    string        `toml:"keyPrefix"`
	MaxRetries   int           `toml:"maxRetries"`
}

// WhitelistConfig lists IPs and CIDR ranges that are never limited.
type WhitelistConfig struct {
	IPs []string `toml:"ips"`
}

// Default configuration values
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Window:      time.Minute,
		MaxRequests: 5,
		Methods:     []string{http.MethodPost},
		Authenticated: LimitConfig{
			Enabled:     false,
			Window:      time.Minute,
			MaxRequests: 10,
		},
		CleanupInterval: 5 * time.Minute,
		Backend: BackendConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  500 * time.Millisecond,
				WriteTimeout: 500 * time.Millisecond,
				KeyPrefix:    "iptrack:ratelimit:",
				MaxRetries:   3,
			},
		},
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Window <= 0 || c.MaxRequests <= 0 {
		return fmt.Errorf("rate limit needs a positive window and limit, got %d per %s", c.MaxRequests, c.Window)
	}
	if c.Authenticated.Enabled && (c.Authenticated.Window <= 0 || c.Authenticated.MaxRequests <= 0) {
		return fmt.Errorf("authenticated rate limit needs a positive window and limit, got %d per %s",
			c.Authenticated.MaxRequests, c.Authenticated.Window)
	}
	switch c.Backend.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown backend type: %s", c.Backend.Type)
	}
	return nil
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed bool
	// Bypassed is set when no limit applied to the caller.
	Bypassed   bool
	Limit      int
	RetryAfter time.Duration
}

// RateLimiter represents the rate limiting system
type RateLimiter struct {
	config    Config
	backend   Backend
	methods   map[string]bool
	whitelist map[string]bool
	ipNets    []*net.IPNet
	tomb      tomb.Tomb
	logger    *log.Logger
	now       func() time.Time
}

// New creates a rate limiter with the backend selected by config.
func New(config Config, logger *log.Logger) (*RateLimiter, error) {
	backend, err := createBackend(config.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return NewWithBackend(config, backend, logger)
}

// NewWithBackend creates a rate limiter over an existing backend.
func NewWithBackend(config Config, backend Backend, logger *log.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	rl := &RateLimiter{
		config:  config,
		backend: backend,
		methods: make(map[string]bool),
		logger:  logger,
		now:     time.Now,
	}
	for _, m := range config.Methods {
		rl.methods[strings.ToUpper(m)] = true
	}

	if err := rl.initWhitelist(); err != nil {
		return nil, fmt.Errorf("failed to initialize whitelist: %w", err)
	}
	return rl, nil
}

// createBackend creates the appropriate backend based on configuration
func createBackend(config BackendConfig) (Backend, error) {
	switch config.Type {
	case "memory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackend(config.Redis)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", config.Type)
	}
}

// initWhitelist initializes the IP whitelist
func (rl *RateLimiter) initWhitelist() error {
	rl.whitelist = make(map[string]bool)
	rl.ipNets = make([]*net.IPNet, 0)

	for _, ipStr := range rl.config.Whitelist.IPs {
		if ip := net.ParseIP(ipStr); ip != nil {
			rl.whitelist[ip.String()] = true
		} else if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			rl.ipNets = append(rl.ipNets, ipNet)
		} else {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
	}

	return nil
}

// IsWhitelisted checks if an IP is whitelisted
func (rl *RateLimiter) IsWhitelisted(ip string) bool {
	if rl.whitelist[ip] {
		return true
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, ipNet := range rl.ipNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	return false
}

// Counts reports whether requests with method are subject to the limit.
func (rl *RateLimiter) Counts(method string) bool {
	return rl.methods[strings.ToUpper(method)]
}

// Allow decides whether the caller may proceed and records the attempt when
// it does. Backend failures let the request through.
func (rl *RateLimiter) Allow(ctx context.Context, id auth.Identity) Decision {
	if !rl.config.Enabled || rl.IsWhitelisted(id.IP) {
		decisionsTotal.WithLabelValues("bypassed", identityLabel(id)).Inc()
		return Decision{Allowed: true, Bypassed: true}
	}

	key := "anon:" + id.IP
	limit := LimitConfig{Enabled: true, Window: rl.config.Window, MaxRequests: rl.config.MaxRequests}
	if id.Authenticated {
		if !rl.config.Authenticated.Enabled {
			decisionsTotal.WithLabelValues("bypassed", identityLabel(id)).Inc()
			return Decision{Allowed: true, Bypassed: true}
		}
		key = "auth:" + id.IP
		limit = rl.config.Authenticated
	}

	start := time.Now()
	allowed, retryAfter, err := rl.backend.Hit(ctx, key, limit.Window, limit.MaxRequests, rl.now())
	backendDuration.WithLabelValues("hit").Observe(time.Since(start).Seconds())
	if err != nil {
		backendErrors.Inc()
		rl.logger.WithError(err).WithField("ip", id.IP).Warn("Rate limit backend failed, allowing request")
		decisionsTotal.WithLabelValues("error", identityLabel(id)).Inc()
		return Decision{Allowed: true, Limit: limit.MaxRequests}
	}

	if !allowed {
		decisionsTotal.WithLabelValues("rejected", identityLabel(id)).Inc()
		rl.logger.WithFields(log.Fields{
			"ip":          id.IP,
			"limit":       limit.MaxRequests,
			"window":      limit.Window,
			"retry_after": retryAfter,
		}).Info("Rate limit exceeded")
		return Decision{Allowed: false, Limit: limit.MaxRequests, RetryAfter: retryAfter}
	}

	decisionsTotal.WithLabelValues("allowed", identityLabel(id)).Inc()
	return Decision{Allowed: true, Limit: limit.MaxRequests}
}

func identityLabel(id auth.Identity) string {
	if id.Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Start starts the rate limiter background tasks
func (rl *RateLimiter) Start() {
	if !rl.config.Enabled {
		return
	}
	rl.tomb.Go(rl.cleanupTask)
	rl.tomb.Go(rl.metricsUpdateTask)
}

// Stop stops the background tasks and closes the backend.
func (rl *RateLimiter) Stop() {
	rl.tomb.Kill(nil)
	rl.tomb.Wait()

	if rl.backend != nil {
		rl.backend.Close()
	}
}

// GetStats returns current rate limiting statistics
func (rl *RateLimiter) GetStats(ctx context.Context) (BackendStats, error) {
	return rl.backend.GetStats(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck pings the backend when it is remote.
func (rl *RateLimiter) HealthCheck(ctx context.Context) error {
	if p, ok := rl.backend.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (rl *RateLimiter) longestWindow() time.Duration {
	w := rl.config.Window
	if rl.config.Authenticated.Enabled && rl.config.Authenticated.Window > w {
		w = rl.config.Authenticated.Window
	}
	return w
}

// Background task for cleanup
func (rl *RateLimiter) cleanupTask() error {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := rl.backend.Cleanup(ctx, rl.now().Add(-rl.longestWindow())); err != nil {
				rl.logger.WithError(err).Warn("Rate limit cleanup failed")
			}
			cancel()
		case <-rl.tomb.Dying():
			return nil
		}
	}
}

// Background task for metrics updates
func (rl *RateLimiter) metricsUpdateTask() error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if stats, err := rl.backend.GetStats(ctx); err == nil {
				trackedKeys.Set(float64(stats.TrackedKeys))
			}
			cancel()
		case <-rl.tomb.Dying():
			return nil
		}
	}
}

// IdentityFunc resolves the caller of a request.
type IdentityFunc func(r *http.Request) auth.Identity

// Middleware limits the counted methods of the wrapped handler. Rejected
// callers get a 429 JSON error with a Retry-After header.
func (rl *RateLimiter) Middleware(identify IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled || !rl.Counts(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			d := rl.Allow(r.Context(), identify(r))
			if !d.Allowed {
				SetResponseHeaders(w, d)
				WriteTooManyRequests(w, d.RetryAfter)
				return
			}
			if !d.Bypassed {
				SetResponseHeaders(w, d)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetResponseHeaders sets rate limiting headers on HTTP responses
func SetResponseHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	}
}

// WriteTooManyRequests writes the 429 response.
func WriteTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]string{"error": TooManyRequestsMessage})
}

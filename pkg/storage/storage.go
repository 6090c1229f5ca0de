// Package storage provides the persistence interfaces for request logs,
// the IP blocklist and suspicious-IP flags, with memory and SQL backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Supported backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// ErrNotFound is returned when a record addressed by key does not exist.
var ErrNotFound = errors.New("not found")

// RequestLogEntry is one forwarded request. Empty Country or City means the
// location was not known.
type RequestLogEntry struct {
	IP        string    `json:"ip"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Country   string    `json:"country,omitempty"`
	City      string    `json:"city,omitempty"`
}

// BlockedIP is a blocklist record.
type BlockedIP struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SuspiciousIP is a flag raised by the anomaly detector.
type SuspiciousIP struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Blocklist answers whether an IP is denied.
type Blocklist interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
	Block(ctx context.Context, entry BlockedIP) error
	// Unblock returns ErrNotFound if ip was not blocked.
	Unblock(ctx context.Context, ip string) error
	ListBlocked(ctx context.Context) ([]BlockedIP, error)
}

// LogReader is the read side of the request log. Windows are half-open:
// from is inclusive, to is exclusive.
type LogReader interface {
	CountByIP(ctx context.Context, from, to time.Time) (map[string]int, error)
	// IPsWithPaths returns the distinct IPs, sorted, that requested any of
	// paths within the window.
	IPsWithPaths(ctx context.Context, from, to time.Time, paths []string) ([]string, error)
}

// RequestLog stores one entry per forwarded request.
type RequestLog interface {
	LogReader
	Append(ctx context.Context, entry RequestLogEntry) error
	// Prune deletes entries older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// FlagStore is an append-only record of suspicious IPs.
type FlagStore interface {
	AppendFlags(ctx context.Context, flags []SuspiciousIP) error
	// ListFlags returns flags for ip, or all flags when ip is empty, oldest
	// first.
	ListFlags(ctx context.Context, ip string) ([]SuspiciousIP, error)
}

// Store bundles every storage concern behind one backend.
type Store interface {
	Blocklist
	RequestLog
	FlagStore

	Ping(ctx context.Context) error
	Close() error
}

// Config represents storage configuration
type Config struct {
	Backend     string `toml:"backend"`
	DSN         string `toml:"dsn"`
	AutoMigrate bool   `toml:"autoMigrate"`

	// Request log entries older than Retention are pruned after each
	// detector run. Zero keeps everything.
	Retention time.Duration `toml:"retention"`

	SlowQueryThreshold time.Duration `toml:"slowQueryThreshold"`
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:            BackendMemory,
		AutoMigrate:        true,
		Retention:          7 * 24 * time.Hour,
		SlowQueryThreshold: 200 * time.Millisecond,
	}
}

// Open creates the store selected by config.Backend.
func Open(config Config, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	switch config.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendPostgres, BackendSQLite:
		if config.DSN == "" {
			return nil, fmt.Errorf("storage backend %s requires a DSN", config.Backend)
		}
		db, err := openGorm(config, logger)
		if err != nil {
			return nil, err
		}
		return NewGormStore(db, config.AutoMigrate)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", config.Backend)
	}
}

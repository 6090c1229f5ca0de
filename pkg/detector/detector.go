// Package detector scans the request log for anomalous clients and records
// them as suspicious-IP flags.
//
// Detection is a batch pass over a trailing window that ends at the time it
// is given. Nothing is carried between runs, so overlapping windows flag a
// persistently noisy client again on every run.
package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/iptrack/pkg/storage"
)

// Rule names, used as metric labels.
const (
	RuleVolume        = "volume"
	RuleSensitivePath = "sensitive_path"
)

// SensitiveReason is the reason recorded by the sensitive-path rule.
const SensitiveReason = "Accessed sensitive endpoint"

// Config represents detector configuration
type Config struct {
	Enabled         bool          `toml:"enabled"`
	Interval        time.Duration `toml:"interval"`
	Window          time.Duration `toml:"window"`
	VolumeThreshold int           `toml:"volumeThreshold"`
	SensitivePaths  []string      `toml:"sensitivePaths"`
	RunTimeout      time.Duration `toml:"runTimeout"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Interval:        30 * time.Minute,
		Window:          time.Hour,
		VolumeThreshold: 100,
		SensitivePaths:  []string{"/admin", "/login"},
		RunTimeout:      5 * time.Minute,
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("detector window must be positive, got %s", c.Window)
	}
	if c.VolumeThreshold <= 0 {
		return fmt.Errorf("volume threshold must be positive, got %d", c.VolumeThreshold)
	}
	if c.Enabled && c.Interval <= 0 {
		return fmt.Errorf("detector interval must be positive, got %s", c.Interval)
	}
	return nil
}

// VolumeReason is the reason recorded when an IP exceeds threshold.
func VolumeReason(threshold, count int) string {
	return fmt.Sprintf("Exceeded %d requests/hour (%d)", threshold, count)
}

// Detector applies the volume and sensitive-path rules.
type Detector struct {
	reader storage.LogReader
	flags  storage.FlagStore
	config Config
	logger *log.Logger
}

// New creates a detector reading from reader and writing to flags.
func New(config Config, reader storage.LogReader, flags storage.FlagStore, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Detector{
		reader: reader,
		flags:  flags,
		config: config,
		logger: logger,
	}
}

// Detect returns the flags for the window [now-Window, now) without
// storing them. Volume flags come first, then sensitive-path flags, each
// group ordered by IP.
func (d *Detector) Detect(ctx context.Context, now time.Time) ([]storage.SuspiciousIP, error) {
	from := now.Add(-d.config.Window)

	counts, err := d.reader.CountByIP(ctx, from, now)
	if err != nil {
		return nil, fmt.Errorf("volume rule: %w", err)
	}

	var noisy []string
	for ip, n := range counts {
		if n > d.config.VolumeThreshold {
			noisy = append(noisy, ip)
		}
	}
	sort.Strings(noisy)

	flags := make([]storage.SuspiciousIP, 0, len(noisy))
	for _, ip := range noisy {
		flags = append(flags, storage.SuspiciousIP{
			IP:        ip,
			Reason:    VolumeReason(d.config.VolumeThreshold, counts[ip]),
			Timestamp: now,
		})
	}

	sensitive, err := d.reader.IPsWithPaths(ctx, from, now, d.config.SensitivePaths)
	if err != nil {
		return nil, fmt.Errorf("sensitive path rule: %w", err)
	}
	for _, ip := range sensitive {
		flags = append(flags, storage.SuspiciousIP{
			IP:        ip,
			Reason:    SensitiveReason,
			Timestamp: now,
		})
	}

	return flags, nil
}

// Run detects and stores flags for the window ending at now.
func (d *Detector) Run(ctx context.Context, now time.Time) ([]storage.SuspiciousIP, error) {
	start := time.Now()
	defer func() {
		runDuration.Observe(time.Since(start).Seconds())
	}()

	flags, err := d.Detect(ctx, now)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := d.flags.AppendFlags(ctx, flags); err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to store %d flags: %w", len(flags), err)
	}
	runsTotal.WithLabelValues("ok").Inc()
	countFlags(flags)

	d.logger.WithFields(log.Fields{
		"window_end": now,
		"flags":      len(flags),
		"duration":   time.Since(start),
	}).Info("Anomaly detection run completed")

	for _, f := range flags {
		d.logger.WithFields(log.Fields{
			"ip":     f.IP,
			"reason": f.Reason,
		}).Warn("Suspicious IP flagged")
	}
	return flags, nil
}

func countFlags(flags []storage.SuspiciousIP) {
	for _, f := range flags {
		if f.Reason == SensitiveReason {
			flagsTotal.WithLabelValues(RuleSensitivePath).Inc()
		} else {
			flagsTotal.WithLabelValues(RuleVolume).Inc()
		}
	}
}

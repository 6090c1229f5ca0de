// Package health tracks the health of the service's dependencies and exposes
// it over HTTP and the standard gRPC health protocol.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status of a component
type HealthStatus int

const (
	Unknown HealthStatus = iota
	Healthy
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *HealthStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*s = Healthy
	case "unhealthy":
		*s = Unhealthy
	case "unknown":
		*s = Unknown
	default:
		return fmt.Errorf("unknown health status %q", text)
	}
	return nil
}

// ComponentHealth contains health information for a component
type ComponentHealth struct {
	Name            string        `json:"name"`
	Status          HealthStatus  `json:"status"`
	Critical        bool          `json:"critical"`
	LastCheckTime   time.Time     `json:"lastCheckTime"`
	LastHealthyTime time.Time     `json:"lastHealthyTime,omitempty"`
	FailureCount    int           `json:"failureCount"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	ResponseTime    time.Duration `json:"responseTime"`
}

// MonitorConfig configures health monitoring behavior
type MonitorConfig struct {
	// How often to check component health
	CheckInterval time.Duration `toml:"checkInterval"`
	// How long to wait for a health check response
	CheckTimeout time.Duration `toml:"checkTimeout"`
	// Number of consecutive failures before marking unhealthy
	FailureThreshold int `toml:"failureThreshold"`
}

// Checker reports whether a component is usable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// StatusListener is told about every status change.
type StatusListener func(name string, status HealthStatus)

// DefaultMonitorConfig returns default monitoring configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:    15 * time.Second,
		CheckTimeout:     5 * time.Second,
		FailureThreshold: 2,
	}
}

type component struct {
	checker Checker
	health  *ComponentHealth
}

// Monitor periodically checks registered components.
type Monitor struct {
	config     MonitorConfig
	logger     *logrus.Logger
	components map[string]*component
	listeners  []StatusListener
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewMonitor creates a new health monitor
func NewMonitor(config MonitorConfig, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		config:     config,
		logger:     logger,
		components: make(map[string]*component),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register adds a component. A critical component that is unhealthy makes
// the whole service unhealthy; others only degrade it.
func (m *Monitor) Register(name string, checker Checker, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.components[name] = &component{
		checker: checker,
		health: &ComponentHealth{
			Name:     name,
			Status:   Unknown,
			Critical: critical,
		},
	}
	m.logger.WithFields(logrus.Fields{
		"component": name,
		"critical":  critical,
	}).Debug("Registered health check")
}

// OnChange registers a listener for status changes.
func (m *Monitor) OnChange(l StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start runs one round of checks, then keeps checking on the configured
// interval.
func (m *Monitor) Start() {
	m.logger.Info("Starting health monitor")
	m.CheckNow()

	m.wg.Add(1)
	go m.monitorLoop()
}

// Stop stops health monitoring
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// GetHealth returns a snapshot of one component.
func (m *Monitor) GetHealth(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.components[name]
	if !ok {
		return ComponentHealth{}, false
	}
	return *c.health, true
}

// GetAllHealth returns a snapshot of every component.
func (m *Monitor) GetAllHealth() map[string]ComponentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ComponentHealth, len(m.components))
	for name, c := range m.components {
		out[name] = *c.health
	}
	return out
}

// IsHealthy reports whether every critical component is usable. Components
// not yet checked count as healthy.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.components {
		if c.health.Critical && c.health.Status == Unhealthy {
			return false
		}
	}
	return true
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()

	interval := m.config.CheckInterval
	if interval <= 0 {
		interval = DefaultMonitorConfig().CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}

// CheckNow checks every component concurrently and waits for the results.
func (m *Monitor) CheckNow() {
	m.mu.RLock()
	checks := make(map[string]Checker, len(m.components))
	for name, c := range m.components {
		checks[name] = c.checker
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			m.check(name, checker)
		}(name, checker)
	}
	wg.Wait()
}

func (m *Monitor) check(name string, checker Checker) {
	start := time.Now()

	timeout := m.config.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().CheckTimeout
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	err := checker.HealthCheck(ctx)
	responseTime := time.Since(start)
	m.update(name, err, responseTime)

	logger := m.logger.WithFields(logrus.Fields{
		"component":    name,
		"responseTime": responseTime,
	})
	if err != nil {
		logger.WithError(err).Warn("Health check failed")
	} else {
		logger.Debug("Health check passed")
	}
}

func (m *Monitor) update(name string, err error, responseTime time.Duration) {
	m.mu.Lock()
	c, ok := m.components[name]
	if !ok {
		m.mu.Unlock()
		return
	}

	health := c.health
	previous := health.Status
	health.LastCheckTime = time.Now()
	health.ResponseTime = responseTime

	if err != nil {
		health.FailureCount++
		health.ErrorMessage = err.Error()
		if health.FailureCount >= m.config.FailureThreshold {
			health.Status = Unhealthy
		}
	} else {
		health.FailureCount = 0
		health.ErrorMessage = ""
		health.LastHealthyTime = health.LastCheckTime
		health.Status = Healthy
	}

	status := health.Status
	listeners := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()

	componentUp.WithLabelValues(name).Set(boolToFloat(status == Healthy))
	if status == previous {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"component": name,
		"from":      previous.String(),
		"to":        status.String(),
	}).Info("Component health changed")
	for _, l := range listeners {
		l(name, status)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

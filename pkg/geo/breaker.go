package geo

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// BreakerState represents the current state of a circuit breaker
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Failing, lookups rejected
	StateHalfOpen BreakerState = "half_open" // Probing whether the provider recovered
)

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	Enabled          bool          `toml:"enabled"`
	FailureThreshold int           `toml:"failureThreshold"` // Consecutive failures before opening
	SuccessThreshold int           `toml:"successThreshold"` // Successes in half-open before closing
	OpenTimeout      time.Duration `toml:"openTimeout"`      // Time to wait before half-open
}

// DefaultBreakerConfig returns a default circuit breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptrack_geo_provider_circuit_open",
	Help: "Whether the geolocation provider circuit is open (1) or not (0)",
}, []string{"provider"})

// Breaker guards a Provider so that an outage does not cost every request a
// full provider timeout. While open, lookups fail immediately with ErrCircuitOpen.
type Breaker struct {
	name     string
	provider Provider
	config   BreakerConfig
	logger   *log.Logger
	now      func() time.Time

	mutex             sync.Mutex
	state             BreakerState
	failures          int
	halfOpenSuccesses int
	stateChangeTime   time.Time
}

// NewBreaker wraps provider with a circuit breaker.
func NewBreaker(name string, provider Provider, config BreakerConfig, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}

	b := &Breaker{
		name:     name,
		provider: provider,
		config:   config,
		logger:   logger,
		now:      time.Now,
		state:    StateClosed,
	}
	b.stateChangeTime = b.now()
	breakerState.WithLabelValues(name).Set(0)
	return b
}

// Lookup forwards to the wrapped provider unless the circuit is open.
func (b *Breaker) Lookup(ctx context.Context, ip string) (Location, error) {
	if !b.allowRequest() {
		return Location{}, ErrCircuitOpen
	}

	loc, err := b.provider.Lookup(ctx, ip)
	if isOutage(err) {
		b.recordResult(err)
	} else {
		// The provider answered, even if it had nothing for this address.
		b.recordResult(nil)
	}
	return loc, err
}

// isOutage reports whether err says the provider itself is unavailable, as
// opposed to a rejection of one particular address.
func isOutage(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidIP) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// Close closes the wrapped provider when it holds resources.
func (b *Breaker) Close() error {
	if c, ok := b.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// HealthCheck fails while the circuit is open.
func (b *Breaker) HealthCheck(ctx context.Context) error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) allowRequest() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.stateChangeTime) >= b.config.OpenTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) recordResult(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err != nil {
		b.failures++
		switch b.state {
		case StateHalfOpen:
			b.transitionTo(StateOpen)
		case StateClosed:
			if b.failures >= b.config.FailureThreshold {
				b.transitionTo(StateOpen)
			}
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

// transitionTo must be called with the mutex held.
func (b *Breaker) transitionTo(newState BreakerState) {
	oldState := b.state
	b.state = newState
	b.stateChangeTime = b.now()

	switch newState {
	case StateClosed:
		b.failures = 0
		b.halfOpenSuccesses = 0
		breakerState.WithLabelValues(b.name).Set(0)
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	case StateOpen:
		breakerState.WithLabelValues(b.name).Set(1)
	}

	b.logger.WithFields(log.Fields{
		"provider": b.name,
		"from":     oldState,
		"to":       newState,
		"failures": b.failures,
	}).Info("Geolocation circuit breaker state transition")
}

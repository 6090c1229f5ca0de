// Package interceptor runs every inbound request through an ordered chain of
// steps before it reaches application handlers: blocklist check, then
// geolocation, then request logging.
package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/iptrack/pkg/geo"
	"github.com/dobrevit/iptrack/pkg/middleware"
	"github.com/dobrevit/iptrack/pkg/storage"
)

// Blocklist failure policies
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// BlockedMessage is the body sent to blocked clients.
const BlockedMessage = "Your IP address has been blocked."

// Action tells the chain whether to run the next step.
type Action int

const (
	Continue Action = iota
	Block
)

// Decision is the outcome of intercepting one request.
type Decision int

const (
	Forwarded Decision = iota
	Blocked
)

func (d Decision) String() string {
	if d == Blocked {
		return "blocked"
	}
	return "forwarded"
}

// Request carries what the steps know about an inbound request. Steps may
// fill in fields for later steps, as GeoStep does with Location.
type Request struct {
	IP       string
	Path     string
	Method   string
	Time     time.Time
	Location geo.Location
}

// Step is one stage of the chain.
type Step interface {
	Name() string
	Handle(ctx context.Context, req *Request) Action
}

// Guard is implemented by steps that also run on SkipPaths.
type Guard interface {
	Step
	Guards() bool
}

func isGuard(s Step) bool {
	g, ok := s.(Guard)
	return ok && g.Guards()
}

// Resolver maps an IP to a location. It never fails; an unknown location is
// the zero Location.
type Resolver interface {
	Resolve(ctx context.Context, ip string) geo.Location
}

// Config represents interceptor configuration
type Config struct {
	ForwardedHeader        string        `toml:"forwardedHeader"`
	BlocklistFailurePolicy string        `toml:"blocklistFailurePolicy"`
	StoreTimeout           time.Duration `toml:"storeTimeout"`
	// SkipPaths, and everything below them, are neither geolocated nor
	// logged. Blocked clients are still refused there.
	SkipPaths []string `toml:"skipPaths"`
}

// DefaultConfig returns the default interceptor configuration.
func DefaultConfig() Config {
	return Config{
		ForwardedHeader:        middleware.DefaultForwardedHeader,
		BlocklistFailurePolicy: FailOpen,
		StoreTimeout:           2 * time.Second,
		SkipPaths:              []string{"/metrics", "/health"},
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	switch c.BlocklistFailurePolicy {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("invalid blocklist failure policy %q", c.BlocklistFailurePolicy)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}
	return nil
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithClock overrides the time source used to stamp requests.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		i.now = now
	}
}

// Interceptor runs the step chain.
type Interceptor struct {
	steps  []Step
	config Config
	logger *log.Logger
	now    func() time.Time
}

// New creates an interceptor with the standard chain: blocklist, geolocation,
// request log.
func New(config Config, blocklist storage.Blocklist, resolver Resolver, requestLog storage.RequestLog, logger *log.Logger, opts ...Option) *Interceptor {
	if logger == nil {
		logger = log.StandardLogger()
	}

	return NewWithSteps(config, logger, []Step{
		NewBlocklistStep(blocklist, config.BlocklistFailurePolicy, config.StoreTimeout, logger),
		NewGeoStep(resolver),
		NewLogStep(requestLog, config.StoreTimeout, logger),
	}, opts...)
}

// NewWithSteps creates an interceptor running steps in the given order.
func NewWithSteps(config Config, logger *log.Logger, steps []Step, opts ...Option) *Interceptor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	i := &Interceptor{
		steps:  steps,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Steps returns the chain in execution order.
func (i *Interceptor) Steps() []Step {
	return i.steps
}

// Intercept runs req through the chain. The first step returning Block ends
// the chain.
func (i *Interceptor) Intercept(ctx context.Context, req *Request) Decision {
	return i.run(ctx, req, false)
}

func (i *Interceptor) run(ctx context.Context, req *Request, guardsOnly bool) Decision {
	if req.Time.IsZero() {
		req.Time = i.now()
	}

	for _, step := range i.steps {
		if guardsOnly && !isGuard(step) {
			continue
		}

		start := time.Now()
		action := step.Handle(ctx, req)
		stepDuration.WithLabelValues(step.Name()).Observe(time.Since(start).Seconds())

		if action == Block {
			requestsTotal.WithLabelValues(Blocked.String()).Inc()
			i.logger.WithFields(log.Fields{
				"ip":   req.IP,
				"path": req.Path,
				"step": step.Name(),
			}).Info("Request blocked")
			return Blocked
		}
	}

	requestsTotal.WithLabelValues(Forwarded.String()).Inc()
	return Forwarded
}

// Middleware adapts the interceptor to net/http. Blocked requests get a 403
// on every path; forwarded requests reach next unchanged, with the resolved
// location available through LocationFromContext.
func (i *Interceptor) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := &Request{
				IP:     middleware.ClientIP(r, i.config.ForwardedHeader),
				Path:   r.URL.Path,
				Method: r.Method,
				Time:   i.now(),
			}
			skipped := middleware.MatchPath(i.config.SkipPaths, req.Path)

			if i.run(r.Context(), req, skipped) == Blocked {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(BlockedMessage))
				return
			}

			next.ServeHTTP(w, r.WithContext(withLocation(r.Context(), req.Location)))
		})
	}
}

type locationKey struct{}

func withLocation(ctx context.Context, loc geo.Location) context.Context {
	return context.WithValue(ctx, locationKey{}, loc)
}

// LocationFromContext returns the location resolved for the current request.
func LocationFromContext(ctx context.Context) (geo.Location, bool) {
	loc, ok := ctx.Value(locationKey{}).(geo.Location)
	return loc, ok
}

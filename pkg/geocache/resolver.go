package geocache

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dobrevit/iptrack/pkg/geo"
)

// Resolver answers geolocation queries from the cache and falls back to the
// provider on a miss. It never returns an error: a provider failure turns
// into a negative cache entry and an empty Location. While the provider's
// circuit is open nothing is cached.
type Resolver struct {
	cache    *Cache
	provider geo.Provider
	timeout  time.Duration
	logger   *log.Logger

	// nil unless single-flight is enabled
	group *singleflight.Group
}

// ResolverOptions tune how the provider is called.
type ResolverOptions struct {
	Timeout      time.Duration
	SingleFlight bool
}

// NewResolver creates a resolver. A non-positive timeout defaults to 3s.
func NewResolver(cache *Cache, provider geo.Provider, opts ResolverOptions, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}

	r := &Resolver{
		cache:    cache,
		provider: provider,
		timeout:  opts.Timeout,
		logger:   logger,
	}
	if opts.SingleFlight {
		r.group = &singleflight.Group{}
	}
	return r
}

// Resolve returns the location of ip, possibly empty.
func (r *Resolver) Resolve(ctx context.Context, ip string) geo.Location {
	entry, ok, err := r.cache.Get(ctx, ip)
	switch {
	case err != nil:
		cacheErrors.WithLabelValues("get").Inc()
		r.logger.WithError(err).WithField("ip", ip).Warn("Geolocation cache read failed")
	case ok:
		cacheLookups.WithLabelValues("hit").Inc()
		return entry.Location
	}
	cacheLookups.WithLabelValues("miss").Inc()

	if r.group == nil {
		return r.fetch(ctx, ip)
	}

	v, _, _ := r.group.Do(ip, func() (interface{}, error) {
		return r.fetch(ctx, ip), nil
	})
	return v.(geo.Location)
}

func (r *Resolver) fetch(ctx context.Context, ip string) geo.Location {
	// A client hanging up must not turn into a day-long negative entry.
	bg := context.WithoutCancel(ctx)
	lookupCtx, cancel := context.WithTimeout(bg, r.timeout)
	defer cancel()

	start := time.Now()
	loc, err := r.provider.Lookup(lookupCtx, ip)
	if errors.Is(err, geo.ErrCircuitOpen) {
		// The provider was never asked; the next request tries again.
		return geo.Location{}
	}
	if err != nil {
		providerDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		r.logger.WithError(err).WithField("ip", ip).Debug("Geolocation lookup failed, caching negative entry")

		if _, err := r.cache.PutNegative(bg, ip); err != nil {
			cacheErrors.WithLabelValues("set").Inc()
			r.logger.WithError(err).Warn("Failed to cache negative geolocation entry")
		}
		negativeEntries.Inc()
		return geo.Location{}
	}
	providerDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	if _, err := r.cache.Put(bg, ip, loc); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		r.logger.WithError(err).Warn("Failed to cache geolocation entry")
	}
	return loc
}

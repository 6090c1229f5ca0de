package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dobrevit/iptrack/pkg/auth"
	"github.com/dobrevit/iptrack/pkg/detector"
	"github.com/dobrevit/iptrack/pkg/geo"
	"github.com/dobrevit/iptrack/pkg/geocache"
	"github.com/dobrevit/iptrack/pkg/health"
	"github.com/dobrevit/iptrack/pkg/interceptor"
	"github.com/dobrevit/iptrack/pkg/ratelimit"
	"github.com/dobrevit/iptrack/pkg/server"
	"github.com/dobrevit/iptrack/pkg/storage"
)

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP server, the anomaly detector and health monitoring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.config, a.logger

	store, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("could not open storage: %w", err)
	}
	defer store.Close()

	provider, err := geo.New(cfg.Geo, logger)
	if err != nil {
		return fmt.Errorf("could not create geolocation provider: %w", err)
	}
	if c, ok := provider.(io.Closer); ok {
		defer c.Close()
	}

	cacheStore, err := geocache.NewStore(cfg.GeoCache)
	if err != nil {
		return fmt.Errorf("could not open geolocation cache: %w", err)
	}
	if ms, ok := cacheStore.(*geocache.MemoryStore); ok {
		ms.Start(cfg.GeoCache.SweepInterval)
	}
	cache := geocache.NewCache(cacheStore, cfg.GeoCache.TTL)
	defer cache.Close()

	resolver := geocache.NewResolver(cache, provider, geocache.ResolverOptions{
		Timeout:      cfg.Geo.Timeout,
		SingleFlight: cfg.GeoCache.SingleFlight,
	}, logger)

	limiter, err := ratelimit.New(cfg.RateLimit, logger)
	if err != nil {
		return fmt.Errorf("could not create rate limiter: %w", err)
	}
	limiter.Start()
	defer limiter.Stop()

	monitor := health.NewMonitor(cfg.Health, logger)
	monitor.Register("storage", health.CheckerFunc(store.Ping), true)
	monitor.Register("ratelimit", limiter, false)
	if rs, ok := cacheStore.(*geocache.RedisStore); ok {
		monitor.Register("geocache", health.CheckerFunc(rs.Ping), false)
	}
	if b, ok := provider.(*geo.Breaker); ok {
		monitor.Register("geo", b, false)
	}

	srv, err := server.New(cfg.Server, cfg.Interceptor.ForwardedHeader, server.Dependencies{
		Interceptor: interceptor.New(cfg.Interceptor, store, resolver, store, logger),
		Limiter:     limiter,
		Auth:        auth.New(cfg.Auth, logger),
		Monitor:     monitor,
	}, logger)
	if err != nil {
		return err
	}

	monitor.Start()
	defer monitor.Stop()

	if err := srv.Start(); err != nil {
		return err
	}

	scheduler := detector.NewScheduler(
		detector.New(cfg.Detector, store, store, logger),
		detector.WithRetention(store, cfg.Storage.Retention),
	)
	if cfg.Detector.Enabled {
		scheduler.Start()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if err := scheduler.Stop(); err != nil {
		logger.WithError(err).Warn("Anomaly detector stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

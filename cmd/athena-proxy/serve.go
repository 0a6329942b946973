package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xylex/athena-proxy/pkg/cache"
	"github.com/xylex/athena-proxy/pkg/logging"
	"github.com/xylex/athena-proxy/pkg/metrics"
	"github.com/xylex/athena-proxy/pkg/proxy"
	"github.com/xylex/athena-proxy/pkg/router"
)

// serveOptions is the startup configuration. Defaults come from the
// environment, flags override them.
type serveOptions struct {
	port            string
	cacheTTL        time.Duration
	upstreamTimeout time.Duration
	methodPolicy    string
	routesFile      string
	routesDSN       string
	routesDriver    string
	redisURL        string
	metricsAddr     string
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, serveOpts)
	},
}

func init() {
	defaults := proxy.DefaultConfig()

	f := serveCmd.Flags()
	f.StringVar(&serveOpts.port, "port", getEnv("XLX_ATHENA_PORT", "4052"), "Listen port [XLX_ATHENA_PORT]")
	f.DurationVar(&serveOpts.cacheTTL, "cache-ttl", getEnvDuration("ATHENA_CACHE_TTL", cache.DefaultTTL), "Response cache TTL [ATHENA_CACHE_TTL]")
	f.DurationVar(&serveOpts.upstreamTimeout, "upstream-timeout", getEnvDuration("ATHENA_UPSTREAM_TIMEOUT", defaults.UpstreamTimeout), "Backend request timeout [ATHENA_UPSTREAM_TIMEOUT]")
	f.StringVar(&serveOpts.methodPolicy, "method-policy", getEnv("ATHENA_METHOD_POLICY", string(defaults.MethodPolicy)), "Unmapped methods: fallback-get, passthrough or reject [ATHENA_METHOD_POLICY]")
	f.StringVar(&serveOpts.routesFile, "routes-file", getEnv("ATHENA_ROUTES_FILE", ""), "YAML or JSON routing table [ATHENA_ROUTES_FILE]")
	f.StringVar(&serveOpts.routesDSN, "routes-dsn", getEnv("ATHENA_ROUTES_DSN", ""), "SQL routing table DSN [ATHENA_ROUTES_DSN]")
	f.StringVar(&serveOpts.routesDriver, "routes-driver", getEnv("ATHENA_ROUTES_DRIVER", router.DriverSQLite), "SQL routing table driver: sqlite or postgres [ATHENA_ROUTES_DRIVER]")
	f.StringVar(&serveOpts.redisURL, "redis-url", getEnv("REDIS_URL", ""), "Redis address or URL; empty keeps the cache in memory [REDIS_URL]")
	f.StringVar(&serveOpts.metricsAddr, "metrics-addr", getEnv("METRICS_ADDR", ":9090"), "Prometheus listen address; empty disables [METRICS_ADDR]")

	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts serveOptions) error {
	logger := logging.NewLogger("server")

	policy, err := proxy.ParseMethodPolicy(opts.methodPolicy)
	if err != nil {
		return err
	}

	// Routing table
	var routeStore *router.SQLStore
	if opts.routesDSN != "" {
		routeStore, err = router.OpenStore(opts.routesDriver, opts.routesDSN)
		if err != nil {
			return fmt.Errorf("open routes store: %w", err)
		}
		defer routeStore.Close()
	}

	resolver, err := buildResolver(ctx, opts, routeStore)
	if err != nil {
		return err
	}
	logger.Info().
		Str("default_origin", resolver.DefaultOriginURL()).
		Int("rules", len(resolver.Rules())).
		Msg("Routing table loaded")

	// Cache store
	store, err := buildStore(ctx, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := proxy.DefaultConfig()
	cfg.UpstreamTimeout = opts.upstreamTimeout
	cfg.MethodPolicy = policy

	forwarder, err := proxy.New(cfg, resolver, store)
	if err != nil {
		return fmt.Errorf("create forwarder: %w", err)
	}

	deps := routerDeps{
		proxy:  forwarder,
		store:  store,
		logger: logger,
	}
	if routeStore != nil {
		deps.entries = routeStore
	}

	srv := &http.Server{
		Addr:              ":" + opts.port,
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var metricsSrv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", opts.metricsAddr).Msg("Metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	go func() {
		<-ctx.Done()
		logger.Info().Msg("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Shutdown error")
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Dur("cache_ttl", opts.cacheTTL).
		Str("method_policy", string(policy)).
		Msg("Starting athena proxy")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info().Msg("Server stopped")
	return nil
}

// buildResolver picks the routing table: a routes file wins over the SQL
// store, and the built-in table is used when neither yields any rules.
func buildResolver(ctx context.Context, opts serveOptions, routeStore *router.SQLStore) (*router.Resolver, error) {
	if opts.routesFile != "" {
		table, err := router.LoadTable(opts.routesFile)
		if err != nil {
			return nil, err
		}
		return table.Resolver(), nil
	}

	if routeStore != nil {
		table, err := routeStore.Table(ctx, router.DefaultOrigin)
		if err != nil {
			return nil, fmt.Errorf("load routes from store: %w", err)
		}
		if len(table.Rules) > 0 {
			return table.Resolver(), nil
		}
	}

	return router.DefaultResolver(), nil
}

// buildStore returns a Redis store when a Redis address is configured and
// the in-memory store otherwise.
func buildStore(ctx context.Context, opts serveOptions) (cache.Store, error) {
	if opts.redisURL == "" {
		return cache.NewMemoryStore(opts.cacheTTL, cache.WithJanitor(opts.cacheTTL)), nil
	}

	redisOpts, err := parseRedisURL(opts.redisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(redisOpts)

	store := cache.NewRedisStore(redisClient, opts.cacheTTL)
	if err := store.Ping(ctx); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", redisOpts.Addr, err)
	}
	return &redisBackedStore{RedisStore: store, client: redisClient}, nil
}

// parseRedisURL accepts redis:// URLs or a bare host:port.
func parseRedisURL(value string) (*redis.Options, error) {
	if strings.Contains(value, "://") {
		opts, err := redis.ParseURL(value)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: value}, nil
}

// redisBackedStore closes the Redis client it owns.
type redisBackedStore struct {
	*cache.RedisStore
	client *redis.Client
}

func (s *redisBackedStore) Close() error {
	return s.client.Close()
}

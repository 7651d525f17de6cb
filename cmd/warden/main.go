package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).Component("warden")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("warden exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	store, db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	redisClient, err := openRedis(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	auditor, err := openAudit(cfg.Audit, db)
	if err != nil {
		return err
	}

	rbacConfig := rbac.DefaultConfig()
	rbacConfig.Cache = rbac.CheckerConfig{}
	if cfg.Cache.Enabled {
		rbacConfig.Cache = rbac.CheckerConfig{Size: cfg.Cache.Size, TTL: cfg.Cache.TTL}
	}
	rbacConfig.AuditRetention = retentionPolicy(cfg.Audit)
	if cfg.SeedPath != "" {
		seed, err := rbac.LoadSeed(cfg.SeedPath)
		if err != nil {
			return err
		}
		rbacConfig.Seed = seed
	}

	manager := rbac.NewManager(store, rbacConfig, rbac.Options{
		Locker:         newLocker(cfg.Lock, redisClient),
		Audit:          auditor,
		Logger:         logger,
		Metrics:        metrics,
		OTelMetrics:    otelMetrics,
		ResolveRetries: 2,
	})
	if err := manager.Initialize(ctx); err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.NewTrustedIdentity("", true).Handler,
		middleware.RequestLogger(logger),
	)
	if cfg.RateLimit.Enabled {
		router.Use(newRateLimiter(ctx, cfg.RateLimit, redisClient).Handler)
	}
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics, routeTemplate))
	}
	manager.RegisterRoutes(router)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(1<<20),
	)(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "warden"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(cfg.Observability.OTelServiceVersion, db, redisClient, metrics))
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("audit", func(context.Context) error {
		return auditor.Close()
	})
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	if db != nil {
		shutdown.RegisterShutdownFunc("database", func(context.Context) error {
			return db.Close()
		})
		if metrics != nil {
			statsCtx, stopStats := context.WithCancel(ctx)
			defer stopStats()
			go reportDBStats(statsCtx, db, metrics)
		}
	}

	go serve(logger, "health", healthServer)
	go serve(logger, "api", server)
	logger.WithFields(map[string]interface{}{
		"addr":        server.Addr,
		"health_addr": healthServer.Addr,
		"store":       cfg.Store.Type,
		"lock":        cfg.Lock.Backend,
	}).Info("warden started")

	return shutdown.WaitForShutdown()
}

func serve(logger *observability.Logger, name string, server *http.Server) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("server", name).Error("HTTP server failed")
		os.Exit(1)
	}
}

// routeTemplate labels metrics by route pattern rather than raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// newRateLimiter shares budgets through Redis when it is configured.
func newRateLimiter(ctx context.Context, cfg config.RateLimitConfig, client *redis.Client) *middleware.RateLimitMiddleware {
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RequestsPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.Burst,
	}
	if client != nil {
		return middleware.NewRateLimitMiddleware(middleware.NewDistributedRateLimiter(client, limits, ""), cfg.FailOpen)
	}
	limiter := middleware.NewRateLimiter(limits)
	limiter.StartCleanup(ctx)
	return middleware.NewRateLimitMiddleware(limiter, cfg.FailOpen)
}

func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.UpdateDBStats(db.Stats())
		case <-ctx.Done():
			return
		}
	}
}

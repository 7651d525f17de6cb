// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for warden.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.Component("resolver").WithField("user_id", userID).Info("decision")
//
// Request scoped loggers carry the request and user ids placed in the context
// by pkg/middleware:
//
//	observability.FromContext(ctx).WithError(err).Error("assign failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision(true, "granted", time.Since(start))
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// All Record* methods are nil-safe, so components can run without metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version, db, redisClient, metrics)
//	observability.RegisterHealthRoutes(mux, checker)
//
// The database is required; Redis only backs the hierarchy lock and reports
// degraded when unreachable.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:  true,
//		Endpoint: "otel-collector:4317",
//		Insecure: true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// Resolver spans are created with Tracer().
package observability

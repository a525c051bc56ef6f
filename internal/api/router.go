package api

import (
	"github.com/gin-gonic/gin"

	"github.com/otelguard/otelguard/internal/backends"
	"github.com/otelguard/otelguard/internal/collector"
	"github.com/otelguard/otelguard/internal/history"
	"github.com/otelguard/otelguard/internal/storage"
	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/health"
	"github.com/otelguard/otelguard/pkg/logging"
	"github.com/otelguard/otelguard/pkg/metrics"
	"github.com/otelguard/otelguard/pkg/resilience"
	"github.com/otelguard/otelguard/pkg/security"
	"github.com/otelguard/otelguard/pkg/tracing"
)

// NewRouter creates and configures the API router
func NewRouter(
	cfg *config.Config,
	registry *resilience.Registry,
	backendChecker *backends.Checker,
	collectorChecker *collector.Checker,
	storageChecker *storage.Checker,
	historyStore *history.Store,
	healthService *health.Service,
	redis *storage.RedisClient,
	tracer *tracing.TracingService,
	m *metrics.Metrics,
	logger *logging.Logger,
) *gin.Engine {
	// Set Gin mode based on log level
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if logger == nil {
		logger = logging.GetLogger()
	}

	router := gin.New()

	// Add middleware
	router.Use(RequestIDMiddleware())
	router.Use(RequestLoggingMiddleware(logger))
	router.Use(RecoveryMiddleware(logger, m))
	if tracer != nil {
		router.Use(tracer.TracingMiddleware())
	}
	if m != nil {
		router.Use(m.PrometheusMiddleware())
	}

	secConfig := security.DefaultSecurityHeadersConfig()
	router.Use(security.CORSMiddleware(secConfig))
	router.Use(security.SecurityHeadersMiddleware(secConfig))
	router.Use(security.RequestSizeMiddleware(1 << 20))
	router.Use(RateLimitMiddleware(redis, 0, 0))

	// Health and metrics endpoints (no auth required)
	router.GET("/health", healthService.Handler())
	router.GET("/health/live", healthService.LivenessHandler())
	router.GET("/health/ready", healthService.ReadinessHandler())
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// API version info (no auth required)
	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, map[string]interface{}{
			"name":    "OtelGuard API",
			"version": "1.0.0",
			"status":  "ok",
		})
	})

	// Create handlers
	checkHandler := NewCheckHandler(backendChecker, collectorChecker, storageChecker, historyStore, logger)
	resilienceHandler := NewResilienceHandler(registry)
	runsHandler := NewRunsHandler(historyStore)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// On-demand checks
		checks := v1.Group("/checks")
		{
			checks.POST("/backends", checkHandler.RunBackendChecks)
			checks.POST("/collector", checkHandler.RunCollectorChecks)
			checks.POST("/storage", checkHandler.RunStorageChecks)
		}

		// Circuit breaker introspection
		circuits := v1.Group("/resilience")
		{
			circuits.GET("", resilienceHandler.ListCircuits)
			circuits.GET("/:name", resilienceHandler.GetCircuit)
		}

		// Check run history
		v1.GET("/runs", runsHandler.ListRuns)

		// Mutating routes require a token when a secret is configured
		protected := v1.Group("")
		if cfg.Auth.JWTSecret != "" {
			protected.Use(AuthMiddleware(cfg.Auth.JWTSecret))
		} else {
			logger.Warn("API authentication disabled, reset endpoint is unprotected")
		}
		{
			protected.POST("/resilience/:name/reset", resilienceHandler.ResetCircuit)
		}
	}

	// Catch-all route for undefined endpoints
	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}

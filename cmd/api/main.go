package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/otelguard/otelguard/internal/alerting"
	"github.com/otelguard/otelguard/internal/api"
	"github.com/otelguard/otelguard/internal/backends"
	"github.com/otelguard/otelguard/internal/collector"
	"github.com/otelguard/otelguard/internal/history"
	"github.com/otelguard/otelguard/internal/storage"
	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/errors"
	"github.com/otelguard/otelguard/pkg/health"
	"github.com/otelguard/otelguard/pkg/logging"
	"github.com/otelguard/otelguard/pkg/metrics"
	"github.com/otelguard/otelguard/pkg/resilience"
	"github.com/otelguard/otelguard/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "otelguard",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(nil)

	// Self-instrumentation; failure to set it up is not fatal
	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "otelguard",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Warn("Tracing disabled", "error", err.Error())
		tracer = nil
	}

	// Redis is optional; alert suppression and rate limiting degrade without it
	var redisClient *storage.RedisClient
	if rc, err := storage.NewRedisClient(&cfg.Redis); err != nil {
		logger.Warn("Redis unavailable, using in-memory alert suppression", "error", err.Error())
	} else {
		redisClient = rc
		defer redisClient.Close()
	}

	var dispatcher *alerting.Dispatcher
	if cfg.Alerting.Enabled {
		var suppressor alerting.Suppressor
		if redisClient != nil {
			suppressor = alerting.NewRedisSuppressor(redisClient, logger)
		} else {
			suppressor = alerting.NewMemorySuppressor()
		}

		handlers := []alerting.Handler{alerting.NewLogHandler(logger)}
		if cfg.Alerting.WebhookURL != "" {
			handlers = append(handlers, alerting.NewWebhookHandler(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout))
		}
		dispatcher = alerting.NewDispatcher(&cfg.Alerting, suppressor, logger, m, handlers...)
	}

	registry := resilience.NewRegistry(resilience.RegistryConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:       cfg.Resilience.MaxAttempts,
			BaseDelay:         cfg.Resilience.BaseDelay,
			MaxDelay:          cfg.Resilience.MaxDelay,
			BackoffMultiplier: cfg.Resilience.BackoffMultiplier,
			Jitter:            cfg.Resilience.Jitter,
		},
		FailFastOnOpen: cfg.Resilience.FailFastOnOpen,
		OnStateChange: func(service string, from, to resilience.CircuitState) {
			m.RecordCircuitTransition(service, from.String(), to.String())
			dispatcher.HandleTransition(service, from, to)
		},
		OnRetry: func(service string, attempt int, err error, delay time.Duration) {
			cause := "error"
			if appErr, ok := errors.AsAppError(err); ok {
				cause = string(appErr.Type)
			}
			m.RecordRetryAttempt(service, cause)
		},
	})

	// Check run history is optional but fails hard when misconfigured
	var historyStore *history.Store
	var historyDB *storage.DB
	if cfg.History.Enabled {
		migrator, err := history.NewMigrator(&cfg.History.Database, cfg.History.MigrationsPath)
		if err != nil {
			logger.Fatalf("Failed to prepare history store: %v", err)
		}
		if err := migrator.Up(); err != nil {
			logger.Fatalf("Failed to run history migrations: %v", err)
		}
		if schemaVersion, dirty, err := migrator.Version(); err == nil {
			logger.Info("History schema ready", "version", schemaVersion, "dirty", dirty)
		}
		if err := migrator.Close(); err != nil {
			logger.Warn("Failed to close migrator", "error", err.Error())
		}

		historyDB, err = storage.New(&cfg.History.Database)
		if err != nil {
			logger.Fatalf("Failed to connect to history database: %v", err)
		}
		defer historyDB.Close()

		historyStore = history.NewStore(historyDB, cfg.History.RetentionLimit, logger)
		logger.Info("History store enabled", "retention_limit", cfg.History.RetentionLimit)
	}

	// Probes against the telemetry stack
	httpClient := &http.Client{Timeout: cfg.Backends.ProbeTimeout}
	if tracer != nil {
		httpClient = tracer.InstrumentHTTPClient(httpClient)
	}
	backendChecker := backends.NewChecker(&cfg.Backends, registry, httpClient, logger, m)
	collectorChecker := collector.NewChecker(&cfg.Collector, registry, logger, m)
	storageChecker := storage.NewChecker(registry, &cfg.Redis, &cfg.Metadata, logger, m)

	// Own-service health: circuits, direct dependencies, and a non-critical
	// view of the collector endpoint
	healthService := health.NewService(logger, &health.Config{
		Metadata: map[string]string{"service": "otelguard", "version": version},
	})
	healthService.RegisterChecker("circuits", health.NewCircuitChecker(registry, "circuits"))
	if redisClient != nil {
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
	}
	if historyDB != nil {
		healthService.RegisterChecker("history_db", health.NewDatabaseChecker(historyDB, "history_db"))
	}
	healthService.RegisterChecker("collector_http", health.NewCustomChecker("collector_http", func(ctx context.Context) (health.Status, string, error) {
		result := collectorChecker.CheckHTTP(ctx)
		if !result.Healthy {
			return health.StatusDegraded, result.Detail, nil
		}
		return health.StatusHealthy, result.Detail, nil
	}))

	// Periodic connection pool gauges
	collectorCtx, cancelCollector := context.WithCancel(context.Background())
	defer cancelCollector()
	statsCollector := metrics.NewCollector(m, 15*time.Second, func(m *metrics.Metrics) {
		if historyDB != nil {
			stats := historyDB.Stats()
			m.UpdateDatabaseConnections(stats.OpenConnections, stats.Idle, stats.MaxOpenConnections)
		}
		if redisClient != nil {
			stats := redisClient.Stats()
			m.UpdateRedisConnections(int(stats.TotalConns), int(stats.IdleConns), int(stats.StaleConns))
		}
	})
	go statsCollector.Start(collectorCtx)
	defer statsCollector.Stop()

	router := api.NewRouter(cfg, registry, backendChecker, collectorChecker, storageChecker, historyStore, healthService, redisClient, tracer, m, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	if dispatcher != nil {
		dispatcher.Flush()
	}
	if tracer != nil {
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err.Error())
		}
	}

	logger.Info("Server exited")
}

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Circuit breaker metrics
	CircuitState            *prometheus.GaugeVec
	CircuitTransitionsTotal *prometheus.CounterVec
	CircuitRejectionsTotal  *prometheus.CounterVec
	RetryAttemptsTotal      *prometheus.CounterVec
	FallbackResultsTotal    *prometheus.CounterVec

	// Check metrics
	CheckResultsTotal *prometheus.CounterVec
	CheckDuration     *prometheus.HistogramVec

	// System metrics
	DatabaseConnections *prometheus.GaugeVec
	RedisConnections    *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	// Alerting metrics
	AlertsDispatchedTotal *prometheus.CounterVec
	AlertsSuppressedTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "otelguard",
		Subsystem: "",
		Enabled:   true,
	}
}

// Gauge values for circuit states
const (
	circuitStateClosed   = 0
	circuitStateHalfOpen = 1
	circuitStateOpen     = 2
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Circuit breaker metrics
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		CircuitTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"service", "from_state", "to_state"},
		),
		CircuitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Total number of calls rejected by an open circuit",
			},
			[]string{"service"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of failed attempts by cause",
			},
			[]string{"service", "cause"},
		),
		FallbackResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_results_total",
				Help:      "Total number of degradation outcomes",
			},
			[]string{"service", "outcome"},
		),

		// Check metrics
		CheckResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "check_results_total",
				Help:      "Total number of health check results",
			},
			[]string{"check", "target", "status"},
		),
		CheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "check_duration_seconds",
				Help:      "Health check duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"check", "target"},
		),

		// System metrics
		DatabaseConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_connections",
				Help:      "Number of database connections",
			},
			[]string{"state"},
		),
		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "redis_connections",
				Help:      "Number of Redis connections",
			},
			[]string{"state"},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),

		// Alerting metrics
		AlertsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_dispatched_total",
				Help:      "Total number of alerts dispatched to handlers",
			},
			[]string{"handler", "severity"},
		),
		AlertsSuppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_suppressed_total",
				Help:      "Total number of alerts dropped by suppression",
			},
			[]string{"service"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.CircuitState,
		m.CircuitTransitionsTotal,
		m.CircuitRejectionsTotal,
		m.RetryAttemptsTotal,
		m.FallbackResultsTotal,
		m.CheckResultsTotal,
		m.CheckDuration,
		m.DatabaseConnections,
		m.RedisConnections,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.AlertsDispatchedTotal,
		m.AlertsSuppressedTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// UpdateCircuitState updates the state gauge for a service
func (m *Metrics) UpdateCircuitState(service, state string) {
	if m.CircuitState == nil {
		return
	}

	value := circuitStateClosed
	switch state {
	case "open":
		value = circuitStateOpen
	case "half_open":
		value = circuitStateHalfOpen
	}
	m.CircuitState.WithLabelValues(service).Set(float64(value))
}

// RecordCircuitTransition records a circuit breaker state change
func (m *Metrics) RecordCircuitTransition(service, fromState, toState string) {
	if m.CircuitTransitionsTotal == nil {
		return
	}

	m.CircuitTransitionsTotal.WithLabelValues(service, fromState, toState).Inc()
	m.UpdateCircuitState(service, toState)
}

// RecordCircuitRejection records a call rejected by an open circuit
func (m *Metrics) RecordCircuitRejection(service string) {
	if m.CircuitRejectionsTotal == nil {
		return
	}

	m.CircuitRejectionsTotal.WithLabelValues(service).Inc()
}

// RecordRetryAttempt records a failed attempt by cause
func (m *Metrics) RecordRetryAttempt(service, cause string) {
	if m.RetryAttemptsTotal == nil {
		return
	}

	m.RetryAttemptsTotal.WithLabelValues(service, cause).Inc()
}

// RecordFallbackResult records a degradation outcome
func (m *Metrics) RecordFallbackResult(service, outcome string) {
	if m.FallbackResultsTotal == nil {
		return
	}

	m.FallbackResultsTotal.WithLabelValues(service, outcome).Inc()
}

// RecordCheckResult records a health check result
func (m *Metrics) RecordCheckResult(check, target, status string, duration time.Duration) {
	if m.CheckResultsTotal == nil {
		return
	}

	m.CheckResultsTotal.WithLabelValues(check, target, status).Inc()
	m.CheckDuration.WithLabelValues(check, target).Observe(duration.Seconds())
}

// UpdateDatabaseConnections updates database connection metrics
func (m *Metrics) UpdateDatabaseConnections(open, idle, max int) {
	if m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("max").Set(float64(max))
}

// UpdateRedisConnections updates Redis connection metrics
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// RecordAlertDispatched records an alert delivered to a handler
func (m *Metrics) RecordAlertDispatched(handler, severity string) {
	if m.AlertsDispatchedTotal == nil {
		return
	}

	m.AlertsDispatchedTotal.WithLabelValues(handler, severity).Inc()
}

// RecordAlertSuppressed records an alert dropped by suppression
func (m *Metrics) RecordAlertSuppressed(service string) {
	if m.AlertsSuppressedTotal == nil {
		return
	}

	m.AlertsSuppressedTotal.WithLabelValues(service).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collector updates gauge metrics periodically from a caller-supplied function
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	collect  func(*Metrics)
	stopCh   chan struct{}
}

// NewCollector creates a new periodic metrics collector
func NewCollector(metrics *Metrics, interval time.Duration, collect func(*Metrics)) *Collector {
	return &Collector{
		metrics:  metrics,
		interval: interval,
		collect:  collect,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.collect != nil {
				c.collect(c.metrics)
			}
		}
	}
}

// Stop stops metrics collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

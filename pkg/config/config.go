package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Resilience ResilienceConfig `json:"resilience"`
	Backends   BackendsConfig   `json:"backends"`
	Collector  CollectorConfig  `json:"collector"`
	Redis      RedisConfig      `json:"redis"`
	Metadata   DatabaseConfig   `json:"metadata"`
	History    HistoryConfig    `json:"history"`
	Alerting   AlertingConfig   `json:"alerting"`
	Tracing    TracingConfig    `json:"tracing"`
	Auth       AuthConfig       `json:"auth"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// ResilienceConfig contains defaults for circuit breakers and retries
type ResilienceConfig struct {
	FailureThreshold  int           `json:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
	FailFastOnOpen    bool          `json:"fail_fast_on_open"`
}

// BackendsConfig contains telemetry backend endpoints to probe
type BackendsConfig struct {
	ElasticURL   string        `json:"elastic_url"`
	LokiURL      string        `json:"loki_url"`
	InfluxDBURL  string        `json:"influxdb_url"`
	GrafanaURL   string        `json:"grafana_url"`
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

// CollectorConfig contains OpenTelemetry Collector endpoints
type CollectorConfig struct {
	Host          string        `json:"host"`
	GRPCPort      int           `json:"grpc_port"`
	HTTPPort      int           `json:"http_port"`
	DialTimeout   time.Duration `json:"dial_timeout"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
	ContainerName string        `json:"container_name"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig contains SQL database connection configuration
type DatabaseConfig struct {
	Driver          string        `json:"driver"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// HistoryConfig controls the check-run history store
type HistoryConfig struct {
	Enabled        bool           `json:"enabled"`
	Database       DatabaseConfig `json:"database"`
	MigrationsPath string         `json:"migrations_path"`
	RetentionLimit int            `json:"retention_limit"`
}

// AlertingConfig contains circuit alert dispatch configuration
type AlertingConfig struct {
	Enabled           bool          `json:"enabled"`
	WebhookURL        string        `json:"webhook_url"`
	WebhookTimeout    time.Duration `json:"webhook_timeout"`
	SuppressionWindow time.Duration `json:"suppression_window"`
}

// TracingConfig contains self-instrumentation configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	Exporter       string  `json:"exporter"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRatio    float64 `json:"sample_ratio"`
	Environment    string  `json:"environment"`
}

// AuthConfig contains API authentication configuration
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Resilience: ResilienceConfig{
			FailureThreshold:  getEnvInt("RESILIENCE_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:   getEnvDuration("RESILIENCE_RECOVERY_TIMEOUT", 60*time.Second),
			MaxAttempts:       getEnvInt("RESILIENCE_MAX_ATTEMPTS", 3),
			BaseDelay:         getEnvDuration("RESILIENCE_BASE_DELAY", 1*time.Second),
			MaxDelay:          getEnvDuration("RESILIENCE_MAX_DELAY", 60*time.Second),
			BackoffMultiplier: getEnvFloat("RESILIENCE_BACKOFF_MULTIPLIER", 2.0),
			Jitter:            getEnvBool("RESILIENCE_JITTER", true),
			FailFastOnOpen:    getEnvBool("RESILIENCE_FAIL_FAST_ON_OPEN", false),
		},
		Backends: BackendsConfig{
			ElasticURL:   getEnvString("BACKEND_ELASTIC_URL", "http://localhost:8200"),
			LokiURL:      getEnvString("BACKEND_LOKI_URL", "http://localhost:3100"),
			InfluxDBURL:  getEnvString("BACKEND_INFLUXDB_URL", "http://localhost:8086"),
			GrafanaURL:   getEnvString("BACKEND_GRAFANA_URL", "http://localhost:3000"),
			ProbeTimeout: getEnvDuration("BACKEND_PROBE_TIMEOUT", 5*time.Second),
		},
		Collector: CollectorConfig{
			Host:          getEnvString("COLLECTOR_HOST", "localhost"),
			GRPCPort:      getEnvInt("COLLECTOR_GRPC_PORT", 4317),
			HTTPPort:      getEnvInt("COLLECTOR_HTTP_PORT", 4318),
			DialTimeout:   getEnvDuration("COLLECTOR_DIAL_TIMEOUT", 2*time.Second),
			ProbeTimeout:  getEnvDuration("COLLECTOR_PROBE_TIMEOUT", 5*time.Second),
			ContainerName: getEnvString("COLLECTOR_CONTAINER_NAME", "otel-collector"),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Metadata: DatabaseConfig{
			Driver:          getEnvString("METADATA_DB_DRIVER", "postgres"),
			Host:            getEnvString("METADATA_DB_HOST", "localhost"),
			Port:            getEnvInt("METADATA_DB_PORT", 5432),
			Name:            getEnvString("METADATA_DB_NAME", "grafana"),
			User:            getEnvString("METADATA_DB_USER", "grafana"),
			Password:        getEnvString("METADATA_DB_PASSWORD", ""),
			SSLMode:         getEnvString("METADATA_DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("METADATA_DB_MAX_OPEN_CONNS", 2),
			MaxIdleConns:    getEnvInt("METADATA_DB_MAX_IDLE_CONNS", 1),
			ConnMaxLifetime: getEnvDuration("METADATA_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		History: HistoryConfig{
			Enabled: getEnvBool("HISTORY_ENABLED", false),
			Database: DatabaseConfig{
				Driver:          "postgres",
				Host:            getEnvString("DB_HOST", "localhost"),
				Port:            getEnvInt("DB_PORT", 5432),
				Name:            getEnvString("DB_NAME", "otelguard"),
				User:            getEnvString("DB_USER", "otelguard"),
				Password:        getEnvString("DB_PASSWORD", ""),
				SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
				MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
				MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
				ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			},
			MigrationsPath: getEnvString("HISTORY_MIGRATIONS_PATH", "migrations"),
			RetentionLimit: getEnvInt("HISTORY_RETENTION_LIMIT", 1000),
		},
		Alerting: AlertingConfig{
			Enabled:           getEnvBool("ALERTING_ENABLED", true),
			WebhookURL:        getEnvString("ALERTING_WEBHOOK_URL", ""),
			WebhookTimeout:    getEnvDuration("ALERTING_WEBHOOK_TIMEOUT", 10*time.Second),
			SuppressionWindow: getEnvDuration("ALERTING_SUPPRESSION_WINDOW", 5*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			Exporter:       getEnvString("TRACING_EXPORTER", "otlp"),
			OTLPEndpoint:   getEnvString("TRACING_OTLP_ENDPOINT", "localhost:4318"),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRatio:    getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
			Environment:    getEnvString("TRACING_ENVIRONMENT", "development"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("JWT_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("resilience failure threshold must be at least 1")
	}

	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("resilience max attempts must be at least 1")
	}

	if c.Resilience.BaseDelay <= 0 {
		return fmt.Errorf("resilience base delay must be positive")
	}

	if c.Resilience.MaxDelay < c.Resilience.BaseDelay {
		return fmt.Errorf("resilience max delay must be at least the base delay")
	}

	if c.Resilience.BackoffMultiplier < 1 {
		return fmt.Errorf("resilience backoff multiplier must be at least 1")
	}

	if c.History.Enabled && c.History.Database.Password == "" {
		return fmt.Errorf("history database password is required when history is enabled")
	}

	switch c.Tracing.Exporter {
	case "otlp", "jaeger":
	default:
		return fmt.Errorf("unsupported tracing exporter: %s", c.Tracing.Exporter)
	}

	switch c.Metadata.Driver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported metadata database driver: %s", c.Metadata.Driver)
	}

	return nil
}

// DSN returns the driver-specific connection string
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User,
			d.Password,
			d.Host,
			d.Port,
			d.Name,
		)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			d.User,
			d.Password,
			d.Host,
			d.Port,
			d.Name,
			d.SSLMode,
		)
	}
}

// Addr returns the host:port address for the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// GRPCAddr returns the collector's OTLP gRPC address
func (c *CollectorConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// HTTPAddr returns the collector's OTLP HTTP address
func (c *CollectorConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// HTTPURL returns the collector's OTLP HTTP base URL
func (c *CollectorConfig) HTTPURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.HTTPPort)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

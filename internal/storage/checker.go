package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/errors"
	"github.com/otelguard/otelguard/pkg/logging"
	"github.com/otelguard/otelguard/pkg/metrics"
	"github.com/otelguard/otelguard/pkg/resilience"
)

// ProbeResult describes the outcome of a single storage probe
type ProbeResult struct {
	Target         string            `json:"target"`
	Healthy        bool              `json:"healthy"`
	Duration       time.Duration     `json:"duration"`
	Error          string            `json:"error,omitempty"`
	Recommendation string            `json:"recommendation,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CheckedAt      time.Time         `json:"checked_at"`
}

// Checker probes the storage services behind the telemetry stack
type Checker struct {
	registry    *resilience.Registry
	redisCfg    *config.RedisConfig
	metadataCfg *config.DatabaseConfig
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// NewChecker creates a storage checker. The metrics argument may be nil.
func NewChecker(registry *resilience.Registry, redisCfg *config.RedisConfig, metadataCfg *config.DatabaseConfig, logger *logging.Logger, m *metrics.Metrics) *Checker {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Checker{
		registry:    registry,
		redisCfg:    redisCfg,
		metadataCfg: metadataCfg,
		logger:      logger,
		metrics:     m,
	}
}

// CheckRedis probes Redis with a connect, ping and key roundtrip
func (c *Checker) CheckRedis(ctx context.Context) ProbeResult {
	var attemptLatency time.Duration

	result, err := c.registry.ExecuteWithResult(ctx, "redis", func(ctx context.Context) (interface{}, error) {
		attemptStart := time.Now()
		defer func() { attemptLatency = time.Since(attemptStart) }()

		client, err := NewRedisClient(c.redisCfg)
		if err != nil {
			return nil, err
		}
		defer client.Close()

		if err := client.Health(ctx); err != nil {
			return nil, err
		}

		// Verify a full write/read/delete roundtrip under a unique probe key
		key := fmt.Sprintf("otelguard:probe:%s", uuid.NewString())
		if err := client.Set(ctx, key, "ok", time.Minute); err != nil {
			return nil, err
		}
		if _, err := client.Get(ctx, key); err != nil {
			return nil, err
		}
		if _, err := client.Del(ctx, key); err != nil {
			return nil, err
		}

		meta := map[string]string{"addr": c.redisCfg.Addr()}
		if info, err := client.InfoMap(ctx, "server", "clients"); err == nil {
			copyInfoFields(meta, info, "redis_version", "connected_clients", "uptime_in_seconds")
		}
		return meta, nil
	})

	return c.buildResult(ctx, "redis", c.redisCfg.Addr(), result, err, attemptLatency)
}

// CheckSQL probes the metadata database with a connect, ping and trivial query
func (c *Checker) CheckSQL(ctx context.Context) ProbeResult {
	target := c.metadataCfg.Driver
	addr := fmt.Sprintf("%s:%d", c.metadataCfg.Host, c.metadataCfg.Port)

	var attemptLatency time.Duration

	result, err := c.registry.ExecuteWithResult(ctx, target, func(ctx context.Context) (interface{}, error) {
		attemptStart := time.Now()
		defer func() { attemptLatency = time.Since(attemptStart) }()

		db, err := New(c.metadataCfg)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		if err := db.Health(ctx); err != nil {
			return nil, err
		}

		var one int
		if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
			return nil, errors.NewExternalError(target, "query probe failed").WithCause(err)
		}

		stats := db.Stats()
		meta := map[string]string{
			"driver":           target,
			"database":         c.metadataCfg.Name,
			"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
			"max_connections":  fmt.Sprintf("%d", stats.MaxOpenConnections),
		}
		return meta, nil
	})

	return c.buildResult(ctx, target, addr, result, err, attemptLatency)
}

// CheckAll runs all storage probes concurrently, keyed by target name
func (c *Checker) CheckAll(ctx context.Context) map[string]ProbeResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]ProbeResult)
	)

	probes := []func(context.Context) ProbeResult{
		c.CheckRedis,
		c.CheckSQL,
	}

	for _, probe := range probes {
		wg.Add(1)
		go func(probe func(context.Context) ProbeResult) {
			defer wg.Done()
			result := probe(ctx)

			mu.Lock()
			results[result.Target] = result
			mu.Unlock()
		}(probe)
	}

	wg.Wait()
	return results
}

// buildResult converts a protected probe outcome into a ProbeResult
func (c *Checker) buildResult(ctx context.Context, target, addr string, result interface{}, err error, latency time.Duration) ProbeResult {
	probe := ProbeResult{
		Target:    target,
		Duration:  latency,
		CheckedAt: time.Now(),
	}

	if err != nil {
		probe.Error = err.Error()
		probe.Recommendation = recommendationFor(target, addr, err)
	} else {
		probe.Healthy = true
		if meta, ok := result.(map[string]string); ok {
			probe.Metadata = meta
		}
	}

	c.logger.LogCheckEvent(ctx, "probe_completed", "storage", target, probe.Healthy, logrus.Fields{
		"duration_ms": latency.Milliseconds(),
	})
	if c.metrics != nil {
		c.metrics.RecordCheckResult("storage", target, statusString(probe.Healthy), latency)
	}

	return probe
}

// recommendationFor maps a probe failure to a human remediation hint
func recommendationFor(target, addr string, err error) string {
	if resilience.IsCircuitOpen(err) {
		return fmt.Sprintf("Allow the '%s' circuit to recover or reset it via the API", target)
	}

	if appErr, ok := errors.AsAppError(err); ok {
		if appErr.Type == errors.ErrorTypeUnavailable {
			return fmt.Sprintf("Start %s service: %s", target, addr)
		}
		if appErr.Cause != nil {
			return fmt.Sprintf("Check %s configuration: %v", target, appErr.Cause)
		}
	}

	return fmt.Sprintf("Check %s configuration: %v", target, err)
}

func statusString(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

func copyInfoFields(dst, src map[string]string, keys ...string) {
	for _, key := range keys {
		if value, ok := src[key]; ok {
			dst[key] = value
		}
	}
}

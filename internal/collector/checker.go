package collector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/errors"
	"github.com/otelguard/otelguard/pkg/logging"
	"github.com/otelguard/otelguard/pkg/metrics"
	"github.com/otelguard/otelguard/pkg/resilience"
	"github.com/otelguard/otelguard/pkg/tracing"
)

// TestSpanName is the span emitted to verify the collector ingests traces
const TestSpanName = "health-check-span"

// CheckResult is the outcome of one collector sub-check. Critical checks
// decide overall health; the rest only produce warnings.
type CheckResult struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Healthy  bool          `json:"healthy"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report aggregates all collector sub-checks
type Report struct {
	Healthy   bool          `json:"healthy"`
	Checks    []CheckResult `json:"checks"`
	Warnings  []string      `json:"warnings,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Checker verifies an OTLP collector end to end: port reachability, the
// HTTP endpoint, actual trace ingestion, and optionally its container logs
type Checker struct {
	config   *config.CollectorConfig
	registry *resilience.Registry
	client   *http.Client
	logger   *logging.Logger
	metrics  *metrics.Metrics

	// emitSpan and runDocker are swapped out by tests
	emitSpan  func(ctx context.Context, endpoint, spanName string, attrs ...attribute.KeyValue) error
	runDocker func(ctx context.Context, args ...string) ([]byte, error)
}

// NewChecker creates a collector checker; metrics may be nil
func NewChecker(cfg *config.CollectorConfig, registry *resilience.Registry, logger *logging.Logger, m *metrics.Metrics) *Checker {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Checker{
		config:   cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		logger:   logger,
		metrics:  m,
		emitSpan: tracing.EmitTestSpan,
		runDocker: func(ctx context.Context, args ...string) ([]byte, error) {
			if _, err := exec.LookPath("docker"); err != nil {
				return nil, err
			}
			return exec.CommandContext(ctx, "docker", args...).CombinedOutput()
		},
	}
}

// CheckPorts dials the OTLP gRPC and HTTP ports, each protected by its own
// circuit breaker. A port that does not accept connections is critical.
func (c *Checker) CheckPorts(ctx context.Context) []CheckResult {
	ports := []struct {
		name    string
		service string
		addr    string
	}{
		{"otlp_grpc_port", "collector_grpc", c.config.GRPCAddr()},
		{"otlp_http_port", "collector_http", c.config.HTTPAddr()},
	}

	results := make([]CheckResult, 0, len(ports))
	for _, port := range ports {
		start := time.Now()
		err := c.registry.Execute(ctx, port.service, func(ctx context.Context) error {
			return c.dial(ctx, port.addr)
		})

		result := CheckResult{
			Name:     port.name,
			Critical: true,
			Healthy:  err == nil,
			Duration: time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
			result.Detail = fmt.Sprintf("%s is not accepting connections", port.addr)
		} else {
			result.Detail = fmt.Sprintf("%s is accepting connections", port.addr)
		}

		c.observe(ctx, result)
		results = append(results, result)
	}
	return results
}

// dial makes one TCP connection attempt within the configured dial timeout
func (c *Checker) dial(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.NewUnavailableError("collector", fmt.Sprintf("cannot connect to %s", addr)).WithCause(err)
	}
	return conn.Close()
}

// CheckHTTP probes the OTLP HTTP endpoint with a plain GET. The collector
// answers on that port whether or not it serves the root path, so any
// response counts; only transport failures produce a warning.
func (c *Checker) CheckHTTP(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "http_endpoint"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.HTTPURL(), nil)
	if err != nil {
		result.Error = err.Error()
		result.Detail = "invalid OTLP HTTP URL"
		result.Duration = time.Since(start)
		c.observe(ctx, result)
		return result
	}

	resp, err := c.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		result.Detail = "HTTP endpoint is not accessible"
	} else {
		resp.Body.Close()
		result.Healthy = true
		if resp.StatusCode == http.StatusOK {
			result.Detail = "HTTP endpoint is responding"
		} else {
			result.Detail = fmt.Sprintf("HTTP endpoint responding with status %d", resp.StatusCode)
		}
	}

	c.observe(ctx, result)
	return result
}

// CheckTelemetry sends one real span through the collector's OTLP HTTP
// ingest and treats a failed flush as a warning
func (c *Checker) CheckTelemetry(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "test_telemetry"}

	err := c.emitSpan(ctx, c.config.HTTPAddr(), TestSpanName,
		attribute.Bool("health.check", true),
		attribute.Float64("test.timestamp", float64(time.Now().UnixNano())/1e9),
	)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		result.Detail = "test span was not accepted"
	} else {
		result.Healthy = true
		result.Detail = "test span accepted"
	}

	c.observe(ctx, result)
	return result
}

// CheckContainerLogs scans the tail of the collector container's logs for
// error lines. Missing docker or an unknown container skips the check.
func (c *Checker) CheckContainerLogs(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "container_logs"}

	out, err := c.runDocker(ctx, "logs", "--tail", "20", c.config.ContainerName)
	result.Duration = time.Since(start)
	if err != nil {
		result.Healthy = true
		result.Detail = "container logs unavailable, skipping"
		c.observe(ctx, result)
		return result
	}

	logs := strings.ToLower(string(out))
	if strings.Contains(logs, "error") || strings.Contains(logs, "failed") {
		result.Detail = fmt.Sprintf("recent %s logs contain errors", c.config.ContainerName)
	} else {
		result.Healthy = true
		result.Detail = "no errors in recent container logs"
	}

	c.observe(ctx, result)
	return result
}

// RunFull runs every collector sub-check. Closed OTLP ports fail the run
// immediately; the later checks only contribute warnings.
func (c *Checker) RunFull(ctx context.Context) Report {
	report := Report{CheckedAt: time.Now()}

	report.Checks = append(report.Checks, c.CheckPorts(ctx)...)
	for _, check := range report.Checks {
		if !check.Healthy {
			report.Healthy = false
			return report
		}
	}

	report.Checks = append(report.Checks, c.CheckHTTP(ctx))
	report.Checks = append(report.Checks, c.CheckTelemetry(ctx))
	report.Checks = append(report.Checks, c.CheckContainerLogs(ctx))

	report.Healthy = true
	for _, check := range report.Checks {
		if !check.Healthy {
			report.Warnings = append(report.Warnings, check.Detail)
		}
	}
	return report
}

// observe logs and records metrics for one sub-check
func (c *Checker) observe(ctx context.Context, result CheckResult) {
	c.logger.LogCheckEvent(ctx, "check_completed", "collector", result.Name, result.Healthy, logrus.Fields{
		"detail":      result.Detail,
		"duration_ms": result.Duration.Milliseconds(),
	})
	if c.metrics != nil {
		status := "healthy"
		if !result.Healthy {
			status = "unhealthy"
		}
		c.metrics.RecordCheckResult("collector", result.Name, status, result.Duration)
	}
}

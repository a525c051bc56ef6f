package backends

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/errors"
	"github.com/otelguard/otelguard/pkg/logging"
	"github.com/otelguard/otelguard/pkg/metrics"
	"github.com/otelguard/otelguard/pkg/resilience"
)

// ProbeStatus is the health vocabulary reported per backend
type ProbeStatus string

const (
	StatusHealthy   ProbeStatus = "healthy"
	StatusWarning   ProbeStatus = "warning"
	StatusUnhealthy ProbeStatus = "unhealthy"
	StatusError     ProbeStatus = "error"
)

// ProbeResult describes the outcome of probing one telemetry backend
type ProbeResult struct {
	Backend        string                 `json:"backend"`
	Endpoint       string                 `json:"endpoint"`
	Status         ProbeStatus            `json:"status"`
	Outcome        resilience.OutcomeKind `json:"outcome"`
	StatusCode     int                    `json:"status_code,omitempty"`
	Duration       time.Duration          `json:"duration"`
	Error          string                 `json:"error,omitempty"`
	FallbackError  string                 `json:"fallback_error,omitempty"`
	Detail         string                 `json:"detail,omitempty"`
	Recommendation string                 `json:"recommendation,omitempty"`
	CheckedAt      time.Time              `json:"checked_at"`
}

// probeReport is the value a successful probe operation returns
type probeReport struct {
	status     ProbeStatus
	statusCode int
	detail     string
	latency    time.Duration
}

// probeSpec describes how one backend is probed
type probeSpec struct {
	base         string
	path         string
	expect       int
	fallbackPath string
	checkBody    func(body []byte) *probeReport
}

// Checker probes the telemetry backends behind the collector
type Checker struct {
	config      *config.BackendsConfig
	registry    *resilience.Registry
	coordinator *resilience.DegradationCoordinator
	client      *http.Client
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// NewChecker creates a backend checker. A nil client gets a default one with
// the configured probe timeout; metrics may be nil.
func NewChecker(cfg *config.BackendsConfig, registry *resilience.Registry, client *http.Client, logger *logging.Logger, m *metrics.Metrics) *Checker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}

	return &Checker{
		config:      cfg,
		registry:    registry,
		coordinator: resilience.NewDegradationCoordinator(registry),
		client:      client,
		logger:      logger,
		metrics:     m,
	}
}

// specs returns the probe table for all known backends
func (c *Checker) specs() map[string]probeSpec {
	return map[string]probeSpec{
		"elastic": {
			base:   c.config.ElasticURL,
			path:   "/",
			expect: http.StatusOK,
		},
		"loki": {
			base:         c.config.LokiURL,
			path:         "/ready",
			expect:       http.StatusOK,
			fallbackPath: "/metrics",
		},
		"influxdb": {
			base:         c.config.InfluxDBURL,
			path:         "/ping",
			expect:       http.StatusNoContent,
			fallbackPath: "/health",
		},
		"grafana": {
			base:         c.config.GrafanaURL,
			path:         "/api/health",
			expect:       http.StatusOK,
			fallbackPath: "/healthz",
			checkBody:    grafanaDatabaseStatus,
		},
	}
}

// Names returns the known backend names in stable order
func (c *Checker) Names() []string {
	specs := c.specs()
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check probes a single backend by name
func (c *Checker) Check(ctx context.Context, name string) (ProbeResult, error) {
	spec, ok := c.specs()[name]
	if !ok {
		return ProbeResult{}, errors.NewValidationError(fmt.Sprintf("unknown backend: %s", name)).
			WithDetail("known", strings.Join(c.Names(), ", "))
	}

	outcomes := c.coordinator.ExecuteWithFallback(ctx,
		map[string]resilience.OperationWithResult{name: c.probeOperation(name, spec)},
		c.fallbackOperations(map[string]probeSpec{name: spec}),
	)

	return c.buildResult(ctx, name, spec, outcomes[name]), nil
}

// CheckAll probes every known backend concurrently with graceful degradation
func (c *Checker) CheckAll(ctx context.Context) map[string]ProbeResult {
	specs := c.specs()

	primaries := make(map[string]resilience.OperationWithResult, len(specs))
	for name, spec := range specs {
		primaries[name] = c.probeOperation(name, spec)
	}

	outcomes := c.coordinator.ExecuteWithFallback(ctx, primaries, c.fallbackOperations(specs))

	results := make(map[string]ProbeResult, len(outcomes))
	for name, outcome := range outcomes {
		results[name] = c.buildResult(ctx, name, specs[name], outcome)
	}
	return results
}

// Recommendations collects the remediation hints across a result set
func Recommendations(results map[string]ProbeResult) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var recommendations []string
	for _, name := range names {
		if rec := results[name].Recommendation; rec != "" {
			recommendations = append(recommendations, rec)
		}
	}

	if len(recommendations) == 0 {
		recommendations = append(recommendations, "All backend services are healthy!")
	}
	return recommendations
}

// probeOperation builds the protected primary probe for one backend
func (c *Checker) probeOperation(name string, spec probeSpec) resilience.OperationWithResult {
	return func(ctx context.Context) (interface{}, error) {
		return c.probe(ctx, name, spec.base, spec.path, spec.expect, spec.checkBody)
	}
}

// fallbackOperations builds the fallback probes for backends that have one
func (c *Checker) fallbackOperations(specs map[string]probeSpec) map[string]resilience.OperationWithResult {
	fallbacks := make(map[string]resilience.OperationWithResult)
	for name, spec := range specs {
		if spec.fallbackPath == "" {
			continue
		}
		fallbacks[name] = func(ctx context.Context) (interface{}, error) {
			return c.probe(ctx, name, spec.base, spec.fallbackPath, 0, nil)
		}
	}
	return fallbacks
}

// probe performs one HTTP GET against a backend endpoint. A reachable backend
// that answers with an unexpected status is a warning, not a failure; only
// transport-level problems feed the circuit breaker.
func (c *Checker) probe(ctx context.Context, name, base, path string, expect int, checkBody func([]byte) *probeReport) (*probeReport, error) {
	url := strings.TrimSuffix(base, "/") + path
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid probe URL for %s", name)).WithCause(err)
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return nil, errors.NewTimeoutError(fmt.Sprintf("%s probe", name)).WithCause(err)
		}
		return nil, errors.NewUnavailableError(name, fmt.Sprintf("%s is not reachable", name)).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.NewExternalError(name, "failed to read probe response").WithCause(err)
	}

	// A zero expectation accepts any 2xx, which is how fallbacks are probed
	accepted := resp.StatusCode == expect
	if expect == 0 {
		accepted = resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	if !accepted {
		return &probeReport{
			status:     StatusWarning,
			statusCode: resp.StatusCode,
			detail:     fmt.Sprintf("unexpected status %d", resp.StatusCode),
			latency:    latency,
		}, nil
	}

	if checkBody != nil {
		report := checkBody(body)
		if report == nil {
			return nil, errors.NewExternalError(name, "failed to decode probe response")
		}
		report.statusCode = resp.StatusCode
		report.latency = latency
		return report, nil
	}

	return &probeReport{
		status:     StatusHealthy,
		statusCode: resp.StatusCode,
		latency:    latency,
	}, nil
}

// grafanaDatabaseStatus inspects Grafana's health payload for database state
func grafanaDatabaseStatus(body []byte) *probeReport {
	var payload struct {
		Database string `json:"database"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	if payload.Database != "ok" {
		return &probeReport{
			status: StatusWarning,
			detail: fmt.Sprintf("database status: %s", payload.Database),
		}
	}
	return &probeReport{status: StatusHealthy}
}

// buildResult converts a degradation outcome into a ProbeResult
func (c *Checker) buildResult(ctx context.Context, name string, spec probeSpec, outcome resilience.Outcome) ProbeResult {
	result := ProbeResult{
		Backend:   name,
		Endpoint:  spec.base,
		Outcome:   outcome.Kind,
		Duration:  outcome.Duration,
		CheckedAt: time.Now(),
	}

	switch outcome.Kind {
	case resilience.OutcomeSuccess:
		if report, ok := outcome.Result.(*probeReport); ok {
			result.Status = report.status
			result.StatusCode = report.statusCode
			result.Detail = report.detail
			if report.latency > 0 {
				result.Duration = report.latency
			}
		} else {
			result.Status = StatusHealthy
		}
	case resilience.OutcomeFallbackSuccess:
		// The primary endpoint failed but the service answered on its
		// fallback path, so it is reachable and misbehaving
		result.Status = StatusWarning
		result.Error = outcome.Err.Error()
		result.Detail = "primary probe failed, fallback succeeded"
	default:
		result.Status = statusFromError(outcome.Err)
		result.Error = outcome.Err.Error()
		if outcome.FallbackErr != nil {
			result.FallbackError = outcome.FallbackErr.Error()
		}
	}

	result.Recommendation = recommendationFor(name, spec.base, result.Status, result.Detail, outcome.Err)

	c.logger.LogCheckEvent(ctx, "probe_completed", "backends", name, result.Status == StatusHealthy, logrus.Fields{
		"endpoint":    spec.base,
		"status":      string(result.Status),
		"outcome":     string(result.Outcome),
		"duration_ms": result.Duration.Milliseconds(),
	})
	if c.metrics != nil {
		c.metrics.RecordCheckResult("backends", name, string(result.Status), result.Duration)
		c.metrics.RecordFallbackResult(name, string(outcome.Kind))
	}

	return result
}

// statusFromError maps a probe failure onto the status vocabulary:
// connection problems are unhealthy, everything else is an error
func statusFromError(err error) ProbeStatus {
	if appErr, ok := errors.AsAppError(err); ok && appErr.Type == errors.ErrorTypeUnavailable {
		return StatusUnhealthy
	}
	if resilience.IsCircuitOpen(err) {
		return StatusUnhealthy
	}
	return StatusError
}

// recommendationFor maps a probe result to a human remediation hint
func recommendationFor(name, endpoint string, status ProbeStatus, detail string, err error) string {
	switch status {
	case StatusHealthy:
		return ""
	case StatusUnhealthy:
		if resilience.IsCircuitOpen(err) {
			return fmt.Sprintf("Allow the '%s' circuit to recover or reset it via the API", name)
		}
		return fmt.Sprintf("Start %s service: %s", name, endpoint)
	}

	if detail == "" && err != nil {
		detail = err.Error()
	}
	if detail == "" {
		detail = "unknown issue"
	}
	return fmt.Sprintf("Check %s configuration: %s", name, detail)
}

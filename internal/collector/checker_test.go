package collector

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/resilience"
)

func newTestRegistry(threshold int) *resilience.Registry {
	return resilience.NewRegistry(resilience.RegistryConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: threshold,
			RecoveryTimeout:  time.Minute,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	})
}

func testCollectorConfig(grpcPort, httpPort int) *config.CollectorConfig {
	return &config.CollectorConfig{
		Host:          "127.0.0.1",
		GRPCPort:      grpcPort,
		HTTPPort:      httpPort,
		DialTimeout:   500 * time.Millisecond,
		ProbeTimeout:  2 * time.Second,
		ContainerName: "otel-collector",
	}
}

// listen opens a TCP listener on an ephemeral port and returns its port
func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	return listener, listener.Addr().(*net.TCPAddr).Port
}

// serverPort extracts the port an httptest server is listening on
func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestCheckPorts_BothOpen(t *testing.T) {
	_, grpcPort := listen(t)
	_, httpPort := listen(t)

	registry := newTestRegistry(5)
	checker := NewChecker(testCollectorConfig(grpcPort, httpPort), registry, nil, nil)

	results := checker.CheckPorts(context.Background())
	require.Len(t, results, 2)

	for _, result := range results {
		assert.True(t, result.Critical)
		assert.True(t, result.Healthy, "check %s", result.Name)
		assert.Contains(t, result.Detail, "accepting connections")
	}
	assert.Equal(t, "otlp_grpc_port", results[0].Name)
	assert.Equal(t, "otlp_http_port", results[1].Name)

	for _, service := range []string{"collector_grpc", "collector_http"} {
		status, ok := registry.GetStatus(service)
		require.True(t, ok, "service %s", service)
		assert.Equal(t, resilience.StateClosed, status.State)
	}
}

func TestCheckPorts_ClosedPortIsCritical(t *testing.T) {
	_, grpcPort := listen(t)

	registry := newTestRegistry(5)
	checker := NewChecker(testCollectorConfig(grpcPort, 1), registry, nil, nil)

	results := checker.CheckPorts(context.Background())
	require.Len(t, results, 2)

	assert.True(t, results[0].Healthy)
	assert.False(t, results[1].Healthy)
	assert.NotEmpty(t, results[1].Error)
	assert.Contains(t, results[1].Detail, "not accepting connections")

	status, ok := registry.GetStatus("collector_http")
	require.True(t, ok)
	assert.Equal(t, 1, status.FailureCount)
}

func TestCheckHTTP(t *testing.T) {
	t.Run("responding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		checker := NewChecker(testCollectorConfig(1, serverPort(t, server)), newTestRegistry(5), nil, nil)

		result := checker.CheckHTTP(context.Background())
		assert.True(t, result.Healthy)
		assert.False(t, result.Critical)
		assert.Equal(t, "HTTP endpoint is responding", result.Detail)
	})

	t.Run("non-200 still counts as reachable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		checker := NewChecker(testCollectorConfig(1, serverPort(t, server)), newTestRegistry(5), nil, nil)

		result := checker.CheckHTTP(context.Background())
		assert.True(t, result.Healthy)
		assert.Equal(t, "HTTP endpoint responding with status 404", result.Detail)
	})

	t.Run("unreachable", func(t *testing.T) {
		checker := NewChecker(testCollectorConfig(1, 1), newTestRegistry(5), nil, nil)

		result := checker.CheckHTTP(context.Background())
		assert.False(t, result.Healthy)
		assert.NotEmpty(t, result.Error)
		assert.Equal(t, "HTTP endpoint is not accessible", result.Detail)
	})
}

func TestCheckTelemetry(t *testing.T) {
	cfg := testCollectorConfig(4317, 4318)

	t.Run("span accepted", func(t *testing.T) {
		checker := NewChecker(cfg, newTestRegistry(5), nil, nil)

		var gotEndpoint, gotName string
		var gotAttrs []attribute.KeyValue
		checker.emitSpan = func(ctx context.Context, endpoint, spanName string, attrs ...attribute.KeyValue) error {
			gotEndpoint = endpoint
			gotName = spanName
			gotAttrs = attrs
			return nil
		}

		result := checker.CheckTelemetry(context.Background())
		assert.True(t, result.Healthy)
		assert.Equal(t, "test span accepted", result.Detail)

		assert.Equal(t, cfg.HTTPAddr(), gotEndpoint)
		assert.Equal(t, TestSpanName, gotName)
		require.Len(t, gotAttrs, 2)
		assert.Equal(t, attribute.Key("health.check"), gotAttrs[0].Key)
		assert.True(t, gotAttrs[0].Value.AsBool())
		assert.Equal(t, attribute.Key("test.timestamp"), gotAttrs[1].Key)
		assert.Greater(t, gotAttrs[1].Value.AsFloat64(), float64(0))
	})

	t.Run("span rejected", func(t *testing.T) {
		checker := NewChecker(cfg, newTestRegistry(5), nil, nil)
		checker.emitSpan = func(ctx context.Context, endpoint, spanName string, attrs ...attribute.KeyValue) error {
			return assert.AnError
		}

		result := checker.CheckTelemetry(context.Background())
		assert.False(t, result.Healthy)
		assert.Equal(t, "test span was not accepted", result.Detail)
		assert.NotEmpty(t, result.Error)
	})
}

func TestCheckContainerLogs(t *testing.T) {
	cfg := testCollectorConfig(4317, 4318)

	t.Run("docker unavailable skips", func(t *testing.T) {
		checker := NewChecker(cfg, newTestRegistry(5), nil, nil)
		checker.runDocker = func(ctx context.Context, args ...string) ([]byte, error) {
			return nil, assert.AnError
		}

		result := checker.CheckContainerLogs(context.Background())
		assert.True(t, result.Healthy)
		assert.Contains(t, result.Detail, "skipping")
	})

	t.Run("clean logs", func(t *testing.T) {
		checker := NewChecker(cfg, newTestRegistry(5), nil, nil)

		var gotArgs []string
		checker.runDocker = func(ctx context.Context, args ...string) ([]byte, error) {
			gotArgs = args
			return []byte("collector up and running\nreceivers ready\n"), nil
		}

		result := checker.CheckContainerLogs(context.Background())
		assert.True(t, result.Healthy)
		assert.Equal(t, []string{"logs", "--tail", "20", "otel-collector"}, gotArgs)
	})

	t.Run("error lines flag the check", func(t *testing.T) {
		checker := NewChecker(cfg, newTestRegistry(5), nil, nil)
		checker.runDocker = func(ctx context.Context, args ...string) ([]byte, error) {
			return []byte("2024/01/01 ERROR: connection refused\n"), nil
		}

		result := checker.CheckContainerLogs(context.Background())
		assert.False(t, result.Healthy)
		assert.Contains(t, result.Detail, "logs contain errors")
	})

	t.Run("failed lines flag the check", func(t *testing.T) {
		checker := NewChecker(cfg, newTestRegistry(5), nil, nil)
		checker.runDocker = func(ctx context.Context, args ...string) ([]byte, error) {
			return []byte("exporter Failed to push traces\n"), nil
		}

		result := checker.CheckContainerLogs(context.Background())
		assert.False(t, result.Healthy)
	})
}

func TestRunFull_ShortCircuitsOnClosedPorts(t *testing.T) {
	checker := NewChecker(testCollectorConfig(1, 1), newTestRegistry(5), nil, nil)

	spanSent := false
	checker.emitSpan = func(ctx context.Context, endpoint, spanName string, attrs ...attribute.KeyValue) error {
		spanSent = true
		return nil
	}

	report := checker.RunFull(context.Background())

	assert.False(t, report.Healthy)
	assert.Len(t, report.Checks, 2)
	assert.False(t, spanSent, "telemetry must not run when ports are down")
}

func TestRunFull_NonCriticalFailuresAreWarnings(t *testing.T) {
	_, grpcPort := listen(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(testCollectorConfig(grpcPort, serverPort(t, server)), newTestRegistry(5), nil, nil)
	checker.emitSpan = func(ctx context.Context, endpoint, spanName string, attrs ...attribute.KeyValue) error {
		return assert.AnError
	}
	checker.runDocker = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte("exporter error: no such host\n"), nil
	}

	report := checker.RunFull(context.Background())

	assert.True(t, report.Healthy, "non-critical failures must not fail the run")
	require.Len(t, report.Checks, 5)
	assert.Equal(t, []string{
		"test span was not accepted",
		"recent otel-collector logs contain errors",
	}, report.Warnings)
}

func TestRunFull_AllHealthy(t *testing.T) {
	_, grpcPort := listen(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(testCollectorConfig(grpcPort, serverPort(t, server)), newTestRegistry(5), nil, nil)
	checker.emitSpan = func(ctx context.Context, endpoint, spanName string, attrs ...attribute.KeyValue) error {
		return nil
	}
	checker.runDocker = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte("collector up and running\n"), nil
	}

	report := checker.RunFull(context.Background())

	assert.True(t, report.Healthy)
	require.Len(t, report.Checks, 5)
	for _, check := range report.Checks {
		assert.True(t, check.Healthy, "check %s", check.Name)
	}
	assert.Empty(t, report.Warnings)
	assert.False(t, report.CheckedAt.IsZero())
}

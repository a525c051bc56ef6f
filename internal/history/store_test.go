package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelguard/otelguard/internal/backends"
	"github.com/otelguard/otelguard/internal/collector"
	"github.com/otelguard/otelguard/internal/storage"
	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/errors"
	"github.com/otelguard/otelguard/pkg/resilience"
)

func TestNilStoreIsDisabled(t *testing.T) {
	var store *Store

	assert.False(t, store.Enabled())
	assert.NoError(t, store.RecordRun(context.Background(), &Run{Kind: "backends", Target: "loki"}))
	assert.NoError(t, store.RecordAll(context.Background(), []*Run{{Kind: "storage", Target: "redis"}}))

	runs, err := store.ListRecent(context.Background(), 10)
	assert.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStoreWithoutConnectionIsDisabled(t *testing.T) {
	store := NewStore(nil, 0, nil)

	assert.False(t, store.Enabled())
	assert.Equal(t, DefaultRetentionLimit, store.retentionLimit)
	assert.NoError(t, store.RecordRun(context.Background(), &Run{Kind: "collector", Target: "otlp_grpc_port"}))
}

func TestFromBackendResult(t *testing.T) {
	checkedAt := time.Now()
	result := backends.ProbeResult{
		Backend:   "grafana",
		Endpoint:  "http://localhost:3000",
		Status:    backends.StatusWarning,
		Outcome:   resilience.OutcomeSuccess,
		Duration:  42 * time.Millisecond,
		Detail:    "database status: failing",
		CheckedAt: checkedAt,
	}

	run := FromBackendResult(result)

	assert.Equal(t, "backends", run.Kind)
	assert.Equal(t, "grafana", run.Target)
	assert.False(t, run.Healthy)
	assert.Equal(t, "warning", run.Status)
	assert.Equal(t, int64(42), run.LatencyMS)
	assert.Equal(t, "success", run.Outcome)
	assert.Equal(t, checkedAt, run.CreatedAt)
}

func TestFromStorageResult(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		run := FromStorageResult(storage.ProbeResult{
			Target:   "redis",
			Healthy:  true,
			Duration: 5 * time.Millisecond,
		})

		assert.Equal(t, "storage", run.Kind)
		assert.Equal(t, "redis", run.Target)
		assert.True(t, run.Healthy)
		assert.Equal(t, "healthy", run.Status)
		assert.Equal(t, "success", run.Outcome)
	})

	t.Run("unhealthy", func(t *testing.T) {
		run := FromStorageResult(storage.ProbeResult{
			Target:  "postgres",
			Healthy: false,
			Error:   "connection refused",
		})

		assert.False(t, run.Healthy)
		assert.Equal(t, "unhealthy", run.Status)
		assert.Equal(t, "failed", run.Outcome)
		assert.Equal(t, "connection refused", run.Error)
	})
}

func TestFromCollectorReport(t *testing.T) {
	checkedAt := time.Now()
	report := collector.Report{
		Healthy:   false,
		CheckedAt: checkedAt,
		Checks: []collector.CheckResult{
			{Name: "otlp_grpc_port", Critical: true, Healthy: true, Duration: 3 * time.Millisecond},
			{Name: "otlp_http_port", Critical: true, Healthy: false, Error: "dial refused", Duration: 7 * time.Millisecond},
		},
	}

	runs := FromCollectorReport(report)
	require.Len(t, runs, 2)

	assert.Equal(t, "collector", runs[0].Kind)
	assert.Equal(t, "otlp_grpc_port", runs[0].Target)
	assert.True(t, runs[0].Healthy)
	assert.Equal(t, "success", runs[0].Outcome)

	assert.Equal(t, "otlp_http_port", runs[1].Target)
	assert.False(t, runs[1].Healthy)
	assert.Equal(t, "failed", runs[1].Outcome)
	assert.Equal(t, "dial refused", runs[1].Error)
	assert.Equal(t, checkedAt, runs[1].CreatedAt)
}

func TestNewMigrator_Validation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewMigrator(nil, "migrations")
		require.Error(t, err)

		appErr, ok := errors.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, errors.ErrorTypeValidation, appErr.Type)
	})

	t.Run("non-postgres driver", func(t *testing.T) {
		cfg := &config.DatabaseConfig{Driver: "mysql"}
		_, err := NewMigrator(cfg, "migrations")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires the postgres driver")
	})

	t.Run("unreachable database", func(t *testing.T) {
		cfg := &config.DatabaseConfig{
			Driver:   "postgres",
			Host:     "127.0.0.1",
			Port:     1,
			User:     "otelguard",
			Password: "otelguard",
			Name:     "otelguard",
			SSLMode:  "disable",
		}

		_, err := NewMigrator(cfg, "migrations")
		require.Error(t, err)

		appErr, ok := errors.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, errors.ErrorTypeUnavailable, appErr.Type)
	})
}

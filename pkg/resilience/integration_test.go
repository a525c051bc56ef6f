package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockBackend simulates a telemetry backend that can be switched between
// healthy and failing.
type mockBackend struct {
	mu       sync.Mutex
	healthy  bool
	calls    int
	failures int
}

func newMockBackend(healthy bool) *mockBackend {
	return &mockBackend{healthy: healthy}
}

func (m *mockBackend) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

func (m *mockBackend) Probe(ctx context.Context) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if !m.healthy {
		m.failures++
		return nil, fmt.Errorf("probe %d: connection refused", m.calls)
	}
	return fmt.Sprintf("healthy after %d calls", m.calls), nil
}

func (m *mockBackend) Stats() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.failures
}

// singleAttemptConfig disables retries so each protected call maps to
// exactly one breaker interaction.
func singleAttemptConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		BaseDelay:         time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestIntegration_BreakerLifecycle(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Retry: singleAttemptConfig(),
	})

	backend := newMockBackend(false)
	ctx := context.Background()

	// Five consecutive failing calls trip the breaker
	for i := 0; i < 5; i++ {
		_, err := registry.ExecuteWithResult(ctx, "elastic", backend.Probe)
		require.Error(t, err)
	}

	status, ok := registry.GetStatus("elastic")
	require.True(t, ok)
	assert.Equal(t, StateOpen, status.State)
	assert.Equal(t, 5, status.FailureCount)

	// The backend recovers, but the open breaker still rejects the call
	backend.SetHealthy(true)
	_, err := registry.ExecuteWithResult(ctx, "elastic", backend.Probe)
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))

	calls, _ := backend.Stats()
	assert.Equal(t, 5, calls, "rejected call must not reach the backend")

	// After the recovery window the next call probes and closes the circuit
	cb, _ := registry.GetOrCreate("elastic", nil, nil)
	cb.mu.Lock()
	cb.lastFailureTime = time.Now().Add(-61 * time.Second)
	cb.mu.Unlock()

	result, err := registry.ExecuteWithResult(ctx, "elastic", backend.Probe)
	require.NoError(t, err)
	assert.Contains(t, result.(string), "healthy")

	status, _ = registry.GetStatus("elastic")
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 0, status.FailureCount)
}

func TestIntegration_ConcurrentFailuresNoLostUpdates(t *testing.T) {
	const goroutines = 50

	registry := NewRegistry(RegistryConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: goroutines + 1,
			RecoveryTimeout:  time.Minute,
		},
		Retry: singleAttemptConfig(),
	})

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = registry.Execute(context.Background(), "shared", func(ctx context.Context) error {
				return errors.New("induced failure")
			})
		}()
	}
	wg.Wait()

	// Every real failure is reflected; none were lost to races
	status, ok := registry.GetStatus("shared")
	require.True(t, ok)
	assert.Equal(t, goroutines, status.FailureCount)
	assert.Equal(t, StateClosed, status.State)
}

func TestIntegration_ConcurrentMixedLoad(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  200 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxAttempts:       2,
			BaseDelay:         time.Millisecond,
			MaxDelay:          2 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	})

	backend := newMockBackend(false)

	const goroutines = 20
	const callsPerGoroutine = 10

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	failures := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				if id == 0 && j == callsPerGoroutine/2 {
					backend.SetHealthy(true)
				}
				_, err := registry.ExecuteWithResult(ctx, "flaky", backend.Probe)

				mu.Lock()
				if err != nil {
					failures++
				} else {
					successes++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	t.Logf("successes=%d failures=%d", successes, failures)

	// Every call is accounted for and the registry stays consistent
	assert.Equal(t, goroutines*callsPerGoroutine, successes+failures)

	status, ok := registry.GetStatus("flaky")
	require.True(t, ok)
	assert.GreaterOrEqual(t, status.FailureCount, 0)
}

func TestIntegration_DegradedBackendUsesFallback(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:       2,
			BaseDelay:         time.Millisecond,
			MaxDelay:          time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	})
	dc := NewDegradationCoordinator(registry)

	primary := newMockBackend(false)
	fallback := newMockBackend(true)

	outcomes := dc.ExecuteWithFallback(context.Background(),
		map[string]OperationWithResult{"influxdb": primary.Probe},
		map[string]OperationWithResult{"influxdb": fallback.Probe},
	)

	outcome := outcomes["influxdb"]
	assert.Equal(t, OutcomeFallbackSuccess, outcome.Kind)

	// The primary consumed its full retry budget before falling back
	primaryCalls, _ := primary.Stats()
	assert.Equal(t, 2, primaryCalls)

	// Primary and fallback keep separate breaker state
	primaryStatus, _ := registry.GetStatus("influxdb")
	fallbackStatus, _ := registry.GetStatus("influxdb" + FallbackSuffix)
	assert.Equal(t, 2, primaryStatus.FailureCount)
	assert.Equal(t, 0, fallbackStatus.FailureCount)
	assert.Equal(t, StateClosed, fallbackStatus.State)
}

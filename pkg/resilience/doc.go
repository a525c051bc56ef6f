// Package resilience provides circuit breaking, retrying with exponential
// backoff, and graceful degradation for calls against telemetry backends
// and other unreliable downstream services.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker stops hammering a failing service. It opens after a
// run of consecutive failures, rejects calls while open, and lets a probe
// call through once the recovery timeout has elapsed.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "grafana",
//		FailureThreshold: 5,
//		RecoveryTimeout:  60 * time.Second,
//	})
//
//	if cb.Allow() {
//		if err := callGrafana(ctx); err != nil {
//			cb.RecordFailure(err)
//		} else {
//			cb.RecordSuccess()
//		}
//	}
//
// # Retry with Exponential Backoff
//
// The retry policy re-runs failed operations with exponentially growing,
// jittered delays to avoid thundering herd problems.
//
//	rp := resilience.NewRetryPolicy(resilience.DefaultRetryConfig())
//	err := rp.Execute(ctx, func(ctx context.Context) error {
//		return probeEndpoint(ctx)
//	})
//
// # Protected Execution
//
// A Registry owns one circuit breaker and one retry policy per service
// name and composes them: every attempt consults the breaker before the
// operation runs.
//
//	registry := resilience.NewRegistry(resilience.RegistryConfig{})
//	result, err := registry.ExecuteWithResult(ctx, "loki", func(ctx context.Context) (interface{}, error) {
//		return checkLoki(ctx)
//	})
//
// # Graceful Degradation
//
// The coordinator runs a set of named checks in parallel and substitutes
// fallbacks for failing primaries, reporting per-name outcomes instead of
// errors.
//
//	dc := resilience.NewDegradationCoordinator(registry)
//	outcomes := dc.ExecuteWithFallback(ctx, primaries, fallbacks)
//
// All types are safe for concurrent use; contention on one service's
// breaker never blocks calls against another service.
package resilience

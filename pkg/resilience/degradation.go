package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/otelguard/otelguard/pkg/logging"
)

// FallbackSuffix is appended to a service name to derive the registry key
// under which its fallback operation is protected.
const FallbackSuffix = "_fallback"

// OutcomeKind classifies how a coordinated service check resolved.
type OutcomeKind string

const (
	// OutcomeSuccess - the primary operation succeeded
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeFallbackSuccess - the primary failed but its fallback succeeded
	OutcomeFallbackSuccess OutcomeKind = "fallback_success"
	// OutcomeFailed - the primary and any fallback both failed
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome describes the result of one coordinated service check.
type Outcome struct {
	Kind        OutcomeKind
	Result      interface{}
	Err         error
	FallbackErr error
	Duration    time.Duration
}

// Degraded reports whether the check needed a fallback or failed outright.
func (o Outcome) Degraded() bool {
	return o.Kind != OutcomeSuccess
}

// DegradationCoordinator runs groups of named operations through a
// registry and substitutes fallbacks for failing primaries instead of
// surfacing errors to the caller.
type DegradationCoordinator struct {
	registry *Registry
	logger   *logging.Logger
}

// NewDegradationCoordinator creates a coordinator backed by the registry.
func NewDegradationCoordinator(registry *Registry) *DegradationCoordinator {
	return &DegradationCoordinator{
		registry: registry,
		logger:   logging.GetLogger(),
	}
}

// ExecuteWithFallback runs every primary operation concurrently under its
// own name. When a primary fails and a fallback is registered for the
// name, the fallback runs under "<name>_fallback" with separate breaker
// and retry state. Failures become outcome data; the method never returns
// an error.
func (dc *DegradationCoordinator) ExecuteWithFallback(ctx context.Context, primaries map[string]OperationWithResult, fallbacks map[string]OperationWithResult) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(primaries))

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, primary := range primaries {
		wg.Add(1)
		go func(name string, primary, fallback OperationWithResult) {
			defer wg.Done()

			outcome := dc.execute(ctx, name, primary, fallback)

			mu.Lock()
			outcomes[name] = outcome
			mu.Unlock()
		}(name, primary, fallbacks[name])
	}

	wg.Wait()
	return outcomes
}

// execute resolves a single named check to its outcome.
func (dc *DegradationCoordinator) execute(ctx context.Context, name string, primary, fallback OperationWithResult) Outcome {
	start := time.Now()

	result, err := dc.registry.ExecuteWithResult(ctx, name, primary)
	if err == nil {
		return Outcome{
			Kind:     OutcomeSuccess,
			Result:   result,
			Duration: time.Since(start),
		}
	}

	if fallback == nil {
		dc.logger.Warn("Service check failed with no fallback",
			"service", name,
			"error", err.Error(),
		)
		return Outcome{
			Kind:     OutcomeFailed,
			Err:      err,
			Duration: time.Since(start),
		}
	}

	dc.logger.Warn("Service check failed, running fallback",
		"service", name,
		"error", err.Error(),
	)

	fallbackResult, fallbackErr := dc.registry.ExecuteWithResult(ctx, name+FallbackSuffix, fallback)
	if fallbackErr != nil {
		dc.logger.Error("Fallback check failed",
			"service", name,
			"error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return Outcome{
			Kind:        OutcomeFailed,
			Err:         err,
			FallbackErr: fallbackErr,
			Duration:    time.Since(start),
		}
	}

	dc.logger.Info("Fallback check succeeded",
		"service", name,
		"primary_error", err.Error(),
	)
	return Outcome{
		Kind:        OutcomeFallbackSuccess,
		Result:      fallbackResult,
		Err:         err,
		Duration:    time.Since(start),
	}
}

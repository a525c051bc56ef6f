package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/otelguard/otelguard/pkg/logging"
)

// Operation is a unit of work executed under retry and circuit protection.
type Operation func(ctx context.Context) error

// OperationWithResult is a unit of work that produces a result.
type OperationWithResult func(ctx context.Context) (interface{}, error)

// RetryExhaustedError is returned when every attempt of an operation has
// failed. It wraps the error from the final attempt.
type RetryExhaustedError struct {
	Service  string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("operation against '%s' failed after %d attempts: %v", e.Service, e.Attempts, e.Err)
	}
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the final attempt's error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryExhausted checks if an error is a retry budget exhaustion.
func IsRetryExhausted(err error) bool {
	var reErr *RetryExhaustedError
	return errors.As(err, &reErr)
}

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first call
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds randomness to delay to avoid thundering herd
	Jitter bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy executes operations with exponential backoff between failed
// attempts. Any error is treated as retryable; callers that need to stop
// earlier cancel the context.
type RetryPolicy struct {
	config RetryConfig
	logger *logging.Logger

	// rng returns a uniform value in [0, 1). Tests replace it to make
	// jitter deterministic.
	rng func() float64
}

// NewRetryPolicy creates a retry policy with the given configuration.
// Out-of-range values fall back to the defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}

	return &RetryPolicy{
		config: config,
		logger: logging.GetLogger(),
		rng:    rand.Float64,
	}
}

// Execute runs the given operation with retry logic
func (rp *RetryPolicy) Execute(ctx context.Context, operation Operation) error {
	_, err := rp.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}

// ExecuteWithResult runs the given operation with retry logic and returns
// its result. After all attempts fail the error is a RetryExhaustedError
// wrapping the final attempt's error; a cancelled context surfaces the
// context error instead.
func (rp *RetryPolicy) ExecuteWithResult(ctx context.Context, operation OperationWithResult) (interface{}, error) {
	result, attempts, err := rp.run(ctx, "", operation, nil)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		return nil, &RetryExhaustedError{Attempts: attempts, Err: err}
	}
	return result, nil
}

// run drives the attempt loop shared by the retry policy and the registry
// executor. stop, when non-nil, ends the loop early for errors further
// attempts cannot fix. It returns the attempts consumed alongside the
// result or final error.
func (rp *RetryPolicy) run(ctx context.Context, service string, operation OperationWithResult, stop func(error) bool) (interface{}, int, error) {
	var lastErr error

	for attempt := 1; attempt <= rp.config.MaxAttempts; attempt++ {
		// Check if context is cancelled
		if ctx.Err() != nil {
			return nil, attempt - 1, ctx.Err()
		}

		result, err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				rp.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"total_attempts", rp.config.MaxAttempts,
				)
			}
			return result, attempt, nil
		}

		lastErr = err

		if stop != nil && stop(err) {
			return nil, attempt, err
		}

		// Don't retry on the last attempt
		if attempt == rp.config.MaxAttempts {
			break
		}

		delay := rp.calculateDelay(attempt)

		fields := []interface{}{
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", rp.config.MaxAttempts,
			"delay", delay.String(),
		}
		if service != "" {
			fields = append(fields, "service", service)
		}
		rp.logger.Warn("Operation failed, retrying", fields...)

		// Call retry callback if provided
		if rp.config.OnRetry != nil {
			rp.config.OnRetry(attempt, err, delay)
		}

		// Wait before retry
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
			// Continue to next attempt
		}
	}

	rp.logger.Error("Operation failed after all retry attempts",
		"error", lastErr.Error(),
		"attempts", rp.config.MaxAttempts,
	)

	return nil, rp.config.MaxAttempts, lastErr
}

// calculateDelay computes the backoff delay after failing attempt n,
// counted from 1: min(BaseDelay * BackoffMultiplier^(n-1), MaxDelay),
// scaled by a uniform factor in [0.5, 1.0) when jitter is enabled.
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.config.BaseDelay) * math.Pow(rp.config.BackoffMultiplier, float64(attempt-1))

	// Apply maximum delay limit
	if delay > float64(rp.config.MaxDelay) {
		delay = float64(rp.config.MaxDelay)
	}

	// Scale by jitter if enabled
	if rp.config.Jitter {
		delay *= 0.5 + rp.rng()*0.5
	}

	return time.Duration(delay)
}

// isCancellation reports whether err stems from context cancellation
// rather than an operation failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// RetryWithConfig is a convenience function to execute an operation with retry
func RetryWithConfig(ctx context.Context, config RetryConfig, operation Operation) error {
	return NewRetryPolicy(config).Execute(ctx, operation)
}

// Retry is a convenience function to execute an operation with default retry configuration
func Retry(ctx context.Context, operation Operation) error {
	return RetryWithConfig(ctx, DefaultRetryConfig(), operation)
}

// RetryWithResult is a convenience function to execute an operation with result and default retry configuration
func RetryWithResult(ctx context.Context, operation OperationWithResult) (interface{}, error) {
	return NewRetryPolicy(DefaultRetryConfig()).ExecuteWithResult(ctx, operation)
}

package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/otelguard/otelguard/pkg/logging"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed lets every call through and counts consecutive failures
	StateClosed CircuitState = iota
	// StateOpen rejects calls until the recovery timeout has elapsed
	StateOpen
	// StateHalfOpen lets probe calls through to test whether the service recovered
	StateHalfOpen
)

// String returns the state name used in logs, metrics, and status payloads.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name.
func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CircuitOpenError is returned when the breaker rejects a call without
// running the underlying operation.
type CircuitOpenError struct {
	Service string
	State   CircuitState
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Service, e.State)
}

// IsCircuitOpen checks if an error is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the protected service in logs and status reports
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe is allowed
	RecoveryTimeout time.Duration
	// FailureClassifier decides whether an error counts toward the failure
	// threshold. When nil, every error counts.
	FailureClassifier func(err error) bool
	// OnStateChange is called after every state transition
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a configuration with sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// CircuitBreaker protects a downstream service from repeated calls while it
// is failing. The breaker starts closed, opens once consecutive failures
// reach the threshold, and moves to half-open when Allow is called after
// the recovery timeout so the next call can probe the service.
type CircuitBreaker struct {
	name              string
	failureThreshold  int
	recoveryTimeout   time.Duration
	failureClassifier func(err error) bool
	onStateChange     func(name string, from CircuitState, to CircuitState)

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time

	logger *logging.Logger
}

// Status is a point-in-time snapshot of a circuit breaker. A zero
// LastFailure means no failure has been recorded yet.
type Status struct {
	Service      string       `json:"service"`
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	LastFailure  time.Time    `json:"last_failure"`
}

// NewCircuitBreaker creates a circuit breaker from the given configuration.
// Non-positive threshold and timeout values fall back to the defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}

	return &CircuitBreaker{
		name:              config.Name,
		failureThreshold:  config.FailureThreshold,
		recoveryTimeout:   config.RecoveryTimeout,
		failureClassifier: config.FailureClassifier,
		onStateChange:     config.OnStateChange,
		state:             StateClosed,
		logger:            logging.GetLogger(),
	}
}

// Allow reports whether a call may proceed. When the circuit is open and
// the recovery timeout has elapsed since the last failure, the breaker
// moves to half-open and the call is let through as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.recoveryTimeout {
			cb.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call. The failure count is cleared
// and the circuit closes regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// RecordFailure records a failed call. The failure count grows and the
// circuit opens once the count reaches the threshold. A failure during a
// half-open probe reopens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if cb.failureClassifier != nil && !cb.failureClassifier(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.setState(StateOpen)
	}
}

// State returns the current state. This is a plain read; an open breaker
// whose recovery timeout has elapsed keeps reporting open until the next
// Allow call performs the transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Name returns the name of the service the breaker protects.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Status returns a snapshot of the breaker for health reporting.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Status{
		Service:      cb.name,
		State:        cb.state,
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailureTime,
	}
}

// Reset forces the breaker back to closed and clears the failure count.
// The last failure timestamp is kept for inspection.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// setState transitions the breaker and notifies observers. The caller must
// hold cb.mu; observers must not call back into the breaker.
func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.logger.LogCircuitEvent(context.Background(), cb.name, prev.String(), state.String(), cb.failureCount)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

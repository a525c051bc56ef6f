package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/otelguard/otelguard/pkg/logging"
)

// RegistryConfig holds the defaults applied to services on first use and
// the hooks shared by every entry in the registry.
type RegistryConfig struct {
	// CircuitBreaker is the breaker configuration applied when GetOrCreate
	// receives no explicit config. Its Name field is ignored.
	CircuitBreaker CircuitBreakerConfig
	// Retry is the retry configuration applied when GetOrCreate receives
	// no explicit config. A zero value means DefaultRetryConfig.
	Retry RetryConfig
	// FailFastOnOpen makes Execute surface a circuit rejection immediately
	// instead of spending the remaining retry attempts sleeping against an
	// open breaker.
	FailFastOnOpen bool
	// OnStateChange is invoked after every breaker transition in the registry
	OnStateChange func(service string, from CircuitState, to CircuitState)
	// OnRetry is invoked before each backoff sleep of a protected call
	OnRetry func(service string, attempt int, err error, delay time.Duration)
}

// Registry owns one circuit breaker and one retry policy per service name.
// Entries are created on first reference and live until the registry is
// discarded; Reset mutates a breaker in place rather than removing it.
// All methods are safe for concurrent use.
type Registry struct {
	config RegistryConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	policies map[string]*RetryPolicy

	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if isZeroRetryConfig(config.Retry) {
		onRetry := config.Retry.OnRetry
		config.Retry = DefaultRetryConfig()
		config.Retry.OnRetry = onRetry
	}

	return &Registry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
		policies: make(map[string]*RetryPolicy),
		logger:   logging.GetLogger(),
	}
}

// isZeroRetryConfig reports whether every tunable field is unset, meaning
// the caller wants the defaults rather than a literal zero configuration.
func isZeroRetryConfig(config RetryConfig) bool {
	return config.MaxAttempts == 0 &&
		config.BaseDelay == 0 &&
		config.MaxDelay == 0 &&
		config.BackoffMultiplier == 0
}

// GetOrCreate returns the breaker and retry policy for the named service,
// creating them on first use. Explicit configs apply only at creation
// time; nil configs fall back to the registry defaults. Concurrent first
// uses of the same name produce exactly one pair.
func (r *Registry) GetOrCreate(service string, cbConfig *CircuitBreakerConfig, retryConfig *RetryConfig) (*CircuitBreaker, *RetryPolicy) {
	r.mu.RLock()
	cb, haveBreaker := r.breakers[service]
	rp, havePolicy := r.policies[service]
	r.mu.RUnlock()

	if haveBreaker && havePolicy {
		return cb, rp
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cb, haveBreaker = r.breakers[service]
	if !haveBreaker {
		cb = NewCircuitBreaker(r.breakerConfig(service, cbConfig))
		r.breakers[service] = cb
		r.logger.Debug("Registered circuit breaker",
			"service", service,
			"failure_threshold", cb.failureThreshold,
			"recovery_timeout", cb.recoveryTimeout.String(),
		)
	}

	rp, havePolicy = r.policies[service]
	if !havePolicy {
		rp = NewRetryPolicy(r.retryConfig(service, retryConfig))
		r.policies[service] = rp
	}

	return cb, rp
}

// breakerConfig merges the registry default with an optional explicit
// config and chains the registry-wide state change hook behind any
// per-breaker hook.
func (r *Registry) breakerConfig(service string, override *CircuitBreakerConfig) CircuitBreakerConfig {
	config := r.config.CircuitBreaker
	if override != nil {
		config = *override
	}
	config.Name = service

	entryHook := config.OnStateChange
	registryHook := r.config.OnStateChange
	if entryHook != nil || registryHook != nil {
		config.OnStateChange = func(name string, from, to CircuitState) {
			if entryHook != nil {
				entryHook(name, from, to)
			}
			if registryHook != nil {
				registryHook(name, from, to)
			}
		}
	}

	return config
}

// retryConfig merges the registry default with an optional explicit config
// and chains the registry-wide retry hook behind any per-policy hook.
func (r *Registry) retryConfig(service string, override *RetryConfig) RetryConfig {
	config := r.config.Retry
	if override != nil {
		config = *override
	}

	entryHook := config.OnRetry
	registryHook := r.config.OnRetry
	if entryHook != nil || registryHook != nil {
		config.OnRetry = func(attempt int, err error, delay time.Duration) {
			if entryHook != nil {
				entryHook(attempt, err, delay)
			}
			if registryHook != nil {
				registryHook(service, attempt, err, delay)
			}
		}
	}

	return config
}

// Execute runs the operation under the named service's circuit breaker and
// retry policy, discarding any result.
func (r *Registry) Execute(ctx context.Context, service string, operation Operation) error {
	_, err := r.ExecuteWithResult(ctx, service, func(ctx context.Context) (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}

// ExecuteWithResult runs the operation under the named service's circuit
// breaker and retry policy. Every attempt consults the breaker first: a
// rejection consumes the attempt and its backoff sleep without touching
// the failure count, so a later attempt can probe the service once the
// recovery timeout elapses. With FailFastOnOpen set, the first rejection
// is returned immediately as a CircuitOpenError. When all attempts fail
// the error is a RetryExhaustedError wrapping the final attempt's error.
func (r *Registry) ExecuteWithResult(ctx context.Context, service string, operation OperationWithResult) (interface{}, error) {
	cb, rp := r.GetOrCreate(service, nil, nil)

	guarded := func(ctx context.Context) (interface{}, error) {
		if !cb.Allow() {
			return nil, &CircuitOpenError{Service: service, State: StateOpen}
		}
		result, err := operation(ctx)
		if err != nil {
			cb.RecordFailure(err)
			return nil, err
		}
		cb.RecordSuccess()
		return result, nil
	}

	var stop func(error) bool
	if r.config.FailFastOnOpen {
		stop = IsCircuitOpen
	}

	result, attempts, err := rp.run(ctx, service, guarded, stop)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		if r.config.FailFastOnOpen && IsCircuitOpen(err) {
			r.logger.Warn("Call rejected by open circuit", "service", service)
			return nil, err
		}
		return nil, &RetryExhaustedError{Service: service, Attempts: attempts, Err: err}
	}

	return result, nil
}

// GetStatus returns a snapshot of the named service's breaker. The boolean
// is false when no breaker was ever created for the name; a status read
// never creates one.
func (r *Registry) GetStatus(service string) (Status, bool) {
	r.mu.RLock()
	cb, ok := r.breakers[service]
	r.mu.RUnlock()

	if !ok {
		return Status{}, false
	}
	return cb.Status(), true
}

// GetAllStatuses returns a snapshot of every registered breaker keyed by
// service name.
func (r *Registry) GetAllStatuses() map[string]Status {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	statuses := make(map[string]Status, len(breakers))
	for _, cb := range breakers {
		statuses[cb.Name()] = cb.Status()
	}
	return statuses
}

// Reset forces the named breaker back to closed with a zero failure count.
// It returns false when the service was never registered; nothing is
// created in that case.
func (r *Registry) Reset(service string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[service]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("Circuit breaker not found for reset", "service", service)
		return false
	}

	cb.Reset()
	r.logger.Info("Circuit breaker reset", "service", service)
	return true
}

// Executor binds one service name to its breaker and retry policy for
// repeated protected calls against the same downstream.
type Executor struct {
	registry *Registry
	service  string
}

// Executor returns a handle for protected calls against the named service,
// creating its breaker and retry policy on first use.
func (r *Registry) Executor(service string, cbConfig *CircuitBreakerConfig, retryConfig *RetryConfig) *Executor {
	r.GetOrCreate(service, cbConfig, retryConfig)
	return &Executor{registry: r, service: service}
}

// Execute runs the operation under the bound service's protection.
func (e *Executor) Execute(ctx context.Context, operation Operation) error {
	return e.registry.Execute(ctx, e.service, operation)
}

// ExecuteWithResult runs the operation under the bound service's
// protection and returns its result.
func (e *Executor) ExecuteWithResult(ctx context.Context, operation OperationWithResult) (interface{}, error) {
	return e.registry.ExecuteWithResult(ctx, e.service, operation)
}

// State returns the current state of the bound service's breaker.
func (e *Executor) State() CircuitState {
	status, _ := e.registry.GetStatus(e.service)
	return status.State
}

// Service returns the bound service name.
func (e *Executor) Service() string {
	return e.service
}

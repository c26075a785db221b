package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrCircuitBreakerTimeout = errors.New("circuit breaker operation timeout")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int

	// Timeout is how long to wait before transitioning from Open to Half-Open
	Timeout time.Duration

	// MaxConcurrentRequests is the max requests allowed in Half-Open state
	MaxConcurrentRequests int

	// SuccessThreshold is the number of consecutive successes needed in Half-Open to go to Closed
	SuccessThreshold int

	// RequestTimeout bounds a single call. Zero leaves the caller's deadline alone.
	RequestTimeout time.Duration

	// IsFailure decides whether an error counts against the circuit. Nil counts
	// every error except cancellation of the caller's own context.
	IsFailure func(err error) bool
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      3,
	}
}

// CircuitBreaker stops calling a dependency after repeated failures and
// probes it again once Timeout has passed.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           int32 // CircuitBreakerState
	failures        int32
	successes       int32
	requests        int32
	rejected        int64
	lastFailureTime int64 // Unix nano

	mu sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  int32(StateClosed),
	}
}

// Execute calls fn on the caller's goroutine unless the circuit is open, in
// which case it returns ErrCircuitBreakerOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	halfOpen, err := cb.beforeRequest()
	if err != nil {
		atomic.AddInt64(&cb.rejected, 1)
		return err
	}
	if halfOpen {
		defer atomic.AddInt32(&cb.requests, -1)
	}

	callCtx := ctx
	if cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err == nil {
		cb.onSuccess()
		return nil
	}
	if !cb.isFailure(ctx, err) {
		return err
	}
	cb.onFailure()
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &timeoutError{cause: err}
	}
	return err
}

// timeoutError matches ErrCircuitBreakerTimeout for both the standard library
// and cockroachdb/errors, and unwraps to the call's own error.
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string { return e.cause.Error() }

func (e *timeoutError) Unwrap() error { return e.cause }

func (e *timeoutError) Is(target error) bool { return target == ErrCircuitBreakerTimeout }

func (cb *CircuitBreaker) isFailure(ctx context.Context, err error) bool {
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	// The caller gave up; that says nothing about the dependency.
	return !errors.Is(ctx.Err(), context.Canceled)
}

// beforeRequest reports whether the request was admitted as a half-open probe.
func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return false, nil

	case StateOpen:
		if !cb.shouldAttemptReset() {
			return false, ErrCircuitBreakerOpen
		}
		cb.TransitionToHalfOpen()
		fallthrough

	case StateHalfOpen:
		if atomic.AddInt32(&cb.requests, 1) > int32(cb.config.MaxConcurrentRequests) {
			atomic.AddInt32(&cb.requests, -1)
			return false, ErrCircuitBreakerOpen
		}
		return true, nil

	default:
		return false, ErrCircuitBreakerOpen
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		atomic.StoreInt32(&cb.failures, 0)

	case StateHalfOpen:
		successes := atomic.AddInt32(&cb.successes, 1)
		if int(successes) >= cb.config.SuccessThreshold {
			cb.transitionToClosed()
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	failures := atomic.AddInt32(&cb.failures, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if int(failures) >= cb.config.MaxFailures {
			cb.transitionToOpen()
		}

	case StateHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) shouldAttemptReset() bool {
	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	return time.Since(time.Unix(0, lastFailure)) >= cb.config.Timeout
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	atomic.StoreInt32(&cb.state, int32(StateClosed))
	atomic.StoreInt32(&cb.failures, 0)
	atomic.StoreInt32(&cb.successes, 0)
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	atomic.StoreInt32(&cb.state, int32(StateOpen))
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
}

// TransitionToHalfOpen transitions the circuit breaker to half-open state
func (cb *CircuitBreaker) TransitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		return
	}
	// requests is left alone: probes admitted in an earlier half-open
	// window still hold a slot until their deferred decrement runs.
	atomic.StoreInt32(&cb.state, int32(StateHalfOpen))
	atomic.StoreInt32(&cb.successes, 0)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	return int(atomic.LoadInt32(&cb.failures))
}

// Successes returns the current success count (only relevant in half-open state)
func (cb *CircuitBreaker) Successes() int {
	return int(atomic.LoadInt32(&cb.successes))
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.transitionToClosed()
}

// CircuitBreakerStats is a point-in-time view of a circuit breaker
type CircuitBreakerStats struct {
	State     CircuitBreakerState
	Failures  int
	Successes int
	Rejected  int64
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	return CircuitBreakerStats{
		State:     cb.State(),
		Failures:  cb.Failures(),
		Successes: cb.Successes(),
		Rejected:  atomic.LoadInt64(&cb.rejected),
	}
}

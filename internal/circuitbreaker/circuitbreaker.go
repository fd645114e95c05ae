package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the circuit is open and the cool-down has not elapsed.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
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

// CircuitBreaker protects reading store calls by opening after repeated failures
// and allowing trial requests in half-open state.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	component        string
	isFailure        func(error) bool
	onStateChange    func(from, to State)
	now              func() time.Time
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Component        string
	IsFailure        func(error) bool     // optional; nil counts every error
	OnStateChange    func(from, to State) // optional, for metrics
	Now              func() time.Time     // optional, for tests
}

// New creates a new CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(error) bool { return true }
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		component:        cfg.Component,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
		now:              cfg.Now,
	}
}

// Call runs fn when the circuit allows it. Errors rejected by IsFailure, and errors
// returned after ctx is done, leave the counters untouched. Callbacks run outside the lock.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	var transition func()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		transition = cb.setStateLocked(StateHalfOpen)
		cb.successCount = 0
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}

	err := fn()

	if err != nil && (ctx.Err() != nil || !cb.isFailure(err)) {
		return err
	}

	cb.mu.Lock()
	transition = nil
	if err != nil {
		cb.failureCount++
		if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
			transition = cb.setStateLocked(StateOpen)
			cb.openedAt = cb.now()
			cb.failureCount = 0
		}
	} else {
		cb.successCount++
		cb.failureCount = 0
		if cb.state == StateHalfOpen && cb.successCount >= cb.successThreshold {
			transition = cb.setStateLocked(StateClosed)
			cb.successCount = 0
		}
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return err
}

// setStateLocked switches state and returns the notification to run after unlocking.
func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := cb.state
	cb.state = to
	if cb.onStateChange == nil || from == to {
		return nil
	}
	return func() { cb.onStateChange(from, to) }
}

// State returns the current state (for metrics).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Component returns the label this breaker reports under.
func (cb *CircuitBreaker) Component() string {
	return cb.component
}

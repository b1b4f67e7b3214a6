package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the
// breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // a limited number of probes pass through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout             time.Duration
	MaxRequestsHalfOpen int
	// IsFailure decides which errors count against the breaker. Errors it
	// rejects are returned unchanged and count as successes. Nil counts
	// every error.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

type CircuitBreaker struct {
	config Config

	mu               sync.RWMutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	rejected         uint64
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers fn, which is called on its own goroutine for
// every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := Do(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through cb. A canceled ctx is reported without counting
// against the breaker.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if state, ok := cb.allowRequest(); !ok {
		return zero, fmt.Errorf("%w (%s)", ErrOpen, state)
	}

	result, err := fn()
	if err != nil && cb.isFailure(err) {
		cb.onFailure()
		return zero, err
	}

	cb.onSuccess()
	return result, err
}

func (cb *CircuitBreaker) isFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.config.IsFailure == nil {
		return true
	}
	return cb.config.IsFailure(err)
}

func (cb *CircuitBreaker) allowRequest() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.stateChangeTime) < cb.config.Timeout {
			cb.rejected++
			return cb.state, false
		}
		cb.transitionTo(StateHalfOpen)
		cb.halfOpenRequests++
		return cb.state, true
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			cb.rejected++
			return cb.state, false
		}
		cb.halfOpenRequests++
		return cb.state, true
	default:
		return cb.state, true
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.successCount = 0
	cb.lastFailureTime = time.Now()

	switch {
	case cb.state == StateHalfOpen:
		cb.transitionTo(StateOpen)
	case cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold:
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.failureCount = 0

	if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
		cb.transitionTo(StateClosed)
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

type Stats struct {
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	HalfOpenRequests int       `json:"half_open_requests"`
	Rejected         uint64    `json:"rejected"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	StateChangeTime  time.Time `json:"state_change_time"`
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		Rejected:         cb.rejected,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

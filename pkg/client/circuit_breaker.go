package client

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerOpen     CircuitBreakerState = "open"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreaker stops calling a transport that keeps failing and probes it
// again after RecoveryTimeout. Only transport failures count; failure
// replies from the service do not.
type CircuitBreaker struct {
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time

	state            CircuitBreakerState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	halfOpenRequests int

	failureThreshold    int
	recoveryTimeout     time.Duration
	halfOpenMaxRequests int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
}

// CircuitBreakerStats contains statistics about the circuit breaker
type CircuitBreakerStats struct {
	State          CircuitBreakerState `json:"state"`
	FailureCount   int                 `json:"failure_count"`
	TotalRequests  int64               `json:"total_requests"`
	TotalFailures  int64               `json:"total_failures"`
	TotalSuccesses int64               `json:"total_successes"`
	StateChanges   int64               `json:"state_changes"`
}

func NewCircuitBreaker(cfg *Config, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	halfOpen := cfg.HalfOpenMaxRequests
	if halfOpen < 1 {
		halfOpen = 1
	}
	return &CircuitBreaker{
		logger:              logger.With("component", "circuit_breaker"),
		now:                 time.Now,
		state:               CircuitBreakerClosed,
		failureThreshold:    cfg.FailureThreshold,
		recoveryTimeout:     cfg.RecoveryTimeout,
		halfOpenMaxRequests: halfOpen,
	}
}

// CanExecute checks if a request can be executed
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case CircuitBreakerClosed:
		return true

	case CircuitBreakerOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.recoveryTimeout {
			cb.transition(CircuitBreakerHalfOpen)
			cb.halfOpenRequests++
			return true
		}
		return false

	case CircuitBreakerHalfOpen:
		if cb.halfOpenRequests < cb.halfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.successCount++

	switch cb.state {
	case CircuitBreakerHalfOpen:
		if cb.successCount >= cb.halfOpenMaxRequests {
			cb.transition(CircuitBreakerClosed)
		}
	case CircuitBreakerClosed:
		cb.failureCount = 0
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitBreakerClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitBreakerOpen)
		}
	case CircuitBreakerHalfOpen:
		// Any failure while probing reopens the circuit.
		cb.transition(CircuitBreakerOpen)
	}
}

func (cb *CircuitBreaker) transition(state CircuitBreakerState) {
	cb.logger.Info("Circuit breaker changing state",
		"from", string(cb.state),
		"to", string(state),
		"failures", cb.failureCount,
	)
	cb.state = state
	cb.successCount = 0
	cb.halfOpenRequests = 0
	if state == CircuitBreakerClosed {
		cb.failureCount = 0
	}
	cb.stateChanges++
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitBreakerClosed)
}

func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:          cb.state,
		FailureCount:   cb.failureCount,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		StateChanges:   cb.stateChanges,
	}
}

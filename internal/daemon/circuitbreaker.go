package daemon

import (
	"sync"
	"time"
)

// DefaultBreakerThreshold is the number of consecutive pass failures before
// a user's circuit opens.
const DefaultBreakerThreshold = 3

// DefaultBreakerCooldown is how long an open circuit blocks passes before a
// probe is allowed.
const DefaultBreakerCooldown = 30 * time.Second

// CircuitState is the state of one user's circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows passes normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks passes until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen lets one probe pass through after the cooldown.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker keeps one repeatedly failing user from burning every sweep
// on a dead credential or unreachable provider. Other users are unaffected;
// each has its own breaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	cooldown     time.Duration
	failureCount int
	state        CircuitState
	openedAt     time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
	}
}

// Allow reports whether a pass may run now. An open circuit transitions to
// half-open once the cooldown has elapsed, admitting a single probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed pass, opening the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state, applying the open to half-open
// transition if the cooldown has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
	}
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

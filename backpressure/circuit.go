package backpressure

import (
	"sync"
	"time"

	"scanflow/internal/clock"
)

// circuitBreaker stops admission after a run of consecutive failures
// and closes again automatically once the recovery timeout elapses.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	failures  int
	openedAt  time.Time
	clk       clock.Clock
}

func newCircuitBreaker(threshold int, timeout time.Duration, clk clock.Clock) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		clk:       clk,
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// recordFailure increments the consecutive failure counter and opens
// the circuit once the threshold is reached. Reports whether this call
// opened the circuit.
func (cb *circuitBreaker) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold && cb.openedAt.IsZero() {
		cb.openedAt = cb.clk.Now()
		return true
	}
	return false
}

// isOpen reports the current circuit state. An open circuit closes
// itself, resetting the failure counter, once the timeout has passed.
func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.openedAt.IsZero() {
		return false
	}
	if cb.clk.Now().Sub(cb.openedAt) > cb.timeout {
		cb.openedAt = time.Time{}
		cb.failures = 0
		return false
	}
	return true
}

func (cb *circuitBreaker) failureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

package client

import (
	"sync"
	"time"
)

// CircuitBreaker gates connection attempts after consecutive failures.
// Once failureCount reaches the threshold the breaker is open for a fixed
// cooldown window; while open, attempts are refused outright. After the
// cooldown elapses the breaker admits exactly one probe attempt: a failure
// during the probe reopens it for a full cooldown, and only an
// authenticated connection closes it.
type CircuitBreaker struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	failureCount  int
	lastFailureAt time.Time
	probing       bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a connection attempt may proceed. Once the cooldown
// has elapsed it grants a single probe; further calls are refused until the
// probe resolves through RecordFailure or Reset.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureCount < b.threshold {
		return true
	}
	if b.now().Sub(b.lastFailureAt) >= b.cooldown {
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordFailure counts one failed connection attempt. A failure while a
// probe is outstanding reopens the breaker for a full cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probing {
		b.probing = false
		b.failureCount = b.threshold
		b.lastFailureAt = b.now()
		return
	}
	b.failureCount++
	b.lastFailureAt = b.now()
}

// releaseProbe abandons an outstanding probe without resolving it either
// way, for attempts that ended outside the transport's control.
func (b *CircuitBreaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Open reports whether the breaker currently refuses attempts.
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failureCount < b.threshold {
		return false
	}
	return b.probing || b.now().Sub(b.lastFailureAt) < b.cooldown
}

// Reset closes the breaker unconditionally. Called on every authenticated
// connection.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.probing = false
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

package client

import (
	"math"
	"math/rand"
	"time"
)

const jitterCeiling = time.Second

// reconnector computes the retry delay schedule for a connection and tracks
// how many attempts have been consumed. The delay grows geometrically and is
// capped, with a random jitter addend so a fleet of clients dropped by the
// same outage does not reconnect in lockstep.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(base, cap time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		baseDelay:   base,
		maxDelay:    cap,
		maxAttempts: maxAttempts,
	}
}

// shouldRetry reports whether the attempt ceiling still has room.
func (r *reconnector) shouldRetry() bool {
	return r.attempt < r.maxAttempts
}

// next consumes one attempt and returns the delay before it:
// min(base × 1.5^attempt, cap) + jitter in [0, 1s).
func (r *reconnector) next() time.Duration {
	backoff := float64(r.baseDelay) * math.Pow(1.5, float64(r.attempt))
	if backoff > float64(r.maxDelay) {
		backoff = float64(r.maxDelay)
	}
	r.attempt++
	return time.Duration(backoff) + time.Duration(rand.Int63n(int64(jitterCeiling)))
}

// reset zeroes the attempt counter. Called on authenticated success.
func (r *reconnector) reset() {
	r.attempt = 0
}

// attempts returns the number of retries consumed since the last reset.
func (r *reconnector) attempts() int {
	return r.attempt
}

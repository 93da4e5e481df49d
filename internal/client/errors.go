package client

import "errors"

// Sentinel errors surfaced by the connection. Checked with errors.Is.
var (
	// ErrCircuitOpen is returned synchronously by Connect while the circuit
	// breaker is refusing attempts. No socket is opened and no retry is
	// scheduled.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrAuthRejected means the server refused the authenticate envelope.
	// The session is terminal; no retry loop reuses a rejected identity.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrRetriesExhausted means the reconnect attempt ceiling was hit.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrQueueFull means the outbound queue hit its bound and the envelope
	// was rejected. Queued envelopes are never evicted to make room.
	ErrQueueFull = errors.New("outbound queue is full")

	// ErrHeartbeatTimeout is reported when a liveness probe went
	// unacknowledged and the connection was closed proactively.
	ErrHeartbeatTimeout = errors.New("heartbeat acknowledgement timed out")
)

package client

import (
	"sync"
	"time"

	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// queueEntry pairs an envelope with the time it was buffered.
type queueEntry struct {
	env        *wire.Envelope
	enqueuedAt time.Time
}

// sendQueue buffers outbound envelopes while the connection is down. Strictly
// FIFO: entries are never reordered, and a failed flush puts the entry back
// at the front so order survives a partial flush. The queue is bounded;
// enqueue past the bound is rejected rather than evicting older entries.
type sendQueue struct {
	mu       sync.Mutex
	entries  []queueEntry
	capacity int
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{capacity: capacity}
}

func (q *sendQueue) enqueue(env *wire.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		return ErrQueueFull
	}
	q.entries = append(q.entries, queueEntry{env: env, enqueuedAt: time.Now()})
	return nil
}

func (q *sendQueue) dequeue() (*wire.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	env := q.entries[0].env
	q.entries = q.entries[1:]
	return env, true
}

// requeueFront puts an envelope back at the head after a failed send, so the
// next flush resumes exactly where this one aborted.
func (q *sendQueue) requeueFront(env *wire.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]queueEntry{{env: env, enqueuedAt: time.Now()}}, q.entries...)
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// clear drops everything. Only called on an explicit user disconnect, never
// on a transient failure.
func (q *sendQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

package engine

import (
	"sync"
)

// payloadQueue is a thread-safe FIFO queue of inbound payloads.
//
// The queue is unbounded so the transport never blocks on a slow mirror.
// Enqueue may be called from any goroutine while the Mirror's Run loop
// dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type payloadQueue struct {
	mu       sync.Mutex
	payloads []Payload
	closed   bool
	signal   chan struct{} // Signals payload availability (buffered, size 1)
}

// newPayloadQueue creates an empty queue with room for capacity payloads
// before the first reallocation.
func newPayloadQueue(capacity int) *payloadQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &payloadQueue{
		payloads: make([]Payload, 0, capacity),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a payload to the back of the queue.
// Returns false if the queue is closed.
func (q *payloadQueue) Enqueue(p Payload) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.payloads = append(q.payloads, p)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Payload{}, false) if the queue is empty.
func (q *payloadQueue) TryDequeue() (Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.payloads) == 0 {
		return Payload{}, false
	}

	p := q.payloads[0]

	// Clear the slot so the backing array does not pin the fragment.
	q.payloads[0] = Payload{}

	if len(q.payloads) == 1 {
		q.payloads = q.payloads[:0]
	} else {
		q.payloads = q.payloads[1:]
	}

	return p, true
}

// Wait returns a channel that signals when payloads may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *payloadQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *payloadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payloads)
}

// Close signals that no more payloads will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *payloadQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

package engine

import (
	"sync"

	"github.com/roach88/ledgerline/internal/ledger"
)

// EventType distinguishes between pushed event kinds.
type EventType int

const (
	// EventTransaction carries a transaction from the live feed.
	EventTransaction EventType = iota + 1
	// EventBalance carries a new balance for one of the viewer's assets.
	EventBalance
	// EventPending signals that the send path's pending list changed.
	EventPending
)

func (t EventType) String() string {
	switch t {
	case EventTransaction:
		return "transaction"
	case EventBalance:
		return "balance"
	case EventPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Event is a pushed change waiting to be applied by the Run loop.
type Event struct {
	Type        EventType
	Transaction *ledger.Transaction
	Asset       string
	Amount      uint64
}

// eventQueue is a thread-safe unbounded FIFO of pushed events.
//
// Feed and balance callbacks enqueue from their own goroutines; only the
// Run loop dequeues. The signal channel lets Run wait with a context.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued event in FIFO order.
func (q *eventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Event, len(q.events))
	copy(out, q.events)
	clear(q.events)
	q.events = q.events[:0]
	return out
}

// Wait returns a channel that is signalled when events may be available
// and closed when the queue closes.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further events and wakes the waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

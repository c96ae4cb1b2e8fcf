// Package queue provides the bounded priority queue at the center of the
// engine. Entries are heap-ordered by (priority, sequence): lower priority
// values dequeue first, and the submission sequence breaks ties so equal
// priorities keep FIFO order.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"main/internal/event"
)

// Queue is a bounded, heap-ordered event queue safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	entries  entryHeap
	capacity int
	closed   bool
}

// New allocates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		entries:  make(entryHeap, 0, capacity),
		capacity: capacity,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put inserts an event. With block=false a full queue returns
// event.ErrQueueFull immediately. With block=true it waits until space
// frees, the timeout elapses (timeout<=0 waits indefinitely), or the
// queue closes.
func (q *Queue) Put(ev event.Event, block bool, timeout time.Duration) error {
	var deadline time.Time
	if block && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return event.ErrQueueClosed
		}
		if len(q.entries) < q.capacity {
			heap.Push(&q.entries, ev)
			q.notEmpty.Signal()
			return nil
		}
		if !block {
			return event.ErrQueueFull
		}
		if !q.waitNotFull(deadline) {
			return event.ErrQueueFull
		}
	}
}

// Get pops the minimum (priority, sequence) entry. With block=false an
// empty queue returns event.ErrQueueEmpty immediately. With block=true it
// waits for an entry, the timeout (timeout<=0 waits indefinitely), or
// close. A closed queue drains its remaining entries before reporting
// event.ErrQueueClosed.
func (q *Queue) Get(block bool, timeout time.Duration) (event.Event, error) {
	var deadline time.Time
	if block && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.entries) > 0 {
			ev := heap.Pop(&q.entries).(event.Event)
			q.notFull.Signal()
			return ev, nil
		}
		if q.closed {
			return event.Event{}, event.ErrQueueClosed
		}
		if !block {
			return event.Event{}, event.ErrQueueEmpty
		}
		if !q.waitNotEmpty(deadline) {
			return event.Event{}, event.ErrQueueEmpty
		}
	}
}

// Size returns the current occupancy.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cap returns the configured bound.
func (q *Queue) Cap() int {
	return q.capacity
}

// Occupancy returns Size/Cap in [0,1].
func (q *Queue) Occupancy() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.entries)) / float64(q.capacity)
}

// Close stops the queue from accepting new events and wakes all waiters.
// Entries already queued remain retrievable via Get.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// DrainRemaining pops and returns every queued entry without waiting.
// Used at shutdown to settle completions of abandoned events.
func (q *Queue) DrainRemaining() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]event.Event, 0, len(q.entries))
	for len(q.entries) > 0 {
		out = append(out, heap.Pop(&q.entries).(event.Event))
	}
	q.notFull.Broadcast()
	return out
}

// waitNotFull waits for space under q.mu. Returns false once the deadline
// has passed. A zero deadline waits indefinitely.
func (q *Queue) waitNotFull(deadline time.Time) bool {
	return q.timedWait(q.notFull, deadline)
}

func (q *Queue) waitNotEmpty(deadline time.Time) bool {
	return q.timedWait(q.notEmpty, deadline)
}

// timedWait parks on cond until signaled. sync.Cond has no deadline, so a
// timer broadcast wakes waiters whose deadline expired; callers re-check
// their predicate in the outer loop. The callback takes q.mu before
// broadcasting: Wait releases the lock only once the waiter is parked, so
// the wake-up cannot slip into the gap between arming the timer and
// parking.
func (q *Queue) timedWait(cond *sync.Cond, deadline time.Time) bool {
	if deadline.IsZero() {
		cond.Wait()
		return true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
	cond.Wait()
	timer.Stop()
	return true
}

type entryHeap []event.Event

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].Before(h[j]) }

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(event.Event)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = event.Event{}
	*h = old[:n-1]
	return ev
}

package breaker

import (
	"sync"
	"time"

	"main/internal/event"
)

// Entry records one failed event for inspection or replay.
type Entry struct {
	Event event.Event
	Err   error
	At    time.Time
}

// DeadLetter is a bounded ring of failed events. When full, the oldest
// entry is dropped to make room.
type DeadLetter struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	dropped uint64
}

// NewDeadLetter allocates a ring with the given capacity.
func NewDeadLetter(capacity int) *DeadLetter {
	if capacity <= 0 {
		capacity = 1
	}
	return &DeadLetter{entries: make([]Entry, capacity)}
}

// Push records a failed event, evicting the oldest entry when full.
func (d *DeadLetter) Push(ev event.Event, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tail := (d.head + d.count) % len(d.entries)
	d.entries[tail] = Entry{Event: ev, Err: err, At: time.Now()}
	if d.count < len(d.entries) {
		d.count++
		return
	}
	d.head = (d.head + 1) % len(d.entries)
	d.dropped++
}

// Len returns the number of stored entries.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Dropped returns how many entries were evicted to make room.
func (d *DeadLetter) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Drain returns all entries oldest-first and clears the ring.
func (d *DeadLetter) Drain() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, d.count)
	for i := 0; i < d.count; i++ {
		out = append(out, d.entries[(d.head+i)%len(d.entries)])
	}
	d.head = 0
	d.count = 0
	return out
}

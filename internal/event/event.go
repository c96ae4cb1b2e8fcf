package event

import "time"

// Priority orders events in the queue. Lower values dequeue first.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	priorityCount
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p < priorityCount
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Count returns the number of defined priorities.
func Count() int {
	return int(priorityCount)
}

// Event is the unit of work passed through the engine. It is immutable
// after creation; ownership moves from the queue to the executing worker
// on dequeue.
type Event struct {
	Type       string
	Priority   Priority
	Payload    any
	Key        string
	Seq        uint64
	EnqueuedAt time.Time

	completion *Completion
}

// New builds an event. Seq must be unique and monotonically increasing
// per engine; the pair (Priority, Seq) is the queue ordering key.
func New(eventType string, payload any, p Priority, key string, seq uint64) Event {
	return Event{
		Type:       eventType,
		Priority:   p,
		Payload:    payload,
		Key:        key,
		Seq:        seq,
		EnqueuedAt: time.Now(),
	}
}

// WithCompletion returns a copy of the event carrying a fresh completion
// handle.
func (e Event) WithCompletion() (Event, *Completion) {
	c := newCompletion()
	e.completion = c
	return e, c
}

// Completion returns the event's completion handle, or nil when the
// submitter did not request one.
func (e Event) Completion() *Completion {
	return e.completion
}

// Resolve settles the completion handle, if any. Resolving twice is a
// no-op; the first result wins.
func (e Event) Resolve(err error) {
	e.completion.resolve(err)
}

// Before reports whether e dequeues ahead of other.
func (e Event) Before(other Event) bool {
	if e.Priority != other.Priority {
		return e.Priority < other.Priority
	}
	return e.Seq < other.Seq
}

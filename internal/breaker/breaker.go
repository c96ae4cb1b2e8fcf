// Package breaker isolates handler failures. Each event type gets a
// circuit breaker; failed events land in a bounded dead-letter ring; and
// Isolated composes breaker, timeout, and panic recovery around a
// handler so that no failure escapes to the scheduler worker.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"main/internal/event"
)

// State is the circuit breaker state.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a circuit breaker.
type Config struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures. Default 5.
	FailureThreshold int

	// SuccessThreshold closes a half-open breaker after this many
	// consecutive probe successes. Default 2.
	SuccessThreshold int

	// RecoveryTimeout is how long an open breaker waits before allowing
	// half-open probes. Default 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent probes while half-open.
	// Default 1.
	HalfOpenMaxCalls int64
}

// Validate fills defaults and rejects nonsensical settings.
func (c *Config) Validate() error {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.FailureThreshold < 0 || c.SuccessThreshold < 0 || c.RecoveryTimeout < 0 || c.HalfOpenMaxCalls < 0 {
		return fmt.Errorf("breaker config values must be >= 0")
	}
	return nil
}

// Breaker is a per-event-type failure state machine. Transitions:
// Closed->Open after FailureThreshold consecutive failures; Open->HalfOpen
// once RecoveryTimeout elapses; HalfOpen->Closed after SuccessThreshold
// consecutive probe successes; HalfOpen->Open on any probe failure.
type Breaker struct {
	mu sync.Mutex

	cfg             Config
	state           State
	consecFailures  int
	consecSuccesses int
	lastFailure     time.Time
	probes          *semaphore.Weighted
}

// New creates a closed breaker.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{cfg: cfg}, nil
}

// Allow checks whether an invocation may proceed. On success it returns
// a record callback the caller must invoke with the handler's result.
// On rejection it returns event.ErrCircuitOpen.
func (b *Breaker) Allow() (func(error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.record, nil
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.RecoveryTimeout {
			return nil, event.ErrCircuitOpen
		}
		b.toHalfOpen()
		fallthrough
	default: // StateHalfOpen
		if !b.probes.TryAcquire(1) {
			return nil, event.ErrCircuitOpen
		}
		sem := b.probes
		return func(err error) {
			sem.Release(1)
			b.record(err)
		}, nil
	}
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State           State
	ConsecFailures  int
	ConsecSuccesses int
	LastFailure     time.Time
}

// Snapshot returns the current breaker state for operator stats.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:           b.state,
		ConsecFailures:  b.consecFailures,
		ConsecSuccesses: b.consecSuccesses,
		LastFailure:     b.lastFailure,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

func (b *Breaker) onFailure() {
	b.consecFailures++
	b.consecSuccesses = 0
	b.lastFailure = time.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
	case StateClosed:
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

func (b *Breaker) onSuccess() {
	b.consecSuccesses++
	switch b.state {
	case StateHalfOpen:
		if b.consecSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecFailures = 0
		}
	case StateClosed:
		b.consecFailures = 0
	}
}

// toHalfOpen must be called with b.mu held.
func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.consecFailures = 0
	b.consecSuccesses = 0
	b.probes = semaphore.NewWeighted(b.cfg.HalfOpenMaxCalls)
}

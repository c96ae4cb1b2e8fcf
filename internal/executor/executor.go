// Package executor pulls events off the bounded queue and runs them
// under one of three interchangeable concurrency strategies: a resizable
// worker pool, a cooperative single-dispatcher scheduler, and a
// consistent-hash sharded runner. All three share the same contract;
// only the concurrency model differs.
package executor

import (
	"context"
	"time"

	"main/internal/event"
)

// Process runs the engine's fully isolated pipeline for one event:
// handler lookup, circuit breaker, timeout, dead-lettering, metrics, and
// completion settlement. It never panics and never returns.
type Process func(ctx context.Context, ev event.Event)

// Strategy is the pluggable concurrency model.
type Strategy interface {
	// Start spins up the strategy's workers.
	Start() error

	// Stop halts intake, waits up to timeout for in-flight handlers,
	// then cancels the rest. It reports how many in-flight events
	// drained and how many were force-canceled.
	Stop(timeout time.Duration) (drained, canceled int)

	// Dispatch enqueues an event for processing, honoring the
	// submission's blocking mode.
	Dispatch(ev event.Event, block bool, timeout time.Duration) error

	// Occupancy reports queue fullness in [0,1] (mean across shards
	// for the sharded strategy).
	Occupancy() float64

	// Remaining returns events that were accepted but never
	// dispatched to a handler. Valid only after Stop.
	Remaining() []event.Event
}

// pollInterval bounds how long a stopped worker can stay parked on an
// empty queue before noticing shutdown.
const pollInterval = 50 * time.Millisecond

package event

import "errors"

var (
	// ErrQueueFull is returned when the bounded queue cannot accept an
	// event. Terminal for that submission; the engine never retries.
	ErrQueueFull = errors.New("event queue full")

	// ErrQueueEmpty is returned by a non-blocking or timed-out Get.
	ErrQueueEmpty = errors.New("event queue empty")

	// ErrQueueClosed is returned once the queue has been closed and
	// drained.
	ErrQueueClosed = errors.New("event queue closed")

	// ErrBackpressure rejects a submission because queue occupancy
	// crossed the backpressure threshold.
	ErrBackpressure = errors.New("rejected by backpressure")

	// ErrDegraded rejects a submission whose priority is not accepted
	// at the current degradation level.
	ErrDegraded = errors.New("rejected by degradation level")

	// ErrCircuitOpen fast-fails an invocation whose circuit breaker is
	// open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrProcessingTimeout marks a handler that exceeded the
	// per-event processing timeout.
	ErrProcessingTimeout = errors.New("handler processing timeout")

	// ErrNoHandler marks an event type with no registered handler.
	ErrNoHandler = errors.New("no handler registered")

	// ErrShutdown settles events abandoned because the engine stopped.
	ErrShutdown = errors.New("engine shut down")
)

package breaker

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/event"
)

// Handler processes one event. Supplied by strategy code; the engine
// never calls one unwrapped.
type Handler func(ctx context.Context, ev event.Event) error

// Isolated composes fault isolation around h: circuit breaker check,
// per-event processing timeout, panic recovery, and dead-lettering of
// failures. The returned handler never panics; a breaker rejection
// surfaces as event.ErrCircuitOpen without touching the dead-letter
// ring.
func Isolated(h Handler, b *Breaker, dlq *DeadLetter, timeout time.Duration) Handler {
	return func(ctx context.Context, ev event.Event) error {
		record, err := b.Allow()
		if err != nil {
			return err
		}
		err = invoke(ctx, h, ev, timeout)
		record(err)
		if err != nil {
			dlq.Push(ev, err)
		}
		return err
	}
}

// BatchFn processes a whole flushed batch for one key.
type BatchFn func(ctx context.Context, key string, events []event.Event) error

// IsolatedBatch composes the same fault isolation as Isolated around a
// vectorized batch handler. On failure every event of the batch is
// dead-lettered with the batch error.
func IsolatedBatch(h BatchFn, b *Breaker, dlq *DeadLetter, timeout time.Duration) BatchFn {
	return func(ctx context.Context, key string, events []event.Event) error {
		record, err := b.Allow()
		if err != nil {
			return err
		}
		err = invokeBatch(ctx, h, key, events, timeout)
		record(err)
		if err != nil {
			for _, ev := range events {
				dlq.Push(ev, err)
			}
		}
		return err
	}
}

func invokeBatch(ctx context.Context, h BatchFn, key string, events []event.Event, timeout time.Duration) error {
	wrapped := func(ctx context.Context, _ event.Event) error {
		return safeBatchCall(ctx, h, key, events)
	}
	if timeout <= 0 {
		return wrapped(ctx, event.Event{})
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- wrapped(cctx, event.Event{})
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return event.ErrProcessingTimeout
	}
}

func safeBatchCall(ctx context.Context, h BatchFn, key string, events []event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("batch handler panic on key %s (%d events): %v", key, len(events), r)
			err = errors.Errorf("batch handler panic: %v", r)
		}
	}()
	return h(ctx, key, events)
}

// invoke runs h with panic recovery and, when timeout > 0, a watchdog.
// On timeout the event is failed and the worker moves on; the handler
// goroutine keeps running until it observes its canceled context.
func invoke(ctx context.Context, h Handler, ev event.Event, timeout time.Duration) error {
	if timeout <= 0 {
		return safeCall(ctx, h, ev)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(cctx, h, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return event.ErrProcessingTimeout
	}
}

func safeCall(ctx context.Context, h Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("handler panic on %s seq=%d: %v", ev.Type, ev.Seq, r)
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

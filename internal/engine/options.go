package engine

import (
	"time"

	"main/internal/breaker"
)

// SubmitOption adjusts one submission.
type SubmitOption func(*submitOpts)

type submitOpts struct {
	block      bool
	timeout    time.Duration
	key        string
	completion bool
	batched    bool
}

// WithBlock makes the submission wait for queue space instead of
// failing fast. timeout<=0 waits indefinitely.
func WithBlock(timeout time.Duration) SubmitOption {
	return func(o *submitOpts) {
		o.block = true
		o.timeout = timeout
	}
}

// WithKey sets the sharding/batching key.
func WithKey(key string) SubmitOption {
	return func(o *submitOpts) { o.key = key }
}

// WithCompletion attaches a one-shot handle the caller can wait on.
func WithCompletion() SubmitOption {
	return func(o *submitOpts) { o.completion = true }
}

// WithBatch routes the event through the micro-batching layer instead
// of the queue. Ignored when batching is not configured.
func WithBatch() SubmitOption {
	return func(o *submitOpts) { o.batched = true }
}

// HandlerOption adjusts one handler registration.
type HandlerOption func(*handlerOpts)

type handlerOpts struct {
	breaker *breaker.Config
}

// WithBreaker overrides the engine's default circuit breaker config for
// this event type.
func WithBreaker(cfg breaker.Config) HandlerOption {
	return func(o *handlerOpts) { o.breaker = &cfg }
}

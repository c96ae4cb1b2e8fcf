/*
Engine is the event-processing core strategies run on.

# Module
  - admission: backpressure + graceful degradation decide accept/drop
    before enqueue
  - bounded priority queue: heap ordered by (priority, sequence)
  - scheduler: worker-pool, cooperative, or sharded strategy
  - fault isolation: per-type circuit breaker + dead-letter ring around
    every handler invocation
  - autoscaler: resizes the worker pool from queue occupancy
  - batching: optional per-key micro-batch path

# Source
 1. upstream producers (worker/IPC layer) calling Submit
 2. synthetic market data from the generator in demo runs

# Produce
  - handler invocations, stats snapshots for operators
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/admission"
	"main/internal/batch"
	"main/internal/breaker"
	"main/internal/event"
	"main/internal/executor"
	"main/internal/obs"
	"main/internal/queue"
	"main/internal/scale"
)

// Handler processes one event. It may block; the scheduler enforces the
// processing timeout, not the handler.
type Handler = breaker.Handler

// BatchHandler processes a whole micro-batch of one event type for one
// key. Registering one declares vectorized support for that type.
type BatchHandler = breaker.BatchFn

const (
	stateNew = iota
	stateStarted
	stateStopped
)

// Engine owns every piece of the pipeline. All state is instance state;
// nothing lives in package-level registries.
type Engine struct {
	cfg     Config
	ctrl    *admission.Controller
	metrics *obs.Metrics
	dlq     *breaker.DeadLetter

	q        *queue.Queue // shared queue; nil under the sharded strategy
	strategy executor.Strategy
	pool     *executor.Pool // non-nil only under the pool strategy
	scaler   *scale.AutoScaler
	batcher  *batch.Batcher

	mu            sync.RWMutex
	handlers      map[string]Handler
	batchHandlers map[string]BatchHandler
	breakers      map[string]*breaker.Breaker

	ctx    context.Context
	cancel context.CancelFunc

	seq   atomic.Uint64
	state atomic.Int32
}

// New assembles an engine from cfg. No goroutines run until Start.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctrl, err := admission.NewController(cfg.Admission)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:           cfg,
		ctrl:          ctrl,
		metrics:       obs.NewMetrics(),
		dlq:           breaker.NewDeadLetter(cfg.DeadLetterSize),
		handlers:      make(map[string]Handler),
		batchHandlers: make(map[string]BatchHandler),
		breakers:      make(map[string]*breaker.Breaker),
		ctx:           ctx,
		cancel:        cancel,
	}

	switch cfg.Strategy {
	case StrategyPool:
		e.q = queue.New(cfg.QueueSize)
		pool, err := executor.NewPool(e.q, e.process, cfg.Pool)
		if err != nil {
			cancel()
			return nil, err
		}
		e.pool = pool
		e.strategy = pool
		if cfg.AutoScale {
			scaler, err := scale.New(pool, e.q.Occupancy, cfg.Scale)
			if err != nil {
				cancel()
				return nil, err
			}
			e.scaler = scaler
		}
	case StrategyCoop:
		e.q = queue.New(cfg.QueueSize)
		coop, err := executor.NewCoop(e.q, e.process, cfg.Coop)
		if err != nil {
			cancel()
			return nil, err
		}
		e.strategy = coop
	case StrategySharded:
		sharded, err := executor.NewSharded(e.process, cfg.Sharded, func(capacity int) executor.EventSource {
			return queue.New(capacity)
		})
		if err != nil {
			cancel()
			return nil, err
		}
		e.strategy = sharded
	}

	if cfg.Batch != nil {
		batcher, err := batch.New(e.flushBatch, *cfg.Batch)
		if err != nil {
			cancel()
			return nil, err
		}
		e.batcher = batcher
	}
	return e, nil
}

// RegisterHandler binds h to an event type, wrapped in fault isolation.
// The type's circuit breaker is created lazily on first registration and
// survives unregistration. Re-registering replaces the handler but keeps
// the breaker.
func (e *Engine) RegisterHandler(eventType string, h Handler, opts ...HandlerOption) {
	var o handlerOpts
	for _, opt := range opts {
		opt(&o)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	br := e.breakerLocked(eventType, o.breaker)
	e.handlers[eventType] = breaker.Isolated(h, br, e.dlq, e.cfg.timeout())
}

// RegisterBatchHandler declares vectorized batch support for an event
// type. Flushed batches of this type are handed over whole instead of
// being replayed event by event.
func (e *Engine) RegisterBatchHandler(eventType string, h BatchHandler, opts ...HandlerOption) {
	var o handlerOpts
	for _, opt := range opts {
		opt(&o)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	br := e.breakerLocked(eventType, o.breaker)
	e.batchHandlers[eventType] = breaker.IsolatedBatch(h, br, e.dlq, e.cfg.timeout())
}

// UnregisterHandler removes the type's handlers. The breaker stays for
// the process lifetime; a later registration resumes its state.
func (e *Engine) UnregisterHandler(eventType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, eventType)
	delete(e.batchHandlers, eventType)
}

// breakerLocked must be called with e.mu held.
func (e *Engine) breakerLocked(eventType string, override *breaker.Config) *breaker.Breaker {
	if br, ok := e.breakers[eventType]; ok {
		return br
	}
	cfg := e.cfg.Breaker
	if override != nil {
		cfg = *override
	}
	br, err := breaker.New(cfg)
	if err != nil {
		// Config was validated at engine construction; an override that
		// fails validation falls back to the engine default.
		logs.Errorf("breaker config for %s invalid, using default: %v", eventType, err)
		br, _ = breaker.New(e.cfg.Breaker)
	}
	e.breakers[eventType] = br
	return br
}

// Start spins up the scheduler, the batcher, and the autoscaler.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(stateNew, stateStarted) {
		return fmt.Errorf("engine already started")
	}
	if err := e.strategy.Start(); err != nil {
		return err
	}
	if e.batcher != nil {
		e.batcher.Start()
	}
	if e.scaler != nil {
		e.scaler.Run(e.ctx)
	}
	logs.Infof("engine started: strategy=%s queue=%d", e.cfg.Strategy, e.cfg.QueueSize)
	return nil
}

// Submit offers one event to the engine. Rejection is terminal for that
// submission: the engine never retries, and the typed error says why.
// The returned completion is non-nil only with WithCompletion.
func (e *Engine) Submit(eventType string, payload any, p event.Priority, opts ...SubmitOption) (*event.Completion, error) {
	if e.state.Load() != stateStarted {
		return nil, event.ErrShutdown
	}
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", p)
	}
	var o submitOpts
	for _, opt := range opts {
		opt(&o)
	}

	e.metrics.IncReceived(p)
	occupancy := e.strategy.Occupancy()
	if err := e.ctrl.Admit(p, occupancy); err != nil {
		switch {
		case errors.Is(err, event.ErrDegraded):
			e.metrics.IncDrop(obs.DropDegraded)
		default:
			e.metrics.IncDrop(obs.DropBackpressure)
		}
		e.ctrl.Observe(occupancy)
		return nil, err
	}

	ev := event.New(eventType, payload, p, o.key, e.seq.Add(1))
	var completion *event.Completion
	if o.completion {
		ev, completion = ev.WithCompletion()
	}

	var err error
	if o.batched && e.batcher != nil {
		err = e.batcher.Add(ev)
	} else {
		err = e.strategy.Dispatch(ev, o.block, o.timeout)
	}
	if err != nil {
		switch {
		case errors.Is(err, event.ErrQueueFull):
			e.metrics.IncDrop(obs.DropQueueFull)
		default:
			e.metrics.IncDrop(obs.DropShutdown)
		}
		ev.Resolve(err)
		e.ctrl.Observe(e.strategy.Occupancy())
		return nil, err
	}

	e.ctrl.Observe(e.strategy.Occupancy())
	return completion, nil
}

// Stop drains the pipeline: batch residue first, then the scheduler. It
// reports how many in-flight handlers drained and how many were
// force-canceled. Events still queued are settled with ErrShutdown and
// counted as shutdown drops.
func (e *Engine) Stop(timeout time.Duration) (drained, canceled int, err error) {
	if !e.state.CompareAndSwap(stateStarted, stateStopped) {
		return 0, 0, fmt.Errorf("engine not running")
	}

	deadline := time.Now().Add(timeout)
	if e.batcher != nil {
		if cerr := e.batcher.Close(timeout); cerr != nil {
			logs.Warnf("batcher close: %v", cerr)
		}
	}
	// The strategy gets whatever budget the batcher left; timeout bounds
	// the whole shutdown, not each phase.
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	drained, canceled = e.strategy.Stop(remaining)
	for _, ev := range e.strategy.Remaining() {
		e.metrics.IncDrop(obs.DropShutdown)
		ev.Resolve(event.ErrShutdown)
	}
	e.cancel()
	if e.scaler != nil {
		e.scaler.Wait()
	}
	logs.Infof("engine stopped: drained=%d canceled=%d", drained, canceled)
	return drained, canceled, nil
}

// process is the fault-isolated pipeline every strategy invokes per
// event. It never panics.
func (e *Engine) process(ctx context.Context, ev event.Event) {
	e.mu.RLock()
	h, ok := e.handlers[ev.Type]
	e.mu.RUnlock()
	if !ok {
		e.metrics.IncFailed()
		e.dlq.Push(ev, event.ErrNoHandler)
		ev.Resolve(event.ErrNoHandler)
		return
	}

	err := h(ctx, ev)
	e.account(ev, err)
	ev.Resolve(err)
}

// flushBatch dispatches one flushed micro-batch: grouped by event type
// in first-seen order, whole-batch for types with a registered batch
// handler, per-event replay through fault isolation otherwise.
func (e *Engine) flushBatch(b *batch.Batch) {
	groups := make(map[string][]event.Event)
	order := make([]string, 0, 2)
	for _, ev := range b.Events {
		if _, ok := groups[ev.Type]; !ok {
			order = append(order, ev.Type)
		}
		groups[ev.Type] = append(groups[ev.Type], ev)
	}

	for _, eventType := range order {
		events := groups[eventType]
		e.mu.RLock()
		bh, vectorized := e.batchHandlers[eventType]
		e.mu.RUnlock()

		if vectorized {
			err := bh(e.ctx, b.Key, events)
			for _, ev := range events {
				e.account(ev, err)
				ev.Resolve(err)
			}
			continue
		}
		for _, ev := range events {
			e.process(e.ctx, ev)
		}
	}
}

// account maps one invocation result onto the metrics counters.
func (e *Engine) account(ev event.Event, err error) {
	switch {
	case err == nil:
		e.metrics.IncProcessed()
		e.metrics.ObserveLatency(time.Since(ev.EnqueuedAt))
	case errors.Is(err, event.ErrCircuitOpen):
		e.metrics.IncDrop(obs.DropCircuitOpen)
	case errors.Is(err, event.ErrProcessingTimeout):
		e.metrics.IncTimeout()
		e.metrics.IncFailed()
	default:
		e.metrics.IncFailed()
	}
}

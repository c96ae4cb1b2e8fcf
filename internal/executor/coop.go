package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/semaphore"

	"main/internal/event"
)

// CoopConfig tunes the cooperative strategy.
type CoopConfig struct {
	// MaxInFlight caps concurrently suspended tasks. 0 means
	// unbounded.
	MaxInFlight int64
}

// Validate checks bounds.
func (c *CoopConfig) Validate() error {
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max in-flight must be >= 0")
	}
	return nil
}

// Coop is the cooperative strategy: one dispatcher pulls events in
// strict priority order and runs each as a lightweight task. Many tasks
// may be suspended in flight (on their own blocking calls); dispatch
// order follows the queue, task interleaving is up to the runtime.
type Coop struct {
	cfg     CoopConfig
	q       EventSource
	process Process

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	mu      sync.Mutex
	started bool

	dispatcher sync.WaitGroup
	tasks      sync.WaitGroup
	stopped    atomic.Bool
	inflight   atomic.Int64
}

// NewCoop builds a cooperative strategy over q.
func NewCoop(q EventSource, process Process, cfg CoopConfig) (*Coop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coop{cfg: cfg, q: q, process: process, ctx: ctx, cancel: cancel}
	if cfg.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return c, nil
}

// Start launches the dispatcher.
func (c *Coop) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("cooperative scheduler already started")
	}
	c.started = true
	c.dispatcher.Add(1)
	go c.run()
	logs.Info("cooperative scheduler started")
	return nil
}

// Dispatch enqueues the event on the shared queue.
func (c *Coop) Dispatch(ev event.Event, block bool, timeout time.Duration) error {
	return c.q.Put(ev, block, timeout)
}

// Occupancy reports queue fullness.
func (c *Coop) Occupancy() float64 {
	return c.q.Occupancy()
}

// Stop halts dispatch and waits up to timeout for in-flight tasks.
func (c *Coop) Stop(timeout time.Duration) (drained, canceled int) {
	if !c.stopped.CompareAndSwap(false, true) {
		return 0, 0
	}
	inflightAtStop := c.inflight.Load()
	c.q.Close()

	done := make(chan struct{})
	go func() {
		c.dispatcher.Wait()
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		drained = int(inflightAtStop)
	case <-time.After(timeout):
		canceled = int(c.inflight.Load())
		drained = int(inflightAtStop) - canceled
		if drained < 0 {
			drained = 0
		}
		c.cancel()
		logs.Warnf("cooperative stop timed out: %d tasks canceled", canceled)
	}
	return drained, canceled
}

// Remaining returns undispatched queue entries. Call after Stop.
func (c *Coop) Remaining() []event.Event {
	return c.q.DrainRemaining()
}

func (c *Coop) run() {
	defer c.dispatcher.Done()
	for {
		if c.stopped.Load() {
			return
		}
		ev, err := c.q.Get(true, pollInterval)
		if err != nil {
			if errors.Is(err, event.ErrQueueClosed) {
				return
			}
			continue
		}
		// Acquire before spawning so dispatch stays priority-ordered
		// under the in-flight cap.
		if c.sem != nil {
			if err := c.sem.Acquire(c.ctx, 1); err != nil {
				ev.Resolve(event.ErrShutdown)
				return
			}
		}
		c.inflight.Add(1)
		c.tasks.Add(1)
		go func(ev event.Event) {
			defer func() {
				if c.sem != nil {
					c.sem.Release(1)
				}
				c.inflight.Add(-1)
				c.tasks.Done()
			}()
			c.process(c.ctx, ev)
		}(ev)
	}
}

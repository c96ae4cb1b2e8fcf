package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/event"
)

// PoolConfig tunes the worker-pool strategy.
type PoolConfig struct {
	// InitialWorkers is the starting worker count. Default MinWorkers.
	InitialWorkers int

	// MinWorkers and MaxWorkers bound Resize. Defaults 1 and 16.
	MinWorkers int
	MaxWorkers int
}

// Validate fills defaults and checks bounds.
func (c *PoolConfig) Validate() error {
	if c.MinWorkers == 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 16
	}
	if c.InitialWorkers == 0 {
		c.InitialWorkers = c.MinWorkers
	}
	if c.MinWorkers < 1 || c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("worker bounds invalid: min=%d max=%d", c.MinWorkers, c.MaxWorkers)
	}
	if c.InitialWorkers < c.MinWorkers || c.InitialWorkers > c.MaxWorkers {
		return fmt.Errorf("initial workers %d outside [%d,%d]", c.InitialWorkers, c.MinWorkers, c.MaxWorkers)
	}
	return nil
}

// EventSource is the bounded queue a strategy consumes. Satisfied by
// *queue.Queue.
type EventSource interface {
	Put(ev event.Event, block bool, timeout time.Duration) error
	Get(block bool, timeout time.Duration) (event.Event, error)
	Occupancy() float64
	Close()
	DrainRemaining() []event.Event
}

// Pool runs N parallel workers, each looping Get -> process. Full
// parallelism across event types and keys; priority order is best-effort
// across workers. Worker count is resizable at runtime (the autoscaler's
// target).
type Pool struct {
	cfg     PoolConfig
	q       EventSource
	process Process

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stops   []chan struct{}
	nextID  int
	started bool

	wg       sync.WaitGroup
	stopped  atomic.Bool
	inflight atomic.Int64
}

// NewPool builds a worker-pool strategy over q.
func NewPool(q EventSource, process Process, cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{cfg: cfg, q: q, process: process, ctx: ctx, cancel: cancel}, nil
}

// Start spawns the initial workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.started = true
	for i := 0; i < p.cfg.InitialWorkers; i++ {
		p.spawnLocked()
	}
	logs.Infof("worker pool started: %d workers", p.cfg.InitialWorkers)
	return nil
}

// Dispatch enqueues the event on the shared queue.
func (p *Pool) Dispatch(ev event.Event, block bool, timeout time.Duration) error {
	return p.q.Put(ev, block, timeout)
}

// Occupancy reports queue fullness.
func (p *Pool) Occupancy() float64 {
	return p.q.Occupancy()
}

// WorkerCount returns the current worker count.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

// Resize grows or shrinks the pool toward n, clamped to the configured
// bounds, and returns the resulting count. A retiring worker stops
// pulling new work and drains its in-flight event; nothing is killed.
func (p *Pool) Resize(n int) int {
	if n < p.cfg.MinWorkers {
		n = p.cfg.MinWorkers
	}
	if n > p.cfg.MaxWorkers {
		n = p.cfg.MaxWorkers
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped.Load() {
		return len(p.stops)
	}
	for len(p.stops) < n {
		p.spawnLocked()
	}
	for len(p.stops) > n {
		stop := p.stops[len(p.stops)-1]
		p.stops = p.stops[:len(p.stops)-1]
		close(stop)
	}
	return len(p.stops)
}

// Stop halts intake and waits up to timeout for in-flight handlers.
func (p *Pool) Stop(timeout time.Duration) (drained, canceled int) {
	if !p.stopped.CompareAndSwap(false, true) {
		return 0, 0
	}
	inflightAtStop := p.inflight.Load()
	p.q.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		drained = int(inflightAtStop)
	case <-time.After(timeout):
		canceled = int(p.inflight.Load())
		drained = int(inflightAtStop) - canceled
		if drained < 0 {
			drained = 0
		}
		p.cancel()
		logs.Warnf("worker pool stop timed out: %d handlers canceled", canceled)
	}
	return drained, canceled
}

// Remaining returns undispatched queue entries. Call after Stop.
func (p *Pool) Remaining() []event.Event {
	return p.q.DrainRemaining()
}

// spawnLocked must be called with p.mu held.
func (p *Pool) spawnLocked() {
	stop := make(chan struct{})
	p.stops = append(p.stops, stop)
	p.nextID++
	p.wg.Add(1)
	go p.run(p.nextID, stop)
}

func (p *Pool) run(id int, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		if p.stopped.Load() {
			return
		}
		ev, err := p.q.Get(true, pollInterval)
		if err != nil {
			if errors.Is(err, event.ErrQueueClosed) {
				return
			}
			continue
		}
		p.inflight.Add(1)
		p.process(p.ctx, ev)
		p.inflight.Add(-1)
	}
}

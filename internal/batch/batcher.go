// Package batch accumulates events per key into micro-batches and
// flushes them when a batch reaches its size cap or its age limit.
// Batches for different keys flush concurrently on a capped goroutine
// pool; a single key's batches always flush in creation order.
package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/yanun0323/logs"

	"main/internal/event"
)

// Config tunes the batching layer.
type Config struct {
	// MaxBatchSize flushes a batch once it holds this many events.
	// Default 64.
	MaxBatchSize int

	// MaxBatchAge flushes a batch once it has existed this long.
	// Default 50ms.
	MaxBatchAge time.Duration

	// FlushWorkers caps concurrent cross-key flushes. Default 4.
	FlushWorkers int
}

// Validate fills defaults and checks bounds.
func (c *Config) Validate() error {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 64
	}
	if c.MaxBatchAge == 0 {
		c.MaxBatchAge = 50 * time.Millisecond
	}
	if c.FlushWorkers == 0 {
		c.FlushWorkers = 4
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be >= 1")
	}
	if c.MaxBatchAge < time.Millisecond {
		return fmt.Errorf("max batch age must be >= 1ms")
	}
	if c.FlushWorkers < 1 {
		return fmt.Errorf("flush workers must be >= 1")
	}
	return nil
}

// Batch is a per-key accumulation of events awaiting a flush.
type Batch struct {
	Key       string
	Events    []event.Event
	CreatedAt time.Time
}

// Flush hands a completed batch to the engine's batch dispatcher. It
// must not panic; the engine wraps it with the same fault isolation as
// single-event handlers.
type Flush func(b *Batch)

type keyState struct {
	pending []*Batch
	active  bool
}

// Batcher owns the per-key buffers, the age sweep, and the flush pool.
type Batcher struct {
	cfg   Config
	flush Flush
	pool  *ants.Pool

	mu     sync.Mutex
	open   map[string]*Batch
	keys   map[string]*keyState
	closed bool

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
	tasks     sync.WaitGroup
}

// New builds a batcher that hands completed batches to flush.
func New(flush Flush, cfg Config) (*Batcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.FlushWorkers)
	if err != nil {
		return nil, err
	}
	return &Batcher{
		cfg:       cfg,
		flush:     flush,
		pool:      pool,
		open:      make(map[string]*Batch),
		keys:      make(map[string]*keyState),
		sweepStop: make(chan struct{}),
	}, nil
}

// Start launches the age sweep.
func (b *Batcher) Start() {
	interval := b.cfg.MaxBatchAge / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	b.sweepWG.Add(1)
	go func() {
		defer b.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.sweepStop:
				return
			case <-ticker.C:
				b.sweepAged()
			}
		}
	}()
}

// Add appends the event to its key's open batch, creating one on the
// first event for the key since the last flush. A batch reaching the
// size cap is flushed inline.
func (b *Batcher) Add(ev event.Event) error {
	key := ev.Key
	if key == "" {
		key = ev.Type
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return event.ErrShutdown
	}
	cur := b.open[key]
	if cur == nil {
		cur = &Batch{Key: key, CreatedAt: time.Now()}
		b.open[key] = cur
	}
	cur.Events = append(cur.Events, ev)
	var ready *Batch
	if len(cur.Events) >= b.cfg.MaxBatchSize {
		delete(b.open, key)
		ready = cur
	}
	if ready != nil {
		b.enqueueLocked(ready)
	}
	b.mu.Unlock()
	return nil
}

// PendingKeys reports how many keys currently hold an open batch.
func (b *Batcher) PendingKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Close stops the sweep, flushes all residual batches, and waits up to
// timeout for in-flight flushes to finish.
func (b *Batcher) Close(timeout time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for key, cur := range b.open {
		delete(b.open, key)
		b.enqueueLocked(cur)
	}
	b.mu.Unlock()

	close(b.sweepStop)
	b.sweepWG.Wait()

	done := make(chan struct{})
	go func() {
		b.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.pool.Release()
		return fmt.Errorf("batch flush did not drain within %s", timeout)
	}
	b.pool.Release()
	return nil
}

func (b *Batcher) sweepAged() {
	now := time.Now()
	b.mu.Lock()
	for key, cur := range b.open {
		if now.Sub(cur.CreatedAt) >= b.cfg.MaxBatchAge {
			delete(b.open, key)
			b.enqueueLocked(cur)
		}
	}
	b.mu.Unlock()
}

// enqueueLocked appends the batch to its key's pending list and, when no
// drain task is active for the key, submits one. Must be called with
// b.mu held. One drain task per key at a time preserves creation-order
// flushing.
func (b *Batcher) enqueueLocked(ready *Batch) {
	ks := b.keys[ready.Key]
	if ks == nil {
		ks = &keyState{}
		b.keys[ready.Key] = ks
	}
	ks.pending = append(ks.pending, ready)
	if ks.active {
		return
	}
	ks.active = true
	b.tasks.Add(1)
	key := ready.Key
	if err := b.pool.Submit(func() { b.drainKey(key) }); err != nil {
		// Pool unavailable (released during shutdown): drain inline.
		logs.Warnf("batch flush pool rejected task for key %s: %v", key, err)
		go b.drainKey(key)
	}
}

func (b *Batcher) drainKey(key string) {
	defer b.tasks.Done()
	for {
		b.mu.Lock()
		ks := b.keys[key]
		if ks == nil || len(ks.pending) == 0 {
			if ks != nil {
				ks.active = false
			}
			b.mu.Unlock()
			return
		}
		next := ks.pending[0]
		ks.pending = ks.pending[1:]
		b.mu.Unlock()
		b.flush(next)
	}
}

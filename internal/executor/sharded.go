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

// ShardedConfig tunes the sharded strategy.
type ShardedConfig struct {
	// NumShards is the number of independent serial workers.
	// Default 8.
	NumShards int

	// ShardQueueSize bounds each shard's queue. Default 256.
	ShardQueueSize int
}

// Validate fills defaults and checks bounds.
func (c *ShardedConfig) Validate() error {
	if c.NumShards == 0 {
		c.NumShards = 8
	}
	if c.ShardQueueSize == 0 {
		c.ShardQueueSize = 256
	}
	if c.NumShards < 1 {
		return fmt.Errorf("shard count must be >= 1")
	}
	if c.ShardQueueSize < 1 {
		return fmt.Errorf("shard queue size must be >= 1")
	}
	return nil
}

// QueueFactory builds a shard's bounded queue. Injected so tests and
// the engine can supply the concrete queue implementation without an
// import cycle.
type QueueFactory func(capacity int) EventSource

// Sharded routes events by key through a consistent-hash ring to one of
// NumShards serial workers, each with its own bounded priority queue.
// Events for the same key always land on the same shard, so per-key
// submission order is preserved; priority is honored only within a
// shard. Events with an empty key hash by their type.
type Sharded struct {
	cfg     ShardedConfig
	process Process
	ring    *hashRing
	shards  []EventSource

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool

	wg       sync.WaitGroup
	stopped  atomic.Bool
	inflight atomic.Int64
}

// NewSharded builds the sharded strategy.
func NewSharded(process Process, cfg ShardedConfig, newQueue QueueFactory) (*Sharded, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shards := make([]EventSource, cfg.NumShards)
	for i := range shards {
		shards[i] = newQueue(cfg.ShardQueueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sharded{
		cfg:     cfg,
		process: process,
		ring:    newHashRing(cfg.NumShards),
		shards:  shards,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches one serial worker per shard.
func (s *Sharded) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("sharded scheduler already started")
	}
	s.started = true
	for i := range s.shards {
		s.wg.Add(1)
		go s.run(i)
	}
	logs.Infof("sharded scheduler started: %d shards", s.cfg.NumShards)
	return nil
}

// Dispatch routes the event to its shard's queue.
func (s *Sharded) Dispatch(ev event.Event, block bool, timeout time.Duration) error {
	return s.shards[s.shardFor(ev)].Put(ev, block, timeout)
}

// ShardFor exposes the routing decision, mainly for tests and stats.
func (s *Sharded) ShardFor(key string) int {
	return s.ring.lookup(key)
}

func (s *Sharded) shardFor(ev event.Event) int {
	key := ev.Key
	if key == "" {
		key = ev.Type
	}
	return s.ring.lookup(key)
}

// Occupancy reports the mean occupancy across shards.
func (s *Sharded) Occupancy() float64 {
	var sum float64
	for _, q := range s.shards {
		sum += q.Occupancy()
	}
	return sum / float64(len(s.shards))
}

// Stop halts all shard workers, waiting up to timeout for in-flight
// handlers.
func (s *Sharded) Stop(timeout time.Duration) (drained, canceled int) {
	if !s.stopped.CompareAndSwap(false, true) {
		return 0, 0
	}
	inflightAtStop := s.inflight.Load()
	for _, q := range s.shards {
		q.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		drained = int(inflightAtStop)
	case <-time.After(timeout):
		canceled = int(s.inflight.Load())
		drained = int(inflightAtStop) - canceled
		if drained < 0 {
			drained = 0
		}
		s.cancel()
		logs.Warnf("sharded stop timed out: %d handlers canceled", canceled)
	}
	return drained, canceled
}

// Remaining returns undispatched entries across all shards. Call after
// Stop.
func (s *Sharded) Remaining() []event.Event {
	var out []event.Event
	for _, q := range s.shards {
		out = append(out, q.DrainRemaining()...)
	}
	return out
}

func (s *Sharded) run(shard int) {
	defer s.wg.Done()
	q := s.shards[shard]
	for {
		if s.stopped.Load() {
			return
		}
		ev, err := q.Get(true, pollInterval)
		if err != nil {
			if errors.Is(err, event.ErrQueueClosed) {
				return
			}
			continue
		}
		s.inflight.Add(1)
		s.process(s.ctx, ev)
		s.inflight.Add(-1)
	}
}

// Package obs collects lightweight engine counters and latency stats.
// Counters are atomic increments; snapshots are read-only views for
// operators.
package obs

import (
	"sync/atomic"
	"time"

	"main/internal/event"
)

// DropReason classifies why a submission or invocation was shed.
type DropReason uint8

const (
	DropBackpressure DropReason = iota
	DropDegraded
	DropQueueFull
	DropCircuitOpen
	DropShutdown

	dropReasonCount
)

func (r DropReason) String() string {
	switch r {
	case DropBackpressure:
		return "backpressure"
	case DropDegraded:
		return "degraded"
	case DropQueueFull:
		return "queue_full"
	case DropCircuitOpen:
		return "circuit_open"
	case DropShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Metrics collects engine counters. Safe for concurrent use.
type Metrics struct {
	received  uint64
	processed uint64
	failed    uint64
	timeouts  uint64
	drops     [dropReasonCount]uint64
	byPrio    [5]uint64

	latency LatencyStats
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncReceived counts a submission attempt of the given priority.
func (m *Metrics) IncReceived(p event.Priority) {
	atomic.AddUint64(&m.received, 1)
	if int(p) < len(m.byPrio) {
		atomic.AddUint64(&m.byPrio[p], 1)
	}
}

// IncProcessed counts a successfully handled event.
func (m *Metrics) IncProcessed() {
	atomic.AddUint64(&m.processed, 1)
}

// IncFailed counts a handler failure.
func (m *Metrics) IncFailed() {
	atomic.AddUint64(&m.failed, 1)
}

// IncTimeout counts a handler that hit the processing timeout.
func (m *Metrics) IncTimeout() {
	atomic.AddUint64(&m.timeouts, 1)
}

// IncDrop counts a shed event by reason.
func (m *Metrics) IncDrop(r DropReason) {
	if int(r) < len(m.drops) {
		atomic.AddUint64(&m.drops[r], 1)
	}
}

// ObserveLatency records one end-to-end processing duration.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.latency.Observe(d)
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Received   uint64
	Processed  uint64
	Failed     uint64
	Timeouts   uint64
	Drops      map[string]uint64
	ByPriority map[string]uint64
	Latency    LatencySnapshot
}

// Dropped returns the total shed count across reasons.
func (s Snapshot) Dropped() uint64 {
	var total uint64
	for _, v := range s.Drops {
		total += v
	}
	return total
}

// Snapshot captures the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Received:   atomic.LoadUint64(&m.received),
		Processed:  atomic.LoadUint64(&m.processed),
		Failed:     atomic.LoadUint64(&m.failed),
		Timeouts:   atomic.LoadUint64(&m.timeouts),
		Drops:      make(map[string]uint64, dropReasonCount),
		ByPriority: make(map[string]uint64, len(m.byPrio)),
		Latency:    m.latency.Snapshot(),
	}
	for r := DropReason(0); r < dropReasonCount; r++ {
		if v := atomic.LoadUint64(&m.drops[r]); v > 0 {
			snap.Drops[r.String()] = v
		}
	}
	for p := 0; p < len(m.byPrio); p++ {
		if v := atomic.LoadUint64(&m.byPrio[p]); v > 0 {
			snap.ByPriority[event.Priority(p).String()] = v
		}
	}
	return snap
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// Observe records one sample.
func (s *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	ns := uint64(d)
	atomic.AddUint64(&s.count, 1)
	atomic.AddUint64(&s.sum, ns)
	for {
		cur := atomic.LoadUint64(&s.min)
		if cur != 0 && ns >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&s.min, cur, ns) {
			break
		}
	}
	for {
		cur := atomic.LoadUint64(&s.max)
		if ns <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&s.max, cur, ns) {
			break
		}
	}
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current latency values.
func (s *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&s.count)
	snap := LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&s.min)),
		Max:   time.Duration(atomic.LoadUint64(&s.max)),
	}
	if count > 0 {
		snap.Avg = time.Duration(atomic.LoadUint64(&s.sum) / count)
	}
	return snap
}

package engine

import (
	"main/internal/admission"
	"main/internal/breaker"
	"main/internal/obs"
)

// Stats is the operator-facing snapshot. Read-only; the engine never
// writes metrics anywhere itself.
type Stats struct {
	Received   uint64
	Processed  uint64
	Failed     uint64
	Timeouts   uint64
	Dropped    uint64
	Drops      map[string]uint64
	ByPriority map[string]uint64
	Latency    obs.LatencySnapshot

	QueueOccupancy    float64
	DegradationLevel  string
	CircuitStates     map[string]string
	WorkerCount       int
	DeadLetters       int
	DeadLetterDropped uint64
}

// Stats captures the current engine state.
func (e *Engine) Stats() Stats {
	snap := e.metrics.Snapshot()
	s := Stats{
		Received:          snap.Received,
		Processed:         snap.Processed,
		Failed:            snap.Failed,
		Timeouts:          snap.Timeouts,
		Dropped:           snap.Dropped(),
		Drops:             snap.Drops,
		ByPriority:        snap.ByPriority,
		Latency:           snap.Latency,
		QueueOccupancy:    e.strategy.Occupancy(),
		DegradationLevel:  e.ctrl.Level().String(),
		CircuitStates:     make(map[string]string),
		DeadLetters:       e.dlq.Len(),
		DeadLetterDropped: e.dlq.Dropped(),
	}
	e.mu.RLock()
	for eventType, br := range e.breakers {
		s.CircuitStates[eventType] = br.State().String()
	}
	e.mu.RUnlock()
	if e.pool != nil {
		s.WorkerCount = e.pool.WorkerCount()
	}
	return s
}

// IsHealthy reports false once the drop rate reaches 5% of received
// events or degradation reaches HEAVY.
func (e *Engine) IsHealthy() bool {
	if e.ctrl.Level() >= admission.LevelHeavy {
		return false
	}
	snap := e.metrics.Snapshot()
	if snap.Received == 0 {
		return true
	}
	return float64(snap.Dropped())/float64(snap.Received) < 0.05
}

// DegradationLevel returns the current graceful-degradation level.
func (e *Engine) DegradationLevel() admission.Level {
	return e.ctrl.Level()
}

// ResetDegradation forces the degradation level back to normal.
// Operator action only.
func (e *Engine) ResetDegradation() {
	e.ctrl.Reset()
}

// DrainDeadLetters returns and clears the dead-letter ring,
// oldest-first, for inspection or replay.
func (e *Engine) DrainDeadLetters() []breaker.Entry {
	return e.dlq.Drain()
}

// Package admission decides, before enqueue, whether a submission is
// accepted. Two gates apply in order: the graceful-degradation level
// (restricts accepted priorities as sustained load grows) and the
// backpressure check (sheds NORMAL-and-below traffic when occupancy
// crosses a threshold). High and critical events are never
// backpressure-dropped; only the bounded queue itself applies pressure
// to them.
package admission

import (
	"fmt"
	"sync"

	"github.com/yanun0323/logs"

	"main/internal/event"
)

// Level is the graceful-degradation state. Higher levels accept fewer
// priorities.
type Level uint8

const (
	LevelNormal Level = iota
	LevelLight
	LevelMedium
	LevelHeavy
	LevelEmergency

	levelCount
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelLight:
		return "light"
	case LevelMedium:
		return "medium"
	case LevelHeavy:
		return "heavy"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// maxPriority returns the worst (numerically highest) priority the level
// still accepts.
func (l Level) maxPriority() event.Priority {
	switch l {
	case LevelNormal:
		return event.PriorityBackground
	case LevelLight:
		return event.PriorityLow
	case LevelMedium:
		return event.PriorityNormal
	case LevelHeavy:
		return event.PriorityHigh
	default:
		return event.PriorityCritical
	}
}

// Config tunes the admission controller.
type Config struct {
	// BackpressureThreshold is the occupancy fraction at which
	// NORMAL-and-below submissions are shed. Default 0.90.
	BackpressureThreshold float64

	// EscalateAt[i] is the occupancy at which the controller moves from
	// level i to level i+1. Defaults: 0.75, 0.85, 0.92, 0.97.
	EscalateAt [4]float64

	// Hysteresis is subtracted from the entry threshold before a level
	// may step back down, preventing flapping. Default 0.15.
	Hysteresis float64
}

func defaultEscalateAt() [4]float64 {
	return [4]float64{0.75, 0.85, 0.92, 0.97}
}

// Validate fills defaults and rejects out-of-range settings.
func (c *Config) Validate() error {
	if c.BackpressureThreshold == 0 {
		c.BackpressureThreshold = 0.90
	}
	if c.BackpressureThreshold < 0 || c.BackpressureThreshold > 1 {
		return fmt.Errorf("backpressure threshold must be in [0,1]")
	}
	if c.EscalateAt == ([4]float64{}) {
		c.EscalateAt = defaultEscalateAt()
	}
	prev := 0.0
	for i, v := range c.EscalateAt {
		if v <= prev || v > 1 {
			return fmt.Errorf("escalation threshold %d out of order", i)
		}
		prev = v
	}
	if c.Hysteresis == 0 {
		c.Hysteresis = 0.15
	}
	if c.Hysteresis < 0 || c.Hysteresis >= 1 {
		return fmt.Errorf("hysteresis must be in [0,1)")
	}
	return nil
}

// Controller combines the backpressure gate with the degradation state
// machine. One instance per engine; the engine consults it on every
// submission.
type Controller struct {
	mu    sync.Mutex
	cfg   Config
	level Level
}

// NewController builds a controller at LevelNormal.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg}, nil
}

// Admit decides whether a submission of priority p is accepted given the
// current queue occupancy. Degradation is consulted first, then
// backpressure. Rejection is terminal for the submission.
func (c *Controller) Admit(p event.Priority, occupancy float64) error {
	c.mu.Lock()
	level := c.level
	c.mu.Unlock()

	if p > level.maxPriority() {
		return event.ErrDegraded
	}
	if occupancy >= c.cfg.BackpressureThreshold && p >= event.PriorityNormal {
		return event.ErrBackpressure
	}
	return nil
}

// Observe feeds the current occupancy into the degradation state
// machine. It moves at most one level per call: up when occupancy
// reaches the next level's entry threshold, down when occupancy falls
// below the current level's entry threshold minus the hysteresis offset.
func (c *Controller) Observe(occupancy float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.level < levelCount-1 {
		if occupancy >= c.cfg.EscalateAt[c.level] {
			c.setLevel(c.level+1, occupancy)
			return
		}
	}
	if c.level > LevelNormal {
		if occupancy < c.cfg.EscalateAt[c.level-1]-c.cfg.Hysteresis {
			c.setLevel(c.level-1, occupancy)
		}
	}
}

// Level returns the current degradation level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Reset forces the controller back to LevelNormal. Operator action only;
// the state machine never resets itself.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level != LevelNormal {
		logs.Infof("degradation level reset: %s -> %s", c.level, LevelNormal)
		c.level = LevelNormal
	}
}

func (c *Controller) setLevel(next Level, occupancy float64) {
	if next == c.level {
		return
	}
	if next > c.level {
		logs.Warnf("degradation escalated: %s -> %s (occupancy %.2f)", c.level, next, occupancy)
	} else {
		logs.Infof("degradation recovered: %s -> %s (occupancy %.2f)", c.level, next, occupancy)
	}
	c.level = next
}

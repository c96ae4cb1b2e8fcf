package engine

import (
	"fmt"
	"time"

	"main/internal/admission"
	"main/internal/batch"
	"main/internal/breaker"
	"main/internal/executor"
	"main/internal/scale"
)

// StrategyKind selects the scheduler's concurrency model.
type StrategyKind string

const (
	StrategyPool    StrategyKind = "pool"
	StrategyCoop    StrategyKind = "coop"
	StrategySharded StrategyKind = "sharded"
)

// Config assembles the engine. Zero values resolve to defaults in
// Validate.
type Config struct {
	// QueueSize bounds the shared queue for the pool and cooperative
	// strategies. Default 1024.
	QueueSize int

	// Strategy selects the scheduler. Default StrategyPool.
	Strategy StrategyKind

	// Admission tunes backpressure and graceful degradation.
	Admission admission.Config

	// Pool tunes the worker-pool strategy.
	Pool executor.PoolConfig

	// Coop tunes the cooperative strategy.
	Coop executor.CoopConfig

	// Sharded tunes the sharded strategy.
	Sharded executor.ShardedConfig

	// ProcessingTimeout bounds a single handler invocation, enforced by
	// the scheduler. Default 30s; negative disables.
	ProcessingTimeout time.Duration

	// Breaker is the default per-event-type circuit breaker config;
	// RegisterHandler options override it per type.
	Breaker breaker.Config

	// DeadLetterSize bounds the dead-letter ring. Default 256.
	DeadLetterSize int

	// AutoScale enables the autoscaler (pool strategy only).
	AutoScale bool

	// Scale tunes the autoscaler; worker bounds default to the pool's.
	Scale scale.Config

	// Batch enables the micro-batching path when non-nil.
	Batch *batch.Config
}

// Validate fills defaults and validates every section.
func (c *Config) Validate() error {
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be >= 1")
	}
	if c.Strategy == "" {
		c.Strategy = StrategyPool
	}
	switch c.Strategy {
	case StrategyPool, StrategyCoop, StrategySharded:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if err := c.Admission.Validate(); err != nil {
		return err
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Coop.Validate(); err != nil {
		return err
	}
	if err := c.Sharded.Validate(); err != nil {
		return err
	}
	if c.ProcessingTimeout == 0 {
		c.ProcessingTimeout = 30 * time.Second
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if c.DeadLetterSize == 0 {
		c.DeadLetterSize = 256
	}
	if c.DeadLetterSize < 1 {
		return fmt.Errorf("dead letter size must be >= 1")
	}
	if c.AutoScale {
		if c.Scale.MinWorkers == 0 {
			c.Scale.MinWorkers = c.Pool.MinWorkers
		}
		if c.Scale.MaxWorkers == 0 {
			c.Scale.MaxWorkers = c.Pool.MaxWorkers
		}
		if err := c.Scale.Validate(); err != nil {
			return err
		}
	}
	if c.Batch != nil {
		if err := c.Batch.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// timeout returns the effective processing timeout (0 disables).
func (c *Config) timeout() time.Duration {
	if c.ProcessingTimeout < 0 {
		return 0
	}
	return c.ProcessingTimeout
}

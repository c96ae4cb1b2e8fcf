// Package scale grows and shrinks the worker-pool strategy between
// configured bounds, driven by a sliding window of queue occupancy
// samples.
package scale

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// Resizable is the surface the autoscaler drives. Satisfied by
// *executor.Pool.
type Resizable interface {
	WorkerCount() int
	Resize(n int) int
}

// Config tunes the autoscaler.
type Config struct {
	// MinWorkers and MaxWorkers bound scaling. Defaults 1 and 16.
	MinWorkers int
	MaxWorkers int

	// ScaleUpThreshold / ScaleDownThreshold are mean-occupancy bounds
	// that trigger scaling. Defaults 0.75 and 0.25.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// ScaleUpRatio grows the pool by ceil(workers*ratio), at least 1.
	// ScaleDownRatio shrinks by floor(workers*ratio), at least 1.
	// Defaults 0.5 and 0.25.
	ScaleUpRatio   float64
	ScaleDownRatio float64

	// Interval is the sampling and evaluation period. Default 1s.
	Interval time.Duration

	// WindowSize is how many samples the sliding window holds.
	// Default 10.
	WindowSize int

	// Cooldown is the minimum gap between two scaling actions.
	// Default 30s.
	Cooldown time.Duration
}

// Validate fills defaults and checks ranges.
func (c *Config) Validate() error {
	if c.MinWorkers == 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 16
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = 0.75
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = 0.25
	}
	if c.ScaleUpRatio == 0 {
		c.ScaleUpRatio = 0.5
	}
	if c.ScaleDownRatio == 0 {
		c.ScaleDownRatio = 0.25
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.WindowSize == 0 {
		c.WindowSize = 10
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MinWorkers < 1 || c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("worker bounds invalid: min=%d max=%d", c.MinWorkers, c.MaxWorkers)
	}
	if c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return fmt.Errorf("scale-down threshold must be below scale-up threshold")
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be >= 1")
	}
	return nil
}

// AutoScaler samples occupancy on a fixed interval and resizes the pool
// when the window mean crosses a threshold, honoring the cooldown.
type AutoScaler struct {
	cfg       Config
	pool      Resizable
	occupancy func() float64

	mu         sync.Mutex
	window     []float64
	next       int
	filled     int
	lastAction time.Time

	wg sync.WaitGroup
}

// New builds an autoscaler over pool, reading load from occupancy.
func New(pool Resizable, occupancy func() float64, cfg Config) (*AutoScaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AutoScaler{
		cfg:       cfg,
		pool:      pool,
		occupancy: occupancy,
		window:    make([]float64, cfg.WindowSize),
	}, nil
}

// Run samples and evaluates until ctx is done.
func (a *AutoScaler) Run(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Observe(a.occupancy())
				a.Evaluate()
			}
		}
	}()
}

// Wait blocks until the sampling loop has exited.
func (a *AutoScaler) Wait() {
	a.wg.Wait()
}

// Observe appends one occupancy sample to the sliding window.
func (a *AutoScaler) Observe(occupancy float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window[a.next] = occupancy
	a.next = (a.next + 1) % len(a.window)
	if a.filled < len(a.window) {
		a.filled++
	}
}

// Evaluate applies one scaling decision if the window mean warrants it
// and the cooldown has elapsed.
func (a *AutoScaler) Evaluate() {
	a.mu.Lock()
	if a.filled == 0 || time.Since(a.lastAction) < a.cfg.Cooldown {
		a.mu.Unlock()
		return
	}
	var sum float64
	for i := 0; i < a.filled; i++ {
		sum += a.window[i]
	}
	mean := sum / float64(a.filled)
	a.mu.Unlock()

	workers := a.pool.WorkerCount()
	switch {
	case mean >= a.cfg.ScaleUpThreshold && workers < a.cfg.MaxWorkers:
		delta := int(math.Ceil(float64(workers) * a.cfg.ScaleUpRatio))
		if delta < 1 {
			delta = 1
		}
		a.apply(workers+delta, mean, "up")
	case mean <= a.cfg.ScaleDownThreshold && workers > a.cfg.MinWorkers:
		delta := int(math.Floor(float64(workers) * a.cfg.ScaleDownRatio))
		if delta < 1 {
			delta = 1
		}
		a.apply(workers-delta, mean, "down")
	}
}

func (a *AutoScaler) apply(target int, mean float64, direction string) {
	if target < a.cfg.MinWorkers {
		target = a.cfg.MinWorkers
	}
	if target > a.cfg.MaxWorkers {
		target = a.cfg.MaxWorkers
	}
	got := a.pool.Resize(target)
	a.mu.Lock()
	a.lastAction = time.Now()
	a.mu.Unlock()
	logs.Infof("autoscale %s: mean occupancy %.2f, workers -> %d", direction, mean, got)
}

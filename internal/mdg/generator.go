// Package mdg generates synthetic market data for demo runs and load
// tests, standing in for the upstream worker/IPC producer.
package mdg

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model"
)

// Config controls the generator.
type Config struct {
	Symbols   []string
	BasePrice float64
	Spread    float64
	Seed      int64
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("generator needs at least one symbol")
	}
	if c.BasePrice <= 0 {
		c.BasePrice = 100
	}
	if c.Spread < 0 {
		return fmt.Errorf("spread must be >= 0")
	}
	if c.Spread == 0 {
		c.Spread = 0.02
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UTC().UnixNano()
	}
	return nil
}

// Generator produces ticks round-robin over its symbols, each symbol
// following an independent random walk.
type Generator struct {
	cfg    Config
	rng    *rand.Rand
	prices []float64
	index  int
}

// New creates a generator.
func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prices := make([]float64, len(cfg.Symbols))
	for i := range prices {
		prices[i] = cfg.BasePrice * (1 + 0.1*float64(i))
	}
	return &Generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: prices,
	}, nil
}

// Next creates the next tick in sequence.
func (g *Generator) Next(now time.Time) model.Tick {
	i := g.index
	g.index = (g.index + 1) % len(g.cfg.Symbols)

	g.prices[i] *= 1 + (g.rng.Float64()-0.5)*0.002
	mid := g.prices[i]
	half := g.cfg.Spread / 2

	return model.Tick{
		Symbol:  g.cfg.Symbols[i],
		Bid:     decimal.NewFromFloat(mid - half),
		Ask:     decimal.NewFromFloat(mid + half),
		Last:    decimal.NewFromFloat(mid),
		Size:    decimal.NewFromInt(int64(1 + g.rng.Intn(100))),
		TsEvent: now.UnixNano(),
	}
}

// Signal derives an occasional strategy signal from the tick. Returns
// false when the generator decides to hold.
func (g *Generator) Signal(t model.Tick, now time.Time) (model.Signal, bool) {
	roll := g.rng.Float64()
	if roll < 0.9 {
		return model.Signal{}, false
	}
	action := model.SignalBuy
	if roll >= 0.95 {
		action = model.SignalSell
	}
	return model.Signal{
		Symbol:   t.Symbol,
		Action:   action,
		Price:    t.Last,
		Strength: g.rng.Float64(),
		TsEvent:  now.UnixNano(),
	}, true
}

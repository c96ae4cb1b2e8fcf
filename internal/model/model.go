// Package model defines the trading payloads carried through the engine
// by the demo producer and the strategy handlers.
package model

import (
	"github.com/shopspring/decimal"
)

// Event types routed through the engine. The engine core treats types
// as opaque strings; these are the demo platform's vocabulary.
const (
	TypeTick     = "market.tick"
	TypeSignal   = "strategy.signal"
	TypeStopLoss = "risk.stop_loss"
	TypeAudit    = "audit.log"
)

// Tick is one market data update for a symbol.
type Tick struct {
	Symbol  string
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	Last    decimal.Decimal
	Size    decimal.Decimal
	TsEvent int64
}

// Mid returns the bid/ask midpoint.
func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// SignalAction is a strategy decision.
type SignalAction uint8

const (
	SignalHold SignalAction = iota
	SignalBuy
	SignalSell
)

func (a SignalAction) String() string {
	switch a {
	case SignalHold:
		return "hold"
	case SignalBuy:
		return "buy"
	case SignalSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Signal is a strategy decision for a symbol.
type Signal struct {
	Symbol   string
	Action   SignalAction
	Price    decimal.Decimal
	Strength float64
	TsEvent  int64
}

// StopLoss asks for an immediate position exit. Submitted at critical
// priority; it must never be shed by backpressure.
type StopLoss struct {
	Symbol   string
	Position decimal.Decimal
	Trigger  decimal.Decimal
	TsEvent  int64
}

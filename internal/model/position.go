package model

import (
	"math"
	"time"
)

// qtyEpsilon absorbs float noise when comparing quantities.
const qtyEpsilon = 1e-9

// Position is the signed exposure in a single market.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"` // positive = long, negative = short
	AvgEntryPrice float64   `json:"avg_entry_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Flat reports whether the position holds no exposure.
func (p Position) Flat() bool {
	return math.Abs(p.Quantity) < qtyEpsilon
}

// UnrealizedPnL returns the mark-to-market profit at the given price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return (price - p.AvgEntryPrice) * p.Quantity
}

// LossFraction returns the unrealized loss as a fraction of the entry
// notional. Gains return a negative value; flat positions return 0.
func (p Position) LossFraction(price float64) float64 {
	if p.Flat() || p.AvgEntryPrice <= 0 {
		return 0
	}
	notional := p.AvgEntryPrice * math.Abs(p.Quantity)
	return -p.UnrealizedPnL(price) / notional
}

// QtyEqual compares two quantities with a small tolerance.
func QtyEqual(a, b float64) bool {
	return math.Abs(a-b) < qtyEpsilon
}

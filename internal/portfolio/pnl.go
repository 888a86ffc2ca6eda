package portfolio

import (
	"math"

	"kdj-trader/internal/model"
)

// ApplyFill returns the position that results from applying fill to pos.
// It is a pure function: pos is not modified.
//
// Same-direction fills move the average entry price to the weighted
// average. Opposing fills book realized P&L on the closed quantity; if the
// fill is larger than the position, the remainder opens a fresh basis at the
// fill price.
func ApplyFill(pos model.Position, fill model.Fill) model.Position {
	next := pos
	next.UpdatedAt = fill.At
	if next.Symbol == "" {
		next.Symbol = fill.Symbol
	}

	signed := fill.Side.Sign() * fill.Qty
	if signed == 0 {
		return next
	}

	switch {
	case pos.Flat():
		next.Quantity = signed
		next.AvgEntryPrice = fill.Price

	case sameSign(pos.Quantity, signed):
		// Weighted average price
		totalQty := math.Abs(pos.Quantity) + math.Abs(signed)
		next.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(pos.Quantity) + fill.Price*math.Abs(signed)) / totalQty
		next.Quantity = pos.Quantity + signed

	default:
		// Reduce, close or flip
		closed := math.Min(math.Abs(signed), math.Abs(pos.Quantity))
		direction := 1.0
		if pos.Quantity < 0 {
			direction = -1
		}
		next.RealizedPnL += (fill.Price - pos.AvgEntryPrice) * closed * direction

		next.Quantity = pos.Quantity + signed
		switch {
		case model.QtyEqual(next.Quantity, 0):
			next.Quantity = 0
			next.AvgEntryPrice = 0
		case !sameSign(next.Quantity, pos.Quantity):
			next.AvgEntryPrice = fill.Price
		}
	}
	return next
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// PnLSummary is a point-in-time P&L view of the position.
type PnLSummary struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	FillsApplied  int     `json:"fills_applied"`
}

// Summarize returns the P&L summary of pos marked at price.
func Summarize(pos model.Position, price float64, fills int) PnLSummary {
	unrealized := 0.0
	if !pos.Flat() && price > 0 {
		unrealized = pos.UnrealizedPnL(price)
	}
	return PnLSummary{
		Symbol:        pos.Symbol,
		Quantity:      pos.Quantity,
		AvgEntryPrice: pos.AvgEntryPrice,
		MarkPrice:     price,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: unrealized,
		TotalPnL:      pos.RealizedPnL + unrealized,
		FillsApplied:  fills,
	}
}

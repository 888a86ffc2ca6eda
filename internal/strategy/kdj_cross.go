package strategy

import (
	"kdj-trader/internal/indicator"
)

// Default zone thresholds on the J line.
const (
	DefaultOversold   = 20.0
	DefaultOverbought = 80.0
)

// Generator implements the KDJ crossover strategy.
//
// Buy signal: K crosses above D (golden cross) while J is oversold and the
// position is flat or short.
// Sell signal: K crosses below D (dead cross) while J is overbought and the
// position is flat or long.
//
// A cross needs a strict sign change of K-D; exact equality on either side
// never counts, which keeps flat data from flapping.
type Generator struct {
	oversold   float64
	overbought float64
}

// NewGenerator creates a generator with the given J thresholds.
// Zero values fall back to 20/80.
func NewGenerator(oversold, overbought float64) *Generator {
	if oversold == 0 {
		oversold = DefaultOversold
	}
	if overbought == 0 {
		overbought = DefaultOverbought
	}
	return &Generator{oversold: oversold, overbought: overbought}
}

// Evaluate derives the signal for curr given the previous state and the
// current signed position quantity.
func (g *Generator) Evaluate(prev, curr indicator.KdjState, position float64) Signal {
	sig := Signal{
		Action:      ActionHold,
		Zone:        g.Zone(curr.J),
		Cross:       DetectCross(prev, curr),
		K:           curr.K,
		D:           curr.D,
		J:           curr.J,
		GeneratedAt: curr.At,
	}

	if !prev.Seeded() || !curr.Seeded() {
		sig.Reason = ReasonWarmup
		return sig
	}

	switch sig.Cross {
	case CrossGolden:
		if curr.J >= g.oversold {
			sig.Reason = ReasonOutsideZone
			return sig
		}
		if position > 0 {
			sig.Reason = ReasonAlreadyLong
			return sig
		}
		sig.Action = ActionBuy
		sig.Reason = ReasonGoldenOversold

	case CrossDead:
		if curr.J <= g.overbought {
			sig.Reason = ReasonOutsideZone
			return sig
		}
		if position < 0 {
			sig.Reason = ReasonAlreadyShort
			return sig
		}
		sig.Action = ActionSell
		sig.Reason = ReasonDeadOverbought

	default:
		sig.Reason = ReasonNoCross
	}
	return sig
}

// Zone classifies a J value.
func (g *Generator) Zone(j float64) Zone {
	switch {
	case j < g.oversold:
		return ZoneOversold
	case j > g.overbought:
		return ZoneOverbought
	}
	return ZoneNeutral
}

// DetectCross compares the sign of K-D across two states.
func DetectCross(prev, curr indicator.KdjState) Cross {
	p, c := prev.Spread(), curr.Spread()
	switch {
	case p < 0 && c > 0:
		return CrossGolden
	case p > 0 && c < 0:
		return CrossDead
	}
	return CrossNone
}

// Package strategy turns consecutive KDJ states into discrete trade signals.
//
// The generator is stateless: a Signal is a function of the previous state,
// the current state, and the current position quantity only.
package strategy

import (
	"fmt"
	"time"
)

// Action represents a trading action.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Zone classifies the J line against the oversold/overbought thresholds.
type Zone string

const (
	ZoneOversold   Zone = "oversold"
	ZoneNeutral    Zone = "neutral"
	ZoneOverbought Zone = "overbought"
)

// Cross describes how K moved relative to D between two states.
type Cross int

const (
	CrossNone   Cross = 0
	CrossGolden Cross = 1 // K crossed above D
	CrossDead   Cross = 2 // K crossed below D
)

func (c Cross) String() string {
	switch c {
	case CrossGolden:
		return "golden"
	case CrossDead:
		return "dead"
	default:
		return "none"
	}
}

// Signal reasons, used as log fields and metric labels.
const (
	ReasonWarmup         = "warmup"
	ReasonNoCross        = "no_cross"
	ReasonOutsideZone    = "cross_outside_zone"
	ReasonAlreadyLong    = "already_long"
	ReasonAlreadyShort   = "already_short"
	ReasonGoldenOversold = "golden_cross_oversold"
	ReasonDeadOverbought = "dead_cross_overbought"
)

// Signal is the per-candle output of the generator. Hold is a valid, common value.
type Signal struct {
	Action      Action    `json:"action"`
	Zone        Zone      `json:"zone"`
	Cross       Cross     `json:"cross"`
	Reason      string    `json:"reason"`
	K           float64   `json:"k"`
	D           float64   `json:"d"`
	J           float64   `json:"j"`
	GeneratedAt time.Time `json:"generated_at"` // candle close time
}

// Actionable reports whether the signal asks for a trade.
func (s Signal) Actionable() bool {
	return s.Action == ActionBuy || s.Action == ActionSell
}

func (s Signal) String() string {
	return fmt.Sprintf("%s zone=%s cross=%s reason=%s J=%.2f", s.Action, s.Zone, s.Cross, s.Reason, s.J)
}

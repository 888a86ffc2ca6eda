// Package indicator computes the KDJ stochastic oscillator over closed
// candles.
//
// K and D are exponentially smoothed, so each state depends on the previous
// one. The recursion is expressed as a pure function (Next) of the previous
// state and the trailing window; Engine carries the last state forward and
// hands every new state back by value, which makes replay from any
// checkpoint deterministic.
package indicator

import (
	"errors"
	"fmt"
	"time"

	"kdj-trader/internal/model"
)

const (
	// DefaultPeriod is the RSV lookback in candles.
	DefaultPeriod = 9

	// SeedValue is the K and D used before the first computable candle.
	SeedValue = 50.0

	// FlatRSV is used when the window's high equals its low.
	FlatRSV = 50.0
)

// ErrInsufficientHistory is returned until period candles are available.
var ErrInsufficientHistory = errors.New("insufficient candle history")

// KdjState is the oscillator value set for one closed candle.
type KdjState struct {
	K    float64 `json:"k"`
	D    float64 `json:"d"`
	J    float64 `json:"j"`     // clamped to [0,100]
	JRaw float64 `json:"j_raw"` // before clamping, diagnostics only
	RSV  float64 `json:"rsv"`

	// PeriodIndex counts computed states starting at 1. Zero means no
	// state has been computed yet and the seed applies.
	PeriodIndex int `json:"period_index"`
	// At is the close time of the candle this state belongs to.
	At time.Time `json:"at"`
}

// Seeded reports whether the state came from a real computation.
func (s KdjState) Seeded() bool {
	return s.PeriodIndex > 0
}

// Spread returns K-D, whose sign change marks a crossover.
func (s KdjState) Spread() float64 {
	return s.K - s.D
}

func (s KdjState) String() string {
	return fmt.Sprintf("K=%.4f D=%.4f J=%.4f (raw %.4f) RSV=%.4f #%d", s.K, s.D, s.J, s.JRaw, s.RSV, s.PeriodIndex)
}

// Next computes the state for the last candle of window. window must hold at
// least period candles ordered oldest first; only the trailing period
// candles are used. A zero prev is treated as the seed (K=D=50).
func Next(prev KdjState, window []model.Candle, period int) (KdjState, error) {
	if period <= 0 {
		return KdjState{}, fmt.Errorf("invalid period %d", period)
	}
	if len(window) < period {
		return KdjState{}, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientHistory, len(window), period)
	}
	window = window[len(window)-period:]

	hh, ll := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > hh {
			hh = c.High
		}
		if c.Low < ll {
			ll = c.Low
		}
	}

	last := window[len(window)-1]
	rsv := FlatRSV
	if hh != ll {
		rsv = 100 * (last.Close - ll) / (hh - ll)
	}

	prevK, prevD := SeedValue, SeedValue
	if prev.Seeded() {
		prevK, prevD = prev.K, prev.D
	}

	k := clamp(2.0/3.0*prevK + rsv/3.0)
	d := clamp(2.0/3.0*prevD + k/3.0)
	jRaw := 3*k - 2*d

	return KdjState{
		K:           k,
		D:           d,
		J:           clamp(jRaw),
		JRaw:        jRaw,
		RSV:         rsv,
		PeriodIndex: prev.PeriodIndex + 1,
		At:          last.CloseTime,
	}, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

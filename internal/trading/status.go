package trading

import (
	"time"

	"kdj-trader/internal/indicator"
	"kdj-trader/internal/model"
	"kdj-trader/internal/portfolio"
	"kdj-trader/internal/strategy"
)

// Status is a point-in-time view of the agent for operators.
type Status struct {
	Symbol       string               `json:"symbol"`
	Timeframe    string               `json:"timeframe"`
	Halted       bool                 `json:"halted"`
	HaltReason   string               `json:"halt_reason,omitempty"`
	Ticks        uint64               `json:"ticks"`
	LastTick     time.Time            `json:"last_tick"`
	LastCandle   *model.Candle        `json:"last_candle,omitempty"`
	KDJ          *indicator.KdjState  `json:"kdj,omitempty"`
	LastSignal   *strategy.Signal     `json:"last_signal,omitempty"`
	PnL          portfolio.PnLSummary `json:"pnl"`
	DailyPnL     float64              `json:"daily_pnl"`
	RiskLimits   portfolio.RiskLimits `json:"risk_limits"`
	OpenOrders   []model.Order        `json:"open_orders"`
	RecentOrders []model.Order        `json:"recent_orders"`
}

// Status reports the current position, indicator and order state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	st := Status{
		Symbol:     l.cfg.Symbol,
		Timeframe:  l.cfg.Timeframe,
		Halted:     l.halted,
		HaltReason: l.haltReason,
		Ticks:      l.ticks,
		LastTick:   l.lastTick,
	}
	lastCandle := l.lastCandle
	lastSignal := l.lastSignal
	lastState := l.lastState
	l.mu.Unlock()

	if !lastCandle.CloseTime.IsZero() {
		st.LastCandle = &lastCandle
	}
	if lastSignal.Action != "" {
		st.LastSignal = &lastSignal
	}
	if lastState.Seeded() {
		st.KDJ = &lastState
	}

	st.PnL = portfolio.Summarize(l.deps.Tracker.Snapshot(), lastCandle.Close, l.deps.Tracker.FillsApplied())
	st.DailyPnL = l.deps.Risk.DailyPnL()
	st.RiskLimits = l.deps.Risk.Limits()
	st.OpenOrders = l.deps.Executor.OpenOrders()
	st.RecentOrders = l.deps.Executor.RecentOrders(20)
	return st
}

package indicator

import (
	"kdj-trader/internal/candlestore"
	"kdj-trader/internal/model"
)

// Engine drives the KDJ recursion over a candle store. It owns the last
// computed state; callers receive copies.
// Designed for single-goroutine usage (the trading tick), so no locks.
type Engine struct {
	period int
	store  *candlestore.Store
	state  KdjState
}

// NewEngine creates an engine reading from store. The store must retain at
// least period candles.
func NewEngine(store *candlestore.Store, period int) *Engine {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Engine{period: period, store: store}
}

// Period returns the RSV lookback.
func (e *Engine) Period() int { return e.period }

// Store returns the backing candle store.
func (e *Engine) Store() *candlestore.Store { return e.store }

// State returns the last computed state and whether one exists.
func (e *Engine) State() (KdjState, bool) {
	return e.state, e.state.Seeded()
}

// Update appends a closed candle and computes its state. Duplicate or
// out-of-order candles are rejected by the store and leave the state
// untouched. Until period candles have been seen it returns
// ErrInsufficientHistory; the candle is still retained.
func (e *Engine) Update(c model.Candle) (KdjState, error) {
	if err := e.store.Append(c); err != nil {
		return KdjState{}, err
	}
	next, err := Next(e.state, e.store.Window(e.period), e.period)
	if err != nil {
		return KdjState{}, err
	}
	e.state = next
	return next, nil
}

// Ready reports whether the engine has produced at least one state.
func (e *Engine) Ready() bool {
	return e.state.Seeded()
}

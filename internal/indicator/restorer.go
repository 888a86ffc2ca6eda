package indicator

import (
	"context"
	"errors"
	"log"
	"time"

	"kdj-trader/internal/candlestore"
	"kdj-trader/internal/model"
)

// CandleReader is the interface needed for backfill reads from local storage.
type CandleReader interface {
	ReadRecentCandles(symbol string, limit int) ([]model.Candle, error)
}

// Restorer orchestrates indicator engine state restoration on startup.
// It follows a priority chain: snapshot → local candles → exchange history
// → cold start.
type Restorer struct {
	symbol    string
	timeframe string
	period    int
	capacity  int
}

// NewRestorer creates a Restorer for the given market and window sizing.
func NewRestorer(symbol, timeframe string, period, capacity int) *Restorer {
	if capacity < period {
		capacity = period
	}
	return &Restorer{symbol: symbol, timeframe: timeframe, period: period, capacity: capacity}
}

// RestoreFromSnap restores an engine from a snapshot. If snap is nil or
// unusable, it returns a fresh engine (cold start).
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) *Engine {
	if snap == nil {
		log.Println("[restorer] no snapshot found, cold starting indicator engine")
		return NewEngine(candlestore.New(r.capacity), r.period)
	}
	if snap.Symbol != "" && snap.Symbol != r.symbol {
		log.Printf("[restorer] snapshot is for %s, not %s, cold starting", snap.Symbol, r.symbol)
		return NewEngine(candlestore.New(r.capacity), r.period)
	}

	engine, err := RestoreEngine(snap, r.period, r.capacity)
	if err != nil {
		log.Printf("[restorer] WARNING: snapshot restore failed: %v, falling back to cold start", err)
		return NewEngine(candlestore.New(r.capacity), r.period)
	}

	log.Printf("[restorer] restored indicator engine from snapshot (candles=%d, state #%d)",
		len(snap.Candles), snap.State.PeriodIndex)
	return engine
}

// ReplayCandles feeds candles into the engine to catch up from a snapshot to
// the present. Candles the engine already holds are skipped. Returns the
// number of candles applied.
func (r *Restorer) ReplayCandles(engine *Engine, candles []model.Candle) int {
	count := 0
	for _, c := range candles {
		_, err := engine.Update(c)
		if err != nil && !isWarmup(err) {
			continue
		}
		count++
	}
	if count > 0 {
		log.Printf("[restorer] replayed %d candles to catch up", count)
	}
	return count
}

// BackfillFromSQLite reads the most recent persisted candles and feeds them
// into the engine. Only the last capacity candles matter for warm-up.
func (r *Restorer) BackfillFromSQLite(engine *Engine, reader CandleReader) int {
	if reader == nil {
		return 0
	}
	candles, err := reader.ReadRecentCandles(r.symbol, r.capacity)
	if err != nil {
		log.Printf("[restorer] WARNING: failed to read candles from SQLite: %v", err)
		return 0
	}
	n := r.ReplayCandles(engine, candles)
	if n > 0 {
		log.Printf("[restorer] backfilled %d candles from SQLite", n)
	}
	return n
}

// BackfillFromExchange fetches recent history from the market-data
// collaborator when local storage could not warm the engine up.
func (r *Restorer) BackfillFromExchange(ctx context.Context, engine *Engine, history model.CandleHistory) int {
	if history == nil || engine.Ready() {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	candles, err := history.FetchCandles(ctx, r.symbol, r.timeframe, r.capacity)
	if err != nil {
		log.Printf("[restorer] WARNING: history fetch failed: %v", err)
		return 0
	}
	n := r.ReplayCandles(engine, candles)
	if n > 0 {
		log.Printf("[restorer] backfilled %d candles from exchange history", n)
	}
	return n
}

// isWarmup reports whether err only means the window is not full yet.
func isWarmup(err error) bool {
	return errors.Is(err, ErrInsufficientHistory)
}

package indicator

import (
	"fmt"
	"log"

	"kdj-trader/internal/candlestore"
	"kdj-trader/internal/model"
)

// snapshotVersion is bumped on incompatible schema changes.
const snapshotVersion = 1

// EngineSnapshot holds everything needed to resume the recursion after a
// restart: the last state plus the retained candle window.
type EngineSnapshot struct {
	Version  int            `json:"version"` // schema version for forward compat
	Symbol   string         `json:"symbol"`
	Period   int            `json:"period"`
	Capacity int            `json:"capacity"`
	State    KdjState       `json:"state"`
	Candles  []model.Candle `json:"candles"`
}

// SnapshotEngine captures the full state of an Engine.
func SnapshotEngine(e *Engine, symbol string) *EngineSnapshot {
	return &EngineSnapshot{
		Version:  snapshotVersion,
		Symbol:   symbol,
		Period:   e.period,
		Capacity: e.store.Cap(),
		State:    e.state,
		Candles:  e.store.Window(e.store.Len()),
	}
}

// RestoreEngine rebuilds an Engine from a snapshot. A snapshot taken with a
// different period cannot seed the recursion, so the candles are kept but
// the state restarts from the seed and is replayed over the window.
func RestoreEngine(snap *EngineSnapshot, period, capacity int) (*Engine, error) {
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if capacity < period {
		capacity = period
	}
	e := NewEngine(candlestore.New(capacity), period)

	if snap.Period == period {
		for _, c := range snap.Candles {
			if err := e.store.Append(c); err != nil {
				return nil, fmt.Errorf("restore candle: %w", err)
			}
		}
		e.state = snap.State
		return e, nil
	}

	log.Printf("[restorer] snapshot period=%d differs from configured %d, replaying %d candles",
		snap.Period, period, len(snap.Candles))
	for _, c := range snap.Candles {
		if _, err := e.Update(c); err != nil && !isWarmup(err) {
			return nil, fmt.Errorf("replay candle: %w", err)
		}
	}
	return e, nil
}

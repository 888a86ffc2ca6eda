// Package portfolio tracks the trading position, sizes orders against risk
// limits, and books realized P&L from confirmed fills.
package portfolio

import (
	"sync"

	"kdj-trader/internal/model"
)

// Tracker owns the single Position aggregate. It is the only state shared
// between the trading tick and the background reconciler, so every read and
// mutation goes through its mutex.
//
// Fills are applied exactly once: the tracker remembers the last cumulative
// quantity applied per order and ignores anything at or below it.
type Tracker struct {
	mu      sync.Mutex
	pos     model.Position
	applied map[string]float64 // order id → last applied cumulative qty
	fills   int

	// OnApply is called (under the lock) after a fill changes the position.
	OnApply func(prev, next model.Position, fill model.Fill)
}

// NewTracker creates a tracker with a flat position in symbol.
func NewTracker(symbol string) *Tracker {
	return &Tracker{
		pos:     model.Position{Symbol: symbol},
		applied: make(map[string]float64),
	}
}

// Apply applies a fill and returns the resulting position. The bool is
// false when the fill was a duplicate (or stale) and nothing changed.
//
// The applied quantity is derived from the cumulative quantity, so a fill
// notification that skipped an intermediate partial still lands the
// position on the right size.
func (t *Tracker) Apply(fill model.Fill) (model.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := t.applied[fill.OrderID]
	if fill.CumQty <= last || model.QtyEqual(fill.CumQty, last) {
		return t.pos, false
	}
	fill.Qty = fill.CumQty - last

	prev := t.pos
	t.pos = ApplyFill(t.pos, fill)
	t.applied[fill.OrderID] = fill.CumQty
	t.fills++

	if t.OnApply != nil {
		t.OnApply(prev, t.pos, fill)
	}
	return t.pos, true
}

// Prune drops the fill markers of orders for which keep returns false and
// reports how many were removed. Only orders that can still report fills
// need a marker.
func (t *Tracker) Prune(keep func(orderID string) bool) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.applied))
	for id := range t.applied {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var drop []string
	for _, id := range ids {
		if !keep(id) {
			drop = append(drop, id)
		}
	}
	if len(drop) == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range drop {
		delete(t.applied, id)
	}
	return len(drop)
}

// Snapshot returns a copy of the current position.
func (t *Tracker) Snapshot() model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// AppliedQty returns the cumulative quantity already applied for an order.
func (t *Tracker) AppliedQty(orderID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applied[orderID]
}

// FillsApplied returns the number of fills applied since start or restore.
func (t *Tracker) FillsApplied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fills
}

// Checkpoint is the serializable state of a Tracker.
type Checkpoint struct {
	Position model.Position     `json:"position"`
	Applied  map[string]float64 `json:"applied"`
	Fills    int                `json:"fills"`
}

// Checkpoint captures position and fill markers for persistence.
func (t *Tracker) Checkpoint() Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	applied := make(map[string]float64, len(t.applied))
	for k, v := range t.applied {
		applied[k] = v
	}
	return Checkpoint{Position: t.pos, Applied: applied, Fills: t.fills}
}

// Restore replaces the tracker state with a checkpoint.
func (t *Tracker) Restore(cp Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	symbol := t.pos.Symbol
	t.pos = cp.Position
	if t.pos.Symbol == "" {
		t.pos.Symbol = symbol
	}
	t.applied = make(map[string]float64, len(cp.Applied))
	for k, v := range cp.Applied {
		t.applied[k] = v
	}
	t.fills = cp.Fills
}

package portfolio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdj-trader/internal/model"
)

func fill(order string, side model.Side, cum, qty, price float64) model.Fill {
	return model.Fill{
		OrderID: order,
		Symbol:  "ETH/USD",
		Side:    side,
		CumQty:  cum,
		Qty:     qty,
		Price:   price,
		At:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestApplyFill_OpenAndAverage(t *testing.T) {
	pos := model.Position{Symbol: "ETH/USD"}

	pos = ApplyFill(pos, fill("a", model.SideBuy, 1, 1, 2000))
	assert.InDelta(t, 1.0, pos.Quantity, 1e-12)
	assert.InDelta(t, 2000.0, pos.AvgEntryPrice, 1e-9)

	pos = ApplyFill(pos, fill("b", model.SideBuy, 3, 3, 2400))
	// (1*2000 + 3*2400) / 4
	assert.InDelta(t, 4.0, pos.Quantity, 1e-12)
	assert.InDelta(t, 2300.0, pos.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 0.0, pos.RealizedPnL, 1e-9)
}

func TestApplyFill_ReduceBooksPnL(t *testing.T) {
	pos := model.Position{Quantity: 2, AvgEntryPrice: 2000}

	pos = ApplyFill(pos, fill("s", model.SideSell, 0.5, 0.5, 2100))
	assert.InDelta(t, 1.5, pos.Quantity, 1e-12)
	assert.InDelta(t, 2000.0, pos.AvgEntryPrice, 1e-9, "reduce keeps the basis")
	assert.InDelta(t, 50.0, pos.RealizedPnL, 1e-9)

	pos = ApplyFill(pos, fill("s2", model.SideSell, 1.5, 1.5, 1900))
	assert.True(t, pos.Flat())
	assert.Zero(t, pos.AvgEntryPrice)
	assert.InDelta(t, 50.0-150.0, pos.RealizedPnL, 1e-9)
}

func TestApplyFill_FlipStartsFreshBasis(t *testing.T) {
	pos := model.Position{Quantity: 1, AvgEntryPrice: 2000}

	pos = ApplyFill(pos, fill("x", model.SideSell, 3, 3, 2200))
	assert.InDelta(t, -2.0, pos.Quantity, 1e-12)
	assert.InDelta(t, 2200.0, pos.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 200.0, pos.RealizedPnL, 1e-9, "P&L booked on the closed unit only")

	// Covering the short at a lower price is a profit
	pos = ApplyFill(pos, fill("y", model.SideBuy, 2, 2, 2100))
	assert.True(t, pos.Flat())
	assert.InDelta(t, 400.0, pos.RealizedPnL, 1e-9)
}

func TestApplyFill_IsPure(t *testing.T) {
	pos := model.Position{Quantity: 1, AvgEntryPrice: 2000}
	_ = ApplyFill(pos, fill("x", model.SideSell, 1, 1, 2500))
	assert.Equal(t, 1.0, pos.Quantity)
	assert.Equal(t, 2000.0, pos.AvgEntryPrice)
}

func TestTracker_DuplicateFillIsNoOp(t *testing.T) {
	tr := NewTracker("ETH/USD")
	f := fill("o1", model.SideBuy, 0.4, 0.4, 2000)

	first, applied := tr.Apply(f)
	require.True(t, applied)

	second, applied := tr.Apply(f)
	assert.False(t, applied)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, tr.FillsApplied())
}

func TestTracker_PartialFillsUseCumulativeQty(t *testing.T) {
	tr := NewTracker("ETH/USD")

	tr.Apply(fill("o1", model.SideBuy, 0.2, 0.2, 2000))
	// A stale report arriving late is ignored
	_, applied := tr.Apply(fill("o1", model.SideBuy, 0.1, 0.1, 1990))
	assert.False(t, applied)

	// Qty on the notification is wrong; the cumulative qty wins
	pos, applied := tr.Apply(fill("o1", model.SideBuy, 0.5, 0.5, 2030))
	require.True(t, applied)
	assert.InDelta(t, 0.5, pos.Quantity, 1e-12)
	assert.InDelta(t, (0.2*2000+0.3*2030)/0.5, pos.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 0.5, tr.AppliedQty("o1"), 1e-12)
}

func TestTracker_CheckpointRoundTrip(t *testing.T) {
	tr := NewTracker("ETH/USD")
	tr.Apply(fill("o1", model.SideBuy, 0.3, 0.3, 2000))
	cp := tr.Checkpoint()

	restored := NewTracker("ETH/USD")
	restored.Restore(cp)
	assert.Equal(t, tr.Snapshot(), restored.Snapshot())

	// Markers survive the restore, so a replayed fill is still a duplicate
	_, applied := restored.Apply(fill("o1", model.SideBuy, 0.3, 0.3, 2000))
	assert.False(t, applied)
}

func TestTracker_PruneDropsForgottenOrders(t *testing.T) {
	tr := NewTracker("ETH/USD")
	tr.Apply(fill("o1", model.SideBuy, 0.3, 0.3, 2000))
	tr.Apply(fill("o2", model.SideSell, 0.1, 0.1, 2050))
	tr.Apply(fill("o3", model.SideBuy, 0.2, 0.2, 2010))
	before := tr.Snapshot()

	n := tr.Prune(func(id string) bool { return id == "o3" })
	assert.Equal(t, 2, n)
	assert.Zero(t, tr.AppliedQty("o1"))
	assert.Zero(t, tr.AppliedQty("o2"))
	assert.InDelta(t, 0.2, tr.AppliedQty("o3"), 1e-12)
	assert.Equal(t, before, tr.Snapshot(), "pruning never touches the position")

	cp := tr.Checkpoint()
	assert.Equal(t, map[string]float64{"o3": 0.2}, cp.Applied)
	assert.Zero(t, tr.Prune(func(string) bool { return true }))
}

func TestTracker_ConcurrentApply(t *testing.T) {
	tr := NewTracker("ETH/USD")
	var wg sync.WaitGroup

	// Two goroutines race to apply the same fills; each lands once.
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				tr.Apply(fill("o1", model.SideBuy, float64(i)*0.01, 0.01, 2000))
			}
		}()
	}
	wg.Wait()

	assert.InDelta(t, 1.0, tr.Snapshot().Quantity, 1e-9)
}

func TestTracker_OnApplyCallback(t *testing.T) {
	tr := NewTracker("ETH/USD")
	var realized float64
	tr.OnApply = func(prev, next model.Position, f model.Fill) {
		realized += next.RealizedPnL - prev.RealizedPnL
	}
	tr.Apply(fill("b", model.SideBuy, 1, 1, 2000))
	tr.Apply(fill("s", model.SideSell, 1, 1, 2100))
	assert.InDelta(t, 100.0, realized, 1e-9)
}

func TestSummarize(t *testing.T) {
	s := Summarize(model.Position{Symbol: "ETH/USD", Quantity: 2, AvgEntryPrice: 2000, RealizedPnL: 10}, 2100, 3)
	assert.InDelta(t, 200.0, s.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 210.0, s.TotalPnL, 1e-9)
	assert.Equal(t, 3, s.FillsApplied)
}

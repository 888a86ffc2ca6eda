package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdj-trader/internal/model"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_OrderUpsertAndOpenOrders(t *testing.T) {
	j := openJournal(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	o := model.Order{
		ClientOrderID: "01HX0000000000000000000001",
		Symbol:        "ETH/USD",
		Side:          model.SideBuy,
		Type:          model.OrderMarket,
		Quantity:      0.5,
		Status:        model.StatusPending,
		Reason:        "golden_cross_oversold",
		CreatedAt:     created,
	}
	require.NoError(t, j.SaveOrder(o))

	closed := o
	closed.ClientOrderID = "01HX0000000000000000000002"
	closed.Status = model.StatusFilled
	closed.FilledQty = 0.5
	require.NoError(t, j.SaveOrder(closed))

	open, err := j.OpenOrders()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, o.ClientOrderID, open[0].ClientOrderID)
	assert.Equal(t, model.StatusPending, open[0].Status)
	assert.Equal(t, model.SideBuy, open[0].Side)
	assert.True(t, created.Equal(open[0].CreatedAt))
	assert.True(t, open[0].SubmittedAt.IsZero())

	// Later state replaces the row
	o.Status = model.StatusSubmitted
	o.ExchangeOrderID = "ex-1"
	o.Unknown = true
	o.Attempts = 3
	require.NoError(t, j.SaveOrder(o))

	all, err := j.GetOrders(10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, closed.ClientOrderID, all[0].ClientOrderID, "newest first")
	assert.Equal(t, model.StatusSubmitted, all[1].Status)
	assert.Equal(t, "ex-1", all[1].ExchangeOrderID)
	assert.True(t, all[1].Unknown)
	assert.Equal(t, 3, all[1].Attempts)
}

func TestJournal_FillsAreIdempotent(t *testing.T) {
	j := openJournal(t)
	f := model.Fill{
		OrderID: "o1",
		Symbol:  "ETH/USD",
		Side:    model.SideSell,
		CumQty:  0.4,
		Qty:     0.4,
		Price:   2010.5,
		At:      time.Date(2024, 5, 1, 12, 15, 0, 0, time.UTC),
	}
	require.NoError(t, j.RecordFill(f))
	require.NoError(t, j.RecordFill(f))

	f2 := f
	f2.CumQty, f2.Qty = 1, 0.6
	require.NoError(t, j.RecordFill(f2))

	fills, err := j.GetFills(10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.InDelta(t, 1.0, fills[0].CumQty, 1e-12)
	assert.Equal(t, model.SideSell, fills[1].Side)
	assert.InDelta(t, 2010.5, fills[1].Price, 1e-9)
	assert.True(t, f.At.Equal(fills[1].At))
}

func TestJournal_FillsAscReturnsRecordOrder(t *testing.T) {
	j := openJournal(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, cum := range []float64{0.2, 0.5, 0.5, 1} {
		require.NoError(t, j.RecordFill(model.Fill{
			OrderID: "ord-a",
			Symbol:  "ETH/USD",
			Side:    model.SideBuy,
			CumQty:  cum,
			Qty:     0.1 * float64(i+1),
			Price:   2000,
			At:      at.Add(time.Duration(i) * time.Minute),
		}))
	}

	fills, err := j.FillsAsc()
	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.InDelta(t, 0.2, fills[0].CumQty, 1e-12)
	assert.InDelta(t, 0.5, fills[1].CumQty, 1e-12)
	assert.InDelta(t, 1.0, fills[2].CumQty, 1e-12)

	newest, err := j.GetFills(1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.InDelta(t, 1.0, newest[0].CumQty, 1e-12)
}

func TestJournal_WithExecutor(t *testing.T) {
	j := openJournal(t)
	ex := NewPaperExchange(10_000, 0)
	ex.SetPrice(2000)
	e := NewExecutor(ex, j, DefaultConfig())

	res := e.Submit(context.Background(), buyIntent(0.5))
	require.NoError(t, res.Err)

	orders, err := j.GetOrders(1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.StatusFilled, orders[0].Status)

	fills, err := j.GetFills(5)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

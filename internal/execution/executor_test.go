package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdj-trader/internal/model"
)

type memJournal struct {
	mu     sync.Mutex
	saved  []model.Order
	fills  []model.Fill
	failOn int // fail the Nth SaveOrder call (1-based), 0 = never
}

func (j *memJournal) SaveOrder(o model.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failOn > 0 && len(j.saved)+1 == j.failOn {
		j.failOn = 0
		return errors.New("disk full")
	}
	j.saved = append(j.saved, o)
	return nil
}

func (j *memJournal) RecordFill(f model.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, f)
	return nil
}

type harness struct {
	ex     *PaperExchange
	jr     *memJournal
	exec   *Executor
	delays []time.Duration
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ex:  NewPaperExchange(10_000, 0),
		jr:  &memJournal{},
		now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ex.SetPrice(2000)
	h.exec = NewExecutor(h.ex, h.jr, DefaultConfig())
	h.exec.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	h.exec.now = func() time.Time { return h.now }
	return h
}

func buyIntent(qty float64) model.Order {
	return model.Order{
		Symbol:   "ETH/USD",
		Side:     model.SideBuy,
		Type:     model.OrderMarket,
		Quantity: qty,
		Reason:   "golden_cross_oversold",
	}
}

func transient(msg string) error {
	return fmt.Errorf("%s: %w", msg, model.ErrTransient)
}

func TestSubmit_ImmediateFill(t *testing.T) {
	h := newHarness(t)

	res := h.exec.Submit(context.Background(), buyIntent(0.5))
	require.NoError(t, res.Err)
	assert.False(t, res.Duplicate)
	assert.Len(t, res.Order.ClientOrderID, 26)
	assert.Equal(t, model.StatusFilled, res.Order.Status)
	assert.Equal(t, 1, res.Order.Attempts)

	require.Len(t, res.Fills, 1)
	f := res.Fills[0]
	assert.Equal(t, res.Order.ClientOrderID, f.OrderID)
	assert.InDelta(t, 0.5, f.Qty, 1e-12)
	assert.InDelta(t, 0.5, f.CumQty, 1e-12)
	assert.InDelta(t, 2000.0, f.Price, 1e-9)

	// Journaled as pending before the exchange saw it
	require.GreaterOrEqual(t, len(h.jr.saved), 2)
	assert.Equal(t, model.StatusPending, h.jr.saved[0].Status)
	assert.Equal(t, res.Order.ClientOrderID, h.jr.saved[0].ClientOrderID)
	assert.Len(t, h.jr.fills, 1)

	assert.False(t, h.exec.HasOpenOrders())
	got, ok := h.exec.Order(res.Order.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFilled, got.Status)
}

func TestSubmit_RetriesTransientWithSameID(t *testing.T) {
	h := newHarness(t)
	h.ex.FailNext(transient("503"), transient("timeout"))

	var retried []int
	h.exec.OnRetry = func(o model.Order, attempt int, _ time.Duration, _ error) {
		retried = append(retried, attempt)
	}

	res := h.exec.Submit(context.Background(), buyIntent(0.5))
	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusFilled, res.Order.Status)
	assert.Equal(t, 3, res.Order.Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, h.delays)
	assert.Equal(t, []int{1, 2}, retried)
	assert.Equal(t, 1, h.ex.Accepted())

	for _, o := range h.jr.saved {
		assert.Equal(t, res.Order.ClientOrderID, o.ClientOrderID, "id must never change across retries")
	}
}

func TestSubmit_LostAckResolvedByDuplicate(t *testing.T) {
	h := newHarness(t)
	// First attempt lands at the exchange but the response is lost
	h.ex.LoseAcks(transient("connection reset"))

	res := h.exec.Submit(context.Background(), buyIntent(0.25))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, h.ex.Accepted(), "exactly one order at the exchange")
	assert.Equal(t, model.StatusFilled, res.Order.Status)
	assert.Equal(t, 2, res.Order.Attempts)
	require.Len(t, res.Fills, 1)
	assert.InDelta(t, 0.25, res.Fills[0].Qty, 1e-12)
}

func TestSubmit_DuplicateWithStatusFailureDefersToReconcile(t *testing.T) {
	h := newHarness(t)
	h.ex.LoseAcks(transient("connection reset"))
	h.ex.FailStatus(transient("502"))

	res := h.exec.Submit(context.Background(), buyIntent(0.25))
	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusSubmitted, res.Order.Status)
	assert.Empty(t, res.Fills)
	require.True(t, h.exec.HasOpenOrders())

	updates, err := h.exec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, model.StatusSubmitted, updates[0].From)
	assert.Equal(t, model.StatusFilled, updates[0].Order.Status)
	require.Len(t, updates[0].Fills, 1)
	assert.InDelta(t, 0.25, updates[0].Fills[0].Qty, 1e-12)
}

func TestSubmit_PermanentErrorRejectsWithoutRetry(t *testing.T) {
	h := newHarness(t)

	var final []model.Order
	h.exec.OnFinal = func(o model.Order) { final = append(final, o) }

	// 10 ETH at 2000 is beyond the 10,000 balance
	res := h.exec.Submit(context.Background(), buyIntent(10))
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, model.ErrPermanent))
	assert.Equal(t, model.StatusRejected, res.Order.Status)
	assert.Contains(t, res.Order.RejectReason, "insufficient balance")
	assert.Equal(t, 1, res.Order.Attempts)
	assert.Empty(t, h.delays)
	require.Len(t, final, 1)
	assert.Equal(t, model.StatusRejected, final[0].Status)
}

func permanent(msg string) error {
	return fmt.Errorf("%s: %w", msg, model.ErrPermanent)
}

func TestSubmit_PermanentAfterLostAckResolvesStatus(t *testing.T) {
	h := newHarness(t)
	h.ex.LoseAcks(transient("connection reset"))
	h.exec.OnRetry = func(model.Order, int, time.Duration, error) {
		h.ex.FailNext(permanent("rate plan exceeded"))
	}

	res := h.exec.Submit(context.Background(), buyIntent(0.25))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, h.ex.Accepted())
	assert.Equal(t, 2, res.Order.Attempts)
	assert.Equal(t, model.StatusFilled, res.Order.Status)
	assert.Empty(t, res.Order.RejectReason)
	require.Len(t, res.Fills, 1)
	assert.InDelta(t, 0.25, res.Fills[0].Qty, 1e-12)
}

func TestSubmit_PermanentAfterTransientRejectsWhenExchangeHasNoOrder(t *testing.T) {
	h := newHarness(t)
	h.ex.FailNext(transient("503"))
	h.exec.OnRetry = func(model.Order, int, time.Duration, error) {
		h.ex.FailNext(permanent("rate plan exceeded"))
	}

	res := h.exec.Submit(context.Background(), buyIntent(0.25))
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, model.ErrPermanent))
	assert.Equal(t, model.StatusRejected, res.Order.Status)
	assert.Equal(t, 0, h.ex.Accepted())
	assert.False(t, h.exec.HasOpenOrders())
}

func TestSubmit_PermanentAfterRetryWithStatusFailureStaysUnknown(t *testing.T) {
	h := newHarness(t)
	h.ex.LoseAcks(transient("connection reset"))
	h.ex.FailStatus(transient("502"))
	h.exec.OnRetry = func(model.Order, int, time.Duration, error) {
		h.ex.FailNext(permanent("rate plan exceeded"))
	}

	res := h.exec.Submit(context.Background(), buyIntent(0.25))
	require.Error(t, res.Err)
	assert.Equal(t, model.StatusPending, res.Order.Status)
	assert.True(t, res.Order.Unknown)
	require.True(t, h.exec.HasOpenOrders())

	updates, err := h.exec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, model.StatusFilled, updates[0].Order.Status)
}

func TestSubmit_ExhaustionLeavesUnknown(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.ex.FailNext(transient("503"))
	}

	res := h.exec.Submit(context.Background(), buyIntent(0.5))
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, model.ErrTransient))
	assert.Equal(t, model.StatusPending, res.Order.Status)
	assert.True(t, res.Order.Unknown)
	assert.Equal(t, 5, res.Order.Attempts)
	assert.Len(t, h.delays, 4)
	assert.Equal(t, 0, h.ex.Accepted())

	// Within the grace period the order is left alone
	updates, err := h.exec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, updates)

	h.now = h.now.Add(2 * time.Minute)
	updates, err = h.exec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, model.StatusCancelled, updates[0].Order.Status)
	assert.Empty(t, updates[0].Fills)
	assert.False(t, h.exec.HasOpenOrders())
}

func TestSubmit_CancelledContextStopsRetrying(t *testing.T) {
	h := newHarness(t)
	h.ex.FailNext(transient("503"), transient("503"))

	ctx, cancel := context.WithCancel(context.Background())
	h.exec.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res := h.exec.Submit(ctx, buyIntent(0.5))
	require.Error(t, res.Err)
	assert.True(t, res.Order.Unknown)
	assert.Equal(t, 1, res.Order.Attempts)
	assert.True(t, h.exec.HasOpenOrders(), "order stays open for reconciliation")
}

func TestSubmit_KnownIDIsNotResubmitted(t *testing.T) {
	h := newHarness(t)

	first := h.exec.Submit(context.Background(), buyIntent(0.5))
	require.NoError(t, first.Err)

	again := buyIntent(0.5)
	again.ClientOrderID = first.Order.ClientOrderID
	res := h.exec.Submit(context.Background(), again)
	assert.True(t, res.Duplicate)
	assert.Equal(t, first.Order.ClientOrderID, res.Order.ClientOrderID)
	assert.Equal(t, 1, h.ex.Accepted())
}

func TestSubmit_JournalFailureBlocksSubmission(t *testing.T) {
	h := newHarness(t)
	h.jr.failOn = 1

	res := h.exec.Submit(context.Background(), buyIntent(0.5))
	require.Error(t, res.Err)
	assert.Equal(t, model.StatusCancelled, res.Order.Status)
	assert.Equal(t, 0, h.ex.Accepted())
}

func TestReconcile_PartialFillsAndIdempotence(t *testing.T) {
	h := newHarness(t)
	h.ex.SetFillRatio(0.5)

	res := h.exec.Submit(context.Background(), buyIntent(1))
	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusPartiallyFilled, res.Order.Status)
	require.Len(t, res.Fills, 1)
	assert.InDelta(t, 0.5, res.Fills[0].Qty, 1e-12)

	h.ex.SetPrice(2100)
	updates, err := h.exec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, model.StatusPartiallyFilled, u.From)
	assert.Equal(t, model.StatusFilled, u.Order.Status)
	require.Len(t, u.Fills, 1)
	assert.InDelta(t, 0.5, u.Fills[0].Qty, 1e-12)
	assert.InDelta(t, 1.0, u.Fills[0].CumQty, 1e-12)
	assert.InDelta(t, 2100.0, u.Fills[0].Price, 1e-9, "slice price recovered from average")

	updates, err = h.exec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, updates)
}

// staticExchange always reports the same order state.
type staticExchange struct {
	model.Exchange
	report model.OrderReport
}

func (s *staticExchange) GetOrderStatus(context.Context, string) (model.OrderReport, error) {
	return s.report, nil
}

func TestReconcile_SameReportTwiceYieldsNoNewFills(t *testing.T) {
	ex := &staticExchange{report: model.OrderReport{
		Status:       model.StatusPartiallyFilled,
		FilledQty:    0.3,
		AvgFillPrice: 1990,
	}}
	e := NewExecutor(ex, nil, DefaultConfig())
	e.Restore([]model.Order{{
		ClientOrderID: "01HX0000000000000000000001",
		Symbol:        "ETH/USD",
		Side:          model.SideSell,
		Quantity:      1,
		Status:        model.StatusSubmitted,
	}})

	updates, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Fills, 1)
	assert.Equal(t, model.SideSell, updates[0].Fills[0].Side)

	updates, err = e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestReconcile_IgnoresIllegalTransition(t *testing.T) {
	ex := &staticExchange{report: model.OrderReport{Status: model.StatusSubmitted, FilledQty: 0.2, AvgFillPrice: 2000}}
	e := NewExecutor(ex, nil, DefaultConfig())
	e.Restore([]model.Order{{
		ClientOrderID: "a",
		Quantity:      1,
		Status:        model.StatusPartiallyFilled,
		FilledQty:     0.2,
		AvgFillPrice:  2000,
	}})

	updates, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, updates)
	o, _ := e.Order("a")
	assert.Equal(t, model.StatusPartiallyFilled, o.Status)
}

func TestReconcile_CollectsErrors(t *testing.T) {
	h := newHarness(t)
	h.ex.SetFillRatio(0)
	res := h.exec.Submit(context.Background(), buyIntent(0.1))
	require.NoError(t, res.Err)
	require.Equal(t, model.StatusSubmitted, res.Order.Status)

	h.ex.FailStatus(transient("504"))
	_, err := h.exec.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, h.exec.HasOpenOrders())
}

func TestRestore_MarksPendingUnknown(t *testing.T) {
	e := NewExecutor(NewPaperExchange(0, 0), nil, DefaultConfig())
	n := e.Restore([]model.Order{
		{ClientOrderID: "a", Status: model.StatusPending},
		{ClientOrderID: "b", Status: model.StatusSubmitted},
		{ClientOrderID: "c", Status: model.StatusFilled},
		{Status: model.StatusPending},
	})
	assert.Equal(t, 2, n)

	open := e.OpenOrders()
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ClientOrderID)
	assert.True(t, open[0].Unknown)
	assert.False(t, open[1].Unknown)
}

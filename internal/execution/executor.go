// Package execution submits orders to the exchange and reconciles their
// state until they reach a terminal status.
//
// Every logical order carries a client order id minted exactly once. Retries
// after transient failures reuse that id, so the exchange's idempotency check
// guarantees at most one live order per intent even when an ack is lost.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kdj-trader/internal/id"
	"kdj-trader/internal/model"
)

// OrderJournal persists orders and fills. Implemented by *Journal.
type OrderJournal interface {
	SaveOrder(o model.Order) error
	RecordFill(f model.Fill) error
}

// Config controls submission behaviour.
type Config struct {
	Backoff BackoffConfig `json:"backoff" yaml:"backoff"`
	// OrderTimeout bounds each individual exchange call.
	OrderTimeout time.Duration `json:"order_timeout" yaml:"order_timeout"`
	// NotFoundGrace is how long an unacknowledged order may be missing at
	// the exchange before reconciliation declares it never placed.
	NotFoundGrace time.Duration `json:"not_found_grace" yaml:"not_found_grace"`
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	return Config{
		Backoff:       DefaultBackoffConfig(),
		OrderTimeout:  10 * time.Second,
		NotFoundGrace: time.Minute,
	}
}

// ExecutionResult is the outcome of a single Submit call.
type ExecutionResult struct {
	Order model.Order
	// Fills are executions reported synchronously by the ack.
	Fills []model.Fill
	// Duplicate is set when the client order id was already known and the
	// exchange was not contacted.
	Duplicate bool
	Err       error
}

// OrderUpdate describes what reconciliation learned about one order.
type OrderUpdate struct {
	Order model.Order
	From  model.OrderStatus
	Fills []model.Fill
}

// maxArchived bounds the number of terminal orders kept for duplicate
// detection and status reporting.
const maxArchived = 512

// Executor owns the lifecycle of every order it submits.
type Executor struct {
	exchange model.Exchange
	journal  OrderJournal
	cfg      Config

	mu       sync.Mutex
	open     map[string]model.Order
	inflight map[string]bool
	done     map[string]model.Order
	doneSeq  []string

	// reconcileMu serialises Reconcile between the tick and the
	// background reconciler.
	reconcileMu sync.Mutex

	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// OnRetry is called before each backoff sleep.
	OnRetry func(order model.Order, attempt int, delay time.Duration, err error)
	// OnFinal is called once an order reaches a terminal status.
	OnFinal func(order model.Order)
}

// NewExecutor creates an executor. journal may be nil.
func NewExecutor(exchange model.Exchange, journal OrderJournal, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.NotFoundGrace <= 0 {
		cfg.NotFoundGrace = def.NotFoundGrace
	}
	return &Executor{
		exchange: exchange,
		journal:  journal,
		cfg:      cfg,
		open:     make(map[string]model.Order),
		inflight: make(map[string]bool),
		done:     make(map[string]model.Order),
		newID:    id.New,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Submit places an order intent. The intent gets a client order id if it has
// none; submitting an id the executor already knows returns the existing
// record without calling the exchange.
//
// Transient failures are retried with backoff under the same id. If the
// retry budget runs out the order stays Pending with Unknown set, and
// Reconcile decides its fate.
func (e *Executor) Submit(ctx context.Context, intent model.Order) ExecutionResult {
	order, known := e.register(intent)
	if known {
		slog.Info("order already known, not resubmitting",
			"client_order_id", order.ClientOrderID, "status", order.Status)
		return ExecutionResult{Order: order, Duplicate: true}
	}

	if err := e.saveOrder(order); err != nil {
		order.Status = model.StatusCancelled
		order.RejectReason = "journal unavailable"
		e.commit(order, nil)
		return ExecutionResult{Order: order, Err: fmt.Errorf("journal order %s: %w", order.ClientOrderID, err)}
	}

	bo := NewBackoff(e.cfg.Backoff)
	var (
		fills     []model.Fill
		submitErr error
	)
attempts:
	for {
		order.Attempts++
		ack, err := e.place(ctx, order)
		if err == nil {
			fills = e.applyReport(&order, reportFromAck(ack))
			break
		}

		if errors.Is(err, model.ErrDuplicateOrder) {
			// An earlier attempt reached the exchange; its ack was lost.
			slog.Warn("exchange already has order, resolving status",
				"client_order_id", order.ClientOrderID, "attempt", order.Attempts)
			fills = e.resolveDuplicate(ctx, &order)
			break
		}

		if !model.IsTransient(err) {
			if order.Attempts > 1 {
				// An earlier attempt may have landed before its ack was lost.
				rep, serr := e.status(ctx, order.ClientOrderID)
				switch {
				case serr == nil:
					slog.Warn("permanent error after retry, exchange already holds order",
						"client_order_id", order.ClientOrderID, "attempt", order.Attempts, "error", err)
					fills = e.applyReport(&order, rep)
					break attempts
				case !errors.Is(serr, model.ErrNotFound):
					order.Unknown = true
					submitErr = fmt.Errorf("submit %s: %w (status lookup: %v)", order.ClientOrderID, err, serr)
					break attempts
				}
			}
			order.Status = model.StatusRejected
			order.RejectReason = err.Error()
			submitErr = fmt.Errorf("submit %s: %w", order.ClientOrderID, err)
			break
		}

		delay, ok := bo.Next()
		if !ok {
			order.Unknown = true
			submitErr = fmt.Errorf("submit %s: gave up after %d attempts: %w",
				order.ClientOrderID, order.Attempts, err)
			break
		}
		slog.Warn("transient submit failure, retrying",
			"client_order_id", order.ClientOrderID, "attempt", order.Attempts,
			"delay", delay, "error", err)
		if e.OnRetry != nil {
			e.OnRetry(order, order.Attempts, delay, err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			order.Unknown = true
			submitErr = fmt.Errorf("submit %s: interrupted after %d attempts: %w",
				order.ClientOrderID, order.Attempts, err)
			break
		}
	}

	e.commit(order, fills)
	if submitErr != nil {
		slog.Error("order submission failed",
			"client_order_id", order.ClientOrderID, "status", order.Status,
			"unknown", order.Unknown, "error", submitErr)
	} else {
		slog.Info("order submitted",
			"client_order_id", order.ClientOrderID, "side", order.Side,
			"qty", order.Quantity, "status", order.Status, "filled", order.FilledQty)
	}
	return ExecutionResult{Order: order, Fills: fills, Err: submitErr}
}

// Reconcile polls the exchange for every open order that is not currently
// being submitted, derives incremental fills and applies status changes.
// Reconciling the same exchange state twice yields no new fills.
func (e *Executor) Reconcile(ctx context.Context) ([]OrderUpdate, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	var (
		updates []OrderUpdate
		errs    []error
	)
	for _, o := range e.pollable() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		from := o.Status
		var fills []model.Fill

		rep, err := e.status(ctx, o.ClientOrderID)
		switch {
		case errors.Is(err, model.ErrNotFound) && o.Status == model.StatusPending:
			if e.now().Sub(o.CreatedAt) < e.cfg.NotFoundGrace {
				continue
			}
			slog.Warn("unacknowledged order not found at exchange, cancelling",
				"client_order_id", o.ClientOrderID)
			o.Status = model.StatusCancelled
			o.RejectReason = "not found at exchange"
			o.Unknown = false
			o.LastCheckedAt = e.now()
		case err != nil:
			errs = append(errs, fmt.Errorf("order %s: %w", o.ClientOrderID, err))
			continue
		default:
			fills = e.applyReport(&o, rep)
		}

		e.commit(o, fills)
		if o.Status != from || len(fills) > 0 {
			updates = append(updates, OrderUpdate{Order: o, From: from, Fills: fills})
		}
	}
	return updates, errors.Join(errs...)
}

// Restore re-registers orders loaded from a checkpoint or the journal.
// Pending orders are marked Unknown since their submission outcome was lost.
func (e *Executor) Restore(orders []model.Order) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, o := range orders {
		if o.ClientOrderID == "" || o.Status.Terminal() {
			continue
		}
		if _, ok := e.open[o.ClientOrderID]; ok {
			continue
		}
		if o.Status == model.StatusPending {
			o.Unknown = true
		}
		e.open[o.ClientOrderID] = o
		n++
	}
	return n
}

// OpenOrders returns non-terminal orders in submission order.
func (e *Executor) OpenOrders() []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Order, 0, len(e.open))
	for _, o := range e.open {
		out = append(out, o)
	}
	sortOrders(out)
	return out
}

// HasOpenOrders reports whether any order is awaiting a terminal status.
func (e *Executor) HasOpenOrders() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open) > 0
}

// Order looks up an order by client order id.
func (e *Executor) Order(clientOrderID string) (model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.open[clientOrderID]; ok {
		return o, true
	}
	o, ok := e.done[clientOrderID]
	return o, ok
}

// RecentOrders returns up to n terminal orders, newest first.
func (e *Executor) RecentOrders(n int) []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Order, 0, n)
	for i := len(e.doneSeq) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.done[e.doneSeq[i]])
	}
	return out
}

func (e *Executor) register(intent model.Order) (model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if intent.ClientOrderID != "" {
		if o, ok := e.open[intent.ClientOrderID]; ok {
			return o, true
		}
		if o, ok := e.done[intent.ClientOrderID]; ok {
			return o, true
		}
	} else {
		intent.ClientOrderID = e.newID()
	}

	intent.Status = model.StatusPending
	intent.FilledQty = 0
	intent.AvgFillPrice = 0
	intent.Attempts = 0
	intent.Unknown = false
	intent.CreatedAt = e.now()
	e.open[intent.ClientOrderID] = intent
	e.inflight[intent.ClientOrderID] = true
	return intent, false
}

// pollable snapshots open orders not owned by an in-progress Submit.
func (e *Executor) pollable() []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Order, 0, len(e.open))
	for cid, o := range e.open {
		if !e.inflight[cid] {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out
}

// commit stores the new order state, archives terminal orders and journals
// the change.
func (e *Executor) commit(o model.Order, fills []model.Fill) {
	e.mu.Lock()
	delete(e.inflight, o.ClientOrderID)
	if o.Status.Terminal() {
		delete(e.open, o.ClientOrderID)
		if _, seen := e.done[o.ClientOrderID]; !seen {
			e.doneSeq = append(e.doneSeq, o.ClientOrderID)
		}
		e.done[o.ClientOrderID] = o
		for len(e.doneSeq) > maxArchived {
			delete(e.done, e.doneSeq[0])
			e.doneSeq = e.doneSeq[1:]
		}
	} else {
		e.open[o.ClientOrderID] = o
	}
	e.mu.Unlock()

	if err := e.saveOrder(o); err != nil {
		slog.Error("journal order update failed", "client_order_id", o.ClientOrderID, "error", err)
	}
	for _, f := range fills {
		if e.journal == nil {
			break
		}
		if err := e.journal.RecordFill(f); err != nil {
			slog.Error("journal fill failed", "fill", f.ID(), "error", err)
		}
	}
	if o.Status.Terminal() && e.OnFinal != nil {
		e.OnFinal(o)
	}
}

func (e *Executor) saveOrder(o model.Order) error {
	if e.journal == nil {
		return nil
	}
	return e.journal.SaveOrder(o)
}

func (e *Executor) place(ctx context.Context, o model.Order) (model.Ack, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return e.exchange.PlaceOrder(callCtx, o)
}

func (e *Executor) status(ctx context.Context, clientOrderID string) (model.OrderReport, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return e.exchange.GetOrderStatus(callCtx, clientOrderID)
}

// resolveDuplicate fetches the exchange's record for an order it already
// holds. On failure the order is marked Submitted and left to Reconcile.
func (e *Executor) resolveDuplicate(ctx context.Context, o *model.Order) []model.Fill {
	rep, err := e.status(ctx, o.ClientOrderID)
	if err != nil {
		slog.Warn("status lookup after duplicate failed, deferring to reconciliation",
			"client_order_id", o.ClientOrderID, "error", err)
		o.Status = model.StatusSubmitted
		o.SubmittedAt = e.now()
		o.Unknown = false
		return nil
	}
	return e.applyReport(o, rep)
}

// applyReport folds an exchange report into o and returns the fill delta,
// if any. Stale reports and illegal transitions leave the status unchanged.
func (e *Executor) applyReport(o *model.Order, rep model.OrderReport) []model.Fill {
	now := e.now()
	if rep.ExchangeOrderID != "" {
		o.ExchangeOrderID = rep.ExchangeOrderID
	}
	o.Unknown = false
	o.LastCheckedAt = now

	var fills []model.Fill
	if rep.FilledQty > o.FilledQty && !model.QtyEqual(rep.FilledQty, o.FilledQty) {
		delta := rep.FilledQty - o.FilledQty
		price := rep.AvgFillPrice
		if o.FilledQty > 0 {
			// Recover this slice's price from the change in notional.
			if p := (rep.FilledQty*rep.AvgFillPrice - o.FilledQty*o.AvgFillPrice) / delta; p > 0 {
				price = p
			}
		}
		at := rep.UpdatedAt
		if at.IsZero() {
			at = now
		}
		fills = append(fills, model.Fill{
			OrderID: o.ClientOrderID,
			Symbol:  o.Symbol,
			Side:    o.Side,
			CumQty:  rep.FilledQty,
			Qty:     delta,
			Price:   price,
			At:      at,
		})
		o.FilledQty = rep.FilledQty
		o.AvgFillPrice = rep.AvgFillPrice
	}

	next := rep.Status
	if next == "" || next == model.StatusPending {
		next = model.StatusSubmitted
	}
	if next == o.Status {
		return fills
	}
	if !model.CanTransition(o.Status, next) {
		slog.Warn("ignoring illegal order transition",
			"client_order_id", o.ClientOrderID, "from", o.Status, "to", next)
		return fills
	}
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	o.Status = next
	if next == model.StatusRejected && rep.RejectReason != "" {
		o.RejectReason = rep.RejectReason
	}
	return fills
}

func reportFromAck(a model.Ack) model.OrderReport {
	return model.OrderReport{
		ClientOrderID:   a.ClientOrderID,
		ExchangeOrderID: a.ExchangeOrderID,
		Status:          a.Status,
		FilledQty:       a.FilledQty,
		AvgFillPrice:    a.AvgFillPrice,
	}
}

func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].ClientOrderID < orders[j].ClientOrderID
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package execution

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"kdj-trader/internal/model"
)

// PaperExchange simulates an exchange in-process. Market orders fill at the
// last observed price plus slippage; client order ids are unique, as on a
// real venue. Useful for paper trading and tests.
type PaperExchange struct {
	mu       sync.Mutex
	orders   map[string]*model.OrderReport
	pending  map[string]*model.Order // partially filled, completed on next status poll
	position float64
	cash     float64
	price    float64
	orderSeq int64

	// Simulation parameters
	slippageBps float64 // basis points of slippage (e.g., 5 = 0.05%)
	fillRatio   float64 // share of qty filled on placement, 1 = all

	// Injected failures
	failures    []error // returned by PlaceOrder before accepting, in order
	lostAcks    []error // returned by PlaceOrder after accepting
	statusFails []error // returned by GetOrderStatus, in order

	accepted int
}

// NewPaperExchange creates a paper exchange holding cash in quote currency.
func NewPaperExchange(cash, slippageBps float64) *PaperExchange {
	return &PaperExchange{
		orders:      make(map[string]*model.OrderReport),
		pending:     make(map[string]*model.Order),
		cash:        cash,
		slippageBps: slippageBps,
		fillRatio:   1,
	}
}

// SetPrice updates the price used for fills and equity.
func (p *PaperExchange) SetPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

// SetFillRatio makes placements fill only part of the quantity; the rest
// fills when the order is next polled.
func (p *PaperExchange) SetFillRatio(r float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillRatio = math.Max(0, math.Min(1, r))
}

// FailNext queues errors returned by the next PlaceOrder calls without
// accepting the order.
func (p *PaperExchange) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// LoseAcks queues errors returned by the next PlaceOrder calls after the
// order has been accepted, as if the response was lost on the wire.
func (p *PaperExchange) LoseAcks(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostAcks = append(p.lostAcks, errs...)
}

// FailStatus queues errors returned by the next GetOrderStatus calls.
func (p *PaperExchange) FailStatus(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusFails = append(p.statusFails, errs...)
}

// Accepted returns how many distinct orders the exchange accepted.
func (p *PaperExchange) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// SetPosition overrides the held quantity, e.g. to simulate a manual trade.
func (p *PaperExchange) SetPosition(qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = qty
}

// PlaceOrder implements model.Exchange.
func (p *PaperExchange) PlaceOrder(ctx context.Context, o model.Order) (model.Ack, error) {
	if err := ctx.Err(); err != nil {
		return model.Ack{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return model.Ack{}, err
	}
	if _, exists := p.orders[o.ClientOrderID]; exists {
		return model.Ack{}, fmt.Errorf("client_order_id %s: %w", o.ClientOrderID, model.ErrDuplicateOrder)
	}
	if o.Quantity <= 0 {
		return model.Ack{}, fmt.Errorf("qty must be > 0: %w", model.ErrPermanent)
	}
	if p.price <= 0 {
		return model.Ack{}, fmt.Errorf("no market price: %w", model.ErrTransient)
	}
	if o.Side == model.SideBuy && o.Quantity*p.price > p.cash {
		return model.Ack{}, fmt.Errorf("insufficient balance: %w", model.ErrPermanent)
	}

	p.orderSeq++
	p.accepted++
	rep := &model.OrderReport{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("PAPER-%d", p.orderSeq),
		Status:          model.StatusSubmitted,
		UpdatedAt:       time.Now(),
	}
	p.orders[o.ClientOrderID] = rep

	qty := o.Quantity * p.fillRatio
	if qty > 0 {
		p.fill(rep, o.Side, qty)
	}
	if model.QtyEqual(rep.FilledQty, o.Quantity) {
		rep.Status = model.StatusFilled
	} else {
		if rep.FilledQty > 0 {
			rep.Status = model.StatusPartiallyFilled
		}
		oc := o
		p.pending[o.ClientOrderID] = &oc
	}

	log.Printf("[paper] %s %s qty=%g filled=%g avg=%.2f order=%s reason=%s",
		o.Side, o.Symbol, o.Quantity, rep.FilledQty, rep.AvgFillPrice, o.ClientOrderID, o.Reason)

	if len(p.lostAcks) > 0 {
		err := p.lostAcks[0]
		p.lostAcks = p.lostAcks[1:]
		return model.Ack{}, err
	}
	return model.Ack{
		ClientOrderID:   rep.ClientOrderID,
		ExchangeOrderID: rep.ExchangeOrderID,
		Status:          rep.Status,
		FilledQty:       rep.FilledQty,
		AvgFillPrice:    rep.AvgFillPrice,
	}, nil
}

// fill executes qty at the current price with slippage. Caller holds mu.
func (p *PaperExchange) fill(rep *model.OrderReport, side model.Side, qty float64) {
	px := p.price * (1 + side.Sign()*p.slippageBps/10000)
	notional := rep.FilledQty*rep.AvgFillPrice + qty*px
	rep.FilledQty += qty
	rep.AvgFillPrice = notional / rep.FilledQty
	rep.UpdatedAt = time.Now()

	p.position += side.Sign() * qty
	p.cash -= side.Sign() * qty * px
}

// GetOrderStatus implements model.Exchange. Partially filled orders complete
// at the current price when polled.
func (p *PaperExchange) GetOrderStatus(ctx context.Context, clientOrderID string) (model.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderReport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.statusFails) > 0 {
		err := p.statusFails[0]
		p.statusFails = p.statusFails[1:]
		return model.OrderReport{}, err
	}
	rep, ok := p.orders[clientOrderID]
	if !ok {
		return model.OrderReport{}, fmt.Errorf("order %s: %w", clientOrderID, model.ErrNotFound)
	}
	if o, open := p.pending[clientOrderID]; open {
		p.fill(rep, o.Side, o.Quantity-rep.FilledQty)
		rep.Status = model.StatusFilled
		delete(p.pending, clientOrderID)
	}
	return *rep, nil
}

// GetAccountEquity implements model.Exchange.
func (p *PaperExchange) GetAccountEquity(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash + p.position*p.price, nil
}

// GetPosition implements model.Exchange.
func (p *PaperExchange) GetPosition(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, nil
}

package model

import (
	"fmt"
	"time"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusRejected        OrderStatus = "rejected"
	StatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the allowed next states for each status.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusSubmitted, StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelled},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// CanTransition reports whether an order may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is a single logical trade intent, keyed by its client order id.
type Order struct {
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Type            OrderType   `json:"type"`
	Quantity        float64     `json:"quantity"`
	LimitPrice      float64     `json:"limit_price,omitempty"`
	Status          OrderStatus `json:"status"`
	FilledQty       float64     `json:"filled_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Reason          string      `json:"reason,omitempty"` // why the order was created
	RejectReason    string      `json:"reject_reason,omitempty"`
	Attempts        int         `json:"attempts"`
	// Unknown is set when submission exhausted its retry budget without a
	// definitive answer; reconciliation must resolve it.
	Unknown       bool      `json:"unknown,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	SubmittedAt   time.Time `json:"submitted_at,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
}

// Ack is the exchange's acknowledgement of an order submission.
type Ack struct {
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	FilledQty       float64     `json:"filled_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
}

// OrderReport is the exchange's current view of an order.
type OrderReport struct {
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	FilledQty       float64     `json:"filled_qty"` // cumulative
	AvgFillPrice    float64     `json:"avg_fill_price"`
	RejectReason    string      `json:"reject_reason,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Fill is an incremental execution derived from an order's cumulative
// filled quantity. CumQty identifies the fill within its order.
type Fill struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	CumQty  float64   `json:"cum_qty"`
	Qty     float64   `json:"qty"`
	Price   float64   `json:"price"`
	At      time.Time `json:"at"`
}

// ID returns a stable identifier for the fill.
func (f Fill) ID() string {
	return fmt.Sprintf("%s@%g", f.OrderID, f.CumQty)
}

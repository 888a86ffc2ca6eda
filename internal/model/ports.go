package model

import (
	"context"
	"errors"
	"net"
)

// ── Collaborator Port Interfaces ──
// These interfaces decouple the trading pipeline from concrete exchange and
// market-data clients. pkg/exchange and execution.PaperExchange implement them.

// ErrNoNewData is returned by MarketData when the latest closed candle has
// already been delivered.
var ErrNoNewData = errors.New("no new candle")

// Error classes returned (wrapped) by Exchange implementations.
var (
	ErrTransient      = errors.New("transient exchange error")
	ErrPermanent      = errors.New("permanent exchange error")
	ErrDuplicateOrder = errors.New("duplicate client order id")
	ErrNotFound       = errors.New("not found")
)

// MarketData delivers closed candles in order without duplicates.
type MarketData interface {
	// FetchLatestCandle returns the most recent closed candle, or
	// ErrNoNewData if it was already returned by a previous call.
	FetchLatestCandle(ctx context.Context, symbol, timeframe string) (Candle, error)
}

// CandleHistory serves historical candles for warm-up.
type CandleHistory interface {
	// FetchCandles returns up to limit closed candles, oldest first.
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// Exchange is the order-execution collaborator.
type Exchange interface {
	PlaceOrder(ctx context.Context, order Order) (Ack, error)
	GetOrderStatus(ctx context.Context, clientOrderID string) (OrderReport, error)
	GetAccountEquity(ctx context.Context) (float64, error)
	// GetPosition returns the signed exchange-reported quantity for symbol.
	GetPosition(ctx context.Context, symbol string) (float64, error)
}

// IsTransient reports whether err should be retried. Timeouts and network
// errors count as transient even when not explicitly classified.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

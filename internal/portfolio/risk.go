package portfolio

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kdj-trader/internal/model"
	"kdj-trader/internal/strategy"
)

// RiskLimits defines configurable risk management thresholds.
// Immutable once the manager is built.
type RiskLimits struct {
	MaxPositionSize float64 `json:"max_position_size" yaml:"max_position_size"` // max |qty| held
	MaxOrderSize    float64 `json:"max_order_size" yaml:"max_order_size"`       // max qty per order
	StopLossPct     float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`         // fraction, e.g. 0.03 = 3%
	EquityFraction  float64 `json:"equity_fraction" yaml:"equity_fraction"`     // share of equity per entry
	QtyStep         float64 `json:"qty_step" yaml:"qty_step"`                   // exchange lot increment
	MaxDailyLoss    float64 `json:"max_daily_loss" yaml:"max_daily_loss"`       // quote currency, 0 = off
}

// DefaultRiskLimits returns conservative default limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize: 1,
		MaxOrderSize:    0.5,
		StopLossPct:     0.03,
		EquityFraction:  0.1,
		QtyStep:         0.0001,
	}
}

// Validate checks the limits for obviously broken values.
func (l RiskLimits) Validate() error {
	switch {
	case l.MaxPositionSize <= 0:
		return fmt.Errorf("max_position_size must be positive")
	case l.MaxOrderSize <= 0:
		return fmt.Errorf("max_order_size must be positive")
	case l.StopLossPct < 0 || l.StopLossPct >= 1:
		return fmt.Errorf("stop_loss_pct must be in [0,1)")
	case l.EquityFraction <= 0 || l.EquityFraction > 1:
		return fmt.Errorf("equity_fraction must be in (0,1]")
	case l.QtyStep < 0:
		return fmt.Errorf("qty_step must not be negative")
	case l.MaxDailyLoss < 0:
		return fmt.Errorf("max_daily_loss must not be negative")
	}
	return nil
}

// VetoReason explains why a signal did not become an order.
type VetoReason string

const (
	// VetoLimitExceeded means the order would breach a risk limit.
	VetoLimitExceeded VetoReason = "limit_exceeded"
	// VetoNoOp means the position is already at or beyond the target.
	VetoNoOp VetoReason = "no_op"
)

// Veto is an expected control-flow outcome, not an error.
type Veto struct {
	Reason VetoReason `json:"reason"`
	Detail string     `json:"detail"`
}

func (v Veto) String() string {
	return string(v.Reason) + ": " + v.Detail
}

// Decision is either an order intent or a veto.
type Decision struct {
	Order *model.Order `json:"order,omitempty"`
	Veto  *Veto        `json:"veto,omitempty"`
}

func veto(reason VetoReason, format string, args ...any) Decision {
	return Decision{Veto: &Veto{Reason: reason, Detail: fmt.Sprintf(format, args...)}}
}

// ReasonStopLoss marks closing orders emitted by the stop-loss side channel.
const ReasonStopLoss = "stop_loss"

// RiskManager sizes orders and vetoes signals that would breach limits.
// It never caches the position: callers pass a fresh snapshot every time.
type RiskManager struct {
	mu     sync.Mutex
	limits RiskLimits
	symbol string

	dailyPnL float64
	day      time.Time
	now      func() time.Time
}

// NewRiskManager creates a RiskManager for symbol with the given limits.
func NewRiskManager(limits RiskLimits, symbol string) *RiskManager {
	return &RiskManager{
		limits: limits,
		symbol: symbol,
		now:    time.Now,
	}
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() RiskLimits {
	return rm.limits
}

// Authorize turns a signal into an order intent (without a client order id)
// or a veto. price is the reference price used to convert equity into
// quantity, normally the close of the signal candle.
func (rm *RiskManager) Authorize(sig strategy.Signal, pos model.Position, equity, price float64) Decision {
	q := pos.Quantity

	switch sig.Action {
	case strategy.ActionBuy:
		if q >= rm.limits.MaxPositionSize || model.QtyEqual(q, rm.limits.MaxPositionSize) {
			return veto(VetoNoOp, "position %g already at max %g", q, rm.limits.MaxPositionSize)
		}
		if q < 0 && !pos.Flat() {
			// Cover the short before adding new long exposure
			qty := rm.roundDown(math.Min(rm.limits.MaxOrderSize, -q))
			if qty <= 0 {
				return veto(VetoLimitExceeded, "cover quantity rounds to zero")
			}
			return Decision{Order: rm.intent(model.SideBuy, qty, sig.Reason)}
		}
		return rm.sizeEntry(sig, q, equity, price)

	case strategy.ActionSell:
		if q <= 0 || pos.Flat() {
			return veto(VetoNoOp, "no long position to sell (qty=%g)", q)
		}
		qty := math.Min(rm.limits.MaxOrderSize, q)
		if qty < q {
			qty = rm.roundDown(qty)
		}
		if qty <= 0 {
			return veto(VetoLimitExceeded, "sell quantity rounds to zero")
		}
		return Decision{Order: rm.intent(model.SideSell, qty, sig.Reason)}
	}

	return veto(VetoNoOp, "hold signal")
}

// sizeEntry sizes a long entry or add. An add is allowed only while a full
// max-size order still fits under the position cap, so the veto does not
// depend on the price.
func (rm *RiskManager) sizeEntry(sig strategy.Signal, q, equity, price float64) Decision {
	if rm.dailyLossBreached() {
		return veto(VetoLimitExceeded, "daily loss %.2f beyond limit %.2f", rm.DailyPnL(), rm.limits.MaxDailyLoss)
	}
	headroom := rm.limits.MaxPositionSize - math.Abs(q)
	if headroom < rm.limits.MaxOrderSize && !model.QtyEqual(headroom, rm.limits.MaxOrderSize) {
		return veto(VetoLimitExceeded, "headroom %g below max order %g (position %g, max %g)",
			headroom, rm.limits.MaxOrderSize, q, rm.limits.MaxPositionSize)
	}
	if equity <= 0 || price <= 0 {
		return veto(VetoLimitExceeded, "cannot size order (equity=%.2f price=%.2f)", equity, price)
	}

	qty := rm.roundDown(math.Min(rm.limits.MaxOrderSize, equity*rm.limits.EquityFraction/price))
	if qty <= 0 {
		return veto(VetoLimitExceeded, "order quantity %g not positive", qty)
	}
	return Decision{Order: rm.intent(model.SideBuy, qty, sig.Reason)}
}

// CheckStopLoss emits a closing order when the unrealized loss on pos at
// price exceeds the stop-loss fraction. It runs independently of the signal
// and overrides Hold.
func (rm *RiskManager) CheckStopLoss(pos model.Position, price float64) (*model.Order, bool) {
	if rm.limits.StopLossPct <= 0 || pos.Flat() || price <= 0 {
		return nil, false
	}
	loss := pos.LossFraction(price)
	if loss <= rm.limits.StopLossPct {
		return nil, false
	}

	side := model.SideSell
	if pos.Quantity < 0 {
		side = model.SideBuy
	}
	log.Printf("[risk] stop-loss triggered: qty=%g entry=%.2f price=%.2f loss=%.2f%% limit=%.2f%%",
		pos.Quantity, pos.AvgEntryPrice, price, loss*100, rm.limits.StopLossPct*100)
	return rm.intent(side, math.Abs(pos.Quantity), ReasonStopLoss), true
}

func (rm *RiskManager) intent(side model.Side, qty float64, reason string) *model.Order {
	return &model.Order{
		Symbol:   rm.symbol,
		Side:     side,
		Type:     model.OrderMarket,
		Quantity: qty,
		Status:   model.StatusPending,
		Reason:   reason,
	}
}

// roundDown truncates qty to the configured lot step.
func (rm *RiskManager) roundDown(qty float64) float64 {
	if rm.limits.QtyStep <= 0 || qty <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(rm.limits.QtyStep)
	return decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).InexactFloat64()
}

// RecordPnL adds realized P&L to the daily tally used by the loss limit.
func (rm *RiskManager) RecordPnL(pnl float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.rollDay()
	rm.dailyPnL += pnl
	log.Printf("[risk] realized %.2f, daily P&L: %.2f", pnl, rm.dailyPnL)
}

// DailyPnL returns the realized P&L booked today (UTC).
func (rm *RiskManager) DailyPnL() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay()
	return rm.dailyPnL
}

func (rm *RiskManager) dailyLossBreached() bool {
	if rm.limits.MaxDailyLoss <= 0 {
		return false
	}
	return rm.DailyPnL() <= -rm.limits.MaxDailyLoss
}

// rollDay resets the daily tally at the UTC day boundary. Caller holds mu.
func (rm *RiskManager) rollDay() {
	today := rm.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(rm.day) {
		rm.day = today
		rm.dailyPnL = 0
	}
}

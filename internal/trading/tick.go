package trading

import (
	"context"
	"errors"
	"strconv"
	"time"

	"kdj-trader/internal/candlestore"
	"kdj-trader/internal/execution"
	"kdj-trader/internal/indicator"
	"kdj-trader/internal/logger"
	"kdj-trader/internal/model"
	"kdj-trader/internal/notification"
	"kdj-trader/internal/portfolio"
	"kdj-trader/internal/strategy"
)

// Tick outcomes, used as the ticks_total metric label.
const (
	OutcomeProcessed = "processed"
	OutcomeNoData    = "no_data"
	OutcomeError     = "error"
)

// TickReport describes what one tick did.
type TickReport struct {
	TraceID  string                  `json:"trace_id,omitempty"`
	Outcome  string                  `json:"outcome"`
	Candle   *model.Candle           `json:"candle,omitempty"`
	State    *indicator.KdjState     `json:"state,omitempty"`
	Signal   *strategy.Signal        `json:"signal,omitempty"`
	StopLoss bool                    `json:"stop_loss,omitempty"`
	Decision *portfolio.Decision     `json:"decision,omitempty"`
	Skipped  string                  `json:"skipped,omitempty"` // why an actionable signal was not sent
	Order    *model.Order            `json:"order,omitempty"`
	Updates  []execution.OrderUpdate `json:"-"`
	Position model.Position          `json:"position"`
	Halted   bool                    `json:"halted"`
	Duration time.Duration           `json:"duration"`
	Err      error                   `json:"-"`
}

// Tick processes at most one new closed candle. Errors are recorded in the
// report; the loop keeps going either way.
func (l *Loop) Tick(ctx context.Context) TickReport {
	start := l.now()
	rep := l.tick(ctx)
	rep.Duration = l.now().Sub(start)
	rep.Position = l.deps.Tracker.Snapshot()
	rep.Halted = l.Halted()

	l.mu.Lock()
	l.ticks++
	l.lastTick = l.now()
	if rep.Signal != nil {
		l.lastSignal = *rep.Signal
	}
	l.mu.Unlock()

	l.observe(ctx, rep)
	return rep
}

func (l *Loop) tick(ctx context.Context) TickReport {
	var rep TickReport

	candle, err := l.deps.MarketData.FetchLatestCandle(ctx, l.cfg.Symbol, l.cfg.Timeframe)
	if errors.Is(err, model.ErrNoNewData) {
		rep.Outcome = OutcomeNoData
		l.settle(ctx, &rep)
		return rep
	}
	if err != nil {
		rep.Outcome = OutcomeError
		rep.Err = err
		logger.From(ctx).Warn("candle fetch failed, waiting for next tick", "error", err)
		l.settle(ctx, &rep)
		return rep
	}

	rep.TraceID = logger.GenerateTraceID(l.cfg.Symbol, candle.CloseTime)
	ctx = logger.WithTraceID(ctx, rep.TraceID)
	log := logger.From(ctx)
	rep.Candle = &candle

	if !candle.Valid() {
		rep.Outcome = OutcomeError
		rep.Err = errors.New("invalid candle")
		log.Warn("discarding invalid candle", "candle", candle)
		l.settle(ctx, &rep)
		return rep
	}
	if l.deps.OnCandle != nil {
		l.deps.OnCandle(candle)
	}
	if l.deps.Candles != nil {
		if err := l.deps.Candles.SaveCandle(candle); err != nil {
			log.Warn("persist candle failed", "error", err)
		}
	}

	engine := l.Engine()
	prev, _ := engine.State()
	state, err := engine.Update(candle)
	switch {
	case errors.Is(err, candlestore.ErrDuplicate) || errors.Is(err, candlestore.ErrOutOfOrder):
		rep.Outcome = OutcomeNoData
		log.Debug("candle already processed", "close_time", candle.CloseTime)
		l.settle(ctx, &rep)
		return rep
	case errors.Is(err, indicator.ErrInsufficientHistory):
		log.Info("indicator warming up", "have", engine.Store().Len(), "need", engine.Period())
	case err != nil:
		rep.Outcome = OutcomeError
		rep.Err = err
		log.Error("indicator update failed", "error", err)
		l.settle(ctx, &rep)
		return rep
	default:
		rep.State = &state
	}
	rep.Outcome = OutcomeProcessed

	l.mu.Lock()
	l.lastCandle = candle
	if rep.State != nil {
		l.lastState = state
	}
	l.mu.Unlock()

	// Stop-loss is evaluated against the fresh position before the signal
	// and overrides it.
	pos := l.deps.Tracker.Snapshot()
	var intent *model.Order
	order, hit := l.deps.Risk.CheckStopLoss(pos, candle.Close)
	if hit && l.deps.Executor.HasOpenOrders() {
		// An unresolved order may already be closing the position; a second
		// close would overshoot into the opposite side.
		rep.StopLoss = true
		rep.Skipped = "open_orders"
		log.Warn("stop loss deferred, earlier order still open", "position", pos.Quantity, "price", candle.Close)
		hit = false
	}
	if hit {
		rep.StopLoss = true
		intent = order
		if m := l.deps.Metrics; m != nil {
			m.StopLosses.Inc()
		}
		l.alert(ctx, notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "stop loss triggered",
			Message: "closing full position",
			Fields:  map[string]string{"position": formatQty(pos.Quantity), "price": formatQty(candle.Close)},
		})
	}

	if rep.State != nil {
		sig := l.deps.Generator.Evaluate(prev, state, pos.Quantity)
		rep.Signal = &sig
		log.Info("kdj", "k", state.K, "d", state.D, "j", state.J, "j_raw", state.JRaw,
			"action", sig.Action, "zone", sig.Zone, "cross", sig.Cross.String(), "reason", sig.Reason)
		if intent == nil && rep.Skipped == "" && sig.Actionable() {
			intent = l.authorize(ctx, &rep, sig, candle.Close)
		}
	}

	if intent != nil && l.Halted() {
		rep.Skipped = "halted"
		log.Warn("order suppressed while halted", "reason", intent.Reason, "halt_reason", l.HaltReason())
		intent = nil
	}
	if intent != nil {
		l.submit(ctx, &rep, *intent)
	}

	l.settle(ctx, &rep)
	return rep
}

// authorize asks the risk manager to size the signal. Returns nil on veto
// or when an order may not be sent.
func (l *Loop) authorize(ctx context.Context, rep *TickReport, sig strategy.Signal, price float64) *model.Order {
	log := logger.From(ctx)
	if l.Halted() {
		rep.Skipped = "halted"
		log.Warn("signal ignored while halted", "action", sig.Action, "halt_reason", l.HaltReason())
		return nil
	}
	if l.deps.Executor.HasOpenOrders() {
		rep.Skipped = "open_orders"
		log.Info("signal ignored, earlier order still open", "action", sig.Action)
		return nil
	}

	equity, err := l.deps.Exchange.GetAccountEquity(ctx)
	if err != nil {
		rep.Skipped = "equity_unavailable"
		rep.Err = err
		log.Warn("equity fetch failed, skipping signal", "error", err)
		return nil
	}
	if m := l.deps.Metrics; m != nil {
		m.Equity.Set(equity)
	}

	// Position is read again: the background reconciler may have applied
	// fills since the signal was evaluated.
	decision := l.deps.Risk.Authorize(sig, l.deps.Tracker.Snapshot(), equity, price)
	rep.Decision = &decision
	if decision.Veto != nil {
		log.Info("signal vetoed", "action", sig.Action, "veto", decision.Veto.Reason, "detail", decision.Veto.Detail)
		if m := l.deps.Metrics; m != nil {
			m.VetoesTotal.WithLabelValues(string(decision.Veto.Reason)).Inc()
		}
		return nil
	}
	return decision.Order
}

// submit sends an order under a context that survives shutdown, so a
// submission that has started is always resolved one way or another.
func (l *Loop) submit(ctx context.Context, rep *TickReport, intent model.Order) {
	log := logger.From(ctx)
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.SubmitTimeout)
	defer cancel()

	start := l.now()
	res := l.deps.Executor.Submit(subCtx, intent)
	if m := l.deps.Metrics; m != nil {
		m.SubmitLatency.Observe(l.now().Sub(start).Seconds())
	}
	order := res.Order
	rep.Order = &order

	for _, f := range res.Fills {
		l.deps.Tracker.Apply(f)
	}

	switch {
	case res.Duplicate:
		log.Warn("order intent already known", "client_order_id", order.ClientOrderID)
	case order.Status == model.StatusRejected:
		l.alertOrder(ctx, notification.AlertWarning, "order rejected", order)
	case order.Unknown:
		l.alertOrder(ctx, notification.AlertCritical, "order status unknown after retries", order)
	case res.Err != nil:
		l.alertOrder(ctx, notification.AlertWarning, "order submission failed", order)
	}
	if res.Err != nil {
		rep.Err = res.Err
	}
}

// settle reconciles open orders, checks the position against the exchange
// and checkpoints.
func (l *Loop) settle(ctx context.Context, rep *TickReport) {
	log := logger.From(ctx)
	if l.deps.Executor.HasOpenOrders() {
		updates, err := l.reconcile(ctx)
		rep.Updates = updates
		if err != nil {
			log.Warn("reconcile incomplete", "error", err)
		}
	}
	if err := l.checkPosition(ctx); err != nil {
		if errors.Is(err, ErrReconciliationMismatch) {
			rep.Err = err
		} else {
			log.Warn("position check skipped", "error", err)
		}
	}
	if n := l.deps.Tracker.Prune(l.knowsOrder); n > 0 {
		log.Debug("dropped fill markers of expired orders", "count", n)
	}
	l.checkpoint(ctx)
}

// knowsOrder reports whether the executor still tracks an order, open or
// recently archived. Fills can only arrive for those.
func (l *Loop) knowsOrder(clientOrderID string) bool {
	_, ok := l.deps.Executor.Order(clientOrderID)
	return ok
}

func (l *Loop) observe(ctx context.Context, rep TickReport) {
	if m := l.deps.Metrics; m != nil {
		m.TicksTotal.WithLabelValues(rep.Outcome).Inc()
		m.TickDuration.Observe(rep.Duration.Seconds())
		m.Position.Set(rep.Position.Quantity)
		m.DailyPnL.Set(l.deps.Risk.DailyPnL())
		if rep.Candle != nil && rep.Outcome == OutcomeProcessed {
			m.CandlesTotal.Inc()
			m.LastCandleLag.Set(l.now().Sub(rep.Candle.CloseTime).Seconds())
		}
		if rep.State != nil {
			m.KdjK.Set(rep.State.K)
			m.KdjD.Set(rep.State.D)
			m.KdjJ.Set(rep.State.J)
		}
		if rep.Signal != nil {
			m.SignalsTotal.WithLabelValues(string(rep.Signal.Action)).Inc()
		}
	}
	if h := l.deps.Health; h != nil && rep.Outcome != OutcomeError {
		h.SetLastTickTime(l.now())
	}
	if rep.Outcome == OutcomeProcessed && l.deps.Publisher != nil {
		if err := l.deps.Publisher.Publish(ctx, "ticks", rep); err != nil {
			logger.From(ctx).Debug("publish tick failed", "error", err)
		}
	}
	if rep.Err != nil {
		logger.From(logger.WithTraceID(ctx, rep.TraceID)).Error("tick failed",
			"outcome", rep.Outcome, "error", rep.Err)
	}
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

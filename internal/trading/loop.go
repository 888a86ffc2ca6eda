// Package trading runs the per-candle decision loop: candle in, KDJ update,
// signal, risk check, order submission, fill accounting and reconciliation.
//
// One tick is strictly sequential. The only state shared with the
// background reconciler is the position tracker and the executor, both of
// which guard themselves.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"kdj-trader/internal/candlestore"
	"kdj-trader/internal/execution"
	"kdj-trader/internal/indicator"
	"kdj-trader/internal/logger"
	"kdj-trader/internal/metrics"
	"kdj-trader/internal/model"
	"kdj-trader/internal/notification"
	"kdj-trader/internal/portfolio"
	"kdj-trader/internal/store/redis"
	"kdj-trader/internal/strategy"
)

// ErrReconciliationMismatch is reported when the locally tracked position
// disagrees with the exchange. Trading halts until ClearHalt.
var ErrReconciliationMismatch = errors.New("reconciliation mismatch")

// CandleSink persists closed candles and engine snapshots.
// Implemented by *sqlite.Writer.
type CandleSink interface {
	SaveCandle(c model.Candle) error
	SaveSnapshot(snap *indicator.EngineSnapshot) error
}

// CandleArchive reads persisted candles and snapshots for warm-up.
// Implemented by *sqlite.Reader.
type CandleArchive interface {
	indicator.CandleReader
	ReadCandlesAfter(symbol string, after time.Time) ([]model.Candle, error)
	ReadLatestSnapshot(symbol string) (*indicator.EngineSnapshot, error)
}

// CheckpointStore keeps the resumable agent state.
// Implemented by *redis.CheckpointStore.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *redis.Checkpoint) error
	LoadCheckpoint(ctx context.Context, symbol string) (*redis.Checkpoint, error)
	SaveSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error
	LoadSnapshot(ctx context.Context, symbol string) (*indicator.EngineSnapshot, error)
}

// OrderSource lists orders that were open when the process last stopped,
// and every fill recorded against them. Implemented by *execution.Journal.
type OrderSource interface {
	OpenOrders() ([]model.Order, error)
	FillsAsc() ([]model.Fill, error)
}

// Publisher broadcasts tick summaries. Implemented by *redis.CheckpointStore.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Config controls loop cadence and limits.
type Config struct {
	Symbol       string
	Timeframe    string
	PollInterval time.Duration
	Period       int
	Capacity     int // candles kept in the engine's store
	Warmup       int // candles requested from exchange history on a cold start

	// SubmitTimeout bounds one Submit call including all retries. The
	// submit context is detached from shutdown so an order in flight is
	// always resolved.
	SubmitTimeout time.Duration
	// PositionTolerance is the largest local/exchange quantity difference
	// that is not treated as a mismatch.
	PositionTolerance float64
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Minute
	}
	if c.Period <= 0 {
		c.Period = indicator.DefaultPeriod
	}
	if c.Capacity < c.Period {
		c.Capacity = c.Period
	}
	if c.Warmup < c.Capacity {
		c.Warmup = c.Capacity
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = time.Minute
	}
	if c.PositionTolerance <= 0 {
		c.PositionTolerance = 1e-6
	}
}

// Deps are the collaborators of the loop. MarketData, Exchange, Executor,
// Tracker, Risk and Generator are required; the rest may be nil.
type Deps struct {
	MarketData model.MarketData
	History    model.CandleHistory
	Exchange   model.Exchange
	Executor   *execution.Executor
	Tracker    *portfolio.Tracker
	Risk       *portfolio.RiskManager
	Generator  *strategy.Generator

	Candles     CandleSink
	Archive     CandleArchive
	Checkpoints CheckpointStore
	Orders      OrderSource
	Publisher   Publisher
	Notifier    notification.Notifier
	Metrics     *metrics.Metrics
	Health      *metrics.HealthStatus

	// OnCandle is called with every new closed candle before it is
	// processed. Paper mode uses it to move the simulated price.
	OnCandle func(c model.Candle)
}

// Loop is the trading agent's main control loop.
type Loop struct {
	cfg  Config
	deps Deps

	engine *indicator.Engine

	mu         sync.Mutex
	started    bool
	halted     bool
	haltReason string
	lastTick   time.Time
	lastCandle model.Candle
	lastState  indicator.KdjState
	lastSignal strategy.Signal
	ticks      uint64

	reconcileNow chan struct{}
	now          func() time.Time

	// set only while Startup replays journal fills
	replaying bool
}

// NewLoop wires a loop. Call Startup (or Run, which calls it) before Tick.
func NewLoop(cfg Config, deps Deps) (*Loop, error) {
	switch {
	case cfg.Symbol == "" || cfg.Timeframe == "":
		return nil, errors.New("trading: symbol and timeframe are required")
	case deps.MarketData == nil || deps.Exchange == nil || deps.Executor == nil:
		return nil, errors.New("trading: market data, exchange and executor are required")
	case deps.Tracker == nil || deps.Risk == nil || deps.Generator == nil:
		return nil, errors.New("trading: tracker, risk manager and generator are required")
	}
	cfg.setDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier()
	}

	l := &Loop{
		cfg:          cfg,
		deps:         deps,
		engine:       indicator.NewEngine(candlestore.New(cfg.Capacity), cfg.Period),
		reconcileNow: make(chan struct{}, 1),
		now:          time.Now,
	}

	prev := deps.Tracker.OnApply
	deps.Tracker.OnApply = func(before, after model.Position, fill model.Fill) {
		if prev != nil {
			prev(before, after, fill)
		}
		l.onFill(before, after, fill)
	}

	ex := deps.Executor
	prevFinal, prevRetry := ex.OnFinal, ex.OnRetry
	ex.OnFinal = func(o model.Order) {
		if prevFinal != nil {
			prevFinal(o)
		}
		l.onOrderFinal(o)
	}
	ex.OnRetry = func(o model.Order, attempt int, delay time.Duration, err error) {
		if prevRetry != nil {
			prevRetry(o, attempt, delay, err)
		}
		l.onOrderRetry(o, attempt, delay, err)
	}
	return l, nil
}

// Engine returns the indicator engine (replaced during Startup).
func (l *Loop) Engine() *indicator.Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine
}

// onFill runs under the tracker lock for every applied fill.
func (l *Loop) onFill(before, after model.Position, fill model.Fill) {
	if pnl := after.RealizedPnL - before.RealizedPnL; pnl != 0 && l.countsToday(fill) {
		l.deps.Risk.RecordPnL(pnl)
	}
	slog.Info("fill applied",
		"order_id", fill.OrderID, "side", fill.Side, "qty", fill.Qty, "price", fill.Price,
		"position", after.Quantity, "avg_entry", after.AvgEntryPrice, "realized", after.RealizedPnL)
	if m := l.deps.Metrics; m != nil {
		m.FillsTotal.Inc()
		m.Position.Set(after.Quantity)
		m.RealizedPnL.Set(after.RealizedPnL)
		m.DailyPnL.Set(l.deps.Risk.DailyPnL())
	}
}

// countsToday reports whether a fill's P&L belongs in today's loss tally.
// Fills replayed from the journal may be from earlier days.
func (l *Loop) countsToday(fill model.Fill) bool {
	if !l.replaying || fill.At.IsZero() {
		return true
	}
	day := l.now().UTC().Truncate(24 * time.Hour)
	return !fill.At.UTC().Before(day)
}

// Halted reports whether order placement is suspended.
func (l *Loop) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// HaltReason returns why trading was halted, or "".
func (l *Loop) HaltReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.haltReason
}

// ClearHalt resumes order placement. The next tick re-checks the position,
// so an unresolved mismatch halts again.
func (l *Loop) ClearHalt() bool {
	l.mu.Lock()
	was := l.halted
	l.halted = false
	l.haltReason = ""
	l.mu.Unlock()

	if was {
		slog.Warn("trading halt cleared by operator", "symbol", l.cfg.Symbol)
		l.publishHalt(context.Background(), false, "")
	}
	return was
}

func (l *Loop) halt(ctx context.Context, reason string) {
	l.mu.Lock()
	already := l.halted
	l.halted = true
	l.haltReason = reason
	l.mu.Unlock()

	if already {
		return
	}
	l.publishHalt(ctx, true, reason)
	logger.From(ctx).Error("trading halted", "symbol", l.cfg.Symbol, "reason", reason)
	l.alert(ctx, notification.Alert{
		Level:   notification.AlertCritical,
		Title:   "trading halted",
		Message: reason,
	})
}

// publishHalt mirrors a halt state change to metrics, health and the
// "halts" event channel.
func (l *Loop) publishHalt(ctx context.Context, halted bool, reason string) {
	if m := l.deps.Metrics; m != nil {
		v := 0.0
		if halted {
			v = 1
		}
		m.Halted.Set(v)
	}
	if h := l.deps.Health; h != nil {
		h.SetHalted(halted, reason)
	}
	if p := l.deps.Publisher; p != nil {
		ev := struct {
			Halted bool   `json:"halted"`
			Reason string `json:"reason,omitempty"`
		}{halted, reason}
		if err := p.Publish(ctx, "halts", ev); err != nil {
			slog.Debug("publish halt failed", "error", err)
		}
	}
}

// NotifyFill asks the background reconciler to poll now. Trade-update
// stream events call it; it never blocks.
func (l *Loop) NotifyFill() {
	select {
	case l.reconcileNow <- struct{}{}:
	default:
	}
}

// Run starts up (if needed), ticks immediately and then every
// PollInterval until ctx is cancelled. A tick in progress always completes
// before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.isStarted() {
		if err := l.Startup(ctx); err != nil {
			return err
		}
	}

	slog.Info("trading loop running",
		"symbol", l.cfg.Symbol, "timeframe", l.cfg.Timeframe, "poll_interval", l.cfg.PollInterval)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// shutdown writes a final checkpoint with a fresh context.
func (l *Loop) shutdown() {
	slog.Info("shutdown signal received, saving final checkpoint", "symbol", l.cfg.Symbol)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.checkpoint(ctx)
	slog.Info("trading loop stopped", "open_orders", len(l.deps.Executor.OpenOrders()))
}

// RunReconciler polls open orders every interval, and immediately when
// NotifyFill is called, until ctx is cancelled.
func (l *Loop) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.reconcileNow:
		}
		if !l.deps.Executor.HasOpenOrders() {
			continue
		}
		if _, err := l.reconcile(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("background reconcile incomplete", "error", err)
		}
	}
}

// reconcile polls open orders and applies derived fills.
func (l *Loop) reconcile(ctx context.Context) ([]execution.OrderUpdate, error) {
	updates, err := l.deps.Executor.Reconcile(ctx)
	for _, u := range updates {
		for _, f := range u.Fills {
			l.deps.Tracker.Apply(f)
		}
		if u.Order.Status != u.From {
			logger.From(ctx).Info("order status changed",
				"client_order_id", u.Order.ClientOrderID, "from", u.From, "to", u.Order.Status,
				"filled", u.Order.FilledQty)
		}
		if u.Order.Status == model.StatusRejected || (u.Order.Status == model.StatusCancelled && u.Order.FilledQty == 0) {
			l.alertOrder(ctx, notification.AlertWarning, "order "+string(u.Order.Status), u.Order)
		}
	}
	if m := l.deps.Metrics; m != nil {
		m.OpenOrders.Set(float64(len(l.deps.Executor.OpenOrders())))
	}
	return updates, err
}

// checkPosition compares the local position with the exchange. It is only
// meaningful when no order is in flight.
func (l *Loop) checkPosition(ctx context.Context) error {
	if l.deps.Executor.HasOpenOrders() {
		return nil
	}
	remote, err := l.deps.Exchange.GetPosition(ctx, l.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get exchange position: %w", err)
	}
	local := l.deps.Tracker.Snapshot().Quantity
	if math.Abs(remote-local) <= l.cfg.PositionTolerance {
		return nil
	}

	if m := l.deps.Metrics; m != nil {
		m.ReconcileMismatches.Inc()
	}
	reason := fmt.Sprintf("local position %g, exchange position %g", local, remote)
	l.halt(ctx, reason)
	return fmt.Errorf("%w: %s", ErrReconciliationMismatch, reason)
}

func (l *Loop) isStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *Loop) alert(ctx context.Context, a notification.Alert) {
	a.Symbol = l.cfg.Symbol
	a.TraceID = logger.TraceID(ctx)
	if err := l.deps.Notifier.Send(ctx, a); err != nil {
		slog.Warn("alert delivery failed", "title", a.Title, "error", err)
	}
}

func (l *Loop) alertOrder(ctx context.Context, level notification.AlertLevel, title string, o model.Order) {
	fields := map[string]string{
		"client_order_id": o.ClientOrderID,
		"side":            string(o.Side),
		"qty":             fmt.Sprintf("%g", o.Quantity),
		"status":          string(o.Status),
		"attempts":        fmt.Sprintf("%d", o.Attempts),
	}
	if o.Reason != "" {
		fields["reason"] = o.Reason
	}
	msg := o.RejectReason
	if msg == "" {
		msg = "order needs attention"
	}
	l.alert(ctx, notification.Alert{Level: level, Title: title, Message: msg, Fields: fields})
}

func (l *Loop) onOrderFinal(o model.Order) {
	if m := l.deps.Metrics; m != nil {
		m.OrdersTotal.WithLabelValues(string(o.Status)).Inc()
	}
}

func (l *Loop) onOrderRetry(o model.Order, attempt int, delay time.Duration, err error) {
	if m := l.deps.Metrics; m != nil {
		m.OrderRetries.Inc()
	}
}

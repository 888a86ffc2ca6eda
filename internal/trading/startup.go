package trading

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kdj-trader/internal/indicator"
	"kdj-trader/internal/model"
	"kdj-trader/internal/store/redis"
)

// Startup restores state and reconciles with the exchange before the first
// tick:
//  1. checkpoint (position, fill markers, open orders, halt flag), or
//     without one, the journal's fills replayed in record order
//  2. open orders from the journal, which is written before every submit
//  3. indicator engine from snapshot, then persisted candles, then
//     exchange history
//  4. reconcile open orders and compare positions
//
// A position mismatch halts trading but does not fail startup.
func (l *Loop) Startup(ctx context.Context) error {
	restored := l.restoreCheckpoint(ctx)

	if src := l.deps.Orders; src != nil {
		if !restored {
			l.replayFills(src)
		}
		orders, err := src.OpenOrders()
		if err != nil {
			slog.Warn("journal open orders unavailable", "error", err)
		} else if n := l.deps.Executor.Restore(orders); n > 0 {
			slog.Info("restored open orders from journal", "count", n)
		}
	}

	l.restoreEngine(ctx)

	if l.deps.Executor.HasOpenOrders() {
		if _, err := l.reconcile(ctx); err != nil {
			slog.Warn("startup reconcile incomplete", "error", err)
		}
	}
	if err := l.checkPosition(ctx); err != nil && !errors.Is(err, ErrReconciliationMismatch) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("startup position check skipped", "error", err)
	}

	l.mu.Lock()
	l.started = true
	l.mu.Unlock()

	pos := l.deps.Tracker.Snapshot()
	state, ready := l.Engine().State()
	slog.Info("startup complete",
		"symbol", l.cfg.Symbol, "position", pos.Quantity, "avg_entry", pos.AvgEntryPrice,
		"open_orders", len(l.deps.Executor.OpenOrders()), "engine_ready", ready,
		"kdj_index", state.PeriodIndex, "halted", l.Halted())
	if m := l.deps.Metrics; m != nil {
		m.Position.Set(pos.Quantity)
		m.OpenOrders.Set(float64(len(l.deps.Executor.OpenOrders())))
	}
	return nil
}

func (l *Loop) restoreCheckpoint(ctx context.Context) bool {
	if l.deps.Checkpoints == nil {
		return false
	}
	cp, err := l.deps.Checkpoints.LoadCheckpoint(ctx, l.cfg.Symbol)
	if err != nil {
		slog.Warn("checkpoint unavailable, starting from journal only", "error", err)
		return false
	}
	if cp == nil {
		slog.Info("no checkpoint found", "symbol", l.cfg.Symbol)
		return false
	}

	l.deps.Tracker.Restore(cp.Tracker)
	n := l.deps.Executor.Restore(cp.OpenOrders)
	if cp.Halted {
		l.mu.Lock()
		l.halted = true
		l.haltReason = cp.HaltReason
		l.mu.Unlock()
		l.publishHalt(ctx, true, cp.HaltReason)
	}
	slog.Info("restored checkpoint",
		"saved_at", cp.SavedAt, "position", cp.Tracker.Position.Quantity,
		"open_orders", n, "halted", cp.Halted)
	return true
}

// replayFills rebuilds the position from the journal. The tracker's
// cumulative-quantity markers drop the partial-fill rows that a later row
// for the same order supersedes.
func (l *Loop) replayFills(src OrderSource) {
	fills, err := src.FillsAsc()
	if err != nil {
		slog.Warn("journal fills unavailable, position starts flat", "error", err)
		return
	}
	l.replaying = true
	defer func() { l.replaying = false }()

	applied := 0
	for _, f := range fills {
		if f.Symbol != "" && f.Symbol != l.cfg.Symbol {
			continue
		}
		if _, ok := l.deps.Tracker.Apply(f); ok {
			applied++
		}
	}
	if applied > 0 {
		pos := l.deps.Tracker.Snapshot()
		slog.Info("rebuilt position from journal fills",
			"fills", applied, "position", pos.Quantity, "avg_entry", pos.AvgEntryPrice)
	}
}

// restoreEngine follows snapshot → local candles → exchange history →
// cold start.
func (l *Loop) restoreEngine(ctx context.Context) {
	r := indicator.NewRestorer(l.cfg.Symbol, l.cfg.Timeframe, l.cfg.Period, l.cfg.Capacity)

	var snap *indicator.EngineSnapshot
	if cs := l.deps.Checkpoints; cs != nil {
		s, err := cs.LoadSnapshot(ctx, l.cfg.Symbol)
		if err != nil {
			slog.Warn("redis snapshot read failed", "error", err)
		}
		snap = s
	}
	if snap == nil && l.deps.Archive != nil {
		s, err := l.deps.Archive.ReadLatestSnapshot(l.cfg.Symbol)
		if err != nil {
			slog.Warn("sqlite snapshot read failed", "error", err)
		}
		snap = s
	}

	engine := r.RestoreFromSnap(snap)

	if l.deps.Archive != nil {
		if last, ok := engine.Store().Last(); ok {
			// Catch up on candles persisted after the snapshot was taken
			delta, err := l.deps.Archive.ReadCandlesAfter(l.cfg.Symbol, last.CloseTime)
			if err != nil {
				slog.Warn("read candles after snapshot failed", "error", err)
			} else {
				r.ReplayCandles(engine, delta)
			}
		} else {
			r.BackfillFromSQLite(engine, l.deps.Archive)
		}
	}
	if !engine.Ready() {
		r := indicator.NewRestorer(l.cfg.Symbol, l.cfg.Timeframe, l.cfg.Period, l.cfg.Warmup)
		r.BackfillFromExchange(ctx, engine, l.deps.History)
	} else {
		l.catchUp(ctx, r, engine)
	}

	l.mu.Lock()
	l.engine = engine
	l.lastState, _ = engine.State()
	if last, ok := engine.Store().Last(); ok {
		l.lastCandle = last
	}
	l.mu.Unlock()

	if last, ok := engine.Store().Last(); ok {
		if md, ok := l.deps.MarketData.(interface {
			MarkDelivered(symbol, timeframe string, closeTime time.Time)
		}); ok {
			md.MarkDelivered(l.cfg.Symbol, l.cfg.Timeframe, last.CloseTime)
		}
	}
}

// catchUp replays exchange history newer than the restored window, so the
// first live candle does not follow a gap.
func (l *Loop) catchUp(ctx context.Context, r *indicator.Restorer, engine *indicator.Engine) {
	if l.deps.History == nil {
		return
	}
	last, _ := engine.Store().Last()
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	candles, err := l.deps.History.FetchCandles(fetchCtx, l.cfg.Symbol, l.cfg.Timeframe, l.cfg.Capacity)
	if err != nil {
		slog.Warn("history catch-up failed", "error", err)
		return
	}
	var missed []model.Candle
	for _, c := range candles {
		if c.CloseTime.After(last.CloseTime) {
			missed = append(missed, c)
		}
	}
	if len(missed) == 0 {
		return
	}
	n := r.ReplayCandles(engine, missed)
	if l.deps.Candles != nil {
		for _, c := range missed {
			if err := l.deps.Candles.SaveCandle(c); err != nil {
				slog.Warn("persist catch-up candle failed", "error", err)
				break
			}
		}
	}
	slog.Info("caught up on missed candles", "count", n, "since", last.CloseTime)
}

// checkpoint saves the resumable state. Failures are logged; the Redis
// store holds the newest checkpoint itself while its circuit is open.
func (l *Loop) checkpoint(ctx context.Context) {
	engine := l.Engine()
	snap := indicator.SnapshotEngine(engine, l.cfg.Symbol)
	if l.deps.Candles != nil && engine.Ready() {
		if err := l.deps.Candles.SaveSnapshot(snap); err != nil {
			slog.Warn("sqlite snapshot save failed", "error", err)
		}
	}

	cs := l.deps.Checkpoints
	if cs == nil {
		return
	}
	l.mu.Lock()
	cp := &redis.Checkpoint{
		Symbol:          l.cfg.Symbol,
		SavedAt:         l.now().UTC(),
		Halted:          l.halted,
		HaltReason:      l.haltReason,
		LastCandleClose: l.lastCandle.CloseTime,
	}
	l.mu.Unlock()
	cp.Tracker = l.deps.Tracker.Checkpoint()
	cp.OpenOrders = l.deps.Executor.OpenOrders()

	if err := cs.SaveCheckpoint(ctx, cp); err != nil {
		slog.Warn("checkpoint save failed", "error", err)
	}
	if engine.Ready() {
		if err := cs.SaveSnapshot(ctx, snap); err != nil && !errors.Is(err, redis.ErrCircuitOpen) {
			slog.Warn("redis snapshot save failed", "error", err)
		}
	}
}

// Package agent wires the trading loop to its storage, exchange, alerting
// and operator surfaces from a config.Config, and manages their lifecycle.
package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"kdj-trader/config"
	"kdj-trader/internal/api"
	"kdj-trader/internal/execution"
	"kdj-trader/internal/metrics"
	"kdj-trader/internal/model"
	"kdj-trader/internal/notification"
	"kdj-trader/internal/portfolio"
	"kdj-trader/internal/store/redis"
	"kdj-trader/internal/store/sqlite"
	"kdj-trader/internal/strategy"
	"kdj-trader/internal/trading"
	"kdj-trader/pkg/exchange"
)

// controlChannel carries operator commands over Redis pub/sub.
const controlChannel = "control"

// Agent is the top-level orchestrator of one trading agent process.
type Agent struct {
	cfg *config.Config

	Loop    *trading.Loop
	Hub     *api.Hub
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus

	client      *exchange.Client
	paper       *execution.PaperExchange
	executor    *execution.Executor
	journal     *execution.Journal
	candles     *sqlite.Writer
	archive     *sqlite.Reader
	checkpoints *redis.CheckpointStore
	stream      *exchange.Stream
	server      *metrics.Server
}

// New builds an agent registering metrics on the default registry.
func New(cfg *config.Config) (*Agent, error) {
	return NewWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewWithRegistry builds an agent registering metrics on reg.
// The order journal is required; the candle database and Redis degrade to
// warnings when unavailable.
func NewWithRegistry(cfg *config.Config, reg prometheus.Registerer) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:     cfg,
		Hub:     api.NewHub(),
		Metrics: metrics.NewMetricsWith(reg),
		Health:  metrics.NewHealthStatus(),
	}
	a.Health.StaleAfter = 3 * cfg.PollInterval

	if err := ensureDir(cfg.Storage.JournalPath); err != nil {
		return nil, err
	}
	journal, err := execution.NewJournal(cfg.Storage.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open order journal: %w", err)
	}
	a.journal = journal

	a.openCandleStore()
	a.openRedis()

	a.client = exchange.NewClient(cfg.Exchange.Config)
	var ex model.Exchange = a.client
	if cfg.Exchange.Paper {
		a.paper = execution.NewPaperExchange(cfg.Exchange.PaperCash, cfg.Exchange.SlippageBps)
		ex = a.paper
		slog.Info("paper trading enabled", "cash", cfg.Exchange.PaperCash, "slippage_bps", cfg.Exchange.SlippageBps)
	}
	a.executor = execution.NewExecutor(ex, journal, cfg.Execution)

	deps := trading.Deps{
		MarketData: a.client,
		History:    a.client,
		Exchange:   ex,
		Executor:   a.executor,
		Tracker:    portfolio.NewTracker(cfg.Symbol),
		Risk:       portfolio.NewRiskManager(cfg.Risk, cfg.Symbol),
		Generator:  strategy.NewGenerator(cfg.Signal.Oversold, cfg.Signal.Overbought),
		Orders:     journal,
		Notifier:   a.buildNotifier(),
		Metrics:    a.Metrics,
		Health:     a.Health,
	}
	publishers := fanout{a.Hub}
	if a.candles != nil {
		deps.Candles = a.candles
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	if a.checkpoints != nil {
		deps.Checkpoints = a.checkpoints
		publishers = append(publishers, a.checkpoints)
	}
	deps.Publisher = publishers
	if a.paper != nil {
		paper := a.paper
		deps.OnCandle = func(c model.Candle) { paper.SetPrice(c.Close) }
	}

	a.Loop, err = trading.NewLoop(trading.Config{
		Symbol:       cfg.Symbol,
		Timeframe:    cfg.Timeframe,
		PollInterval: cfg.PollInterval,
		Period:       cfg.Indicator.Period,
		Capacity:     cfg.Indicator.Capacity,
		Warmup:       cfg.Indicator.Warmup,
	}, deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Exchange.Stream && a.paper == nil {
		a.stream = a.newStream()
	} else {
		// Paper fills are synchronous; there is no stream to lose.
		a.Health.SetStreamConnected(true)
	}

	a.server = metrics.NewServer(cfg.Server.Addr, a.Health, api.Routes(a.Loop, a.Hub))
	return a, nil
}

func (a *Agent) openCandleStore() {
	path := a.cfg.Storage.SQLitePath
	if path == "" {
		return
	}
	if err := ensureDir(path); err != nil {
		slog.Warn("candle store disabled", "error", err)
		return
	}
	w, err := sqlite.New(sqlite.WriterConfig{DBPath: path, Timeframe: a.cfg.Timeframe})
	if err != nil {
		slog.Warn("sqlite writer init failed, continuing without candle persistence", "error", err)
		return
	}
	if last, err := w.GetLastCloseTime(a.cfg.Symbol); err == nil && !last.IsZero() {
		slog.Info("candle archive opened", "path", path, "last_close", last)
	}
	r, err := sqlite.NewReader(path, a.cfg.Timeframe)
	if err != nil {
		slog.Warn("sqlite reader init failed, continuing without local backfill", "error", err)
	} else {
		a.archive = r
	}
	a.candles = w
}

func (a *Agent) openRedis() {
	if !a.cfg.Redis.Enabled {
		return
	}
	a.Health.SetRedisEnabled(true)
	cs, err := redis.New(a.cfg.Redis.Config)
	if err != nil {
		slog.Warn("redis unavailable, running without checkpoints", "addr", a.cfg.Redis.Addr, "error", err)
		return
	}

	m := a.Metrics
	cb := cs.Breaker()
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to redis.State) {
		if prev != nil {
			prev(from, to)
		}
		m.RedisCircuitBreakerState.Set(float64(to))
		if to == redis.StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
		slog.Warn("redis circuit breaker state change", "from", from.String(), "to", to.String())
	}
	cs.OnBuffer = func() { m.RedisBufferedWrites.Inc() }
	cs.OnFlush = func(symbol string) { slog.Info("held checkpoint flushed to redis", "symbol", symbol) }
	a.checkpoints = cs
}

func (a *Agent) buildNotifier() notification.Notifier {
	n := a.cfg.Notify
	var webhook, telegram notification.Notifier
	if n.WebhookURL != "" {
		webhook = notification.NewWebhookNotifier(n.WebhookURL)
	}
	if n.TelegramToken != "" && n.TelegramChatID != "" {
		telegram = notification.NewTelegramNotifier(n.TelegramToken, n.TelegramChatID)
	}
	multi := notification.NewMulti(notification.NewLogNotifier(), webhook, telegram)
	if n.MinLevel != "" {
		multi.SetMinLevel(notification.AlertLevel(strings.ToUpper(n.MinLevel)))
	}
	return multi
}

func (a *Agent) newStream() *exchange.Stream {
	s := a.client.NewStream()
	m, h, loop := a.Metrics, a.Health, a.Loop
	s.OnUpdate = func(u exchange.TradeUpdate) {
		slog.Debug("trade update", "event", u.Event, "client_order_id", u.Report.ClientOrderID,
			"status", u.Report.Status, "filled", u.Report.FilledQty)
		loop.NotifyFill()
	}
	s.OnConnect = func() {
		h.SetStreamConnected(true)
		m.StreamConnected.Set(1)
	}
	s.OnDisconnect = func(err error) {
		h.SetStreamConnected(false)
		m.StreamConnected.Set(0)
		m.StreamReconnects.Inc()
	}
	return s
}

// Run starts every subsystem and blocks until ctx is cancelled and the
// trading loop has written its final checkpoint.
func (a *Agent) Run(ctx context.Context) error {
	cfg := a.cfg
	slog.Info("starting kdj trading agent",
		"symbol", cfg.Symbol, "timeframe", cfg.Timeframe, "paper", cfg.Exchange.Paper,
		"redis", a.checkpoints != nil, "addr", cfg.Server.Addr)

	a.server.Start()

	a.Health.StartLivenessChecker(ctx, a.client, a.redisClient(), a.candlesDB(), cfg.Server.HealthInterval)

	go a.Loop.RunReconciler(ctx, cfg.Server.ReconcileInterval)
	if a.stream != nil {
		go a.stream.Run(ctx)
	}
	if a.checkpoints != nil {
		go a.watchControl(ctx)
	}

	err := a.Loop.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.server.Stop(shutCtx)
	a.Close()
	slog.Info("agent stopped")
	return err
}

// watchControl applies operator commands published on the control
// channel, e.g. {"command":"clear_halt"}.
func (a *Agent) watchControl(ctx context.Context) {
	sub := a.checkpoints.Subscribe(ctx, controlChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.handleControl(msg.Payload)
		}
	}
}

func (a *Agent) handleControl(payload string) {
	var cmd struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		slog.Warn("ignoring malformed control message", "payload", payload, "error", err)
		return
	}
	switch cmd.Command {
	case "clear_halt":
		slog.Info("control: clear halt", "cleared", a.Loop.ClearHalt())
	case "reconcile":
		a.Loop.NotifyFill()
	default:
		slog.Warn("unknown control command", "command", cmd.Command)
	}
}

// Close releases storage and network resources. Safe to call more than once.
func (a *Agent) Close() {
	a.Hub.Close()
	if a.stream != nil {
		a.stream.Close()
	}
	if a.archive != nil {
		a.archive.Close()
		a.archive = nil
	}
	if a.candles != nil {
		a.candles.Close()
		a.candles = nil
	}
	if a.journal != nil {
		a.journal.Close()
		a.journal = nil
	}
	if a.checkpoints != nil {
		a.checkpoints.Close()
		a.checkpoints = nil
	}
}

func (a *Agent) redisClient() *goredis.Client {
	if a.checkpoints == nil {
		return nil
	}
	return a.checkpoints.Client()
}

func (a *Agent) candlesDB() *sql.DB {
	if a.candles == nil {
		return nil
	}
	return a.candles.DB()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// fanout publishes each event to every publisher, returning the first error.
type fanout []trading.Publisher

func (f fanout) Publish(ctx context.Context, channel string, payload any) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, channel, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

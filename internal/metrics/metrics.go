package metrics

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading agent.
type Metrics struct {
	TicksTotal    *prometheus.CounterVec // labels: outcome=processed|no_data|error|halted
	CandlesTotal  prometheus.Counter
	TickDuration  prometheus.Histogram
	LastCandleLag prometheus.Gauge

	// Indicator state
	KdjK prometheus.Gauge
	KdjD prometheus.Gauge
	KdjJ prometheus.Gauge

	// Decisions
	SignalsTotal *prometheus.CounterVec // labels: action
	VetoesTotal  *prometheus.CounterVec // labels: reason
	StopLosses   prometheus.Counter

	// Execution
	OrdersTotal   *prometheus.CounterVec // labels: status (final)
	OrderRetries  prometheus.Counter
	SubmitLatency prometheus.Histogram
	FillsTotal    prometheus.Counter
	OpenOrders    prometheus.Gauge

	// Portfolio
	Position    prometheus.Gauge
	Equity      prometheus.Gauge
	DailyPnL    prometheus.Gauge
	RealizedPnL prometheus.Gauge

	// Safety
	ReconcileMismatches prometheus.Counter
	Halted              prometheus.Gauge // 0=running, 1=halted

	// Checkpoint store circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Trade update stream
	StreamConnected  prometheus.Gauge
	StreamReconnects prometheus.Counter
}

// NewMetricsWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kdj_ticks_total",
			Help: "Trading loop ticks by outcome",
		}, []string{"outcome"}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_candles_total",
			Help: "Closed candles fed into the indicator engine",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kdj_tick_duration_seconds",
			Help:    "Wall time of one trading loop tick",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		LastCandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_last_candle_lag_seconds",
			Help: "Lag between the newest candle close and processing time",
		}),

		KdjK: prometheus.NewGauge(prometheus.GaugeOpts{Name: "kdj_k", Help: "Current K value"}),
		KdjD: prometheus.NewGauge(prometheus.GaugeOpts{Name: "kdj_d", Help: "Current D value"}),
		KdjJ: prometheus.NewGauge(prometheus.GaugeOpts{Name: "kdj_j", Help: "Current J value (clamped)"}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kdj_signals_total",
			Help: "Signals produced by action",
		}, []string{"action"}),
		VetoesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kdj_risk_vetoes_total",
			Help: "Risk manager vetoes by reason",
		}, []string{"reason"}),
		StopLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_stop_loss_total",
			Help: "Stop-loss exits triggered",
		}),

		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kdj_orders_total",
			Help: "Orders reaching a final submission outcome, by status",
		}, []string{"status"}),
		OrderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_order_retries_total",
			Help: "Order submission retries after transient errors",
		}),
		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kdj_order_submit_duration_seconds",
			Help:    "Time from submit to a definitive exchange answer, including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_fills_total",
			Help: "Fill deltas applied to the position",
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_open_orders",
			Help: "Orders awaiting a terminal status",
		}),

		Position: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_position_quantity",
			Help: "Signed position quantity (negative = short)",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_equity",
			Help: "Account equity reported by the exchange",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_daily_pnl",
			Help: "Realized PnL for the current UTC day",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_realized_pnl",
			Help: "Realized PnL since start",
		}),

		ReconcileMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_reconcile_mismatches_total",
			Help: "Local and exchange positions disagreed",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_halted",
			Help: "Trading halted pending operator action (0=running, 1=halted)",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_redis_buffered_checkpoints_total",
			Help: "Checkpoints held locally while the Redis circuit was open",
		}),

		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdj_trade_stream_connected",
			Help: "Trade update stream connection state (0/1)",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdj_trade_stream_disconnects_total",
			Help: "Trade update stream disconnections",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.CandlesTotal,
		m.TickDuration,
		m.LastCandleLag,
		m.KdjK,
		m.KdjD,
		m.KdjJ,
		m.SignalsTotal,
		m.VetoesTotal,
		m.StopLosses,
		m.OrdersTotal,
		m.OrderRetries,
		m.SubmitLatency,
		m.FillsTotal,
		m.OpenOrders,
		m.Position,
		m.Equity,
		m.DailyPnL,
		m.RealizedPnL,
		m.ReconcileMismatches,
		m.Halted,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.StreamConnected,
		m.StreamReconnects,
	)

	return m
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. Extra handlers are
// mounted on the same mux.
func NewServer(addr string, health *HealthStatus, extra map[string]http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

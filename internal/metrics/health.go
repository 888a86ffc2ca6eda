package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Pinger is anything that can prove it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the agent's health as seen by /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	ExchangeOK      bool      `json:"exchange_ok"`
	StreamConnected bool      `json:"stream_connected"`
	LastTickTime    time.Time `json:"last_tick_time"`
	RedisConnected  bool      `json:"redis_connected"`
	RedisEnabled    bool      `json:"redis_enabled"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	Halted          bool      `json:"halted"`
	HaltReason      string    `json:"halt_reason,omitempty"`

	// Liveness probe results
	ExchangeLatencyMs float64   `json:"exchange_latency_ms"`
	RedisLatencyMs    float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs   float64   `json:"sqlite_latency_ms"`
	LastCheckAt       time.Time `json:"last_check_at"`
	StartedAt         time.Time `json:"started_at"`

	// StaleAfter marks the loop unhealthy when no tick completed for this long.
	StaleAfter time.Duration `json:"-"`

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		now:       time.Now,
	}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetHalted(halted bool, reason string) {
	h.mu.Lock()
	h.Halted = halted
	h.HaltReason = reason
	h.mu.Unlock()
}

// CheckExchange pings the exchange and records latency + connectivity.
func (h *HealthStatus) CheckExchange(ctx context.Context, ex Pinger) {
	start := h.now()
	err := ex.Ping(ctx)
	latency := h.now().Sub(start)

	h.mu.Lock()
	h.ExchangeOK = err == nil
	h.ExchangeLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := h.now()
	err := rdb.Ping(ctx).Err()
	latency := h.now().Sub(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := h.now()
	err := db.PingContext(ctx)
	latency := h.now().Sub(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies
// are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, ex Pinger, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if ex != nil {
			h.CheckExchange(probeCtx, ex)
		}
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// Overall returns "healthy", "degraded" or "unhealthy".
func (h *HealthStatus) Overall() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.overall()
}

func (h *HealthStatus) overall() string {
	if h.Halted || !h.ExchangeOK || !h.SQLiteOK {
		return "unhealthy"
	}
	if h.StaleAfter > 0 && !h.LastTickTime.IsZero() && h.now().Sub(h.LastTickTime) > h.StaleAfter {
		return "unhealthy"
	}
	if !h.StreamConnected || (h.RedisEnabled && !h.RedisConnected) {
		return "degraded"
	}
	return "healthy"
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := h.overall()
	httpCode := http.StatusOK
	if overallStatus == "unhealthy" {
		httpCode = http.StatusServiceUnavailable
	}

	// Tick age
	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = h.now().Sub(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		ExchangeOK        bool    `json:"exchange_ok"`
		ExchangeLatencyMs float64 `json:"exchange_latency_ms"`
		StreamConnected   bool    `json:"stream_connected"`
		LastTickTime      string  `json:"last_tick_time"`
		TickAge           string  `json:"tick_age"`
		RedisEnabled      bool    `json:"redis_enabled"`
		RedisConnected    bool    `json:"redis_connected"`
		RedisLatencyMs    float64 `json:"redis_latency_ms"`
		SQLiteOK          bool    `json:"sqlite_ok"`
		SQLiteLatencyMs   float64 `json:"sqlite_latency_ms"`
		Halted            bool    `json:"halted"`
		HaltReason        string  `json:"halt_reason,omitempty"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            h.now().Sub(h.StartedAt).Round(time.Second).String(),
		ExchangeOK:        h.ExchangeOK,
		ExchangeLatencyMs: h.ExchangeLatencyMs,
		StreamConnected:   h.StreamConnected,
		LastTickTime:      h.LastTickTime.Format(time.RFC3339),
		TickAge:           tickAge,
		RedisEnabled:      h.RedisEnabled,
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		SQLiteOK:          h.SQLiteOK,
		SQLiteLatencyMs:   h.SQLiteLatencyMs,
		Halted:            h.Halted,
		HaltReason:        h.HaltReason,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

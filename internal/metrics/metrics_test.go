package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestNewMetricsWith_RegistersOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.SignalsTotal.WithLabelValues("buy").Inc()
	m.VetoesTotal.WithLabelValues("limit_exceeded").Add(2)
	m.Position.Set(-0.25)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsTotal.WithLabelValues("buy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.VetoesTotal.WithLabelValues("limit_exceeded")))
	assert.Equal(t, -0.25, testutil.ToFloat64(m.Position))

	// A second registration on the same registry must panic
	assert.Panics(t, func() { NewMetricsWith(reg) })
}

func healthAt(now time.Time) *HealthStatus {
	h := NewHealthStatus()
	h.now = func() time.Time { return now }
	h.StartedAt = now.Add(-time.Hour)
	return h
}

func serve(t *testing.T, h *HealthStatus) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth_Healthy(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := healthAt(now)
	h.CheckExchange(context.Background(), pingFunc(func(context.Context) error { return nil }))
	h.SQLiteOK = true
	h.SetStreamConnected(true)
	h.SetLastTickTime(now.Add(-time.Minute))
	h.StaleAfter = time.Hour

	code, body := serve(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1m0s", body["tick_age"])
}

func TestHealth_DegradedWithoutStreamOrRedis(t *testing.T) {
	h := healthAt(time.Now())
	h.ExchangeOK, h.SQLiteOK = true, true
	h.SetStreamConnected(false)
	assert.Equal(t, "degraded", h.Overall())

	h.SetStreamConnected(true)
	h.SetRedisEnabled(true)
	assert.Equal(t, "degraded", h.Overall(), "redis enabled but not connected")

	code, _ := serve(t, h)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealth_UnhealthyWhenHaltedOrStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := healthAt(now)
	h.ExchangeOK, h.SQLiteOK, h.StreamConnected = true, true, true

	h.SetHalted(true, "reconciliation mismatch")
	code, body := serve(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "reconciliation mismatch", body["halt_reason"])

	h.SetHalted(false, "")
	h.StaleAfter = 30 * time.Minute
	h.SetLastTickTime(now.Add(-time.Hour))
	assert.Equal(t, "unhealthy", h.Overall())
}

func TestHealth_ExchangeFailure(t *testing.T) {
	h := healthAt(time.Now())
	h.SQLiteOK = true
	h.CheckExchange(context.Background(), pingFunc(func(context.Context) error { return errors.New("down") }))
	assert.False(t, h.ExchangeOK)
	assert.Equal(t, "unhealthy", h.Overall())
}

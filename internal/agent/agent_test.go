package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdj-trader/config"
	"kdj-trader/internal/api"
	"kdj-trader/internal/store/sqlite"
	"kdj-trader/internal/trading"
)

// fakeMarket serves closed 15-minute ETH/USD bars ending before now and
// answers the clock endpoint used by the liveness check.
func fakeMarket(t *testing.T, bars int) (*httptest.Server, *int32) {
	var requests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta3/crypto/us/bars", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > bars {
			limit = bars
		}
		end := time.Now().UTC().Truncate(15 * time.Minute).Add(-15 * time.Minute)

		type bar struct {
			T time.Time `json:"t"`
			O float64   `json:"o"`
			H float64   `json:"h"`
			L float64   `json:"l"`
			C float64   `json:"c"`
			V float64   `json:"v"`
		}
		out := make([]bar, 0, limit)
		for i := 0; i < limit; i++ { // newest first
			c := 2000 + float64((bars-i)%5)*3
			out = append(out, bar{T: end.Add(-time.Duration(i) * 15 * time.Minute), O: c, H: c + 5, L: c - 5, C: c, V: 1})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"bars": map[string]any{"ETH/USD": out}})
	})
	mux.HandleFunc("/v2/clock", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"is_open":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &requests
}

func testConfig(t *testing.T, marketURL string) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Indicator.Period = 3
	cfg.Indicator.Capacity = 8
	cfg.Indicator.Warmup = 10
	cfg.Exchange.Paper = true
	cfg.Exchange.Stream = false
	cfg.Exchange.BaseURL = marketURL
	cfg.Exchange.DataURL = marketURL
	cfg.Storage.SQLitePath = filepath.Join(dir, "candles.db")
	cfg.Storage.JournalPath = filepath.Join(dir, "journal.db")
	cfg.Redis.Enabled = false
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.HealthInterval = 50 * time.Millisecond
	cfg.Server.ReconcileInterval = 50 * time.Millisecond
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Symbol = ""
	_, err := NewWithRegistry(cfg, prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestAgent_PaperRunWarmsUpAndShutsDown(t *testing.T) {
	srv, requests := fakeMarket(t, 20)
	cfg := testConfig(t, srv.URL)

	a, err := NewWithRegistry(cfg, prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Loop.Status().Ticks >= 3 },
		5*time.Second, 10*time.Millisecond)

	st := a.Loop.Status()
	require.NotNil(t, st.KDJ, "engine warmed from exchange history")
	require.NotNil(t, st.LastCandle)
	assert.False(t, st.Halted)
	assert.Greater(t, atomic.LoadInt32(requests), int32(1))

	// The operator API serves the live loop
	apiSrv := httptest.NewServer(api.NewRouter(a.Loop, a.Hub))
	defer apiSrv.Close()
	resp, err := http.Get(apiSrv.URL + "/status")
	require.NoError(t, err)
	var got trading.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "ETH/USD", got.Symbol)

	require.Eventually(t, func() bool { return a.Health.Overall() == "healthy" },
		3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The final engine snapshot is on disk for the next start
	r, err := sqlite.NewReader(cfg.Storage.SQLitePath, cfg.Timeframe)
	require.NoError(t, err)
	defer r.Close()
	snap, err := r.ReadLatestSnapshot(cfg.Symbol)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.LessOrEqual(t, st.KDJ.PeriodIndex, snap.State.PeriodIndex)
}

func TestHandleControl(t *testing.T) {
	srv, _ := fakeMarket(t, 20)
	a, err := NewWithRegistry(testConfig(t, srv.URL), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	a.handleControl(`{"command":"clear_halt"}`)
	a.handleControl(`{"command":"reconcile"}`)
	a.handleControl(`not json`)
	a.handleControl(`{"command":"launch"}`)
	assert.False(t, a.Loop.Halted())
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(ctx context.Context, channel string, payload any) error {
	f.calls++
	return fmt.Errorf("publish %s: down", channel)
}

func TestFanoutPublishesToAll(t *testing.T) {
	hub := api.NewHub()
	bad := &failingPublisher{}
	f := fanout{bad, hub}

	err := f.Publish(context.Background(), "ticks", map[string]int{"n": 1})
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, int64(1), hub.Seq("ticks"), "later publishers still run")
}

package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdj-trader/internal/model"
)

// fakeTradeStream authorizes, waits for listen, sends one fill and closes.
func fakeTradeStream(t *testing.T, authorized bool, connects *int32) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(connects, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		assert.Equal(t, "auth", auth["action"])
		assert.Equal(t, "key", auth["key"])

		status := "authorized"
		if !authorized {
			status = "unauthorized"
		}
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"stream":"authorization","data":{"status":"`+status+`","action":"authenticate"}}`))
		if !authorized {
			return
		}

		var listen map[string]any
		if err := conn.ReadJSON(&listen); err != nil {
			return
		}
		assert.Equal(t, "listen", listen["action"])

		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"listening","data":{"streams":["trade_updates"]}}`))
		// Binary frame, as the paper endpoint sends
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"stream":"trade_updates","data":{"event":"fill",
			"order":{"id":"ex-1","client_order_id":"cid-1","status":"filled","filled_qty":"0.5","filled_avg_price":"2000"}}}`))
		time.Sleep(50 * time.Millisecond)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_DeliversTradeUpdates(t *testing.T) {
	var connects int32
	srv := fakeTradeStream(t, true, &connects)
	defer srv.Close()

	c := NewClient(Config{APIKey: "key", SecretKey: "secret", StreamURL: wsURL(srv)})
	s := c.NewStream()
	s.ReconnectDelay = 10 * time.Millisecond

	updates := make(chan TradeUpdate, 4)
	s.OnUpdate = func(u TradeUpdate) { updates <- u }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go s.Run(ctx)

	select {
	case u := <-updates:
		assert.Equal(t, "fill", u.Event)
		assert.Equal(t, "cid-1", u.Report.ClientOrderID)
		assert.Equal(t, model.StatusFilled, u.Report.Status)
		assert.InDelta(t, 0.5, u.Report.FilledQty, 1e-12)
	case <-ctx.Done():
		t.Fatal("no trade update received")
	}

	// The server hangs up after each session; the stream reconnects
	require.Eventually(t, func() bool { return atomic.LoadInt32(&connects) >= 2 },
		3*time.Second, 10*time.Millisecond)
}

func TestStream_AuthFailureReconnects(t *testing.T) {
	var connects int32
	srv := fakeTradeStream(t, false, &connects)
	defer srv.Close()

	c := NewClient(Config{APIKey: "key", SecretKey: "wrong", StreamURL: wsURL(srv)})
	s := c.NewStream()
	s.ReconnectDelay = 10 * time.Millisecond

	var disconnects int32
	s.OnDisconnect = func(error) { atomic.AddInt32(&disconnects, 1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&disconnects) >= 2 },
		3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

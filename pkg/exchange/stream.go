package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kdj-trader/internal/model"
)

const (
	HeartBeatInterval = 30 * time.Second
	PongWait          = 60 * time.Second
	ReconnectDelay    = 5 * time.Second
	writeWait         = 10 * time.Second
)

// TradeUpdate is one event from the trade_updates stream.
type TradeUpdate struct {
	Event  string
	Report model.OrderReport
}

type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authData struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

type tradeUpdateData struct {
	Event string    `json:"event"`
	Order orderJSON `json:"order"`
}

// Stream follows the account's trade_updates feed and reconnects after a
// fixed delay when the connection drops. Updates are hints: the caller
// should confirm them through GetOrderStatus.
type Stream struct {
	url       string
	apiKey    string
	secretKey string

	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	// Callbacks
	OnUpdate     func(TradeUpdate)
	OnConnect    func()
	OnDisconnect func(err error)
}

// NewStream creates a trade-update stream using the client's credentials.
func (c *Client) NewStream() *Stream {
	return &Stream{
		url:            c.streamURL,
		apiKey:         c.apiKey,
		secretKey:      c.secretKey,
		Dialer:         websocket.DefaultDialer,
		ReconnectDelay: ReconnectDelay,
	}
}

// Run connects, authenticates, subscribes and dispatches updates until ctx
// is cancelled. Connection failures are retried after ReconnectDelay.
func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[stream] disconnected: %v (reconnecting in %s)", err, s.ReconnectDelay)
		if s.OnDisconnect != nil {
			s.OnDisconnect(err)
		}

		t := time.NewTimer(s.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close drops the current connection; Run reconnects unless ctx is done.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// session runs one connection until it fails or ctx ends.
func (s *Stream) session(ctx context.Context) error {
	conn, _, err := s.Dialer.DialContext(ctx, s.url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.Close()

	// Unblock the reader when ctx is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	if err := s.handshake(conn); err != nil {
		return err
	}
	log.Printf("[stream] connected to %s, listening for %s", s.url, routes["stream.trade_updates"])
	if s.OnConnect != nil {
		s.OnConnect()
	}

	conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	go s.heartbeatLoop(conn, done)

	return s.readLoop(conn)
}

func (s *Stream) handshake(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	auth := map[string]any{"action": "auth", "key": s.apiKey, "secret": s.secretKey}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(writeWait))
	msg, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	var a authData
	if msg.Stream != "authorization" || json.Unmarshal(msg.Data, &a) != nil || a.Status != "authorized" {
		return errors.New("stream authorization failed")
	}

	listen := map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{routes["stream.trade_updates"]}},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("send listen: %w", err)
	}
	return nil
}

// readLoop dispatches trade updates until the connection fails.
func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return err
		}
		switch msg.Stream {
		case "listening":
			log.Printf("[stream] subscription confirmed: %s", string(msg.Data))
		case routes["stream.trade_updates"]:
			var u tradeUpdateData
			if err := json.Unmarshal(msg.Data, &u); err != nil {
				log.Printf("[stream] bad trade update: %v", err)
				continue
			}
			if s.OnUpdate != nil {
				s.OnUpdate(TradeUpdate{Event: u.Event, Report: u.Order.report()})
			}
		}
	}
}

func (s *Stream) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(HeartBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Printf("[stream] ping failed: %v", err)
				return
			}
		}
	}
}

// readMessage reads one frame. The feed may send JSON in binary frames.
func readMessage(conn *websocket.Conn) (streamMessage, error) {
	var msg streamMessage
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}

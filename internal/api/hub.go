package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub fans agent events (tick reports, halts) out to websocket clients.
// It keeps the latest envelope per channel for new clients and a backlog
// per channel for gap backfill.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string][]byte
	seqs    map[string]int64
	replay  map[string]*backlog

	replaySize int
	now        func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		latest:     make(map[string][]byte),
		seqs:       make(map[string]int64),
		replay:     make(map[string]*backlog),
		replaySize: 256,
		now:        time.Now,
	}
}

// Publish encodes payload and broadcasts it on channel. It satisfies the
// trading loop's Publisher interface and never blocks on slow clients.
func (h *Hub) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", channel, err)
	}
	h.Broadcast(channel, data)
	return nil
}

// Broadcast sends pre-encoded JSON data on channel to every client.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := h.now().UTC()

	// Sequencing and backlog insertion share the lock so envelopes are
	// stored in seq order.
	h.mu.Lock()
	h.seqs[channel]++
	seq := h.seqs[channel]
	buf := encodeEnvelope(channel, data, now, seq)
	bl, ok := h.replay[channel]
	if !ok {
		bl = &backlog{}
		h.replay[channel] = bl
	}
	bl.add(seq, buf, h.replaySize)
	h.latest[channel] = buf
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- buf:
		default:
			// Slow client; it can backfill through the replay endpoint
		}
	}
}

func encodeEnvelope(channel string, data []byte, ts time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	return append(buf, '}')
}

// backlog holds the newest envelopes of one channel. Seqs are contiguous,
// so envs[i] carries seq first+i.
type backlog struct {
	first int64
	envs  [][]byte
}

func (b *backlog) add(seq int64, env []byte, limit int) {
	if len(b.envs) == 0 {
		b.first = seq
	}
	b.envs = append(b.envs, env)
	if over := len(b.envs) - limit; limit > 0 && over > 0 {
		clear(b.envs[:over])
		b.envs = b.envs[over:]
		b.first += int64(over)
	}
}

func (b *backlog) between(from, to int64) [][]byte {
	last := b.first + int64(len(b.envs)) - 1
	if from < b.first {
		from = b.first
	}
	if to > last {
		to = last
	}
	if from > to {
		return nil
	}
	out := make([][]byte, to-from+1)
	copy(out, b.envs[from-b.first:to-b.first+1])
	return out
}

// Attach registers an upgraded connection and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn) {
	c := &Client{conn: conn, send: make(chan []byte, 64), hub: h}

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	for _, env := range h.latest {
		select {
		case c.send <- env:
		default:
		}
	}
	h.mu.Unlock()

	log.Printf("[api] ws client connected (%d total)", n)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// Replay returns buffered envelopes for channel with seq in [from, to],
// oldest first.
func (h *Hub) Replay(channel string, from, to int64) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bl, ok := h.replay[channel]
	if !ok {
		return nil
	}
	return bl.between(from, to)
}

// Seq returns the last sequence number sent on channel.
func (h *Hub) Seq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seqs[channel]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Package api serves the operator surface of the agent: a JSON status and
// control API and a websocket feed of tick events.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"kdj-trader/internal/model"
	"kdj-trader/internal/trading"
)

// Controller is the part of the trading loop the API exposes.
// Implemented by *trading.Loop.
type Controller interface {
	Status() trading.Status
	ClearHalt() bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Routes returns the API handlers keyed by path, for mounting next to
// /metrics and /healthz. hub may be nil.
func Routes(ctl Controller, hub *Hub) map[string]http.Handler {
	routes := map[string]http.Handler{
		"/status":            statusHandler(ctl),
		"/api/v1/status":     statusHandler(ctl),
		"/api/v1/orders":     ordersHandler(ctl),
		"/api/v1/halt/clear": clearHaltHandler(ctl),
	}
	if hub != nil {
		routes["/ws"] = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Printf("[api] ws upgrade error: %v", err)
				return
			}
			hub.Attach(conn)
		})
		routes["/api/v1/events/missed"] = missedHandler(hub)
	}
	return routes
}

// NewRouter mounts Routes on a fresh mux.
func NewRouter(ctl Controller, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	for path, h := range Routes(ctl, hub) {
		mux.Handle(path, h)
	}
	return mux
}

func statusHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET only")
			return
		}
		writeJSON(w, http.StatusOK, ctl.Status())
	}
}

// ordersHandler lists open and recent orders. ?limit caps the recent list.
func ordersHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET only")
			return
		}
		st := ctl.Status()
		recent := st.RecentOrders
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			if n < len(recent) {
				recent = recent[:n]
			}
		}
		writeJSON(w, http.StatusOK, struct {
			Open   []model.Order `json:"open"`
			Recent []model.Order `json:"recent"`
		}{st.OpenOrders, recent})
	}
}

func clearHaltHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		cleared := ctl.ClearHalt()
		log.Printf("[api] halt clear requested from %s (was halted: %v)", r.RemoteAddr, cleared)
		writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
	}
}

// missedHandler serves GET ?channel=ticks&from=N&to=M for gap backfill.
func missedHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		q := r.URL.Query()
		channel := q.Get("channel")
		if channel == "" {
			writeError(w, http.StatusBadRequest, "channel is required")
			return
		}
		from, err := strconv.ParseInt(q.Get("from"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be an integer")
			return
		}
		to := hub.Seq(channel)
		if s := q.Get("to"); s != "" {
			if to, err = strconv.ParseInt(s, 10, 64); err != nil {
				writeError(w, http.StatusBadRequest, "to must be an integer")
				return
			}
		}

		envs := hub.Replay(channel, from, to)
		out := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

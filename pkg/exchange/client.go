// Package exchange is a REST and WebSocket client for an Alpaca-style crypto
// brokerage. It implements model.Exchange, model.MarketData and
// model.CandleHistory.
//
// Usage example:
//
//	c := exchange.NewClient(exchange.Config{APIKey: "key", SecretKey: "secret"})
//	equity, err := c.GetAccountEquity(ctx)
//	if err != nil { log.Fatal(err) }
//	ack, err := c.PlaceOrder(ctx, model.Order{ClientOrderID: id.New(), Symbol: "ETH/USD",
//	    Side: model.SideBuy, Type: model.OrderMarket, Quantity: 0.1})
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"kdj-trader/internal/model"
)

// ---- Config & client ----

type Config struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`

	BaseURL   string        `yaml:"base_url" json:"base_url"`     // default: https://paper-api.alpaca.markets
	DataURL   string        `yaml:"data_url" json:"data_url"`     // default: https://data.alpaca.markets
	StreamURL string        `yaml:"stream_url" json:"stream_url"` // default: wss://paper-api.alpaca.markets/stream
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`       // default: 7s
	Debug     bool          `yaml:"debug" json:"debug"`

	// TOTPSecret, when set, adds a one-time code header to every request
	// for gateways that require a second factor.
	TOTPSecret string `yaml:"totp_secret" json:"totp_secret"`
}

type Client struct {
	apiKey     string
	secretKey  string
	totpSecret string

	baseURL   string
	dataURL   string
	streamURL string
	debug     bool

	httpClient *http.Client

	mu        sync.Mutex
	delivered map[string]time.Time // symbol|timeframe → last close time returned

	now func() time.Time
}

const (
	defaultBase   = "https://paper-api.alpaca.markets"
	defaultData   = "https://data.alpaca.markets"
	defaultStream = "wss://paper-api.alpaca.markets/stream"

	totpHeader = "X-TOTP"
)

var routes = map[string]string{
	"api.account":          "/v2/account",
	"api.order.place":      "/v2/orders",
	"api.order.by_client":  "/v2/orders:by_client_order_id",
	"api.position":         "/v2/positions/",
	"api.clock":            "/v2/clock",
	"data.crypto.bars":     "/v1beta3/crypto/us/bars",
	"stream.trade_updates": "trade_updates",
}

// NewClient initializes the client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBase
	}
	if cfg.DataURL == "" {
		cfg.DataURL = defaultData
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultStream
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}

	return &Client{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		totpSecret: cfg.TOTPSecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		dataURL:    strings.TrimRight(cfg.DataURL, "/"),
		streamURL:  cfg.StreamURL,
		debug:      cfg.Debug,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		delivered:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// ---- Errors ----

// APIError is a non-2xx response. It unwraps to one of the model error
// classes so callers can decide whether to retry.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	class   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.class }

// classify maps an HTTP status to an error class: 429 and 5xx are
// transient, 404 is not-found, a 422 about a non-unique client order id is
// a duplicate, and any other 4xx is permanent.
func classify(status int, message string) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return model.ErrTransient
	case status == http.StatusNotFound:
		return model.ErrNotFound
	case status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(message), "client_order_id must be unique"):
		return model.ErrDuplicateOrder
	default:
		return model.ErrPermanent
	}
}

// ---- Helpers ----

func (c *Client) requestHeaders() (http.Header, error) {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("APCA-API-KEY-ID", c.apiKey)
	h.Set("APCA-API-SECRET-KEY", c.secretKey)
	if c.totpSecret != "" {
		code, err := totp.GenerateCode(c.totpSecret, c.now())
		if err != nil {
			return nil, fmt.Errorf("generate totp: %w", err)
		}
		h.Set(totpHeader, code)
	}
	return h, nil
}

func (c *Client) buildURL(root, route, suffix string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return root + uri + suffix, nil
}

// doRequest performs a request and decodes a 2xx JSON body into out.
func (c *Client) doRequest(ctx context.Context, method, root, route, suffix string, query url.Values, params, out any) error {
	fullURL, err := c.buildURL(root, route, suffix)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s: %w", route, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}
	headers, err := c.requestHeaders()
	if err != nil {
		return err
	}
	req.Header = headers

	if c.debug {
		log.Printf("[exchange] %s %s", method, fullURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, route, ctxErr)
		}
		return fmt.Errorf("%s %s: %w: %v", method, route, model.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %v", method, route, model.ErrTransient, err)
	}
	if c.debug {
		log.Printf("[exchange] %s %s -> %d %s", method, route, resp.StatusCode, string(raw))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		apiErr.class = classify(resp.StatusCode, apiErr.Message)
		return fmt.Errorf("%s %s: %w", method, route, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, route, err)
	}
	return nil
}

// ---- Account & positions ----

type account struct {
	Status      string          `json:"status"`
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

// GetAccountEquity returns total account equity in quote currency.
func (c *Client) GetAccountEquity(ctx context.Context) (float64, error) {
	var acct account
	if err := c.doRequest(ctx, http.MethodGet, c.baseURL, "api.account", "", nil, nil, &acct); err != nil {
		return 0, err
	}
	return acct.Equity.InexactFloat64(), nil
}

type position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// GetPosition returns the signed position quantity. A missing position is
// reported as flat, not as an error.
func (c *Client) GetPosition(ctx context.Context, symbol string) (float64, error) {
	var p position
	err := c.doRequest(ctx, http.MethodGet, c.baseURL, "api.position", url.PathEscape(positionSymbol(symbol)), nil, nil, &p)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	qty := p.Qty.InexactFloat64()
	if p.Side == "short" && qty > 0 {
		qty = -qty
	}
	return qty, nil
}

// Ping checks the trading API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, c.baseURL, "api.clock", "", nil, nil, nil)
}

// positionSymbol converts "ETH/USD" to the "ETHUSD" form used in position paths.
func positionSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// ---- Orders ----

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type orderJSON struct {
	ID             string              `json:"id"`
	ClientOrderID  string              `json:"client_order_id"`
	Symbol         string              `json:"symbol"`
	Status         string              `json:"status"`
	Qty            decimal.Decimal     `json:"qty"`
	FilledQty      decimal.Decimal     `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (o orderJSON) report() model.OrderReport {
	filled := o.FilledQty.InexactFloat64()
	rep := model.OrderReport{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ID,
		Status:          mapStatus(o.Status, filled),
		FilledQty:       filled,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.FilledAvgPrice.Valid {
		rep.AvgFillPrice = o.FilledAvgPrice.Decimal.InexactFloat64()
	}
	if rep.Status == model.StatusRejected {
		rep.RejectReason = "rejected by exchange"
	}
	return rep
}

// mapStatus folds the exchange's order statuses onto the local state machine.
func mapStatus(s string, filled float64) model.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "calculated":
		return model.StatusSubmitted
	case "partially_filled":
		return model.StatusPartiallyFilled
	case "filled":
		return model.StatusFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return model.StatusCancelled
	case "rejected", "suspended", "stopped":
		return model.StatusRejected
	}
	// pending_cancel, pending_replace and unknown states keep the order live
	if filled > 0 {
		return model.StatusPartiallyFilled
	}
	return model.StatusSubmitted
}

// PlaceOrder submits an order keyed by its client order id.
func (c *Client) PlaceOrder(ctx context.Context, o model.Order) (model.Ack, error) {
	if o.ClientOrderID == "" {
		return model.Ack{}, fmt.Errorf("client order id required: %w", model.ErrPermanent)
	}
	req := orderRequest{
		Symbol:        o.Symbol,
		Qty:           decimal.NewFromFloat(o.Quantity).String(),
		Side:          string(o.Side),
		Type:          string(o.Type),
		TimeInForce:   "gtc",
		ClientOrderID: o.ClientOrderID,
	}
	if o.Type == model.OrderLimit {
		req.LimitPrice = decimal.NewFromFloat(o.LimitPrice).String()
	}

	var resp orderJSON
	if err := c.doRequest(ctx, http.MethodPost, c.baseURL, "api.order.place", "", nil, req, &resp); err != nil {
		return model.Ack{}, err
	}
	rep := resp.report()
	return model.Ack{
		ClientOrderID:   rep.ClientOrderID,
		ExchangeOrderID: rep.ExchangeOrderID,
		Status:          rep.Status,
		FilledQty:       rep.FilledQty,
		AvgFillPrice:    rep.AvgFillPrice,
	}, nil
}

// GetOrderStatus looks an order up by client order id.
func (c *Client) GetOrderStatus(ctx context.Context, clientOrderID string) (model.OrderReport, error) {
	q := url.Values{}
	q.Set("client_order_id", clientOrderID)

	var resp orderJSON
	if err := c.doRequest(ctx, http.MethodGet, c.baseURL, "api.order.by_client", "", q, nil, &resp); err != nil {
		return model.OrderReport{}, err
	}
	return resp.report(), nil
}

// ---- Market data ----

type barJSON struct {
	T time.Time       `json:"t"`
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V decimal.Decimal `json:"v"`
}

type barsResponse struct {
	Bars          map[string][]barJSON `json:"bars"`
	NextPageToken *string              `json:"next_page_token"`
}

// FetchCandles returns up to limit closed candles, oldest first.
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()

	// One extra bar covers the still-forming one, which is dropped below.
	q := url.Values{}
	q.Set("symbols", symbol)
	q.Set("timeframe", timeframe)
	q.Set("limit", fmt.Sprint(limit+1))
	q.Set("start", now.Add(-time.Duration(limit+2)*tf).Format(time.RFC3339))
	q.Set("sort", "desc")

	var resp barsResponse
	if err := c.doRequest(ctx, http.MethodGet, c.dataURL, "data.crypto.bars", "", q, nil, &resp); err != nil {
		return nil, err
	}

	bars := resp.Bars[symbol]
	candles := make([]model.Candle, 0, len(bars))
	for i := len(bars) - 1; i >= 0; i-- {
		b := bars[i]
		cd := model.Candle{
			Symbol:    symbol,
			OpenTime:  b.T.UTC(),
			CloseTime: b.T.UTC().Add(tf),
			Open:      b.O.InexactFloat64(),
			High:      b.H.InexactFloat64(),
			Low:       b.L.InexactFloat64(),
			Close:     b.C.InexactFloat64(),
			Volume:    b.V.InexactFloat64(),
		}
		if cd.CloseTime.After(now) {
			continue
		}
		if n := len(candles); n > 0 && !cd.CloseTime.After(candles[n-1].CloseTime) {
			continue
		}
		candles = append(candles, cd)
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// FetchLatestCandle returns the most recent closed candle, or
// model.ErrNoNewData if it was already returned.
func (c *Client) FetchLatestCandle(ctx context.Context, symbol, timeframe string) (model.Candle, error) {
	candles, err := c.FetchCandles(ctx, symbol, timeframe, 2)
	if err != nil {
		return model.Candle{}, err
	}
	if len(candles) == 0 {
		return model.Candle{}, model.ErrNoNewData
	}
	latest := candles[len(candles)-1]

	key := symbol + "|" + timeframe
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.delivered[key]; ok && !latest.CloseTime.After(last) {
		return model.Candle{}, model.ErrNoNewData
	}
	c.delivered[key] = latest.CloseTime
	return latest, nil
}

// MarkDelivered records that candles up to closeTime have been consumed, so
// FetchLatestCandle does not return them again after a warm restart.
func (c *Client) MarkDelivered(symbol, timeframe string, closeTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := symbol + "|" + timeframe
	if closeTime.After(c.delivered[key]) {
		c.delivered[key] = closeTime
	}
}

// ParseTimeframe converts "15Min", "1Hour" or "1Day" style timeframes to a
// duration. "T", "H" and "D" suffixes are accepted too.
func ParseTimeframe(tf string) (time.Duration, error) {
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"Min", time.Minute}, {"Hour", time.Hour}, {"Day", 24 * time.Hour},
		{"T", time.Minute}, {"H", time.Hour}, {"D", 24 * time.Hour},
	}
	for _, u := range units {
		if !strings.HasSuffix(tf, u.suffix) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(tf, u.suffix), "%d", &n); err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid timeframe %q", tf)
		}
		return time.Duration(n) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", tf)
}

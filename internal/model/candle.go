package model

import (
	"encoding/json"
	"time"
)

// Candle represents a closed OHLCV bar for a single market.
// Prices are quote-currency floats (crypto trades in fractional units).
type Candle struct {
	Symbol    string    `json:"symbol"`
	OpenTime  time.Time `json:"open_time"`  // bar start (UTC)
	CloseTime time.Time `json:"close_time"` // bar end (UTC), unique per symbol
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Valid reports whether the OHLC values are internally consistent.
func (c *Candle) Valid() bool {
	if c.CloseTime.IsZero() || c.High < c.Low {
		return false
	}
	if c.Close > c.High || c.Close < c.Low {
		return false
	}
	return c.Low >= 0
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

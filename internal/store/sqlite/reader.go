package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"kdj-trader/internal/indicator"
	"kdj-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for backfill and snapshot restore.
type Reader struct {
	db        *sql.DB
	timeframe string
}

// NewReader opens a SQLite connection for reading candles of one timeframe.
func NewReader(dbPath, timeframe string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db, timeframe: timeframe}, nil
}

// ReadRecentCandles returns the newest limit candles for symbol, oldest first.
// It satisfies indicator.CandleReader.
func (r *Reader) ReadRecentCandles(symbol string, limit int) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT symbol, close_ts, open_ts, open, high, low, close, volume FROM (
			SELECT * FROM candles
			WHERE symbol = ? AND timeframe = ?
			ORDER BY close_ts DESC
			LIMIT ?
		) ORDER BY close_ts ASC
	`, symbol, r.timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// ReadCandlesAfter returns candles closed strictly after the given time,
// ordered by close time for correct replay order.
func (r *Reader) ReadCandlesAfter(symbol string, after time.Time) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT symbol, close_ts, open_ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND close_ts > ?
		ORDER BY close_ts ASC
	`, symbol, r.timeframe, after.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var candles []model.Candle
	for rows.Next() {
		var (
			c               model.Candle
			closeTS, openTS int64
			volume          sql.NullFloat64
		)
		if err := rows.Scan(&c.Symbol, &closeTS, &openTS, &c.Open, &c.High, &c.Low, &c.Close, &volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.CloseTime = time.Unix(closeTS, 0).UTC()
		c.OpenTime = time.Unix(openTS, 0).UTC()
		c.Volume = volume.Float64
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// ReadLatestSnapshot loads the most recent indicator engine snapshot for symbol.
func (r *Reader) ReadLatestSnapshot(symbol string) (*indicator.EngineSnapshot, error) {
	var data string
	err := r.db.QueryRow(`
		SELECT data FROM indicator_snapshots
		WHERE symbol = ?
		ORDER BY id DESC
		LIMIT 1
	`, symbol).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no snapshot
		}
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

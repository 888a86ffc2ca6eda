package execution

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kdj-trader/internal/model"
)

// Journal persists orders and fills to SQLite for audit and restart.
// An order row is written before its first submission attempt, so its
// client order id survives a crash mid-submit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id   TEXT PRIMARY KEY,
		exchange_order_id TEXT,
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		type              TEXT NOT NULL,
		quantity          REAL NOT NULL,
		limit_price       REAL DEFAULT 0,
		status            TEXT NOT NULL,
		filled_qty        REAL DEFAULT 0,
		avg_fill_price    REAL DEFAULT 0,
		reason            TEXT,
		reject_reason     TEXT,
		attempts          INTEGER DEFAULT 0,
		unknown           INTEGER DEFAULT 0,
		created_at        DATETIME NOT NULL,
		submitted_at      DATETIME,
		updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);

	CREATE TABLE IF NOT EXISTS fills (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id   TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		side       TEXT NOT NULL,
		cum_qty    REAL NOT NULL,
		qty        REAL NOT NULL,
		price      REAL NOT NULL,
		filled_at  DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(order_id, cum_qty)
	);
	CREATE INDEX IF NOT EXISTS idx_fills_filled_at ON fills(filled_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened order journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// SaveOrder inserts or replaces the current state of an order.
func (j *Journal) SaveOrder(o model.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO orders (client_order_id, exchange_order_id, symbol, side, type,
		   quantity, limit_price, status, filled_qty, avg_fill_price, reason, reject_reason,
		   attempts, unknown, created_at, submitted_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID,
		o.ExchangeOrderID,
		o.Symbol,
		string(o.Side),
		string(o.Type),
		o.Quantity,
		o.LimitPrice,
		string(o.Status),
		o.FilledQty,
		o.AvgFillPrice,
		o.Reason,
		o.RejectReason,
		o.Attempts,
		o.Unknown,
		formatTime(o.CreatedAt),
		formatTime(o.SubmittedAt),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecordFill persists a fill. Replaying the same fill is a no-op.
func (j *Journal) RecordFill(f model.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO fills (order_id, symbol, side, cum_qty, qty, price, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID,
		f.Symbol,
		string(f.Side),
		f.CumQty,
		f.Qty,
		f.Price,
		formatTime(f.At),
	)
	return err
}

const orderColumns = `client_order_id, exchange_order_id, symbol, side, type, quantity, limit_price,
	status, filled_qty, avg_fill_price, reason, reject_reason, attempts, unknown, created_at, submitted_at`

// OpenOrders returns orders that have not reached a terminal status, oldest
// first. Used on restart when no checkpoint is available.
func (j *Journal) OpenOrders() ([]model.Order, error) {
	return j.queryOrders(
		`SELECT `+orderColumns+` FROM orders
		 WHERE status NOT IN (?, ?, ?) ORDER BY client_order_id ASC`,
		string(model.StatusFilled), string(model.StatusRejected), string(model.StatusCancelled))
}

// GetOrders returns the last N orders, newest first.
func (j *Journal) GetOrders(limit int) ([]model.Order, error) {
	return j.queryOrders(
		`SELECT `+orderColumns+` FROM orders ORDER BY client_order_id DESC LIMIT ?`, limit)
}

func (j *Journal) queryOrders(query string, args ...any) ([]model.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o                      model.Order
			exchID, reason, reject sql.NullString
			side, typ, status      string
			created, submitted     sql.NullString
		)
		if err := rows.Scan(&o.ClientOrderID, &exchID, &o.Symbol, &side, &typ, &o.Quantity,
			&o.LimitPrice, &status, &o.FilledQty, &o.AvgFillPrice, &reason, &reject,
			&o.Attempts, &o.Unknown, &created, &submitted); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.ExchangeOrderID = exchID.String
		o.Side = model.Side(side)
		o.Type = model.OrderType(typ)
		o.Status = model.OrderStatus(status)
		o.Reason = reason.String
		o.RejectReason = reject.String
		o.CreatedAt = parseTime(created.String)
		o.SubmittedAt = parseTime(submitted.String)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetFills returns the last N fills, newest first.
func (j *Journal) GetFills(limit int) ([]model.Fill, error) {
	return j.queryFills(
		`SELECT order_id, symbol, side, cum_qty, qty, price, filled_at
		 FROM fills ORDER BY id DESC LIMIT ?`, limit)
}

// FillsAsc returns every recorded fill in the order it was journaled.
func (j *Journal) FillsAsc() ([]model.Fill, error) {
	return j.queryFills(
		`SELECT order_id, symbol, side, cum_qty, qty, price, filled_at
		 FROM fills ORDER BY id ASC`)
}

func (j *Journal) queryFills(query string, args ...any) ([]model.Fill, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var (
			f        model.Fill
			side, at string
		)
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &f.CumQty, &f.Qty, &f.Price, &at); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = model.Side(side)
		f.At = parseTime(at)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Ping checks the database is reachable.
func (j *Journal) Ping() error {
	return j.db.Ping()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

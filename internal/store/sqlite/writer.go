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

// keepSnapshots is how many engine snapshots are retained per symbol.
const keepSnapshots = 10

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath    string // path to SQLite database file, e.g. "data/candles.db"
	Timeframe string // candle timeframe stored by this writer, e.g. "15Min"
}

// Writer persists closed candles and indicator snapshots.
type Writer struct {
	db        *sql.DB
	timeframe string
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db, timeframe: cfg.Timeframe}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			close_ts   INTEGER NOT NULL,
			open_ts    INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL,
			PRIMARY KEY (symbol, timeframe, close_ts)
		);

		CREATE TABLE IF NOT EXISTS indicator_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_symbol ON indicator_snapshots(symbol, id);
	`)
	return err
}

// SaveCandle stores one closed candle. Re-saving the same candle replaces it.
func (w *Writer) SaveCandle(c model.Candle) error {
	return w.SaveCandles([]model.Candle{c})
}

// SaveCandles inserts a batch of candles in a single transaction.
func (w *Writer) SaveCandles(candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, timeframe, close_ts, open_ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.Exec(c.Symbol, w.timeframe, c.CloseTime.Unix(), c.OpenTime.Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if len(candles) > 1 {
		log.Printf("[sqlite] committed %d candles in %v", len(candles), time.Since(start))
	}
	return nil
}

// GetLastCloseTime returns the close time of the newest stored candle.
// Returns the zero time if no candles exist.
func (w *Writer) GetLastCloseTime(symbol string) (time.Time, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(close_ts) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, w.timeframe,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// SaveSnapshot saves an indicator engine snapshot to SQLite.
func (w *Writer) SaveSnapshot(snap *indicator.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = w.db.Exec(`INSERT INTO indicator_snapshots (symbol, data, created_at) VALUES (?, ?, ?)`,
		snap.Symbol, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	// Prune old snapshots
	_, err = w.db.Exec(`DELETE FROM indicator_snapshots WHERE symbol = ? AND id NOT IN
		(SELECT id FROM indicator_snapshots WHERE symbol = ? ORDER BY id DESC LIMIT ?)`,
		snap.Symbol, snap.Symbol, keepSnapshots)
	if err != nil {
		log.Printf("[sqlite] prune snapshots warning: %v", err)
	}

	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"kdj-trader/internal/indicator"
	"kdj-trader/internal/model"
	"kdj-trader/internal/portfolio"

	goredis "github.com/go-redis/redis/v8"
)

const (
	checkpointVersion = 1
	snapshotTTL       = 24 * time.Hour
	flushTimeout      = 5 * time.Second
)

// Config configures the checkpoint store.
type Config struct {
	Addr      string `yaml:"addr" json:"addr"` // e.g. "localhost:6379"
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"` // default "kdj"

	MaxFailures  int           `yaml:"max_failures" json:"max_failures"`   // breaker threshold, default 3
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"` // breaker cool-down, default 30s
}

// Checkpoint is the agent state needed to resume after a restart.
type Checkpoint struct {
	Version         int                  `json:"version"`
	Symbol          string               `json:"symbol"`
	SavedAt         time.Time            `json:"saved_at"`
	Tracker         portfolio.Checkpoint `json:"tracker"`
	OpenOrders      []model.Order        `json:"open_orders,omitempty"`
	Halted          bool                 `json:"halted"`
	HaltReason      string               `json:"halt_reason,omitempty"`
	LastCandleClose time.Time            `json:"last_candle_close"`
}

// CheckpointStore keeps the latest agent checkpoint and indicator snapshot
// in Redis behind a circuit breaker. While the circuit is open only the
// newest checkpoint is held back; it is written once the circuit closes.
type CheckpointStore struct {
	client *goredis.Client
	prefix string
	cb     *CircuitBreaker

	mu      sync.Mutex
	pending *Checkpoint

	// Callbacks
	OnBuffer func()              // called when a checkpoint is held back (for metrics)
	OnFlush  func(symbol string) // called after a held-back checkpoint is written
}

// New connects to Redis and pings the server.
func New(cfg Config) (*CheckpointStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	cs := NewWithClient(client, cfg.KeyPrefix)
	if cfg.MaxFailures > 0 || cfg.ResetTimeout > 0 {
		cs.setBreaker(NewCircuitBreaker(cfg.MaxFailures, orDefault(cfg.ResetTimeout, 30*time.Second)))
	}
	return cs, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, prefix string) *CheckpointStore {
	if prefix == "" {
		prefix = "kdj"
	}
	cs := &CheckpointStore{client: client, prefix: prefix}
	cs.setBreaker(NewCircuitBreaker(3, 30*time.Second))
	return cs
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (cs *CheckpointStore) setBreaker(cb *CircuitBreaker) {
	cs.cb = cb
	cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit %s -> %s", from, to)
		if to == StateClosed {
			go cs.flush()
		}
	}
}

// Breaker exposes the circuit breaker so callers can observe its state.
func (cs *CheckpointStore) Breaker() *CircuitBreaker { return cs.cb }

// Client returns the underlying Redis client for health checks.
func (cs *CheckpointStore) Client() *goredis.Client { return cs.client }

func (cs *CheckpointStore) checkpointKey(symbol string) string {
	return fmt.Sprintf("%s:checkpoint:%s", cs.prefix, symbol)
}

func (cs *CheckpointStore) snapshotKey(symbol string) string {
	return fmt.Sprintf("%s:snapshot:%s", cs.prefix, symbol)
}

// SaveCheckpoint writes cp through the circuit breaker. When the circuit is
// open the checkpoint replaces any previously held one and nil is returned.
func (cs *CheckpointStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.Version == 0 {
		cp.Version = checkpointVersion
	}
	err := cs.cb.Do(ctx, func(ctx context.Context) error {
		return cs.write(ctx, cp)
	})
	if err == ErrCircuitOpen {
		cs.mu.Lock()
		cs.pending = cp
		cs.mu.Unlock()
		if cs.OnBuffer != nil {
			cs.OnBuffer()
		}
		return nil
	}
	if err == nil {
		// A newer checkpoint supersedes the held one
		cs.mu.Lock()
		if cs.pending != nil && !cs.pending.SavedAt.After(cp.SavedAt) {
			cs.pending = nil
		}
		cs.mu.Unlock()
	}
	return err
}

func (cs *CheckpointStore) write(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := cs.client.Set(ctx, cs.checkpointKey(cp.Symbol), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set checkpoint: %w", err)
	}
	return nil
}

// flush writes the held-back checkpoint, if any.
func (cs *CheckpointStore) flush() {
	cs.mu.Lock()
	cp := cs.pending
	cs.pending = nil
	cs.mu.Unlock()
	if cp == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := cs.write(ctx, cp); err != nil {
		log.Printf("[redis] flush checkpoint failed: %v", err)
		cs.mu.Lock()
		if cs.pending == nil {
			cs.pending = cp
		}
		cs.mu.Unlock()
		return
	}
	log.Printf("[redis] flushed held checkpoint for %s (saved %s)", cp.Symbol, cp.SavedAt.Format(time.RFC3339))
	if cs.OnFlush != nil {
		cs.OnFlush(cp.Symbol)
	}
}

// HasPending reports whether a checkpoint is waiting for the circuit to close.
func (cs *CheckpointStore) HasPending() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.pending != nil
}

// LoadCheckpoint returns the stored checkpoint for symbol, or nil if none.
func (cs *CheckpointStore) LoadCheckpoint(ctx context.Context, symbol string) (*Checkpoint, error) {
	data, err := cs.client.Get(ctx, cs.checkpointKey(symbol)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get checkpoint %s: %w", symbol, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint version %d not supported", cp.Version)
	}
	return &cp, nil
}

// SaveSnapshot stores an indicator engine snapshot. Snapshots are also kept
// in SQLite for durability, so the Redis copy expires.
func (cs *CheckpointStore) SaveSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return cs.cb.Do(ctx, func(ctx context.Context) error {
		return cs.client.Set(ctx, cs.snapshotKey(snap.Symbol), data, snapshotTTL).Err()
	})
}

// LoadSnapshot loads the latest engine snapshot for symbol, or nil if none.
func (cs *CheckpointStore) LoadSnapshot(ctx context.Context, symbol string) (*indicator.EngineSnapshot, error) {
	data, err := cs.client.Get(ctx, cs.snapshotKey(symbol)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", symbol, err)
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Publish sends a message on a pub/sub channel under the key prefix.
// Used to broadcast tick summaries and order events to dashboards.
func (cs *CheckpointStore) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return cs.cb.Do(ctx, func(ctx context.Context) error {
		return cs.client.Publish(ctx, cs.prefix+":"+channel, data).Err()
	})
}

// Subscribe opens a pub/sub subscription on a prefixed channel.
func (cs *CheckpointStore) Subscribe(ctx context.Context, channel string) *goredis.PubSub {
	return cs.client.Subscribe(ctx, cs.prefix+":"+channel)
}

// Close closes the Redis client.
func (cs *CheckpointStore) Close() error {
	return cs.client.Close()
}

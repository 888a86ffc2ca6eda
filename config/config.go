// Package config loads the agent configuration from a YAML file with
// environment overrides. The Config is treated as immutable once the agent
// starts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kdj-trader/internal/execution"
	"kdj-trader/internal/portfolio"
	"kdj-trader/internal/store/redis"
	"kdj-trader/pkg/exchange"
)

// Config holds all application configuration.
type Config struct {
	Symbol       string        `yaml:"symbol" json:"symbol"`
	Timeframe    string        `yaml:"timeframe" json:"timeframe"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	Indicator IndicatorConfig      `yaml:"indicator" json:"indicator"`
	Signal    SignalConfig         `yaml:"signal" json:"signal"`
	Risk      portfolio.RiskLimits `yaml:"risk" json:"risk"`
	Execution execution.Config     `yaml:"execution" json:"execution"`
	Exchange  ExchangeConfig       `yaml:"exchange" json:"exchange"`
	Storage   StorageConfig        `yaml:"storage" json:"storage"`
	Redis     RedisConfig          `yaml:"redis" json:"redis"`
	Server    ServerConfig         `yaml:"server" json:"server"`
	Log       LogConfig            `yaml:"log" json:"log"`
	Notify    NotifyConfig         `yaml:"notify" json:"notify"`
}

type IndicatorConfig struct {
	Period   int `yaml:"period" json:"period"`
	Capacity int `yaml:"capacity" json:"capacity"` // candles kept in memory; >= period
	Warmup   int `yaml:"warmup" json:"warmup"`     // candles fetched on cold start
}

type SignalConfig struct {
	Oversold   float64 `yaml:"oversold" json:"oversold"`
	Overbought float64 `yaml:"overbought" json:"overbought"`
}

// ExchangeConfig embeds the REST/stream client settings and adds paper mode.
type ExchangeConfig struct {
	exchange.Config `yaml:",inline"`

	Paper       bool    `yaml:"paper" json:"paper"`
	PaperCash   float64 `yaml:"paper_cash" json:"paper_cash"`
	SlippageBps float64 `yaml:"slippage_bps" json:"slippage_bps"`
	Stream      bool    `yaml:"stream" json:"stream"` // subscribe to trade updates
}

type StorageConfig struct {
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
	JournalPath string `yaml:"journal_path" json:"journal_path"`
}

type RedisConfig struct {
	redis.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr"` // /metrics, /healthz, /status, /api/v1/*
	ReconcileInterval time.Duration `yaml:"reconcile_interval" json:"reconcile_interval"`
	HealthInterval    time.Duration `yaml:"health_interval" json:"health_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url" json:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token" json:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id" json:"telegram_chat_id"`
	MinLevel       string `yaml:"min_level" json:"min_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Symbol:       "ETH/USD",
		Timeframe:    "15Min",
		PollInterval: 15 * time.Minute,
		Indicator: IndicatorConfig{
			Period:   9,
			Capacity: 64,
			Warmup:   100,
		},
		Signal: SignalConfig{
			Oversold:   20,
			Overbought: 80,
		},
		Risk:      portfolio.DefaultRiskLimits(),
		Execution: execution.DefaultConfig(),
		Exchange: ExchangeConfig{
			Config: exchange.Config{
				BaseURL:   "https://paper-api.alpaca.markets",
				DataURL:   "https://data.alpaca.markets",
				StreamURL: "wss://paper-api.alpaca.markets/stream",
				Timeout:   7 * time.Second,
			},
			PaperCash: 10000,
			Stream:    true,
		},
		Storage: StorageConfig{
			SQLitePath:  "data/candles.db",
			JournalPath: "data/journal.db",
		},
		Redis: RedisConfig{
			Config: redis.Config{
				Addr:         "localhost:6379",
				KeyPrefix:    "kdj",
				MaxFailures:  3,
				ResetTimeout: 30 * time.Second,
			},
		},
		Server: ServerConfig{
			Addr:              ":9090",
			ReconcileInterval: 30 * time.Second,
			HealthInterval:    15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Notify: NotifyConfig{
			MinLevel: "WARNING",
		},
	}
}

// LoadFromFile reads YAML (or JSON) from path on top of Default().
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, errors.Join(yerr, jerr))
		}
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides file values with environment variables. Secrets are
// expected to come from the environment rather than the file.
func (c *Config) ApplyEnv() {
	c.Symbol = getEnv("KDJ_SYMBOL", c.Symbol)
	c.Timeframe = getEnv("KDJ_TIMEFRAME", c.Timeframe)
	c.PollInterval = getEnvDuration("KDJ_POLL_INTERVAL", c.PollInterval)

	c.Exchange.APIKey = getEnv("EXCHANGE_API_KEY", c.Exchange.APIKey)
	c.Exchange.SecretKey = getEnv("EXCHANGE_SECRET_KEY", c.Exchange.SecretKey)
	c.Exchange.TOTPSecret = getEnv("EXCHANGE_TOTP_SECRET", c.Exchange.TOTPSecret)
	c.Exchange.BaseURL = getEnv("EXCHANGE_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.Paper = getEnvBool("KDJ_PAPER", c.Exchange.Paper)

	c.Storage.SQLitePath = getEnv("SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.JournalPath = getEnv("JOURNAL_PATH", c.Storage.JournalPath)

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Server.Addr = getEnv("METRICS_ADDR", c.Server.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if _, err := exchange.ParseTimeframe(c.Timeframe); err != nil {
		errs = append(errs, err)
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Indicator.Period < 1 {
		errs = append(errs, errors.New("indicator.period must be >= 1"))
	}
	if c.Indicator.Capacity < c.Indicator.Period {
		errs = append(errs, fmt.Errorf("indicator.capacity %d must be >= period %d", c.Indicator.Capacity, c.Indicator.Period))
	}
	if s := c.Signal; s.Oversold < 0 || s.Overbought > 100 || s.Oversold >= s.Overbought {
		errs = append(errs, fmt.Errorf("signal thresholds must satisfy 0 <= oversold < overbought <= 100, got %v/%v", s.Oversold, s.Overbought))
	}
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if c.Execution.Backoff.MaxAttempts < 1 {
		errs = append(errs, errors.New("execution.backoff.max_attempts must be >= 1"))
	}
	if !c.Exchange.Paper && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		errs = append(errs, errors.New("exchange api_key and secret_key are required unless paper mode is on"))
	}
	if c.Exchange.Paper && c.Exchange.PaperCash <= 0 {
		errs = append(errs, errors.New("exchange.paper_cash must be positive in paper mode"))
	}
	if c.Storage.SQLitePath == "" || c.Storage.JournalPath == "" {
		errs = append(errs, errors.New("storage paths are required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ValidInPaperMode(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "ETH/USD", cfg.Symbol)
	assert.Equal(t, "15Min", cfg.Timeframe)
	assert.Equal(t, 9, cfg.Indicator.Period)
	assert.Equal(t, 20.0, cfg.Signal.Oversold)
	assert.Equal(t, 80.0, cfg.Signal.Overbought)
	assert.Equal(t, 5, cfg.Execution.Backoff.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.Backoff.Base)

	// No credentials: only valid in paper mode
	require.Error(t, cfg.Validate())
	cfg.Exchange.Paper = true
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kdj.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbol: ETH/USDT
timeframe: 1Hour
poll_interval: 1h
indicator:
  period: 14
signal:
  oversold: 10
risk:
  stop_loss_pct: 0.05
execution:
  backoff:
    max_attempts: 3
    base: 250ms
exchange:
  api_key: k
  secret_key: s
  paper: true
redis:
  enabled: true
  addr: redis:6379
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDT", cfg.Symbol)
	assert.Equal(t, time.Hour, cfg.PollInterval)
	assert.Equal(t, 14, cfg.Indicator.Period)
	assert.Equal(t, 64, cfg.Indicator.Capacity, "unset fields keep defaults")
	assert.Equal(t, 10.0, cfg.Signal.Oversold)
	assert.Equal(t, 80.0, cfg.Signal.Overbought)
	assert.Equal(t, 0.05, cfg.Risk.StopLossPct)
	assert.Equal(t, 0.5, cfg.Risk.MaxOrderSize)
	assert.Equal(t, 3, cfg.Execution.Backoff.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Execution.Backoff.Base)
	assert.Equal(t, 8*time.Second, cfg.Execution.Backoff.Max)
	assert.Equal(t, "k", cfg.Exchange.APIKey)
	assert.True(t, cfg.Exchange.Paper)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "kdj", cfg.Redis.KeyPrefix)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbol: [unclosed"), 0o600))
	_, err = LoadFromFile(path)
	require.Error(t, err)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Symbol = "ETH/USDT"
	cfg.Risk.MaxDailyLoss = 250
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KDJ_SYMBOL", "ETH/EUR")
	t.Setenv("KDJ_POLL_INTERVAL", "5m")
	t.Setenv("KDJ_PAPER", "true")
	t.Setenv("EXCHANGE_API_KEY", "env-key")
	t.Setenv("REDIS_ADDR", "10.0.0.1:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "ETH/EUR", cfg.Symbol)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.True(t, cfg.Exchange.Paper)
	assert.Equal(t, "env-key", cfg.Exchange.APIKey)
	assert.Equal(t, "10.0.0.1:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled, "setting REDIS_ADDR enables checkpoints")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnv_BadValuesKeepFallback(t *testing.T) {
	t.Setenv("KDJ_POLL_INTERVAL", "soon")
	t.Setenv("KDJ_PAPER", "maybe")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 15*time.Minute, cfg.PollInterval)
	assert.False(t, cfg.Exchange.Paper)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad timeframe", func(c *Config) { c.Timeframe = "15x" }, "invalid timeframe"},
		{"zero period", func(c *Config) { c.Indicator.Period = 0 }, "period"},
		{"capacity below period", func(c *Config) { c.Indicator.Capacity = 5 }, "capacity"},
		{"inverted thresholds", func(c *Config) { c.Signal.Oversold = 90 }, "oversold < overbought"},
		{"bad risk", func(c *Config) { c.Risk.EquityFraction = 0 }, "equity_fraction"},
		{"no attempts", func(c *Config) { c.Execution.Backoff.MaxAttempts = 0 }, "max_attempts"},
		{"no paper cash", func(c *Config) { c.Exchange.PaperCash = 0 }, "paper_cash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Exchange.Paper = true
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

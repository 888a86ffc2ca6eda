package cli

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdj-trader/internal/execution"
	"kdj-trader/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "kdjtrader version "+Version)
}

func TestConfigInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kdj.yaml")
	t.Setenv("EXCHANGE_API_KEY", "")
	t.Setenv("EXCHANGE_SECRET_KEY", "")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	t.Setenv("KDJ_PAPER", "false")
	_, err = execute(t, "config", "validate", "-f", path)
	require.Error(t, err, "live mode without credentials")
	assert.Contains(t, err.Error(), "api_key")

	t.Setenv("KDJ_PAPER", "true")
	out, err = execute(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ETH/USD 15Min")
	assert.Contains(t, out, "Paper: true")
}

func TestConfigValidate_RequiresFile(t *testing.T) {
	_, err := execute(t, "config", "validate")
	assert.Error(t, err)
}

func TestJournalOrdersAndFills(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	j, err := execution.NewJournal(db)
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.SaveOrder(model.Order{
		ClientOrderID: "01HXA", Symbol: "ETH/USD", Side: model.SideBuy, Type: model.OrderMarket,
		Quantity: 0.5, FilledQty: 0.5, AvgFillPrice: 1930, Status: model.StatusFilled,
		Reason: "golden_cross", CreatedAt: at,
	}))
	require.NoError(t, j.SaveOrder(model.Order{
		ClientOrderID: "01HXB", Symbol: "ETH/USD", Side: model.SideSell, Type: model.OrderMarket,
		Quantity: 0.5, Status: model.StatusSubmitted, Reason: "dead_cross", CreatedAt: at.Add(time.Hour),
	}))
	require.NoError(t, j.RecordFill(model.Fill{
		OrderID: "01HXA", Symbol: "ETH/USD", Side: model.SideBuy, CumQty: 0.5, Qty: 0.5, Price: 1930, At: at,
	}))
	require.NoError(t, j.Close())

	out, err := execute(t, "journal", "orders", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "01HXA")
	assert.Contains(t, out, "golden_cross")
	assert.Contains(t, out, "01HXB")

	out, err = execute(t, "journal", "open", "--db", db)
	require.NoError(t, err)
	assert.NotContains(t, out, "01HXA")
	assert.Contains(t, out, "01HXB")

	out, err = execute(t, "journal", "fills", "--db", db, "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "1930.00")
	assert.Contains(t, out, "2024-05-01T12:00:00Z")
}

func TestRun_RejectsBadConfigPath(t *testing.T) {
	_, err := execute(t, "run", "-f", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FOLIO_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.StockIncrementalThresholdDays)
	assert.Equal(t, 90, cfg.FinancialRefreshDays)
	assert.Equal(t, 2, cfg.BatchDelaySeconds)
	assert.Equal(t, "2000-01-01", cfg.DefaultStartDate)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Watchlist)
	assert.Empty(t, cfg.Backup.Bucket)
}

func TestLoad_FinnhubTokenAlias(t *testing.T) {
	t.Setenv("FOLIO_DATA_DIR", t.TempDir())
	t.Setenv("FINNHUB_API_KEY", "")
	t.Setenv("FINNHUB_TOKEN", "legacy-token")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "legacy-token", cfg.FinnhubAPIKey)
}

func TestLoad_Watchlist(t *testing.T) {
	t.Setenv("FOLIO_DATA_DIR", t.TempDir())
	t.Setenv("WATCHLIST", "aapl, MSFT ,,googl")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "GOOGL"}, cfg.Watchlist)
}

func TestLoad_InvalidThreshold(t *testing.T) {
	t.Setenv("FOLIO_DATA_DIR", t.TempDir())
	t.Setenv("STOCK_INCREMENTAL_THRESHOLD_DAYS", "-1")

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabasePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOLIO_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Contains(t, cfg.DatabasePath(), "folio.db")
}

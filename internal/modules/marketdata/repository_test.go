package marketdata

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    ":memory:",
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.EnsureCoreSchema(db))
	return NewRepository(db.Conn(), zerolog.Nop())
}

func sampleBars() []domain.PriceBar {
	return []domain.PriceBar{
		{Date: "2024-01-10", Open: 100, High: 105, Low: 99, Close: 104, AdjClose: 104, Volume: 1000},
		{Date: "2024-01-11", Open: 104, High: 106, Low: 103, Close: 105, AdjClose: 105, Volume: 1100},
		{Date: "2024-01-12", Open: 105, High: 107, Low: 104, Close: 106, AdjClose: 106, Volume: 900},
	}
}

func TestStorePriceBars_AndRead(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))

	stored, err := repo.StorePriceBars("AAPL", sampleBars())
	require.NoError(t, err)
	assert.Equal(t, 3, stored)

	bars, err := repo.GetStockData("AAPL", "", "")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, "2024-01-10", bars[0].Date)
	assert.Equal(t, 104.0, bars[0].Close)

	// Range query.
	bars, err = repo.GetStockData("AAPL", "2024-01-11", "2024-01-11")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 105.0, bars[0].Close)
}

func TestStorePriceBars_ReplacesOnConflict(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))

	_, err := repo.StorePriceBars("AAPL", sampleBars())
	require.NoError(t, err)

	// Re-store the same dates with a revised close.
	revised := sampleBars()
	revised[0].Close = 200
	revised[0].High = 200
	_, err = repo.StorePriceBars("AAPL", revised)
	require.NoError(t, err)

	bars, err := repo.GetStockData("AAPL", "2024-01-10", "2024-01-10")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 200.0, bars[0].Close)
}

func TestStorePriceBars_SkipsInvalid(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))

	bars := sampleBars()
	bars[1].Low = 999 // violates low <= min(open, close)
	stored, err := repo.StorePriceBars("AAPL", bars)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
}

func TestGetLastPriceDate(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))

	last, err := repo.GetLastPriceDate("AAPL")
	require.NoError(t, err)
	assert.Empty(t, last)

	_, err = repo.StorePriceBars("AAPL", sampleBars())
	require.NoError(t, err)

	last, err = repo.GetLastPriceDate("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-12", last)
}

func TestGetStockPriceForDate(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	_, err := repo.StorePriceBars("AAPL", sampleBars())
	require.NoError(t, err)

	price, ok, err := repo.GetStockPriceForDate("AAPL", "2024-01-11", FieldClose)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 105.0, price)

	_, ok, err = repo.GetStockPriceForDate("AAPL", "2024-01-13", FieldClose)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = repo.GetStockPriceForDate("AAPL", "2024-01-11", "volume")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetLatestStockPriceBefore(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	_, err := repo.StorePriceBars("AAPL", sampleBars())
	require.NoError(t, err)

	date, price, ok, err := repo.GetLatestStockPriceBefore("AAPL", "2024-01-15", FieldClose)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-01-12", date)
	assert.Equal(t, 106.0, price)

	_, _, ok, err = repo.GetLatestStockPriceBefore("AAPL", "2024-01-10", FieldClose)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreFinancialStatements(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))

	fd := domain.FinancialData{
		Symbol: "AAPL",
		Income: map[string]map[string]float64{
			"2023-12-31": {"netIncome": 200, "revenue": 1000},
		},
		Balance: map[string]map[string]float64{
			"2023-12-31": {"totalAssets": 5000},
		},
	}

	stored, err := repo.StoreFinancialStatements("AAPL", fd)
	require.NoError(t, err)
	assert.Equal(t, 3, stored)

	period, err := repo.GetLastFinancialPeriod("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "2023-12-31", period)

	has, err := repo.HasFinancialData("AAPL")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestGetTradingDays(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "MSFT"}))
	_, err := repo.StorePriceBars("AAPL", sampleBars())
	require.NoError(t, err)
	_, err = repo.StorePriceBars("MSFT", []domain.PriceBar{
		{Date: "2024-01-12", Open: 50, High: 51, Low: 49, Close: 50, AdjClose: 50, Volume: 10},
		{Date: "2024-01-15", Open: 50, High: 51, Low: 49, Close: 50, AdjClose: 50, Volume: 10},
	})
	require.NoError(t, err)

	days, err := repo.GetTradingDays([]string{"AAPL", "MSFT"}, "2024-01-11", "2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-11", "2024-01-12", "2024-01-15"}, days)
}

func TestUpsertStock_MetadataOnlyWhenProvided(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL", Name: "Apple Inc"}))

	// Second upsert without metadata must not erase the name.
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))

	stock, err := repo.GetStock("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc", stock.Name)

	_, err = repo.GetStock("MISSING")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLogDownload(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))

	err := repo.LogDownload(domain.DownloadLog{
		BatchID:    "batch-1",
		Symbol:     "AAPL",
		DataType:   "stock",
		Status:     domain.DownloadSuccess,
		Strategy:   domain.StrategyBulkStooq,
		DataPoints: 3,
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, repo.db.QueryRow(
		"SELECT COUNT(*) FROM download_logs WHERE symbol = 'AAPL'").Scan(&count))
	assert.Equal(t, 1, count)
}

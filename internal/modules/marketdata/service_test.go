package marketdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/domain"
)

// mockDownloader records calls and returns canned data or an error.
type mockDownloader struct {
	calls []mockCall
	data  *domain.StockData
	err   error
}

type mockCall struct {
	symbol    string
	startDate string
}

func (m *mockDownloader) DownloadStockData(_ context.Context, symbol, startDate, _ string) (*domain.StockData, error) {
	m.calls = append(m.calls, mockCall{symbol: symbol, startDate: startDate})
	if m.err != nil {
		return nil, m.err
	}
	if m.data != nil {
		return m.data, nil
	}
	return &domain.StockData{Symbol: symbol}, nil
}

type mockFinancial struct {
	data *domain.FinancialData
	err  error
}

func (m *mockFinancial) DownloadFinancialData(_ context.Context, symbol string) (*domain.FinancialData, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.data != nil {
		return m.data, nil
	}
	return &domain.FinancialData{Symbol: symbol}, nil
}

func fixedNow(date string) func() time.Time {
	t, _ := time.Parse(domain.DateLayout, date)
	return func() time.Time { return t }
}

func newTestService(t *testing.T, bulk, incremental *mockDownloader, financial *mockFinancial) *Service {
	t.Helper()
	repo := newTestRepo(t)
	cfg := DefaultConfig()
	cfg.BatchDelay = 0
	svc := NewService(repo, bulk, incremental, financial, cfg, zerolog.Nop())
	return svc
}

func TestDownloadSymbol_ColdSymbolUsesBulk(t *testing.T) {
	bulk := &mockDownloader{data: &domain.StockData{Symbol: "AAPL", Bars: sampleBars()}}
	incremental := &mockDownloader{}
	svc := newTestService(t, bulk, incremental, &mockFinancial{})
	svc.now = fixedNow("2024-02-01")

	res := svc.DownloadSymbol(context.Background(), "AAPL", "", "")
	assert.Equal(t, domain.DownloadSuccess, res.Status)
	assert.Equal(t, domain.StrategyBulkStooq, res.Strategy)
	assert.Equal(t, 3, res.DataPoints)

	require.Len(t, bulk.calls, 1)
	assert.Equal(t, "2000-01-01", bulk.calls[0].startDate) // default anchor
	assert.Empty(t, incremental.calls)
}

func TestDownloadSymbol_LongGapUsesBulk(t *testing.T) {
	// Last price 2023-10-01, today 2024-02-01: 123 days >= 100 threshold.
	bulk := &mockDownloader{}
	incremental := &mockDownloader{}
	svc := newTestService(t, bulk, incremental, &mockFinancial{})
	svc.now = fixedNow("2024-02-01")

	require.NoError(t, svc.repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	_, err := svc.repo.StorePriceBars("AAPL", []domain.PriceBar{
		{Date: "2023-10-01", Open: 100, High: 101, Low: 99, Close: 100, AdjClose: 100, Volume: 1},
	})
	require.NoError(t, err)

	res := svc.DownloadSymbol(context.Background(), "AAPL", "", "")
	assert.Equal(t, domain.StrategyBulkStooq, res.Strategy)
	require.Len(t, bulk.calls, 1)
	assert.Equal(t, "2023-10-02", bulk.calls[0].startDate)
	assert.Empty(t, incremental.calls)
}

func TestDownloadSymbol_ShortGapUsesIncremental(t *testing.T) {
	// Last price 2024-01-15, today 2024-02-01: 17 days, under threshold.
	bulk := &mockDownloader{}
	incremental := &mockDownloader{}
	svc := newTestService(t, bulk, incremental, &mockFinancial{})
	svc.now = fixedNow("2024-02-01")

	require.NoError(t, svc.repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	_, err := svc.repo.StorePriceBars("AAPL", []domain.PriceBar{
		{Date: "2024-01-15", Open: 100, High: 101, Low: 99, Close: 100, AdjClose: 100, Volume: 1},
	})
	require.NoError(t, err)

	res := svc.DownloadSymbol(context.Background(), "AAPL", "", "")
	assert.Equal(t, domain.StrategyIncrementalFinnhub, res.Strategy)
	require.Len(t, incremental.calls, 1)
	assert.Equal(t, "2024-01-16", incremental.calls[0].startDate)
	assert.Empty(t, bulk.calls)
}

func TestDownloadSymbol_IncrementalFailureFallsBackToBulk(t *testing.T) {
	bulk := &mockDownloader{}
	incremental := &mockDownloader{err: fmt.Errorf("candle fetch: %w", domain.ErrProviderFatal)}
	svc := newTestService(t, bulk, incremental, &mockFinancial{})
	svc.now = fixedNow("2024-02-01")

	require.NoError(t, svc.repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	_, err := svc.repo.StorePriceBars("AAPL", []domain.PriceBar{
		{Date: "2024-01-15", Open: 100, High: 101, Low: 99, Close: 100, AdjClose: 100, Volume: 1},
	})
	require.NoError(t, err)

	res := svc.DownloadSymbol(context.Background(), "AAPL", "", "")
	assert.Equal(t, domain.DownloadSuccess, res.Status)
	assert.Equal(t, domain.StrategyFallbackStooq, res.Strategy)
	require.Len(t, incremental.calls, 1)
	require.Len(t, bulk.calls, 1)
	// Fallback reuses the same anchor.
	assert.Equal(t, "2024-01-16", bulk.calls[0].startDate)
}

func TestDownloadSymbol_CurrentDataSkips(t *testing.T) {
	bulk := &mockDownloader{}
	incremental := &mockDownloader{}
	svc := newTestService(t, bulk, incremental, &mockFinancial{})
	svc.now = fixedNow("2024-01-15")

	require.NoError(t, svc.repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	_, err := svc.repo.StorePriceBars("AAPL", []domain.PriceBar{
		{Date: "2024-01-15", Open: 100, High: 101, Low: 99, Close: 100, AdjClose: 100, Volume: 1},
	})
	require.NoError(t, err)

	res := svc.DownloadSymbol(context.Background(), "AAPL", "", "")
	assert.Equal(t, domain.DownloadSkipped, res.Status)
	assert.Equal(t, domain.StrategyNoNewData, res.Strategy)
	assert.Empty(t, bulk.calls)
	assert.Empty(t, incremental.calls)
}

func TestRefreshFinancials_SkipsWhenFresh(t *testing.T) {
	svc := newTestService(t, &mockDownloader{}, &mockDownloader{}, &mockFinancial{})
	svc.now = fixedNow("2024-02-01")

	require.NoError(t, svc.repo.UpsertStock(domain.Stock{Symbol: "AAPL"}))
	_, err := svc.repo.StoreFinancialStatements("AAPL", domain.FinancialData{
		Income: map[string]map[string]float64{"2023-12-31": {"netIncome": 1}},
	})
	require.NoError(t, err)

	// 2023-12-31 is 32 days before 2024-02-01, inside the 90-day window.
	res := svc.RefreshFinancials(context.Background(), "AAPL", "")
	assert.Equal(t, domain.DownloadSkipped, res.Status)
}

func TestRefreshFinancials_EmptyStatementsFail(t *testing.T) {
	svc := newTestService(t, &mockDownloader{}, &mockDownloader{},
		&mockFinancial{data: &domain.FinancialData{Symbol: "AAPL"}})
	svc.now = fixedNow("2024-02-01")

	res := svc.RefreshFinancials(context.Background(), "AAPL", "")
	assert.Equal(t, domain.DownloadFailed, res.Status)
	assert.Contains(t, res.Error, "no financial statements")
}

func TestRefreshFinancials_NoProviderConfigured(t *testing.T) {
	// Finnhub is the only financial source and needs a key; without one
	// the service is wired with no financial downloader at all.
	cfg := DefaultConfig()
	cfg.BatchDelay = 0
	svc := NewService(newTestRepo(t), &mockDownloader{}, &mockDownloader{}, nil, cfg, zerolog.Nop())
	svc.now = fixedNow("2024-02-01")

	res := svc.RefreshFinancials(context.Background(), "AAPL", "")
	assert.Equal(t, domain.DownloadFailed, res.Status)
	assert.Contains(t, res.Error, "no financial data provider")
}

func TestDownloadBatch_IncludeFinancialsWithoutProvider(t *testing.T) {
	bulk := &mockDownloader{data: &domain.StockData{Symbol: "AAPL", Bars: sampleBars()}}
	cfg := DefaultConfig()
	cfg.BatchDelay = 0
	svc := NewService(newTestRepo(t), bulk, &mockDownloader{}, nil, cfg, zerolog.Nop())
	svc.now = fixedNow("2024-02-01")

	batch := svc.DownloadBatch(context.Background(), []string{"AAPL"}, "", true)
	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, 1, batch.Successful) // prices
	assert.Equal(t, 1, batch.Failed)     // financials
}

func TestDownloadBatch_FailuresDoNotAbort(t *testing.T) {
	bulk := &mockDownloader{err: fmt.Errorf("auth: %w", domain.ErrProviderFatal)}
	svc := newTestService(t, bulk, &mockDownloader{}, &mockFinancial{})
	svc.now = fixedNow("2024-02-01")

	batch := svc.DownloadBatch(context.Background(), []string{"AAPL", "MSFT"}, "", false)
	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, 2, batch.Failed)
	assert.Equal(t, 0, batch.Successful)
	assert.Len(t, batch.Results, 2)
	assert.NotEmpty(t, batch.BatchID)
}

func TestDownloadBatch_CancellationBetweenSymbols(t *testing.T) {
	bulk := &mockDownloader{data: &domain.StockData{Symbol: "X", Bars: sampleBars()}}
	svc := newTestService(t, bulk, &mockDownloader{}, &mockFinancial{})
	svc.cfg.BatchDelay = 10 * time.Millisecond
	svc.now = fixedNow("2024-02-01")

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan BatchResult, 1)
	go func() {
		done <- svc.DownloadBatch(ctx, []string{"AAPL", "MSFT", "GOOGL"}, "", false)
	}()
	cancel()

	batch := <-done
	// At most the in-flight symbol completes; the rest are abandoned.
	assert.LessOrEqual(t, len(batch.Results), 3)
}

func TestAssess_GradeThresholds(t *testing.T) {
	q := Assess("AAPL", true, true)
	assert.Equal(t, 1.0, q.DataCompleteness)
	assert.Equal(t, "A", q.Grade)

	q = Assess("AAPL", true, false)
	assert.Equal(t, 0.6, q.DataCompleteness)
	assert.Equal(t, "C", q.Grade)

	q = Assess("AAPL", false, true)
	assert.Equal(t, 0.4, q.DataCompleteness)
	assert.Equal(t, "D", q.Grade)

	q = Assess("AAPL", false, false)
	assert.Equal(t, 0.0, q.DataCompleteness)
	assert.Equal(t, "F", q.Grade)
}

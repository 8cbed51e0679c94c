package finnhub

import (
	"context"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/clients"
	"github.com/aristath/folio/internal/domain"
)

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	c := New("test-key", zerolog.Nop())
	c.retry = clients.NewRetryPolicy(2, time.Millisecond, zerolog.Nop())
	c.throttle = clients.NewThrottle(0)
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestDownloadStockData_ParsesCandles(t *testing.T) {
	c := newMockedClient(t)

	// 2024-01-10 and 2024-01-11 UTC midnights.
	httpmock.RegisterResponder("GET", `=~/stock/candle`,
		httpmock.NewStringResponder(200, `{
			"c": [104.0, 105.5],
			"h": [105.25, 106.0],
			"l": [99.75, 103.0],
			"o": [100.5, 104.0],
			"s": "ok",
			"t": [1704844800, 1704931200],
			"v": [123456, 98765]
		}`))

	data, err := c.DownloadStockData(context.Background(), "aapl", "2024-01-01", "2024-01-31")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", data.Symbol)
	assert.Equal(t, "finnhub", data.Source)
	require.Len(t, data.Bars, 2)
	assert.Equal(t, "2024-01-10", data.Bars[0].Date)
	assert.Equal(t, 104.0, data.Bars[0].Close)
	assert.Equal(t, int64(123456), data.Bars[0].Volume)
}

func TestDownloadStockData_NoData(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", `=~/stock/candle`,
		httpmock.NewStringResponder(200, `{"s": "no_data"}`))

	data, err := c.DownloadStockData(context.Background(), "ZZZZ", "2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Empty(t, data.Bars)
}

func TestDownloadStockData_BadStatus(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", `=~/stock/candle`,
		httpmock.NewStringResponder(200, `{"s": "error"}`))

	_, err := c.DownloadStockData(context.Background(), "AAPL", "2024-01-01", "2024-01-31")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderFatal)
}

func TestDownloadStockData_MissingAPIKey(t *testing.T) {
	c := New("", zerolog.Nop())
	_, err := c.DownloadStockData(context.Background(), "AAPL", "2024-01-01", "")
	assert.ErrorIs(t, err, domain.ErrProviderFatal)
}

func TestDownloadFinancialData_PivotsStatements(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", `=~/stock/financials-reported`,
		httpmock.NewStringResponder(200, `{
			"data": [
				{
					"year": 2023,
					"period": "FY",
					"endDate": "2023-12-31 00:00:00",
					"report": {
						"ic": [
							{"concept": "us-gaap_Revenues", "label": "Revenue", "value": 1000},
							{"concept": "us-gaap_NetIncomeLoss", "label": "Net income", "value": "200"}
						],
						"bs": [
							{"concept": "us-gaap_Assets", "label": "Total assets", "value": 5000}
						],
						"cf": [
							{"concept": "us-gaap_CashFlow", "label": "Cash flow", "value": 300}
						]
					}
				}
			]
		}`))

	fd, err := c.DownloadFinancialData(context.Background(), "AAPL")
	require.NoError(t, err)

	require.Contains(t, fd.Income, "2023-12-31")
	assert.Equal(t, 1000.0, fd.Income["2023-12-31"]["us-gaap_Revenues"])
	// String-typed values are coerced.
	assert.Equal(t, 200.0, fd.Income["2023-12-31"]["us-gaap_NetIncomeLoss"])
	assert.Equal(t, 5000.0, fd.Balance["2023-12-31"]["us-gaap_Assets"])
	assert.Equal(t, 300.0, fd.CashFlow["2023-12-31"]["us-gaap_CashFlow"])
	assert.False(t, fd.Empty())
}

func TestDownloadFinancialData_Empty(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", `=~/stock/financials-reported`,
		httpmock.NewStringResponder(200, `{"data": []}`))

	fd, err := c.DownloadFinancialData(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, fd.Empty())
}

func TestGetProfile(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", `=~/stock/profile2`,
		httpmock.NewStringResponder(200, `{
			"name": "Apple Inc",
			"exchange": "NASDAQ",
			"currency": "USD",
			"finnhubIndustry": "Technology",
			"shareOutstanding": 15000.5
		}`))

	stock, err := c.GetProfile(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", stock.Symbol)
	assert.Equal(t, "Apple Inc", stock.Name)
	assert.InDelta(t, 15000.5e6, stock.SharesOutstanding, 1)
}

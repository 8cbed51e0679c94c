// Package yfinance downloads daily OHLCV history from the Yahoo
// Finance chart API. No API key; reserved as a fallback source. It is
// the only adapter that provides a genuine adjusted close.
package yfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/clients"
	"github.com/aristath/folio/internal/domain"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

// Client talks to the Yahoo Finance chart API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      clients.RetryPolicy
	throttle   *clients.Throttle
	log        zerolog.Logger
}

// New creates a Yahoo Finance client.
func New(log zerolog.Logger) *Client {
	clientLog := log.With().Str("client", "yfinance").Logger()
	return &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      clients.NewRetryPolicy(3, time.Second, clientLog),
		throttle:   clients.NewThrottle(2 * time.Second),
		log:        clientLog,
	}
}

// SetBaseURL overrides the endpoint. Used in tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// chartResponse is the v8 chart wire shape (the subset we read).
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// DownloadStockData fetches daily bars for symbol in [startDate, endDate].
// Rows with null quotes (halted days) are skipped.
func (c *Client) DownloadStockData(ctx context.Context, symbol, startDate, endDate string) (*domain.StockData, error) {
	if endDate == "" {
		endDate = time.Now().Format(domain.DateLayout)
	}
	start, err := time.Parse(domain.DateLayout, startDate)
	if err != nil {
		return nil, domain.ValidationError("start_date", startDate)
	}
	end, err := time.Parse(domain.DateLayout, endDate)
	if err != nil {
		return nil, domain.ValidationError("end_date", endDate)
	}
	end = end.Add(24*time.Hour - time.Second)

	fullURL := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d&events=history",
		c.baseURL, strings.ToUpper(symbol), start.Unix(), end.Unix())

	var body []byte
	err = c.retry.Do(ctx, "yfinance chart "+symbol, func() error {
		if err := c.throttle.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		// Yahoo rejects requests without a browser-like agent.
		req.Header.Set("User-Agent", "Mozilla/5.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &clients.HTTPError{StatusCode: resp.StatusCode, Body: string(body[:min(len(body), 200)])}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("%w: failed to decode yahoo response: %v", domain.ErrProviderFatal, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("%w: yahoo: %s: %s", domain.ErrProviderFatal,
			chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return &domain.StockData{Symbol: strings.ToUpper(symbol), Source: "yfinance"}, nil
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return &domain.StockData{Symbol: strings.ToUpper(symbol), Source: "yfinance"}, nil
	}
	quote := result.Indicators.Quote[0]

	var adjCloses []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adjCloses = result.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]domain.PriceBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || i >= len(quote.High) || i >= len(quote.Low) || i >= len(quote.Close) {
			break
		}
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil || quote.Close[i] == nil {
			continue
		}
		bar := domain.PriceBar{
			Date:     time.Unix(ts, 0).UTC().Format(domain.DateLayout),
			Open:     *quote.Open[i],
			High:     *quote.High[i],
			Low:      *quote.Low[i],
			Close:    *quote.Close[i],
			AdjClose: *quote.Close[i],
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			bar.Volume = *quote.Volume[i]
		}
		if i < len(adjCloses) && adjCloses[i] != nil {
			bar.AdjClose = *adjCloses[i]
		}
		bars = append(bars, bar)
	}

	c.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("downloaded chart")

	return &domain.StockData{
		Symbol: strings.ToUpper(symbol),
		Bars:   bars,
		Source: "yfinance",
	}, nil
}

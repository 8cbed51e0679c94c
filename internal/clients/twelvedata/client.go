// Package twelvedata downloads daily OHLCV history from the Twelve
// Data REST API. It shares the downloader contract with Stooq and
// Finnhub and is reserved as a fallback source.
package twelvedata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/clients"
	"github.com/aristath/folio/internal/domain"
)

const defaultBaseURL = "https://api.twelvedata.com"

// Client talks to the Twelve Data REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      clients.RetryPolicy
	throttle   *clients.Throttle
	log        zerolog.Logger
}

// New creates a Twelve Data client. The free tier allows 8 requests
// per minute, hence the long throttle.
func New(apiKey string, log zerolog.Logger) *Client {
	clientLog := log.With().Str("client", "twelvedata").Logger()
	return &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      clients.NewRetryPolicy(3, time.Second, clientLog),
		throttle:   clients.NewThrottle(8 * time.Second),
		log:        clientLog,
	}
}

// SetBaseURL overrides the endpoint. Used in tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// timeSeriesResponse is the /time_series wire shape. Numeric fields
// arrive as strings; values are ordered newest first.
type timeSeriesResponse struct {
	Values []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DownloadStockData fetches daily bars for symbol in [startDate, endDate].
func (c *Client) DownloadStockData(ctx context.Context, symbol, startDate, endDate string) (*domain.StockData, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: twelve data API key not configured", domain.ErrProviderFatal)
	}
	if endDate == "" {
		endDate = time.Now().Format(domain.DateLayout)
	}
	if _, err := time.Parse(domain.DateLayout, startDate); err != nil {
		return nil, domain.ValidationError("start_date", startDate)
	}
	if _, err := time.Parse(domain.DateLayout, endDate); err != nil {
		return nil, domain.ValidationError("end_date", endDate)
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", "1day")
	params.Set("start_date", startDate)
	params.Set("end_date", endDate)
	params.Set("apikey", c.apiKey)
	params.Set("outputsize", "5000")

	fullURL := c.baseURL + "/time_series?" + params.Encode()

	var body []byte
	err := c.retry.Do(ctx, "twelvedata time_series "+symbol, func() error {
		if err := c.throttle.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
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

	var series timeSeriesResponse
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, fmt.Errorf("%w: failed to decode twelve data response: %v", domain.ErrProviderFatal, err)
	}

	if series.Status == "error" {
		// Rate-limit errors come back as HTTP 200 with an error code.
		if series.Code == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderTransient, series.Message)
		}
		return nil, fmt.Errorf("%w: twelve data: %s", domain.ErrProviderFatal, series.Message)
	}

	bars := make([]domain.PriceBar, 0, len(series.Values))
	for _, v := range series.Values {
		open, err1 := strconv.ParseFloat(v.Open, 64)
		high, err2 := strconv.ParseFloat(v.High, 64)
		low, err3 := strconv.ParseFloat(v.Low, 64)
		closePx, err4 := strconv.ParseFloat(v.Close, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		volume, _ := strconv.ParseInt(v.Volume, 10, 64)
		date := v.Datetime
		if len(date) > 10 {
			date = date[:10]
		}
		bars = append(bars, domain.PriceBar{
			Date:     date,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePx,
			AdjClose: closePx,
			Volume:   volume,
		})
	}

	// Wire order is newest first; storage expects ascending dates.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })

	c.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("downloaded time series")

	return &domain.StockData{
		Symbol: strings.ToUpper(symbol),
		Bars:   bars,
		Source: "twelvedata",
	}, nil
}

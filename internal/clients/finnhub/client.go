// Package finnhub downloads daily candles, company profiles and
// reported financial statements from the Finnhub REST API. It is the
// incremental price source and the default financials source; an API
// key is required.
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/clients"
	"github.com/aristath/folio/internal/domain"
)

const defaultBaseURL = "https://finnhub.io/api/v1"

// Client talks to the Finnhub REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      clients.RetryPolicy
	throttle   *clients.Throttle
	log        zerolog.Logger
}

// New creates a Finnhub client. The free tier allows 60 requests per
// minute, hence the one-second throttle.
func New(apiKey string, log zerolog.Logger) *Client {
	clientLog := log.With().Str("client", "finnhub").Logger()
	return &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      clients.NewRetryPolicy(3, time.Second, clientLog),
		throttle:   clients.NewThrottle(time.Second),
		log:        clientLog,
	}
}

// SetBaseURL overrides the endpoint. Used in tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// candleResponse is the /stock/candle wire shape: parallel arrays
// keyed by unix timestamps, with s == "ok" on success.
type candleResponse struct {
	Close  []float64 `json:"c"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Open   []float64 `json:"o"`
	Status string    `json:"s"`
	Time   []int64   `json:"t"`
	Volume []float64 `json:"v"`
}

// DownloadStockData fetches daily candles for symbol in
// [startDate, endDate]. An empty endDate means today.
func (c *Client) DownloadStockData(ctx context.Context, symbol, startDate, endDate string) (*domain.StockData, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: finnhub API key not configured", domain.ErrProviderFatal)
	}
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
	// Include the whole end day.
	end = end.Add(24*time.Hour - time.Second)

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("resolution", "D")
	params.Set("from", strconv.FormatInt(start.Unix(), 10))
	params.Set("to", strconv.FormatInt(end.Unix(), 10))

	var candles candleResponse
	if err := c.get(ctx, "/stock/candle", params, &candles); err != nil {
		return nil, err
	}

	if candles.Status == "no_data" {
		return &domain.StockData{Symbol: strings.ToUpper(symbol), Source: "finnhub"}, nil
	}
	if candles.Status != "ok" {
		return nil, fmt.Errorf("%w: finnhub candle status %q for %s", domain.ErrProviderFatal, candles.Status, symbol)
	}
	n := len(candles.Time)
	if len(candles.Open) != n || len(candles.High) != n || len(candles.Low) != n || len(candles.Close) != n {
		return nil, fmt.Errorf("%w: finnhub candle arrays misaligned for %s", domain.ErrProviderFatal, symbol)
	}

	bars := make([]domain.PriceBar, 0, n)
	for i := 0; i < n; i++ {
		var volume int64
		if i < len(candles.Volume) {
			volume = int64(candles.Volume[i])
		}
		bars = append(bars, domain.PriceBar{
			Date:     time.Unix(candles.Time[i], 0).UTC().Format(domain.DateLayout),
			Open:     candles.Open[i],
			High:     candles.High[i],
			Low:      candles.Low[i],
			Close:    candles.Close[i],
			AdjClose: candles.Close[i],
			Volume:   volume,
		})
	}

	c.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("downloaded candles")

	return &domain.StockData{
		Symbol: strings.ToUpper(symbol),
		Bars:   bars,
		Source: "finnhub",
	}, nil
}

// profileResponse is the /stock/profile2 wire shape.
type profileResponse struct {
	Name             string  `json:"name"`
	Exchange         string  `json:"exchange"`
	Currency         string  `json:"currency"`
	FinnhubIndustry  string  `json:"finnhubIndustry"`
	ShareOutstanding float64 `json:"shareOutstanding"` // millions
}

// GetProfile fetches company metadata for symbol.
func (c *Client) GetProfile(ctx context.Context, symbol string) (*domain.Stock, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: finnhub API key not configured", domain.ErrProviderFatal)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	var profile profileResponse
	if err := c.get(ctx, "/stock/profile2", params, &profile); err != nil {
		return nil, err
	}

	return &domain.Stock{
		Symbol:            strings.ToUpper(symbol),
		Name:              profile.Name,
		Exchange:          profile.Exchange,
		Currency:          profile.Currency,
		Industry:          profile.FinnhubIndustry,
		SharesOutstanding: profile.ShareOutstanding * 1e6,
	}, nil
}

// reportedResponse is the /stock/financials-reported wire shape.
type reportedResponse struct {
	Data []struct {
		Year    int    `json:"year"`
		Period  string `json:"period"`
		EndDate string `json:"endDate"`
		Report  struct {
			IC []reportedItem `json:"ic"`
			BS []reportedItem `json:"bs"`
			CF []reportedItem `json:"cf"`
		} `json:"report"`
	} `json:"data"`
}

type reportedItem struct {
	Concept string      `json:"concept"`
	Label   string      `json:"label"`
	Value   interface{} `json:"value"` // number or string on the wire
}

// DownloadFinancialData fetches annually reported statements and
// pivots them into period -> metric -> value maps per statement type.
func (c *Client) DownloadFinancialData(ctx context.Context, symbol string) (*domain.FinancialData, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: finnhub API key not configured", domain.ErrProviderFatal)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("freq", "annual")

	var reported reportedResponse
	if err := c.get(ctx, "/stock/financials-reported", params, &reported); err != nil {
		return nil, err
	}

	fd := &domain.FinancialData{
		Symbol:   strings.ToUpper(symbol),
		Income:   make(map[string]map[string]float64),
		Balance:  make(map[string]map[string]float64),
		CashFlow: make(map[string]map[string]float64),
		Source:   "finnhub",
	}

	for _, entry := range reported.Data {
		period := entry.EndDate
		if len(period) > 10 {
			period = period[:10] // trim a trailing timestamp
		}
		if period == "" {
			period = fmt.Sprintf("%d-12-31", entry.Year)
		}
		mergeItems(fd.Income, period, entry.Report.IC)
		mergeItems(fd.Balance, period, entry.Report.BS)
		mergeItems(fd.CashFlow, period, entry.Report.CF)
	}

	c.log.Debug().
		Str("symbol", symbol).
		Int("income_periods", len(fd.Income)).
		Int("balance_periods", len(fd.Balance)).
		Int("cashflow_periods", len(fd.CashFlow)).
		Msg("downloaded reported financials")

	return fd, nil
}

func mergeItems(dst map[string]map[string]float64, period string, items []reportedItem) {
	if len(items) == 0 {
		return
	}
	metrics := dst[period]
	if metrics == nil {
		metrics = make(map[string]float64, len(items))
		dst[period] = metrics
	}
	for _, item := range items {
		value, ok := numericValue(item.Value)
		if !ok {
			continue
		}
		key := item.Concept
		if key == "" {
			key = item.Label
		}
		if key == "" {
			continue
		}
		metrics[key] = value
	}
}

// numericValue coerces a wire value that may arrive as a JSON number
// or a numeric string.
func numericValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	params.Set("token", c.apiKey)
	fullURL := c.baseURL + path + "?" + params.Encode()

	var body []byte
	err := c.retry.Do(ctx, "finnhub "+path, func() error {
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
			return &clients.HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to decode finnhub response: %v", domain.ErrProviderFatal, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package stooq downloads daily OHLCV history from the Stooq CSV
// endpoint. Stooq serves full history without an API key, which makes
// it the bulk/backfill source. It has no financials.
package stooq

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/clients"
	"github.com/aristath/folio/internal/domain"
)

const defaultBaseURL = "https://stooq.com/q/d/l/"

// Client downloads price history from Stooq.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      clients.RetryPolicy
	throttle   *clients.Throttle
	log        zerolog.Logger
}

// New creates a Stooq client with the shared retry/throttle envelope.
func New(log zerolog.Logger) *Client {
	clientLog := log.With().Str("client", "stooq").Logger()
	return &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      clients.NewRetryPolicy(3, time.Second, clientLog),
		throttle:   clients.NewThrottle(500 * time.Millisecond),
		log:        clientLog,
	}
}

// SetBaseURL overrides the endpoint. Used in tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// DownloadStockData fetches daily bars for symbol in [startDate, endDate].
// An empty endDate means today. The wire symbol is suffixed ".us"; the
// returned symbol has the suffix stripped.
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

	wireSymbol := strings.ToLower(symbol)
	if !strings.HasSuffix(wireSymbol, ".us") {
		wireSymbol += ".us"
	}

	url := fmt.Sprintf("%s?s=%s&d1=%s&d2=%s&i=d",
		c.baseURL, wireSymbol, start.Format("20060102"), end.Format("20060102"))

	var body []byte
	err = c.retry.Do(ctx, "stooq download "+symbol, func() error {
		if err := c.throttle.Wait(ctx); err != nil {
			return err
		}
		var fetchErr error
		body, fetchErr = c.fetch(ctx, url)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	bars, err := parseCSV(body)
	if err != nil {
		return nil, fmt.Errorf("%w: stooq response for %s: %v", domain.ErrProviderFatal, symbol, err)
	}

	c.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("downloaded price history")

	return &domain.StockData{
		Symbol: strings.ToUpper(strings.TrimSuffix(strings.ToLower(symbol), ".us")),
		Bars:   bars,
		Source: "stooq",
	}, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &clients.HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

// parseCSV converts Stooq CSV (Date,Open,High,Low,Close,Volume) into
// bars. Rows with unparseable numbers are skipped; Stooq has no
// adjusted close so AdjClose mirrors Close.
func parseCSV(body []byte) ([]domain.PriceBar, error) {
	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "No data") {
		return nil, nil
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	if len(header) < 5 || !strings.EqualFold(header[0], "Date") {
		return nil, fmt.Errorf("unexpected CSV header: %v", header)
	}

	bars := make([]domain.PriceBar, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 5 {
			continue
		}
		open, err1 := strconv.ParseFloat(rec[1], 64)
		high, err2 := strconv.ParseFloat(rec[2], 64)
		low, err3 := strconv.ParseFloat(rec[3], 64)
		closePx, err4 := strconv.ParseFloat(rec[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		var volume int64
		if len(rec) >= 6 {
			volume, _ = strconv.ParseInt(rec[5], 10, 64)
		}
		bars = append(bars, domain.PriceBar{
			Date:     rec[0],
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePx,
			AdjClose: closePx,
			Volume:   volume,
		})
	}
	return bars, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

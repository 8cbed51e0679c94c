package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/domain"
)

// PriceDownloader is the shared adapter contract for price history.
type PriceDownloader interface {
	DownloadStockData(ctx context.Context, symbol, startDate, endDate string) (*domain.StockData, error)
}

// FinancialDownloader is the adapter contract for fundamentals.
type FinancialDownloader interface {
	DownloadFinancialData(ctx context.Context, symbol string) (*domain.FinancialData, error)
}

// ProfileFetcher is the optional adapter contract for company metadata.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, symbol string) (*domain.Stock, error)
}

// Config tunes strategy selection and batch pacing.
type Config struct {
	StockIncrementalThresholdDays int
	FinancialRefreshDays          int
	BatchDelay                    time.Duration
	DefaultStartDate              string
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		StockIncrementalThresholdDays: 100,
		FinancialRefreshDays:          90,
		BatchDelay:                    2 * time.Second,
		DefaultStartDate:              "2000-01-01",
	}
}

// Service drives downloaders into storage with per-symbol strategy
// selection: bulk via Stooq for cold or long-dormant symbols,
// incremental via Finnhub for fresh ones, with Stooq as the fallback.
type Service struct {
	repo        *Repository
	bulk        PriceDownloader // Stooq
	incremental PriceDownloader // Finnhub
	financial   FinancialDownloader
	profiles    ProfileFetcher // optional
	cfg         Config
	log         zerolog.Logger

	// now is injectable for strategy boundary tests.
	now func() time.Time
}

// NewService wires the data service.
func NewService(repo *Repository, bulk, incremental PriceDownloader, financial FinancialDownloader, cfg Config, log zerolog.Logger) *Service {
	if cfg.StockIncrementalThresholdDays == 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		repo:        repo,
		bulk:        bulk,
		incremental: incremental,
		financial:   financial,
		cfg:         cfg,
		log:         log.With().Str("service", "marketdata").Logger(),
		now:         time.Now,
	}
}

// SetProfileFetcher enables company-metadata enrichment.
func (s *Service) SetProfileFetcher(p ProfileFetcher) {
	s.profiles = p
}

// SymbolResult is the per-symbol download envelope.
type SymbolResult struct {
	Symbol     string `json:"symbol"`
	DataType   string `json:"data_type"` // stock, financial
	Strategy   string `json:"strategy,omitempty"`
	Status     string `json:"status"` // success, failed, skipped
	DataPoints int    `json:"data_points"`
	Error      string `json:"error,omitempty"`
}

// BatchResult aggregates one batch run.
type BatchResult struct {
	BatchID    string         `json:"batch_id"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Results    []SymbolResult `json:"results"`
}

// DownloadSymbol ingests price history for one symbol, picking the
// strategy from the recency of stored data:
//
//	no stored data            -> bulk via Stooq from startDate (default 2000-01-01)
//	gap <= threshold (100 d)  -> incremental via Finnhub, Stooq fallback
//	gap > threshold           -> bulk re-fetch via Stooq
//	stored data is current    -> no_new_data
func (s *Service) DownloadSymbol(ctx context.Context, symbol, startDate, batchID string) SymbolResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	result := SymbolResult{Symbol: symbol, DataType: "stock"}

	if err := s.repo.UpsertStock(domain.Stock{Symbol: symbol}); err != nil {
		return s.failed(result, "", err, batchID)
	}

	today := s.now().Format(domain.DateLayout)

	rawLast, err := s.repo.GetLastPriceDate(symbol)
	if err != nil {
		return s.failed(result, "", err, batchID)
	}

	if rawLast >= today && rawLast != "" {
		result.Status = domain.DownloadSkipped
		result.Strategy = domain.StrategyNoNewData
		s.logAttempt(result, batchID)
		return result
	}

	var data *domain.StockData
	if rawLast == "" {
		// Cold symbol: full history from the bulk source.
		anchor := startDate
		if anchor == "" {
			anchor = s.cfg.DefaultStartDate
		}
		result.Strategy = domain.StrategyBulkStooq
		data, err = s.bulk.DownloadStockData(ctx, symbol, anchor, "")
	} else {
		anchor := nextDay(rawLast)
		daysSince := daysBetween(rawLast, today)
		if daysSince <= s.cfg.StockIncrementalThresholdDays {
			result.Strategy = domain.StrategyIncrementalFinnhub
			data, err = s.incremental.DownloadStockData(ctx, symbol, anchor, "")
			if err != nil {
				s.log.Warn().Str("symbol", symbol).Err(err).
					Msg("incremental download failed, falling back to bulk source")
				result.Strategy = domain.StrategyFallbackStooq
				data, err = s.bulk.DownloadStockData(ctx, symbol, anchor, "")
			}
		} else {
			result.Strategy = domain.StrategyBulkStooq
			data, err = s.bulk.DownloadStockData(ctx, symbol, anchor, "")
		}
	}
	if err != nil {
		return s.failed(result, result.Strategy, err, batchID)
	}

	stored, err := s.repo.StorePriceBars(symbol, data.Bars)
	if err != nil {
		return s.failed(result, result.Strategy, err, batchID)
	}

	if s.profiles != nil {
		if profile, perr := s.profiles.GetProfile(ctx, symbol); perr == nil {
			if uerr := s.repo.UpsertStock(*profile); uerr != nil {
				s.log.Warn().Str("symbol", symbol).Err(uerr).Msg("failed to store profile metadata")
			}
		} else {
			s.log.Debug().Str("symbol", symbol).Err(perr).Msg("profile fetch failed")
		}
	}

	result.Status = domain.DownloadSuccess
	result.DataPoints = stored
	s.logAttempt(result, batchID)

	s.log.Info().
		Str("symbol", symbol).
		Str("strategy", result.Strategy).
		Int("bars", stored).
		Msg("price download complete")
	return result
}

// RefreshFinancials pulls fundamentals unless the stored data is
// newer than the refresh window. Empty statement sets are an error.
func (s *Service) RefreshFinancials(ctx context.Context, symbol, batchID string) SymbolResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	result := SymbolResult{Symbol: symbol, DataType: "financial"}

	// The financial source is optional (Finnhub needs a key); without
	// one the refresh fails per symbol instead of crashing the batch.
	if s.financial == nil {
		return s.failed(result, "", fmt.Errorf("no financial data provider configured"), batchID)
	}

	if err := s.repo.UpsertStock(domain.Stock{Symbol: symbol}); err != nil {
		return s.failed(result, "", err, batchID)
	}

	lastPeriod, err := s.repo.GetLastFinancialPeriod(symbol)
	if err != nil {
		return s.failed(result, "", err, batchID)
	}
	if lastPeriod != "" {
		if days := daysBetween(lastPeriod, s.now().Format(domain.DateLayout)); days >= 0 && days < s.cfg.FinancialRefreshDays {
			result.Status = domain.DownloadSkipped
			s.logAttempt(result, batchID)
			return result
		}
	}

	fd, err := s.financial.DownloadFinancialData(ctx, symbol)
	if err != nil {
		return s.failed(result, "", err, batchID)
	}
	if fd.Empty() {
		return s.failed(result, "", fmt.Errorf("no financial statements returned for %s", symbol), batchID)
	}

	stored, err := s.repo.StoreFinancialStatements(symbol, *fd)
	if err != nil {
		return s.failed(result, "", err, batchID)
	}

	result.Status = domain.DownloadSuccess
	result.DataPoints = stored
	s.logAttempt(result, batchID)

	s.log.Info().Str("symbol", symbol).Int("metrics", stored).Msg("financial refresh complete")
	return result
}

// DownloadBatch iterates symbols with a fixed inter-symbol delay.
// Per-symbol failures do not abort the batch; cancellation is observed
// between symbols.
func (s *Service) DownloadBatch(ctx context.Context, symbols []string, startDate string, includeFinancials bool) BatchResult {
	batch := BatchResult{
		BatchID: uuid.New().String(),
		Total:   len(symbols),
	}

	for i, symbol := range symbols {
		if i > 0 && s.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				s.log.Warn().Int("completed", i).Msg("batch cancelled")
				return batch
			case <-time.After(s.cfg.BatchDelay):
			}
		} else if ctx.Err() != nil {
			s.log.Warn().Int("completed", i).Msg("batch cancelled")
			return batch
		}

		res := s.DownloadSymbol(ctx, symbol, startDate, batch.BatchID)
		batch.Results = append(batch.Results, res)
		if res.Status == domain.DownloadFailed {
			batch.Failed++
		} else {
			batch.Successful++
		}

		if includeFinancials {
			finRes := s.RefreshFinancials(ctx, symbol, batch.BatchID)
			batch.Results = append(batch.Results, finRes)
			if finRes.Status == domain.DownloadFailed {
				batch.Failed++
			} else {
				batch.Successful++
			}
			batch.Total++
		}
	}

	s.log.Info().
		Str("batch_id", batch.BatchID).
		Int("total", batch.Total).
		Int("successful", batch.Successful).
		Int("failed", batch.Failed).
		Msg("batch download complete")
	return batch
}

func (s *Service) failed(result SymbolResult, strategy string, err error, batchID string) SymbolResult {
	result.Status = domain.DownloadFailed
	result.Strategy = strategy
	result.Error = err.Error()
	s.logAttempt(result, batchID)
	s.log.Error().Str("symbol", result.Symbol).Str("type", result.DataType).Err(err).Msg("download failed")
	return result
}

func (s *Service) logAttempt(result SymbolResult, batchID string) {
	details, _ := json.Marshal(result)
	entry := domain.DownloadLog{
		BatchID:    batchID,
		Symbol:     result.Symbol,
		DataType:   result.DataType,
		Status:     result.Status,
		Strategy:   result.Strategy,
		DataPoints: result.DataPoints,
		Error:      result.Error,
		Details:    string(details),
	}
	if err := s.repo.LogDownload(entry); err != nil {
		s.log.Warn().Str("symbol", result.Symbol).Err(err).Msg("failed to append download log")
	}
}

// nextDay returns the day after an ISO date.
func nextDay(date string) string {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, 1).Format(domain.DateLayout)
}

// daysBetween returns whole days from one ISO date to another.
func daysBetween(from, to string) int {
	a, err1 := time.Parse(domain.DateLayout, from)
	b, err2 := time.Parse(domain.DateLayout, to)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}

// Package pnl values open positions against stored market prices and
// writes daily_pnl rows, completing the placeholders the ledger left
// at sell time.
package pnl

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/ledger"
)

// PriceSource supplies stored price history. Satisfied by the market
// data repository.
type PriceSource interface {
	GetStockData(symbol, startDate, endDate string) ([]domain.PriceBar, error)
	GetTradingDays(symbols []string, startDate, endDate string) ([]string, error)
}

// Config tunes the calculator.
type Config struct {
	// PriceField selects close or adj_close for valuation.
	PriceField string
	// Debug enables the lot-level consistency recheck.
	Debug bool
}

// Calculator derives daily P&L rows from open lots and market prices.
// Realized P&L is never computed here; it is preserved from the rows
// the ledger wrote.
type Calculator struct {
	lots   *ledger.Repository
	prices PriceSource
	cfg    Config
	log    zerolog.Logger
}

// NewCalculator creates a calculator.
func NewCalculator(lots *ledger.Repository, prices PriceSource, cfg Config, log zerolog.Logger) *Calculator {
	if cfg.PriceField == "" {
		cfg.PriceField = "close"
	}
	return &Calculator{
		lots:   lots,
		prices: prices,
		cfg:    cfg,
		log:    log.With().Str("service", "pnl").Logger(),
	}
}

// Result summarizes one calculation run.
type Result struct {
	RowsWritten int
	Skipped     int
}

// priceIndex answers exact-date and latest-before lookups over a
// prefetched, ascending price history.
type priceIndex struct {
	dates  []string
	prices map[string]float64
}

func (c *Calculator) buildIndex(symbol, endDate string) (*priceIndex, error) {
	bars, err := c.prices.GetStockData(symbol, "", endDate)
	if err != nil {
		return nil, err
	}
	idx := &priceIndex{prices: make(map[string]float64, len(bars))}
	for _, bar := range bars {
		price := bar.Close
		if c.cfg.PriceField == "adj_close" {
			price = bar.AdjClose
		}
		idx.dates = append(idx.dates, bar.Date)
		idx.prices[bar.Date] = price
	}
	sort.Strings(idx.dates)
	return idx, nil
}

// resolve returns (price, priceDate, stale, ok) for a valuation date.
func (idx *priceIndex) resolve(date string) (float64, string, bool, bool) {
	if price, ok := idx.prices[date]; ok {
		return price, date, false, true
	}
	// Latest strictly-before date.
	i := sort.SearchStrings(idx.dates, date)
	if i == 0 {
		return 0, "", false, false
	}
	prior := idx.dates[i-1]
	return idx.prices[prior], prior, true, true
}

// CalculateForDate values one symbol on one date. Returns the written
// row, or nil when the date was skipped (no lots or no usable price).
func (c *Calculator) CalculateForDate(symbol, date string) (*domain.DailyPnL, error) {
	if err := c.lots.EnsureSchema(); err != nil {
		return nil, err
	}
	idx, err := c.buildIndex(symbol, date)
	if err != nil {
		return nil, err
	}
	return c.calculate(symbol, date, idx)
}

func (c *Calculator) calculate(symbol, date string, idx *priceIndex) (*domain.DailyPnL, error) {
	lots, err := c.lots.GetActiveLotsOnOrBefore(symbol, date)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}

	price, priceDate, stale, ok := idx.resolve(date)
	if !ok {
		c.log.Debug().Str("symbol", symbol).Str("date", date).Msg("No usable price, skipping")
		return nil, nil
	}

	quantity, totalCost, avgCost := ledger.Aggregate(lots)
	marketPrice := decimal.NewFromFloat(price).Round(4)
	marketValue := quantity.Mul(marketPrice).Round(2)
	unrealized := marketValue.Sub(totalCost)

	row := domain.DailyPnL{
		Symbol:           symbol,
		ValuationDate:    date,
		Quantity:         quantity,
		AvgCost:          avgCost,
		MarketPrice:      marketPrice,
		MarketValue:      marketValue,
		UnrealizedPnL:    unrealized,
		UnrealizedPnLPct: ratio(unrealized, totalCost),
		TotalCost:        totalCost,
		PriceDate:        priceDate,
		IsStalePrice:     stale,
	}

	existing, err := c.lots.GetDailyPnL(c.lots, symbol, date)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Realized P&L is owned by the ledger; preserve it.
		row.RealizedPnL = existing.RealizedPnL
		row.RealizedPnLPct = ratio(existing.RealizedPnL, totalCost)
	}

	if c.cfg.Debug {
		c.recheck(symbol, date, lots, marketPrice, row.UnrealizedPnL)
	}

	if err := c.lots.UpsertDailyPnL(c.lots, row); err != nil {
		return nil, err
	}
	return &row, nil
}

// recheck recomputes unrealized P&L lot by lot and warns on drift
// beyond a cent.
func (c *Calculator) recheck(symbol, date string, lots []domain.PositionLot, price, unrealized decimal.Decimal) {
	perLot := decimal.Zero
	for _, lot := range lots {
		value := lot.RemainingQuantity.Mul(price)
		cost := decimal.Zero
		if !lot.IsDRIP() {
			cost = lot.RemainingQuantity.Mul(lot.CostBasis)
		}
		perLot = perLot.Add(value.Sub(cost))
	}
	if perLot.Round(2).Sub(unrealized).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		c.log.Warn().
			Str("symbol", symbol).
			Str("date", date).
			Str("aggregate", unrealized.String()).
			Str("per_lot", perLot.Round(2).String()).
			Msg("Unrealized P&L mismatch between aggregate and per-lot paths")
	}
}

// CalculateRange values symbols over [startDate, endDate]. With
// onlyTradingDays set, valuation dates are restricted to dates present
// in the stored price history of the symbol set. Prices are prefetched
// once per symbol.
func (c *Calculator) CalculateRange(symbols []string, startDate, endDate string, onlyTradingDays bool) (*Result, error) {
	if err := c.lots.EnsureSchema(); err != nil {
		return nil, err
	}
	dates, err := c.valuationDates(symbols, startDate, endDate, onlyTradingDays)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, symbol := range symbols {
		idx, err := c.buildIndex(symbol, endDate)
		if err != nil {
			return nil, err
		}
		for _, date := range dates {
			row, err := c.calculate(symbol, date, idx)
			if err != nil {
				return nil, fmt.Errorf("failed to calculate pnl for %s on %s: %w", symbol, date, err)
			}
			if row == nil {
				result.Skipped++
			} else {
				result.RowsWritten++
			}
		}
	}

	c.log.Info().
		Int("rows", result.RowsWritten).
		Int("skipped", result.Skipped).
		Int("symbols", len(symbols)).
		Msg("P&L calculation complete")
	return result, nil
}

func (c *Calculator) valuationDates(symbols []string, startDate, endDate string, onlyTradingDays bool) ([]string, error) {
	if onlyTradingDays {
		return c.prices.GetTradingDays(symbols, startDate, endDate)
	}
	start, err := time.Parse(domain.DateLayout, startDate)
	if err != nil {
		return nil, domain.ValidationError("start_date", "must be YYYY-MM-DD")
	}
	end, err := time.Parse(domain.DateLayout, endDate)
	if err != nil {
		return nil, domain.ValidationError("end_date", "must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return nil, domain.ValidationError("end_date", "must not precede start_date")
	}
	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(domain.DateLayout))
	}
	return dates, nil
}

func ratio(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return numerator.Div(denominator).Round(4)
}

// Package domain holds the core entities shared across storage, the
// ledger, ingestion and analytics, plus the failure taxonomy.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the tolerance for share-quantity comparisons. It applies
// to quantities only, never to monetary amounts.
var Epsilon = decimal.New(1, -4) // 1e-4

// Transaction types.
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"
)

// Cost-basis methods.
const (
	BasisFIFO     = "fifo"
	BasisLIFO     = "lifo"
	BasisSpecific = "specific"
	BasisAverage  = "average"
)

// DRIPMarker flags dividend-reinvestment lots via the transaction notes.
// DRIP lots contribute to market value but not to invested cost.
const DRIPMarker = "Dividend Reinvestment"

// DateLayout is the calendar-day format used throughout.
const DateLayout = "2006-01-02"

// Stock is a tracked instrument. Created on first reference.
type Stock struct {
	Symbol            string
	Name              string
	Exchange          string
	Currency          string
	Industry          string
	SharesOutstanding float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PriceBar is one daily OHLCV row. Prices carry 4 fractional digits.
type PriceBar struct {
	Date     string // YYYY-MM-DD
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   int64
}

// Valid reports whether the bar satisfies the price invariants:
// all prices positive, low <= min(open, close), high >= max(open, close).
func (b PriceBar) Valid() bool {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	if b.Low > b.Open || b.Low > b.Close {
		return false
	}
	if b.High < b.Open || b.High < b.Close {
		return false
	}
	return b.Volume >= 0
}

// StockData is the uniform downloader output for price history.
type StockData struct {
	Symbol string
	Bars   []PriceBar
	Source string
}

// StatementType enumerates financial statement kinds.
const (
	StatementIncome   = "income_statement"
	StatementBalance  = "balance_sheet"
	StatementCashFlow = "cash_flow"
)

// FinancialData is the uniform downloader output for fundamentals:
// per statement type, period (fiscal end date) -> metric -> value.
type FinancialData struct {
	Symbol   string
	Income   map[string]map[string]float64
	Balance  map[string]map[string]float64
	CashFlow map[string]map[string]float64
	Source   string
}

// Empty reports whether no statements were parsed at all.
func (f FinancialData) Empty() bool {
	return len(f.Income) == 0 && len(f.Balance) == 0 && len(f.CashFlow) == 0
}

// Transaction is an immutable append-only ledger row.
type Transaction struct {
	ID              int64
	ExternalID      string // unique when present; idempotency key
	Symbol          string
	Type            string // BUY or SELL
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	TransactionDate string // YYYY-MM-DD
	Platform        string
	Notes           string
	CreatedAt       time.Time
}

// IsDRIP reports whether the transaction notes carry the
// dividend-reinvestment marker.
func (t Transaction) IsDRIP() bool {
	return strings.Contains(t.Notes, DRIPMarker)
}

// PositionLot is created 1:1 from a BUY transaction and consumed by
// sale allocations. OriginalQuantity is immutable.
type PositionLot struct {
	ID                int64
	Symbol            string
	TransactionID     int64
	OriginalQuantity  decimal.Decimal
	RemainingQuantity decimal.Decimal
	CostBasis         decimal.Decimal // per share
	PurchaseDate      string          // YYYY-MM-DD
	IsClosed          bool
	Notes             string
	CreatedAt         time.Time
}

// IsDRIP reports whether the lot came from a dividend reinvestment.
func (l PositionLot) IsDRIP() bool {
	return strings.Contains(l.Notes, DRIPMarker)
}

// SaleAllocation records the consumption of one lot by one SELL.
type SaleAllocation struct {
	ID                int64
	SaleTransactionID int64
	LotID             int64
	QuantitySold      decimal.Decimal
	CostBasis         decimal.Decimal // copied from the lot
	SalePrice         decimal.Decimal
	RealizedPnL       decimal.Decimal // (sale_price - cost_basis) * quantity_sold
	CreatedAt         time.Time
}

// DailyPnL is derived valuation state, unique on (symbol, valuation date).
// Realized P&L source of truth remains the sale allocations.
type DailyPnL struct {
	Symbol           string
	ValuationDate    string // YYYY-MM-DD
	Quantity         decimal.Decimal
	AvgCost          decimal.Decimal
	MarketPrice      decimal.Decimal
	MarketValue      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UnrealizedPnLPct decimal.Decimal
	RealizedPnL      decimal.Decimal
	RealizedPnLPct   decimal.Decimal
	TotalCost        decimal.Decimal
	PriceDate        string // empty when no price was available
	IsStalePrice     bool
}

// DownloadLog is an append-only observability row per download attempt.
type DownloadLog struct {
	ID         int64
	BatchID    string // uuid correlating one batch run
	Symbol     string
	DataType   string // stock, financial
	Status     string // success, failed, skipped
	Strategy   string // bulk_stooq, incremental_finnhub, ...
	DataPoints int
	Error      string
	Details    string // free-form JSON
	CreatedAt  time.Time
}

// Download log statuses and strategies.
const (
	DownloadSuccess = "success"
	DownloadFailed  = "failed"
	DownloadSkipped = "skipped"

	StrategyBulkStooq          = "bulk_stooq"
	StrategyIncrementalFinnhub = "incremental_finnhub"
	StrategyFallbackStooq      = "fallback_stooq"
	StrategyNoNewData          = "no_new_data"
)

// DataQuality is the pure quality assessment for a symbol.
type DataQuality struct {
	Symbol             string  `json:"symbol"`
	StockAvailable     bool    `json:"stock_available"`
	FinancialAvailable bool    `json:"financial_available"`
	DataCompleteness   float64 `json:"data_completeness"` // 0.6*stock + 0.4*financial
	Grade              string  `json:"grade"`             // A..F
	PriceRows          int     `json:"price_rows"`
	LastPriceDate      string  `json:"last_price_date,omitempty"`
}

// PositionSummary aggregates the open lots of one symbol.
type PositionSummary struct {
	Symbol        string
	Quantity      decimal.Decimal
	TotalCost     decimal.Decimal // non-DRIP invested capital
	AvgCost       decimal.Decimal
	OpenLots      int
	FirstPurchase string
	LastPurchase  string
}

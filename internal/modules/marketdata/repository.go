// Package marketdata owns ingestion: the price/financial store, the
// per-symbol download strategy, quality assessment and the frame cache.
package marketdata

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
)

// Price fields selectable by P&L and query paths.
const (
	FieldClose    = "close"
	FieldAdjClose = "adj_close"
)

// statementTables maps statement types to their tables. Table names
// are never interpolated from user input.
var statementTables = map[string]string{
	domain.StatementIncome:   "income_statement",
	domain.StatementBalance:  "balance_sheet",
	domain.StatementCashFlow: "cash_flow",
}

// Repository provides typed access to the market-data tables.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a market data repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "marketdata").Logger(),
	}
}

// UpsertStock inserts the symbol if missing and updates metadata only
// when provided.
func (r *Repository) UpsertStock(stock domain.Stock) error {
	if stock.Symbol == "" {
		return domain.ValidationError("symbol", "must not be empty")
	}

	_, err := r.db.Exec(`INSERT OR IGNORE INTO stocks (symbol) VALUES (?)`, stock.Symbol)
	if err != nil {
		return fmt.Errorf("failed to upsert stock %s: %w", stock.Symbol, err)
	}

	if stock.Name == "" && stock.Exchange == "" && stock.Currency == "" &&
		stock.Industry == "" && stock.SharesOutstanding == 0 {
		return nil
	}

	_, err = r.db.Exec(`
		UPDATE stocks SET
			company_name = COALESCE(NULLIF(?, ''), company_name),
			exchange = COALESCE(NULLIF(?, ''), exchange),
			currency = COALESCE(NULLIF(?, ''), currency),
			industry = COALESCE(NULLIF(?, ''), industry),
			shares_outstanding = CASE WHEN ? > 0 THEN ? ELSE shares_outstanding END,
			updated_at = CURRENT_TIMESTAMP
		WHERE symbol = ?`,
		stock.Name, stock.Exchange, stock.Currency, stock.Industry,
		stock.SharesOutstanding, stock.SharesOutstanding, stock.Symbol)
	if err != nil {
		return fmt.Errorf("failed to update stock metadata for %s: %w", stock.Symbol, err)
	}
	return nil
}

// GetStock returns the stored stock row, or ErrNotFound.
func (r *Repository) GetStock(symbol string) (*domain.Stock, error) {
	row := r.db.QueryRow(`
		SELECT symbol, COALESCE(company_name, ''), COALESCE(exchange, ''),
		       COALESCE(currency, ''), COALESCE(industry, ''),
		       COALESCE(shares_outstanding, 0)
		FROM stocks WHERE symbol = ?`, symbol)

	var s domain.Stock
	err := row.Scan(&s.Symbol, &s.Name, &s.Exchange, &s.Currency, &s.Industry, &s.SharesOutstanding)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stock %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock %s: %w", symbol, err)
	}
	return &s, nil
}

// GetExistingSymbols returns all stored symbols in alphabetical order.
func (r *Repository) GetExistingSymbols() ([]string, error) {
	rows, err := r.db.Query(`SELECT symbol FROM stocks ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// StorePriceBars writes bars with insert-or-replace on (symbol, date),
// batched inside one transaction. Invalid bars are skipped with a
// warning. Returns the number of rows written.
func (r *Repository) StorePriceBars(symbol string, bars []domain.PriceBar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	stored := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO stock_prices
				(symbol, date, open, high, low, close, volume, adj_close)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare price insert: %w", err)
		}
		defer stmt.Close()

		for _, bar := range bars {
			if !bar.Valid() {
				r.log.Warn().Str("symbol", symbol).Str("date", bar.Date).Msg("skipping invalid price bar")
				continue
			}
			if _, err := stmt.Exec(symbol, bar.Date, bar.Open, bar.High, bar.Low,
				bar.Close, bar.Volume, bar.AdjClose); err != nil {
				return fmt.Errorf("failed to store bar %s %s: %w", symbol, bar.Date, err)
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// StoreFinancialStatements upserts statement metrics per
// (symbol, statement type, period, metric). Returns rows written.
func (r *Repository) StoreFinancialStatements(symbol string, fd domain.FinancialData) (int, error) {
	stored := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for stmtType, periods := range map[string]map[string]map[string]float64{
			domain.StatementIncome:   fd.Income,
			domain.StatementBalance:  fd.Balance,
			domain.StatementCashFlow: fd.CashFlow,
		} {
			table := statementTables[stmtType]
			query := fmt.Sprintf(`
				INSERT OR REPLACE INTO %s (symbol, period, metric_name, metric_value)
				VALUES (?, ?, ?, ?)`, table)
			for period, metrics := range periods {
				for metric, value := range metrics {
					if _, err := tx.Exec(query, symbol, period, metric, value); err != nil {
						return fmt.Errorf("failed to store %s metric %s for %s: %w", stmtType, metric, symbol, err)
					}
					stored++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// GetStockData returns ordered bars for symbol, optionally bounded by
// [startDate, endDate] (either may be empty).
func (r *Repository) GetStockData(symbol, startDate, endDate string) ([]domain.PriceBar, error) {
	query := `
		SELECT date, COALESCE(open, 0), COALESCE(high, 0), COALESCE(low, 0),
		       COALESCE(close, 0), COALESCE(volume, 0), COALESCE(adj_close, 0)
		FROM stock_prices WHERE symbol = ?`
	args := []interface{}{symbol}

	if startDate != "" {
		query += " AND date >= ?"
		args = append(args, startDate)
	}
	if endDate != "" {
		query += " AND date <= ?"
		args = append(args, endDate)
	}
	query += " ORDER BY date"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []domain.PriceBar
	for rows.Next() {
		var b domain.PriceBar
		if err := rows.Scan(&b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.AdjClose); err != nil {
			return nil, fmt.Errorf("failed to scan price bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// GetLastPriceDate returns the most recent stored price date for
// symbol, or empty when none exists.
func (r *Repository) GetLastPriceDate(symbol string) (string, error) {
	var date sql.NullString
	err := r.db.QueryRow(`SELECT MAX(date) FROM stock_prices WHERE symbol = ?`, symbol).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to get last price date for %s: %w", symbol, err)
	}
	if !date.Valid {
		return "", nil
	}
	return date.String, nil
}

// GetLastFinancialPeriod returns the most recent fiscal period across
// all statement tables for symbol, or empty when none exists.
func (r *Repository) GetLastFinancialPeriod(symbol string) (string, error) {
	var latest string
	for _, table := range statementTables {
		var period sql.NullString
		query := fmt.Sprintf(`SELECT MAX(period) FROM %s WHERE symbol = ?`, table)
		if err := r.db.QueryRow(query, symbol).Scan(&period); err != nil {
			return "", fmt.Errorf("failed to get last period from %s for %s: %w", table, symbol, err)
		}
		if period.Valid && period.String > latest {
			latest = period.String
		}
	}
	return latest, nil
}

// GetStockPriceForDate returns the exact-date price for the given
// field, or (0, false) when the date has no row.
func (r *Repository) GetStockPriceForDate(symbol, date, field string) (float64, bool, error) {
	column, err := priceColumn(field)
	if err != nil {
		return 0, false, err
	}

	var price sql.NullFloat64
	query := fmt.Sprintf(`SELECT %s FROM stock_prices WHERE symbol = ? AND date = ?`, column)
	err = r.db.QueryRow(query, symbol, date).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get price for %s on %s: %w", symbol, date, err)
	}
	if !price.Valid || price.Float64 <= 0 {
		return 0, false, nil
	}
	return price.Float64, true, nil
}

// GetLatestStockPriceBefore returns the most recent (date, price)
// strictly before date, for stale-price backfill.
func (r *Repository) GetLatestStockPriceBefore(symbol, date, field string) (string, float64, bool, error) {
	column, err := priceColumn(field)
	if err != nil {
		return "", 0, false, err
	}

	var priceDate string
	var price sql.NullFloat64
	query := fmt.Sprintf(`
		SELECT date, %s FROM stock_prices
		WHERE symbol = ? AND date < ? AND %s IS NOT NULL
		ORDER BY date DESC LIMIT 1`, column, column)
	err = r.db.QueryRow(query, symbol, date).Scan(&priceDate, &price)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to get latest price before %s for %s: %w", date, symbol, err)
	}
	if !price.Valid || price.Float64 <= 0 {
		return "", 0, false, nil
	}
	return priceDate, price.Float64, true, nil
}

// GetTradingDays returns the distinct price dates present for the
// given symbols within [startDate, endDate], ascending.
func (r *Repository) GetTradingDays(symbols []string, startDate, endDate string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT date FROM stock_prices WHERE date >= ? AND date <= ? AND symbol IN (`
	args := []interface{}{startDate, endDate}
	for i, s := range symbols {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, s)
	}
	query += ") ORDER BY date"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan trading day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// CountPriceRows returns the number of stored bars for symbol.
func (r *Repository) CountPriceRows(symbol string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM stock_prices WHERE symbol = ?`, symbol).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count prices for %s: %w", symbol, err)
	}
	return count, nil
}

// HasFinancialData reports whether any statement rows exist for symbol.
func (r *Repository) HasFinancialData(symbol string) (bool, error) {
	for _, table := range statementTables {
		var count int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE symbol = ?`, table)
		if err := r.db.QueryRow(query, symbol).Scan(&count); err != nil {
			return false, fmt.Errorf("failed to count %s rows for %s: %w", table, symbol, err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

// LogDownload appends one download attempt to the observability trail.
func (r *Repository) LogDownload(entry domain.DownloadLog) error {
	_, err := r.db.Exec(`
		INSERT INTO download_logs
			(batch_id, symbol, download_type, status, strategy, data_points, error_message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(entry.BatchID), entry.Symbol, entry.DataType, entry.Status,
		nullString(entry.Strategy), entry.DataPoints,
		nullString(entry.Error), nullString(entry.Details))
	if err != nil {
		return fmt.Errorf("failed to log download for %s: %w", entry.Symbol, err)
	}
	return nil
}

func priceColumn(field string) (string, error) {
	switch field {
	case FieldClose, "":
		return "close", nil
	case FieldAdjClose:
		return "adj_close", nil
	default:
		return "", domain.ValidationError("field", field)
	}
}

// nullString converts empty strings to NULL for optional columns.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package analysis

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/marketdata"
)

// Repository loads analysis contexts from storage. Price frames go
// through the frame cache when one is attached.
type Repository struct {
	db    *sql.DB
	cache *marketdata.FrameCache
	log   zerolog.Logger
}

// NewRepository creates an analysis repository. cache may be nil.
func NewRepository(db *sql.DB, cache *marketdata.FrameCache, log zerolog.Logger) *Repository {
	return &Repository{
		db:    db,
		cache: cache,
		log:   log.With().Str("repo", "analysis").Logger(),
	}
}

// HasSymbol reports whether the symbol exists in storage.
func (r *Repository) HasSymbol(symbol string) (bool, error) {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM stocks WHERE symbol = ?`, symbol).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check symbol %s: %w", symbol, err)
	}
	return true, nil
}

// LoadContext assembles the pipeline context for one symbol over
// [startDate, endDate] (either bound may be empty).
func (r *Repository) LoadContext(symbol, startDate, endDate string) (*Context, error) {
	bars, err := r.loadBars(symbol, startDate, endDate)
	if err != nil {
		return nil, err
	}

	ctx := &Context{Symbol: symbol}
	for _, bar := range bars {
		ctx.Dates = append(ctx.Dates, bar.Date)
		ctx.Closes = append(ctx.Closes, bar.Close)
	}
	if n := len(ctx.Closes); n > 0 {
		ctx.LatestPrice = ctx.Closes[n-1]
	}

	ctx.Income, err = r.loadPivot(symbol, "income_statement")
	if err != nil {
		return nil, err
	}
	ctx.Balance, err = r.loadPivot(symbol, "balance_sheet")
	if err != nil {
		return nil, err
	}

	var shares sql.NullFloat64
	err = r.db.QueryRow(`SELECT shares_outstanding FROM stocks WHERE symbol = ?`, symbol).Scan(&shares)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load shares outstanding for %s: %w", symbol, err)
	}
	if shares.Valid {
		ctx.SharesOutstanding = shares.Float64
	}

	return ctx, nil
}

func (r *Repository) loadBars(symbol, startDate, endDate string) ([]domain.PriceBar, error) {
	if r.cache != nil {
		if bars, ok := r.cache.Get(symbol, startDate, endDate); ok {
			return bars, nil
		}
	}

	query := `
		SELECT date, open, high, low, close, adj_close, volume
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
		return nil, fmt.Errorf("failed to load prices for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []domain.PriceBar
	for rows.Next() {
		var bar domain.PriceBar
		if err := rows.Scan(&bar.Date, &bar.Open, &bar.High, &bar.Low,
			&bar.Close, &bar.AdjClose, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if r.cache != nil && len(bars) > 0 {
		r.cache.Store(symbol, startDate, endDate, bars)
	}
	return bars, nil
}

func (r *Repository) loadPivot(symbol, table string) (map[string]map[string]float64, error) {
	rows, err := r.db.Query(
		// Table names come from the fixed statement list, not input.
		fmt.Sprintf(`SELECT period, metric_name, metric_value FROM %s WHERE symbol = ?`, table),
		symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s for %s: %w", table, symbol, err)
	}
	defer rows.Close()

	pivot := make(map[string]map[string]float64)
	for rows.Next() {
		var period, metric string
		var value sql.NullFloat64
		if err := rows.Scan(&period, &metric, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		if !value.Valid {
			continue
		}
		if pivot[period] == nil {
			pivot[period] = make(map[string]float64)
		}
		pivot[period][metric] = value.Float64
	}
	return pivot, rows.Err()
}

// Package ledger implements the lot-tracking ledger: immutable BUY/SELL
// transactions, position lots, cost-basis matching, sale allocations
// and the daily P&L placeholder flow.
package ledger

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
)

// dbtx abstracts *sql.DB and *sql.Tx so repository methods run both
// standalone and inside the ledger write transaction.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Repository provides typed access to the ledger tables. Monetary and
// quantity columns are stored as decimal strings to avoid binary
// floating point drift.
type Repository struct {
	db  *database.DB
	log zerolog.Logger

	schemaOnce sync.Once
	schemaErr  error
}

// NewRepository creates a ledger repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// EnsureSchema creates the trading and lot tables on first use.
func (r *Repository) EnsureSchema() error {
	r.schemaOnce.Do(func() {
		if err := database.EnsureCoreSchema(r.db); err != nil {
			r.schemaErr = err
			return
		}
		if err := database.EnsureTradingSchema(r.db); err != nil {
			r.schemaErr = err
			return
		}
		r.schemaErr = database.EnsureLotSchema(r.db)
	})
	return r.schemaErr
}

// Conn exposes the underlying connection for the write transaction.
func (r *Repository) Conn() *sql.DB {
	return r.db.Conn()
}

// Exec, Query and QueryRow let the repository itself serve as the
// dbtx for callers operating outside an explicit transaction.
func (r *Repository) Exec(query string, args ...interface{}) (sql.Result, error) {
	return r.db.Exec(query, args...)
}

func (r *Repository) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return r.db.Query(query, args...)
}

func (r *Repository) QueryRow(query string, args ...interface{}) *sql.Row {
	return r.db.QueryRow(query, args...)
}

// EnsureStock creates the stocks row a ledger entry hangs off, if
// missing. Metadata arrives later via the ingestion path.
func (r *Repository) EnsureStock(q dbtx, symbol string) error {
	if _, err := q.Exec(`INSERT OR IGNORE INTO stocks (symbol) VALUES (?)`, symbol); err != nil {
		return fmt.Errorf("failed to ensure stock %s: %w", symbol, err)
	}
	return nil
}

const transactionColumns = `id, COALESCE(external_id, ''), symbol, transaction_type,
	quantity, price, transaction_date, COALESCE(platform, ''), COALESCE(notes, ''), created_at`

// GetTransactionByExternalID returns the transaction with the given
// idempotency key, or nil when absent.
func (r *Repository) GetTransactionByExternalID(q dbtx, externalID string) (*domain.Transaction, error) {
	if externalID == "" {
		return nil, nil
	}
	row := q.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE external_id = ?`, externalID)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by external id: %w", err)
	}
	return txn, nil
}

// GetTransaction returns a transaction by id, or ErrNotFound.
func (r *Repository) GetTransaction(id int64) (*domain.Transaction, error) {
	row := r.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	return txn, nil
}

// InsertTransaction appends a ledger row and returns its id. A
// uniqueness breach on external_id maps to ConstraintViolation; the
// service resolves idempotent replays before calling this.
func (r *Repository) InsertTransaction(q dbtx, txn domain.Transaction) (int64, error) {
	result, err := q.Exec(`
		INSERT INTO transactions
			(external_id, symbol, transaction_type, quantity, price, transaction_date, platform, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(txn.ExternalID), txn.Symbol, txn.Type,
		txn.Quantity.String(), txn.Price.String(), txn.TransactionDate,
		nullString(txn.Platform), nullString(txn.Notes))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return 0, fmt.Errorf("transaction external_id %s: %w", txn.ExternalID, domain.ErrConstraintViolation)
		}
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction id: %w", err)
	}
	return id, nil
}

// ListTransactions returns rows for a symbol (or all symbols when
// empty), newest first, optionally limited.
func (r *Repository) ListTransactions(symbol string, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	var args []interface{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY transaction_date DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransactionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

const lotColumns = `id, symbol, transaction_id, original_quantity, remaining_quantity,
	cost_basis, purchase_date, is_closed, COALESCE(notes, ''), created_at`

// InsertLot creates a position lot from a BUY and returns its id.
func (r *Repository) InsertLot(q dbtx, lot domain.PositionLot) (int64, error) {
	result, err := q.Exec(`
		INSERT INTO position_lots
			(symbol, transaction_id, original_quantity, remaining_quantity, cost_basis, purchase_date, is_closed, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.Symbol, lot.TransactionID,
		lot.OriginalQuantity.String(), lot.RemainingQuantity.String(),
		lot.CostBasis.String(), lot.PurchaseDate, boolToInt(lot.IsClosed),
		nullString(lot.Notes))
	if err != nil {
		return 0, fmt.Errorf("failed to insert lot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get lot id: %w", err)
	}
	return id, nil
}

// UpdateLotRemaining decrements a lot and flips its closed flag.
func (r *Repository) UpdateLotRemaining(q dbtx, lotID int64, remaining decimal.Decimal, isClosed bool) error {
	result, err := q.Exec(`
		UPDATE position_lots
		SET remaining_quantity = ?, is_closed = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		remaining.String(), boolToInt(isClosed), lotID)
	if err != nil {
		return fmt.Errorf("failed to update lot %d: %w", lotID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check lot update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("lot %d: %w", lotID, domain.ErrNotFound)
	}
	return nil
}

// GetActiveLots returns open lots for a symbol in FIFO index order.
func (r *Repository) GetActiveLots(q dbtx, symbol string) ([]domain.PositionLot, error) {
	rows, err := q.Query(`
		SELECT `+lotColumns+` FROM position_lots
		WHERE symbol = ? AND is_closed = 0
		ORDER BY purchase_date, id`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query active lots for %s: %w", symbol, err)
	}
	defer rows.Close()
	return collectLots(rows)
}

// GetActiveLotsOnOrBefore returns open lots purchased on or before the
// valuation date. Used by the P&L calculator.
func (r *Repository) GetActiveLotsOnOrBefore(symbol, date string) ([]domain.PositionLot, error) {
	rows, err := r.db.Query(`
		SELECT `+lotColumns+` FROM position_lots
		WHERE symbol = ? AND is_closed = 0 AND purchase_date <= ?
		ORDER BY purchase_date, id`, symbol, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots for %s on %s: %w", symbol, date, err)
	}
	defer rows.Close()
	return collectLots(rows)
}

// GetLots lists lots for a symbol (all symbols when empty), optionally
// active-only, with paging.
func (r *Repository) GetLots(symbol string, activeOnly bool, limit, offset int) ([]domain.PositionLot, error) {
	query := `SELECT ` + lotColumns + ` FROM position_lots WHERE 1=1`
	var args []interface{}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	if activeOnly {
		query += " AND is_closed = 0"
	}
	query += " ORDER BY symbol, purchase_date, id"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", err)
	}
	defer rows.Close()
	return collectLots(rows)
}

// LotSymbols returns the distinct symbols holding lots.
func (r *Repository) LotSymbols() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol FROM position_lots ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list lot symbols: %w", err)
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

const allocationColumns = `id, sale_transaction_id, lot_id, quantity_sold, cost_basis,
	sale_price, realized_pnl, created_at`

// InsertAllocation records one (sale, lot) consumption pair.
func (r *Repository) InsertAllocation(q dbtx, alloc domain.SaleAllocation) (int64, error) {
	result, err := q.Exec(`
		INSERT INTO sale_allocations
			(sale_transaction_id, lot_id, quantity_sold, cost_basis, sale_price, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?)`,
		alloc.SaleTransactionID, alloc.LotID,
		alloc.QuantitySold.String(), alloc.CostBasis.String(),
		alloc.SalePrice.String(), alloc.RealizedPnL.String())
	if err != nil {
		return 0, fmt.Errorf("failed to insert allocation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get allocation id: %w", err)
	}
	return id, nil
}

// GetAllocationsBySale returns the allocations of one SELL.
func (r *Repository) GetAllocationsBySale(saleTransactionID int64) ([]domain.SaleAllocation, error) {
	rows, err := r.db.Query(`
		SELECT `+allocationColumns+` FROM sale_allocations
		WHERE sale_transaction_id = ? ORDER BY id`, saleTransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations for sale %d: %w", saleTransactionID, err)
	}
	defer rows.Close()
	return collectAllocations(rows)
}

// GetAllocationsByLot returns every allocation consuming one lot.
func (r *Repository) GetAllocationsByLot(lotID int64) ([]domain.SaleAllocation, error) {
	rows, err := r.db.Query(`
		SELECT `+allocationColumns+` FROM sale_allocations
		WHERE lot_id = ? ORDER BY id`, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations for lot %d: %w", lotID, err)
	}
	defer rows.Close()
	return collectAllocations(rows)
}

// ListAllocationsInWindow returns allocations whose SELL falls within
// [startDate, endDate], joined with the sale's symbol and date.
type AllocationRecord struct {
	domain.SaleAllocation
	Symbol       string
	SaleDate     string
	PurchaseDate string
}

func (r *Repository) ListAllocationsInWindow(symbol, startDate, endDate string) ([]AllocationRecord, error) {
	query := `
		SELECT a.id, a.sale_transaction_id, a.lot_id, a.quantity_sold, a.cost_basis,
		       a.sale_price, a.realized_pnl, a.created_at,
		       t.symbol, t.transaction_date, l.purchase_date
		FROM sale_allocations a
		JOIN transactions t ON t.id = a.sale_transaction_id
		JOIN position_lots l ON l.id = a.lot_id
		WHERE 1=1`
	var args []interface{}
	if symbol != "" {
		query += " AND t.symbol = ?"
		args = append(args, symbol)
	}
	if startDate != "" {
		query += " AND t.transaction_date >= ?"
		args = append(args, startDate)
	}
	if endDate != "" {
		query += " AND t.transaction_date <= ?"
		args = append(args, endDate)
	}
	query += " ORDER BY t.transaction_date, a.id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var records []AllocationRecord
	for rows.Next() {
		var rec AllocationRecord
		var qty, cost, price, pnl string
		if err := rows.Scan(&rec.ID, &rec.SaleTransactionID, &rec.LotID,
			&qty, &cost, &price, &pnl, &rec.CreatedAt,
			&rec.Symbol, &rec.SaleDate, &rec.PurchaseDate); err != nil {
			return nil, fmt.Errorf("failed to scan allocation record: %w", err)
		}
		if err := parseDecimals(map[*decimal.Decimal]string{
			&rec.QuantitySold: qty, &rec.CostBasis: cost,
			&rec.SalePrice: price, &rec.RealizedPnL: pnl,
		}); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const dailyPnLColumns = `symbol, valuation_date, quantity, avg_cost, market_price, market_value,
	unrealized_pnl, unrealized_pnl_pct, realized_pnl, realized_pnl_pct, total_cost,
	COALESCE(price_date, ''), is_stale_price`

// GetDailyPnL returns the row for (symbol, date), or nil when absent.
func (r *Repository) GetDailyPnL(q dbtx, symbol, date string) (*domain.DailyPnL, error) {
	row := q.QueryRow(`SELECT `+dailyPnLColumns+` FROM daily_pnl WHERE symbol = ? AND valuation_date = ?`,
		symbol, date)
	pnl, err := scanDailyPnL(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily pnl for %s on %s: %w", symbol, date, err)
	}
	return pnl, nil
}

// UpsertPosition writes the per-symbol summary cache row. Lots remain
// the source of truth; this row exists for cheap position listings.
func (r *Repository) UpsertPosition(q dbtx, symbol string, quantity, avgCost, totalCost decimal.Decimal, firstBuy, lastTxn string, active bool) error {
	_, err := q.Exec(`
		INSERT INTO positions (symbol, quantity, avg_cost, total_cost, first_buy_date, last_transaction_date, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			total_cost = excluded.total_cost,
			first_buy_date = excluded.first_buy_date,
			last_transaction_date = excluded.last_transaction_date,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP`,
		symbol, quantity.String(), avgCost.String(), totalCost.String(),
		nullString(firstBuy), nullString(lastTxn), boolToInt(active))
	if err != nil {
		return fmt.Errorf("failed to upsert position for %s: %w", symbol, err)
	}
	return nil
}

// UpsertDailyPnL writes the row for (symbol, valuation date).
func (r *Repository) UpsertDailyPnL(q dbtx, row domain.DailyPnL) error {
	_, err := q.Exec(`
		INSERT INTO daily_pnl
			(symbol, valuation_date, quantity, avg_cost, market_price, market_value,
			 unrealized_pnl, unrealized_pnl_pct, realized_pnl, realized_pnl_pct,
			 total_cost, price_date, is_stale_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, valuation_date) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			market_price = excluded.market_price,
			market_value = excluded.market_value,
			unrealized_pnl = excluded.unrealized_pnl,
			unrealized_pnl_pct = excluded.unrealized_pnl_pct,
			realized_pnl = excluded.realized_pnl,
			realized_pnl_pct = excluded.realized_pnl_pct,
			total_cost = excluded.total_cost,
			price_date = excluded.price_date,
			is_stale_price = excluded.is_stale_price`,
		row.Symbol, row.ValuationDate,
		row.Quantity.String(), row.AvgCost.String(),
		row.MarketPrice.String(), row.MarketValue.String(),
		row.UnrealizedPnL.String(), row.UnrealizedPnLPct.String(),
		row.RealizedPnL.String(), row.RealizedPnLPct.String(),
		row.TotalCost.String(), nullString(row.PriceDate), boolToInt(row.IsStalePrice))
	if err != nil {
		return fmt.Errorf("failed to upsert daily pnl for %s on %s: %w", row.Symbol, row.ValuationDate, err)
	}
	return nil
}

// GetDailyPnLRange returns rows for a symbol within [startDate, endDate].
func (r *Repository) GetDailyPnLRange(symbol, startDate, endDate string) ([]domain.DailyPnL, error) {
	query := `SELECT ` + dailyPnLColumns + ` FROM daily_pnl WHERE symbol = ?`
	args := []interface{}{symbol}
	if startDate != "" {
		query += " AND valuation_date >= ?"
		args = append(args, startDate)
	}
	if endDate != "" {
		query += " AND valuation_date <= ?"
		args = append(args, endDate)
	}
	query += " ORDER BY valuation_date"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily pnl range: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyPnL
	for rows.Next() {
		pnl, err := scanDailyPnLFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily pnl: %w", err)
		}
		out = append(out, *pnl)
	}
	return out, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var txn domain.Transaction
	var qty, price string
	err := row.Scan(&txn.ID, &txn.ExternalID, &txn.Symbol, &txn.Type,
		&qty, &price, &txn.TransactionDate, &txn.Platform, &txn.Notes, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(map[*decimal.Decimal]string{
		&txn.Quantity: qty, &txn.Price: price,
	}); err != nil {
		return nil, err
	}
	return &txn, nil
}

func scanTransactionFromRows(rows *sql.Rows) (*domain.Transaction, error) {
	return scanTransaction(rows)
}

func scanLot(row rowScanner) (*domain.PositionLot, error) {
	var lot domain.PositionLot
	var orig, remaining, cost string
	var isClosed int
	err := row.Scan(&lot.ID, &lot.Symbol, &lot.TransactionID,
		&orig, &remaining, &cost, &lot.PurchaseDate, &isClosed, &lot.Notes, &lot.CreatedAt)
	if err != nil {
		return nil, err
	}
	lot.IsClosed = isClosed != 0
	if err := parseDecimals(map[*decimal.Decimal]string{
		&lot.OriginalQuantity: orig, &lot.RemainingQuantity: remaining, &lot.CostBasis: cost,
	}); err != nil {
		return nil, err
	}
	return &lot, nil
}

func collectLots(rows *sql.Rows) ([]domain.PositionLot, error) {
	var lots []domain.PositionLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func scanAllocation(row rowScanner) (*domain.SaleAllocation, error) {
	var alloc domain.SaleAllocation
	var qty, cost, price, pnl string
	err := row.Scan(&alloc.ID, &alloc.SaleTransactionID, &alloc.LotID,
		&qty, &cost, &price, &pnl, &alloc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(map[*decimal.Decimal]string{
		&alloc.QuantitySold: qty, &alloc.CostBasis: cost,
		&alloc.SalePrice: price, &alloc.RealizedPnL: pnl,
	}); err != nil {
		return nil, err
	}
	return &alloc, nil
}

func collectAllocations(rows *sql.Rows) ([]domain.SaleAllocation, error) {
	var allocs []domain.SaleAllocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, *alloc)
	}
	return allocs, rows.Err()
}

func scanDailyPnL(row rowScanner) (*domain.DailyPnL, error) {
	var pnl domain.DailyPnL
	var qty, avgCost, mktPrice, mktValue, unreal, unrealPct, real, realPct, totalCost string
	var isStale int
	err := row.Scan(&pnl.Symbol, &pnl.ValuationDate, &qty, &avgCost, &mktPrice, &mktValue,
		&unreal, &unrealPct, &real, &realPct, &totalCost, &pnl.PriceDate, &isStale)
	if err != nil {
		return nil, err
	}
	pnl.IsStalePrice = isStale != 0
	if err := parseDecimals(map[*decimal.Decimal]string{
		&pnl.Quantity: qty, &pnl.AvgCost: avgCost,
		&pnl.MarketPrice: mktPrice, &pnl.MarketValue: mktValue,
		&pnl.UnrealizedPnL: unreal, &pnl.UnrealizedPnLPct: unrealPct,
		&pnl.RealizedPnL: real, &pnl.RealizedPnLPct: realPct,
		&pnl.TotalCost: totalCost,
	}); err != nil {
		return nil, err
	}
	return &pnl, nil
}

func scanDailyPnLFromRows(rows *sql.Rows) (*domain.DailyPnL, error) {
	return scanDailyPnL(rows)
}

func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("failed to parse stored decimal %q: %w", raw, err)
		}
		*dst = d
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

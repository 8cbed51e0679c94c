package database

import (
	"fmt"
)

// Core tables are created on connect; trading and lot tables are
// created lazily on the first ledger operation. All statements are
// IF NOT EXISTS and safe to run repeatedly.

var coreSchema = []string{
	`CREATE TABLE IF NOT EXISTS stocks (
		symbol TEXT PRIMARY KEY,
		company_name TEXT,
		exchange TEXT,
		currency TEXT,
		industry TEXT,
		shares_outstanding REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS stock_prices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		date TEXT NOT NULL,
		open REAL,
		high REAL,
		low REAL,
		close REAL,
		volume INTEGER,
		adj_close REAL,
		FOREIGN KEY (symbol) REFERENCES stocks(symbol),
		UNIQUE(symbol, date)
	)`,
	`CREATE TABLE IF NOT EXISTS income_statement (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		period TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		metric_value REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (symbol) REFERENCES stocks(symbol),
		UNIQUE(symbol, period, metric_name)
	)`,
	`CREATE TABLE IF NOT EXISTS balance_sheet (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		period TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		metric_value REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (symbol) REFERENCES stocks(symbol),
		UNIQUE(symbol, period, metric_name)
	)`,
	`CREATE TABLE IF NOT EXISTS cash_flow (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		period TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		metric_value REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (symbol) REFERENCES stocks(symbol),
		UNIQUE(symbol, period, metric_name)
	)`,
	`CREATE TABLE IF NOT EXISTS download_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT,
		symbol TEXT NOT NULL,
		download_type TEXT NOT NULL,
		status TEXT NOT NULL,
		strategy TEXT,
		data_points INTEGER DEFAULT 0,
		error_message TEXT,
		details TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS frame_cache (
		cache_key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
}

var coreIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_stock_prices_symbol_date ON stock_prices (symbol, date)`,
	`CREATE INDEX IF NOT EXISTS idx_income_statement_symbol_period ON income_statement (symbol, period)`,
	`CREATE INDEX IF NOT EXISTS idx_income_statement_metric ON income_statement (metric_name)`,
	`CREATE INDEX IF NOT EXISTS idx_balance_sheet_symbol_period ON balance_sheet (symbol, period)`,
	`CREATE INDEX IF NOT EXISTS idx_balance_sheet_metric ON balance_sheet (metric_name)`,
	`CREATE INDEX IF NOT EXISTS idx_cash_flow_symbol_period ON cash_flow (symbol, period)`,
	`CREATE INDEX IF NOT EXISTS idx_cash_flow_metric ON cash_flow (metric_name)`,
	`CREATE INDEX IF NOT EXISTS idx_download_logs_symbol ON download_logs (symbol, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_download_logs_batch ON download_logs (batch_id)`,
}

var tradingSchema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT,
		symbol TEXT NOT NULL,
		transaction_type TEXT NOT NULL CHECK (transaction_type IN ('BUY','SELL')),
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		transaction_date TEXT NOT NULL,
		platform TEXT,
		notes TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (symbol) REFERENCES stocks(symbol),
		UNIQUE(external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		quantity TEXT NOT NULL,
		avg_cost TEXT NOT NULL,
		total_cost TEXT NOT NULL,
		first_buy_date TEXT,
		last_transaction_date TEXT,
		is_active INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_pnl (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		valuation_date TEXT NOT NULL,
		quantity TEXT NOT NULL,
		avg_cost TEXT NOT NULL,
		market_price TEXT NOT NULL,
		market_value TEXT NOT NULL,
		unrealized_pnl TEXT NOT NULL,
		unrealized_pnl_pct TEXT NOT NULL,
		realized_pnl TEXT DEFAULT '0',
		realized_pnl_pct TEXT DEFAULT '0',
		total_cost TEXT NOT NULL,
		price_date TEXT,
		is_stale_price INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, valuation_date)
	)`,
}

var tradingIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_transactions_symbol_date ON transactions (symbol, transaction_date)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_id ON transactions (external_id) WHERE external_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_daily_pnl_symbol_date ON daily_pnl (symbol, valuation_date)`,
}

var lotSchema = []string{
	`CREATE TABLE IF NOT EXISTS position_lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		transaction_id INTEGER NOT NULL,
		original_quantity TEXT NOT NULL,
		remaining_quantity TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		purchase_date TEXT NOT NULL,
		is_closed INTEGER DEFAULT 0,
		notes TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (transaction_id) REFERENCES transactions(id) ON DELETE RESTRICT,
		FOREIGN KEY (symbol) REFERENCES stocks(symbol) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS sale_allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_transaction_id INTEGER NOT NULL,
		lot_id INTEGER NOT NULL,
		quantity_sold TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		sale_price TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (sale_transaction_id) REFERENCES transactions(id) ON DELETE RESTRICT,
		FOREIGN KEY (lot_id) REFERENCES position_lots(id) ON DELETE RESTRICT
	)`,
}

var lotIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_position_lots_symbol ON position_lots (symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_position_lots_transaction ON position_lots (transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_position_lots_active ON position_lots (symbol, is_closed)`,
	`CREATE INDEX IF NOT EXISTS idx_position_lots_fifo_matching ON position_lots (symbol, is_closed, purchase_date, id)`,
	`CREATE INDEX IF NOT EXISTS idx_position_lots_lifo_matching ON position_lots (symbol, is_closed, purchase_date DESC, id)`,
	`CREATE INDEX IF NOT EXISTS idx_sale_allocations_transaction ON sale_allocations (sale_transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sale_allocations_lot ON sale_allocations (lot_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sale_allocations_realized_pnl ON sale_allocations (realized_pnl, sale_transaction_id)`,
}

func applyStatements(db *DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// EnsureCoreSchema creates the market-data tables and indexes.
// Called on connect.
func EnsureCoreSchema(db *DB) error {
	if err := applyStatements(db, coreSchema); err != nil {
		return err
	}
	return applyStatements(db, coreIndexes)
}

// EnsureTradingSchema creates the transaction, position and daily P&L
// tables. Called lazily before the first ledger operation.
func EnsureTradingSchema(db *DB) error {
	if err := applyStatements(db, tradingSchema); err != nil {
		return err
	}
	return applyStatements(db, tradingIndexes)
}

// EnsureLotSchema creates the lot and sale-allocation tables plus the
// FIFO/LIFO matching indexes. Requires the trading schema.
func EnsureLotSchema(db *DB) error {
	if err := applyStatements(db, lotSchema); err != nil {
		return err
	}
	return applyStatements(db, lotIndexes)
}

// EnsureAllSchemas creates every table. Convenience for tests and for
// commands that touch both subsystems.
func EnsureAllSchemas(db *DB) error {
	if err := EnsureCoreSchema(db); err != nil {
		return err
	}
	if err := EnsureTradingSchema(db); err != nil {
		return err
	}
	return EnsureLotSchema(db)
}

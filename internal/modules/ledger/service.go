package ledger

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
)

const maxSymbolLength = 20

// TradeRequest carries the caller's input for a BUY or SELL.
type TradeRequest struct {
	Symbol          string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	TransactionDate string // YYYY-MM-DD
	ExternalID      string // optional idempotency key
	Platform        string
	Notes           string

	// SELL only.
	Basis        string        // FIFO (default), LIFO, SPECIFIC, AVERAGE
	SpecificLots []SpecificLot // required when Basis is SPECIFIC
}

// BuyResult reports a recorded (or replayed) BUY.
type BuyResult struct {
	Transaction domain.Transaction
	Lot         domain.PositionLot
	Idempotent  bool
}

// SellResult reports a recorded (or replayed) SELL.
type SellResult struct {
	Transaction domain.Transaction
	Allocations []domain.SaleAllocation
	RealizedPnL decimal.Decimal
	Idempotent  bool
}

// SellPreview is a dry-run SELL: the matches and realized P&L a sale
// would produce, with no ledger writes.
type SellPreview struct {
	Symbol      string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Basis       string
	Matches     []LotMatch
	RealizedPnL decimal.Decimal
}

// Service owns the buy/sell flow: validation, lot creation, cost-basis
// matching, sale allocation and the eager daily P&L placeholder. All
// ledger writes run inside one transaction serialized by a
// process-wide mutex.
type Service struct {
	repo *Repository
	log  zerolog.Logger

	writeMu sync.Mutex
	now     func() time.Time
}

// NewService creates the ledger service.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "ledger").Logger(),
		now:  time.Now,
	}
}

// validateTrade enforces the shared BUY/SELL preconditions.
func (s *Service) validateTrade(req TradeRequest) error {
	if req.Symbol == "" || len(req.Symbol) > maxSymbolLength {
		return domain.ValidationError("symbol", "must be 1-20 characters")
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return domain.ValidationError("quantity", "must be positive")
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return domain.ValidationError("price", "must be positive")
	}
	if _, err := time.Parse(domain.DateLayout, req.TransactionDate); err != nil {
		return domain.ValidationError("transaction_date", "must be YYYY-MM-DD")
	}
	// Lexicographic compare on ISO dates; the wall clock stays in the
	// local zone so a same-day trade east of UTC is not "future".
	if req.TransactionDate > s.now().Format(domain.DateLayout) {
		return domain.ValidationError("transaction_date", "must not be in the future")
	}
	return nil
}

// RecordBuy appends a BUY transaction and its lot. Replays on the same
// external_id return the original rows unchanged.
func (s *Service) RecordBuy(req TradeRequest) (*BuyResult, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	if err := s.validateTrade(req); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if existing, err := s.replayBuy(req.ExternalID); err != nil || existing != nil {
		return existing, err
	}

	var result BuyResult
	err := database.WithTransaction(s.repo.Conn(), func(tx *sql.Tx) error {
		if err := s.repo.EnsureStock(tx, req.Symbol); err != nil {
			return err
		}

		txnID, err := s.repo.InsertTransaction(tx, domain.Transaction{
			ExternalID:      req.ExternalID,
			Symbol:          req.Symbol,
			Type:            domain.TransactionBuy,
			Quantity:        req.Quantity,
			Price:           req.Price,
			TransactionDate: req.TransactionDate,
			Platform:        req.Platform,
			Notes:           req.Notes,
		})
		if err != nil {
			return err
		}

		lot := domain.PositionLot{
			Symbol:            req.Symbol,
			TransactionID:     txnID,
			OriginalQuantity:  req.Quantity,
			RemainingQuantity: req.Quantity,
			CostBasis:         req.Price,
			PurchaseDate:      req.TransactionDate,
			Notes:             req.Notes,
		}
		lotID, err := s.repo.InsertLot(tx, lot)
		if err != nil {
			return err
		}
		lot.ID = lotID

		if err := s.refreshPosition(tx, req.Symbol, req.TransactionDate); err != nil {
			return err
		}

		result = BuyResult{
			Transaction: domain.Transaction{
				ID:              txnID,
				ExternalID:      req.ExternalID,
				Symbol:          req.Symbol,
				Type:            domain.TransactionBuy,
				Quantity:        req.Quantity,
				Price:           req.Price,
				TransactionDate: req.TransactionDate,
				Platform:        req.Platform,
				Notes:           req.Notes,
			},
			Lot: lot,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("symbol", req.Symbol).
		Str("quantity", req.Quantity.String()).
		Str("price", req.Price.String()).
		Int64("transaction_id", result.Transaction.ID).
		Msg("Recorded BUY")
	return &result, nil
}

// replayBuy resolves an idempotent BUY re-run to its original result.
func (s *Service) replayBuy(externalID string) (*BuyResult, error) {
	txn, err := s.repo.GetTransactionByExternalID(s.repo.db, externalID)
	if err != nil || txn == nil {
		return nil, err
	}
	if txn.Type != domain.TransactionBuy {
		return nil, domain.ValidationError("external_id", "already recorded as "+txn.Type)
	}
	lots, err := s.repo.GetLots(txn.Symbol, false, 0, 0)
	if err != nil {
		return nil, err
	}
	result := &BuyResult{Transaction: *txn, Idempotent: true}
	for _, lot := range lots {
		if lot.TransactionID == txn.ID {
			result.Lot = lot
			break
		}
	}
	s.log.Debug().Str("external_id", externalID).Msg("BUY replayed idempotently")
	return result, nil
}

// RecordSell matches a sale against active lots, writes the
// allocations, decrements the lots, and posts the realized P&L into
// the day's placeholder row.
func (s *Service) RecordSell(req TradeRequest) (*SellResult, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	if err := s.validateTrade(req); err != nil {
		return nil, err
	}
	matcher, err := s.matcherFor(req)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if existing, err := s.replaySell(req.ExternalID); err != nil || existing != nil {
		return existing, err
	}

	var result SellResult
	err = database.WithTransaction(s.repo.Conn(), func(tx *sql.Tx) error {
		if err := s.repo.EnsureStock(tx, req.Symbol); err != nil {
			return err
		}

		lots, err := s.repo.GetActiveLots(tx, req.Symbol)
		if err != nil {
			return err
		}
		matches, err := matcher.Match(lots, req.Quantity)
		if err != nil {
			return err
		}

		txnID, err := s.repo.InsertTransaction(tx, domain.Transaction{
			ExternalID:      req.ExternalID,
			Symbol:          req.Symbol,
			Type:            domain.TransactionSell,
			Quantity:        req.Quantity,
			Price:           req.Price,
			TransactionDate: req.TransactionDate,
			Platform:        req.Platform,
			Notes:           req.Notes,
		})
		if err != nil {
			return err
		}

		consumed := make(map[int64]decimal.Decimal, len(matches))
		realizedTotal := decimal.Zero
		allocations := make([]domain.SaleAllocation, 0, len(matches))
		for _, match := range matches {
			realized := req.Price.Sub(match.Lot.CostBasis).Mul(match.Quantity).Round(2)
			alloc := domain.SaleAllocation{
				SaleTransactionID: txnID,
				LotID:             match.Lot.ID,
				QuantitySold:      match.Quantity,
				CostBasis:         match.Lot.CostBasis,
				SalePrice:         req.Price,
				RealizedPnL:       realized,
			}
			allocID, err := s.repo.InsertAllocation(tx, alloc)
			if err != nil {
				return err
			}
			alloc.ID = allocID
			allocations = append(allocations, alloc)
			realizedTotal = realizedTotal.Add(realized)

			remaining := match.Lot.RemainingQuantity.Sub(match.Quantity)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			closed := remaining.LessThanOrEqual(domain.Epsilon)
			if err := s.repo.UpdateLotRemaining(tx, match.Lot.ID, remaining, closed); err != nil {
				return err
			}
			consumed[match.Lot.ID] = match.Quantity
		}

		if err := s.postRealized(tx, req.Symbol, req.TransactionDate, realizedTotal, lots, consumed); err != nil {
			return err
		}
		if err := s.refreshPosition(tx, req.Symbol, req.TransactionDate); err != nil {
			return err
		}

		result = SellResult{
			Transaction: domain.Transaction{
				ID:              txnID,
				ExternalID:      req.ExternalID,
				Symbol:          req.Symbol,
				Type:            domain.TransactionSell,
				Quantity:        req.Quantity,
				Price:           req.Price,
				TransactionDate: req.TransactionDate,
				Platform:        req.Platform,
				Notes:           req.Notes,
			},
			Allocations: allocations,
			RealizedPnL: realizedTotal,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("symbol", req.Symbol).
		Str("quantity", req.Quantity.String()).
		Str("price", req.Price.String()).
		Str("realized_pnl", result.RealizedPnL.String()).
		Int("allocations", len(result.Allocations)).
		Msg("Recorded SELL")
	return &result, nil
}

// replaySell resolves an idempotent SELL re-run to its original result.
func (s *Service) replaySell(externalID string) (*SellResult, error) {
	txn, err := s.repo.GetTransactionByExternalID(s.repo.db, externalID)
	if err != nil || txn == nil {
		return nil, err
	}
	if txn.Type != domain.TransactionSell {
		return nil, domain.ValidationError("external_id", "already recorded as "+txn.Type)
	}
	allocs, err := s.repo.GetAllocationsBySale(txn.ID)
	if err != nil {
		return nil, err
	}
	realized := decimal.Zero
	for _, a := range allocs {
		realized = realized.Add(a.RealizedPnL)
	}
	s.log.Debug().Str("external_id", externalID).Msg("SELL replayed idempotently")
	return &SellResult{
		Transaction: *txn,
		Allocations: allocs,
		RealizedPnL: realized,
		Idempotent:  true,
	}, nil
}

func (s *Service) matcherFor(req TradeRequest) (Matcher, error) {
	if req.Basis == domain.BasisSpecific {
		return NewSpecificMatcher(req.SpecificLots), nil
	}
	return MatcherFor(req.Basis)
}

// postRealized adds the sale's realized P&L to the day's row, or
// creates the placeholder: realized eagerly, market fields zeroed
// until the valuation pass fills them.
func (s *Service) postRealized(tx *sql.Tx, symbol, date string, realized decimal.Decimal,
	preSaleLots []domain.PositionLot, consumed map[int64]decimal.Decimal) error {

	existing, err := s.repo.GetDailyPnL(tx, symbol, date)
	if err != nil {
		return err
	}
	if existing != nil {
		existing.RealizedPnL = existing.RealizedPnL.Add(realized)
		existing.RealizedPnLPct = pct(existing.RealizedPnL, existing.TotalCost)
		return s.repo.UpsertDailyPnL(tx, *existing)
	}

	// Post-sale position, computed from the pre-sale snapshot.
	remaining := make([]domain.PositionLot, 0, len(preSaleLots))
	for _, lot := range preSaleLots {
		if sold, ok := consumed[lot.ID]; ok {
			lot.RemainingQuantity = lot.RemainingQuantity.Sub(sold)
		}
		if lot.RemainingQuantity.GreaterThan(domain.Epsilon) {
			remaining = append(remaining, lot)
		}
	}
	quantity, totalCost, avgCost := Aggregate(remaining)

	return s.repo.UpsertDailyPnL(tx, domain.DailyPnL{
		Symbol:         symbol,
		ValuationDate:  date,
		Quantity:       quantity,
		AvgCost:        avgCost,
		TotalCost:      totalCost,
		RealizedPnL:    realized,
		RealizedPnLPct: pct(realized, totalCost),
		IsStalePrice:   true,
	})
}

// refreshPosition recomputes the positions summary row from the
// symbol's active lots inside the enclosing write transaction.
func (s *Service) refreshPosition(tx *sql.Tx, symbol, txnDate string) error {
	lots, err := s.repo.GetActiveLots(tx, symbol)
	if err != nil {
		return err
	}
	quantity, totalCost, avgCost := Aggregate(lots)

	firstBuy := ""
	for _, lot := range lots {
		if firstBuy == "" || lot.PurchaseDate < firstBuy {
			firstBuy = lot.PurchaseDate
		}
	}
	active := quantity.GreaterThan(domain.Epsilon)
	return s.repo.UpsertPosition(tx, symbol, quantity, avgCost, totalCost, firstBuy, txnDate, active)
}

// Aggregate computes (quantity, total cost, average cost) over open
// lots. Dividend-reinvestment lots count toward quantity but not cost,
// so cost reflects only investor-contributed capital.
func Aggregate(lots []domain.PositionLot) (quantity, totalCost, avgCost decimal.Decimal) {
	quantity = decimal.Zero
	totalCost = decimal.Zero
	invested := decimal.Zero
	for _, lot := range lots {
		quantity = quantity.Add(lot.RemainingQuantity)
		if lot.IsDRIP() {
			continue
		}
		totalCost = totalCost.Add(lot.RemainingQuantity.Mul(lot.CostBasis))
		invested = invested.Add(lot.RemainingQuantity)
	}
	totalCost = totalCost.Round(2)
	if invested.GreaterThan(decimal.Zero) {
		avgCost = totalCost.Div(invested).Round(4)
	}
	return quantity, totalCost, avgCost
}

// pct returns numerator/denominator rounded to 4 places, or zero when
// the denominator is not positive.
func pct(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return numerator.Div(denominator).Round(4)
}

// SimulateSell previews the allocations and realized P&L a SELL would
// produce, without writing anything.
func (s *Service) SimulateSell(req TradeRequest) (*SellPreview, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	if err := s.validateTrade(req); err != nil {
		return nil, err
	}
	matcher, err := s.matcherFor(req)
	if err != nil {
		return nil, err
	}

	lots, err := s.repo.GetActiveLots(s.repo.db, req.Symbol)
	if err != nil {
		return nil, err
	}
	matches, err := matcher.Match(lots, req.Quantity)
	if err != nil {
		return nil, err
	}

	realized := decimal.Zero
	for _, m := range matches {
		realized = realized.Add(req.Price.Sub(m.Lot.CostBasis).Mul(m.Quantity).Round(2))
	}
	basis := req.Basis
	if basis == "" {
		basis = domain.BasisFIFO
	}
	return &SellPreview{
		Symbol:      req.Symbol,
		Quantity:    req.Quantity,
		Price:       req.Price,
		Basis:       basis,
		Matches:     matches,
		RealizedPnL: realized,
	}, nil
}

// PositionSummary aggregates the open lots of one symbol.
func (s *Service) PositionSummary(symbol string) (*domain.PositionSummary, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	lots, err := s.repo.GetActiveLots(s.repo.db, symbol)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, fmt.Errorf("no open position for %s: %w", symbol, domain.ErrNotFound)
	}
	return summarize(symbol, lots), nil
}

// Positions aggregates open lots across all symbols.
func (s *Service) Positions() ([]domain.PositionSummary, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	symbols, err := s.repo.LotSymbols()
	if err != nil {
		return nil, err
	}
	var summaries []domain.PositionSummary
	for _, symbol := range symbols {
		lots, err := s.repo.GetActiveLots(s.repo.db, symbol)
		if err != nil {
			return nil, err
		}
		if len(lots) == 0 {
			continue
		}
		summaries = append(summaries, *summarize(symbol, lots))
	}
	return summaries, nil
}

func summarize(symbol string, lots []domain.PositionLot) *domain.PositionSummary {
	quantity, totalCost, avgCost := Aggregate(lots)
	summary := &domain.PositionSummary{
		Symbol:    symbol,
		Quantity:  quantity,
		TotalCost: totalCost,
		AvgCost:   avgCost,
		OpenLots:  len(lots),
	}
	for _, lot := range lots {
		if summary.FirstPurchase == "" || lot.PurchaseDate < summary.FirstPurchase {
			summary.FirstPurchase = lot.PurchaseDate
		}
		if lot.PurchaseDate > summary.LastPurchase {
			summary.LastPurchase = lot.PurchaseDate
		}
	}
	return summary
}

// ListTransactions returns ledger rows, newest first.
func (s *Service) ListTransactions(symbol string, limit int) ([]domain.Transaction, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(symbol, limit)
}

// ListLots returns lots for a symbol (all when empty).
func (s *Service) ListLots(symbol string, activeOnly bool, limit, offset int) ([]domain.PositionLot, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	return s.repo.GetLots(symbol, activeOnly, limit, offset)
}

// ListSaleAllocations returns the allocations of one SELL transaction.
func (s *Service) ListSaleAllocations(saleTransactionID int64) ([]domain.SaleAllocation, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	return s.repo.GetAllocationsBySale(saleTransactionID)
}

// TaxLine is one symbol's realized results for a reporting window.
type TaxLine struct {
	Symbol        string
	Proceeds      decimal.Decimal
	CostBasis     decimal.Decimal
	RealizedPnL   decimal.Decimal
	ShortTermPnL  decimal.Decimal // holding period <= 365 days
	LongTermPnL   decimal.Decimal
	AllocationCnt int
}

// TaxReport groups realized P&L by symbol for a calendar year, split
// into short- and long-term holdings at the one-year boundary.
func (s *Service) TaxReport(year int) ([]TaxLine, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	start := fmt.Sprintf("%04d-01-01", year)
	end := fmt.Sprintf("%04d-12-31", year)
	records, err := s.repo.ListAllocationsInWindow("", start, end)
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string]*TaxLine)
	var order []string
	for _, rec := range records {
		line, ok := bySymbol[rec.Symbol]
		if !ok {
			line = &TaxLine{Symbol: rec.Symbol}
			bySymbol[rec.Symbol] = line
			order = append(order, rec.Symbol)
		}
		line.Proceeds = line.Proceeds.Add(rec.SalePrice.Mul(rec.QuantitySold).Round(2))
		line.CostBasis = line.CostBasis.Add(rec.CostBasis.Mul(rec.QuantitySold).Round(2))
		line.RealizedPnL = line.RealizedPnL.Add(rec.RealizedPnL)
		if isLongTerm(rec.PurchaseDate, rec.SaleDate) {
			line.LongTermPnL = line.LongTermPnL.Add(rec.RealizedPnL)
		} else {
			line.ShortTermPnL = line.ShortTermPnL.Add(rec.RealizedPnL)
		}
		line.AllocationCnt++
	}

	lines := make([]TaxLine, 0, len(order))
	for _, symbol := range order {
		lines = append(lines, *bySymbol[symbol])
	}
	return lines, nil
}

func isLongTerm(purchaseDate, saleDate string) bool {
	bought, err1 := time.Parse(domain.DateLayout, purchaseDate)
	sold, err2 := time.Parse(domain.DateLayout, saleDate)
	if err1 != nil || err2 != nil {
		return false
	}
	return sold.Sub(bought) > 365*24*time.Hour
}

// ConsistencyReport lists invariant breaches found in the ledger.
type ConsistencyReport struct {
	Symbol   string
	Findings []string
}

// ValidateConsistency cross-checks transactions, lots, allocations and
// daily P&L rows for one symbol.
func (s *Service) ValidateConsistency(symbol string) (*ConsistencyReport, error) {
	if err := s.repo.EnsureSchema(); err != nil {
		return nil, err
	}
	report := &ConsistencyReport{Symbol: symbol}

	txns, err := s.repo.ListTransactions(symbol, 0)
	if err != nil {
		return nil, err
	}
	lots, err := s.repo.GetLots(symbol, false, 0, 0)
	if err != nil {
		return nil, err
	}

	// Each SELL's allocations must sum to its quantity.
	for _, txn := range txns {
		if txn.Type != domain.TransactionSell {
			continue
		}
		allocs, err := s.repo.GetAllocationsBySale(txn.ID)
		if err != nil {
			return nil, err
		}
		sum := decimal.Zero
		for _, a := range allocs {
			sum = sum.Add(a.QuantitySold)
		}
		if sum.Sub(txn.Quantity).Abs().GreaterThan(domain.Epsilon) {
			report.Findings = append(report.Findings, fmt.Sprintf(
				"sell %d: allocations sum to %s, transaction quantity is %s",
				txn.ID, sum.String(), txn.Quantity.String()))
		}
	}

	// Each lot's remaining quantity must reconcile with its allocations,
	// and the closed flag with epsilon.
	for _, lot := range lots {
		allocs, err := s.repo.GetAllocationsByLot(lot.ID)
		if err != nil {
			return nil, err
		}
		sold := decimal.Zero
		for _, a := range allocs {
			sold = sold.Add(a.QuantitySold)
		}
		expected := lot.OriginalQuantity.Sub(sold)
		if expected.IsNegative() {
			expected = decimal.Zero
		}
		if lot.RemainingQuantity.Sub(expected).Abs().GreaterThan(domain.Epsilon) {
			report.Findings = append(report.Findings, fmt.Sprintf(
				"lot %d: remaining %s, expected %s from allocations",
				lot.ID, lot.RemainingQuantity.String(), expected.String()))
		}
		shouldClose := lot.RemainingQuantity.LessThanOrEqual(domain.Epsilon)
		if lot.IsClosed != shouldClose {
			report.Findings = append(report.Findings, fmt.Sprintf(
				"lot %d: is_closed=%t with remaining %s",
				lot.ID, lot.IsClosed, lot.RemainingQuantity.String()))
		}
	}

	// Realized P&L in daily rows must not drift from the allocations.
	records, err := s.repo.ListAllocationsInWindow(symbol, "", "")
	if err != nil {
		return nil, err
	}
	allocTotal := decimal.Zero
	for _, rec := range records {
		allocTotal = allocTotal.Add(rec.RealizedPnL)
	}
	rows, err := s.repo.GetDailyPnLRange(symbol, "", "")
	if err != nil {
		return nil, err
	}
	rowTotal := decimal.Zero
	for _, row := range rows {
		rowTotal = rowTotal.Add(row.RealizedPnL)
	}
	if len(rows) > 0 && allocTotal.Sub(rowTotal).Abs().GreaterThan(domain.Epsilon) {
		report.Findings = append(report.Findings, fmt.Sprintf(
			"realized pnl drift: allocations total %s, daily rows total %s",
			allocTotal.String(), rowTotal.String()))
	}

	return report, nil
}

package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/ledger"
)

var (
	tradeSymbol     string
	tradeQuantity   string
	tradePrice      string
	tradeDate       string
	tradeBasis      string
	tradeSpecific   string
	tradeExternalID string
	tradePlatform   string
	tradeNotes      string
)

func tradeRequest() (ledger.TradeRequest, error) {
	qty, err := parseDecimalFlag("quantity", tradeQuantity)
	if err != nil {
		return ledger.TradeRequest{}, err
	}
	price, err := parseDecimalFlag("price", tradePrice)
	if err != nil {
		return ledger.TradeRequest{}, err
	}
	specific, err := parseSpecificLots(tradeSpecific)
	if err != nil {
		return ledger.TradeRequest{}, err
	}
	return ledger.TradeRequest{
		Symbol:          strings.ToUpper(strings.TrimSpace(tradeSymbol)),
		Quantity:        qty,
		Price:           price,
		TransactionDate: tradeDate,
		ExternalID:      tradeExternalID,
		Platform:        tradePlatform,
		Notes:           tradeNotes,
		Basis:           tradeBasis,
		SpecificLots:    specific,
	}, nil
}

func parseDecimalFlag(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, domain.ValidationError(name, "required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.ValidationError(name, "not a number: "+raw)
	}
	return d, nil
}

// parseSpecificLots parses "lot=ID:QTY,lot=ID:QTY,…" into selections.
func parseSpecificLots(raw string) ([]ledger.SpecificLot, error) {
	if raw == "" {
		return nil, nil
	}
	var lots []ledger.SpecificLot
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "lot="))
		idStr, qtyStr, found := strings.Cut(part, ":")
		if !found {
			return nil, domain.ValidationError("specific-lots", "want lot=ID:QTY, got "+part)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, domain.ValidationError("specific-lots", "bad lot id: "+idStr)
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, domain.ValidationError("specific-lots", "bad quantity: "+qtyStr)
		}
		lots = append(lots, ledger.SpecificLot{LotID: id, Quantity: qty})
	}
	return lots, nil
}

var buyCmd = &cobra.Command{
	Use:   "buy",
	Short: "Record a purchase and open a new lot",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := tradeRequest()
		if err != nil {
			return err
		}
		return withApp(func(app *App) error {
			result, err := app.Ledger.RecordBuy(req)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var sellCmd = &cobra.Command{
	Use:   "sell",
	Short: "Record a sale, matching lots by the chosen cost basis",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := tradeRequest()
		if err != nil {
			return err
		}
		return withApp(func(app *App) error {
			result, err := app.Ledger.RecordSell(req)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var rebalanceSimulateCmd = &cobra.Command{
	Use:   "rebalance-simulate",
	Short: "Preview a sale: lot matches and realized P&L, no writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := tradeRequest()
		if err != nil {
			return err
		}
		return withApp(func(app *App) error {
			preview, err := app.Ledger.SimulateSell(req)
			if err != nil {
				return err
			}
			return printJSON(preview)
		})
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Summarize open positions per symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			positions, err := app.Ledger.Positions()
			if err != nil {
				return err
			}
			return printJSON(positions)
		})
	},
}

var (
	lotsSymbol string
	lotsActive bool
	lotsLimit  int
	lotsOffset int
)

var lotsCmd = &cobra.Command{
	Use:   "lots",
	Short: "List position lots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			lots, err := app.Ledger.ListLots(strings.ToUpper(lotsSymbol), lotsActive, lotsLimit, lotsOffset)
			if err != nil {
				return err
			}
			return printJSON(lots)
		})
	},
}

var (
	salesSymbol    string
	salesStartDate string
	salesEndDate   string
)

var salesCmd = &cobra.Command{
	Use:   "sales",
	Short: "List sale allocations, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			if err := app.LedgerRepo.EnsureSchema(); err != nil {
				return err
			}
			records, err := app.LedgerRepo.ListAllocationsInWindow(
				strings.ToUpper(salesSymbol), salesStartDate, salesEndDate)
			if err != nil {
				return err
			}
			return printJSON(records)
		})
	},
}

var taxReportYear int

var taxReportCmd = &cobra.Command{
	Use:   "tax-report",
	Short: "Realized gains per symbol for a calendar year, short/long split",
	RunE: func(cmd *cobra.Command, args []string) error {
		year := taxReportYear
		if year == 0 {
			year = time.Now().Year()
		}
		return withApp(func(app *App) error {
			lines, err := app.Ledger.TaxReport(year)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"year": year, "lines": lines})
		})
	},
}

func addTradeFlags(cmd *cobra.Command, sellSide bool) {
	cmd.Flags().StringVarP(&tradeSymbol, "symbol", "s", "", "stock symbol")
	cmd.Flags().StringVarP(&tradeQuantity, "quantity", "q", "", "number of shares")
	cmd.Flags().StringVarP(&tradePrice, "price", "p", "", "price per share")
	cmd.Flags().StringVarP(&tradeDate, "date", "d", "", "transaction date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&tradeExternalID, "external-id", "", "idempotency key; replays return the stored result")
	cmd.Flags().StringVar(&tradePlatform, "platform", "", "brokerage platform")
	cmd.Flags().StringVar(&tradeNotes, "notes", "", "free-form notes")
	if sellSide {
		cmd.Flags().StringVar(&tradeBasis, "basis", "", "cost basis: fifo (default), lifo, specific, average")
		cmd.Flags().StringVar(&tradeSpecific, "specific-lots", "", "lot=ID:QTY,… (required with --basis specific)")
	}
}

func init() {
	addTradeFlags(buyCmd, false)
	addTradeFlags(sellCmd, true)
	addTradeFlags(rebalanceSimulateCmd, true)

	lotsCmd.Flags().StringVarP(&lotsSymbol, "symbol", "s", "", "filter by symbol")
	lotsCmd.Flags().BoolVar(&lotsActive, "active", false, "open lots only")
	lotsCmd.Flags().IntVar(&lotsLimit, "limit", 0, "max rows (0 = all)")
	lotsCmd.Flags().IntVar(&lotsOffset, "offset", 0, "rows to skip")

	salesCmd.Flags().StringVarP(&salesSymbol, "symbol", "s", "", "filter by symbol")
	salesCmd.Flags().StringVar(&salesStartDate, "start-date", "", "sale date lower bound")
	salesCmd.Flags().StringVar(&salesEndDate, "end-date", "", "sale date upper bound")

	taxReportCmd.Flags().IntVar(&taxReportYear, "year", 0, "calendar year (0 = current)")
}

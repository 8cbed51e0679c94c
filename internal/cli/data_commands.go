package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/analysis"
	"github.com/aristath/folio/internal/modules/marketdata"
)

var (
	downloadSymbols   []string
	downloadStartDate string
	downloadFull      bool
	downloadFinsOnly  bool
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and store price history (and optionally financials)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			symbols := downloadSymbols
			if len(symbols) == 0 {
				symbols = app.Cfg.Watchlist
			}
			if len(symbols) == 0 {
				return domain.ValidationError("symbols", "no symbols given and WATCHLIST is empty")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if downloadFinsOnly {
				batch := marketdata.BatchResult{Total: len(symbols)}
				for _, symbol := range symbols {
					result := app.Market.RefreshFinancials(ctx, symbol, "")
					batch.Results = append(batch.Results, result)
					if result.Status == domain.DownloadFailed {
						batch.Failed++
					} else {
						batch.Successful++
					}
				}
				return reportBatch(batch)
			}

			batch := app.Market.DownloadBatch(ctx, symbols, downloadStartDate, downloadFull)
			return reportBatch(batch)
		})
	},
}

func reportBatch(batch marketdata.BatchResult) error {
	if err := printJSON(batch); err != nil {
		return err
	}
	if batch.Total > 0 && batch.Failed == batch.Total {
		return fmt.Errorf("all %d symbols failed", batch.Total)
	}
	return nil
}

var (
	querySymbol    string
	queryStartDate string
	queryEndDate   string
	queryLimit     int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print stored price rows for a symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		if querySymbol == "" {
			return domain.ValidationError("symbol", "required")
		}
		return withApp(func(app *App) error {
			symbol := strings.ToUpper(querySymbol)
			bars, err := app.MarketRepo.GetStockData(symbol, queryStartDate, queryEndDate)
			if err != nil {
				return err
			}
			quality, err := app.Market.AssessQuality(symbol)
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"symbol":  symbol,
				"stats":   marketdata.Summarize(bars),
				"quality": quality,
			}
			if queryLimit > 0 && len(bars) > 2*queryLimit {
				out["head"] = bars[:queryLimit]
				out["tail"] = bars[len(bars)-queryLimit:]
			} else {
				out["rows"] = bars
			}
			return printJSON(out)
		})
	},
}

var (
	analyzeSymbols   []string
	analyzeOperators []string
	analyzePeriod    string
	analyzeOutput    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the analysis pipeline and emit JSON reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(analyzeSymbols) == 0 {
			return domain.ValidationError("symbols", "required")
		}
		start, err := periodStart(analyzePeriod)
		if err != nil {
			return err
		}
		return withApp(func(app *App) error {
			runner := app.Analysis
			if len(analyzeOperators) > 0 {
				runner = runner.WithOperators(filteredOperators(analyzeOperators))
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reports, err := runner.RunBatch(ctx, upper(analyzeSymbols), start, "")
			if err != nil {
				return err
			}
			if analyzeOutput != "" {
				return writeReports(analyzeOutput, reports)
			}
			return printJSON(reports)
		})
	},
}

// periodStart maps --period to an inclusive start date; "max" means no
// lower bound.
func periodStart(period string) (string, error) {
	now := time.Now()
	switch period {
	case "", "max":
		return "", nil
	case "1mo":
		return now.AddDate(0, -1, 0).Format(domain.DateLayout), nil
	case "3mo":
		return now.AddDate(0, -3, 0).Format(domain.DateLayout), nil
	case "6mo":
		return now.AddDate(0, -6, 0).Format(domain.DateLayout), nil
	case "1y":
		return now.AddDate(-1, 0, 0).Format(domain.DateLayout), nil
	case "2y":
		return now.AddDate(-2, 0, 0).Format(domain.DateLayout), nil
	default:
		return "", domain.ValidationError("period", "want 1mo, 3mo, 6mo, 1y, 2y or max")
	}
}

// filteredOperators keeps the default operators whose name matches one
// of the requested prefixes, preserving pipeline order so dependent
// operators still see their inputs.
func filteredOperators(names []string) func() []analysis.Operator {
	return func() []analysis.Operator {
		var kept []analysis.Operator
		for _, op := range analysis.DefaultOperators() {
			for _, want := range names {
				if strings.HasPrefix(op.Name(), strings.ToLower(strings.TrimSpace(want))) {
					kept = append(kept, op)
					break
				}
			}
		}
		return kept
	}
}

func writeReports(path string, reports []*analysis.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := jsonEncoder(f)
	if err := enc.Encode(reports); err != nil {
		return err
	}
	printf("wrote %d report(s) to %s", len(reports), path)
	return nil
}

func upper(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func init() {
	downloadCmd.Flags().StringSliceVarP(&downloadSymbols, "symbols", "s", nil, "symbols to download (default: WATCHLIST)")
	downloadCmd.Flags().StringVar(&downloadStartDate, "start-date", "", "history start date (YYYY-MM-DD)")
	downloadCmd.Flags().BoolVar(&downloadFull, "comprehensive", false, "also refresh financial statements")
	downloadCmd.Flags().BoolVar(&downloadFinsOnly, "financial-only", false, "refresh financial statements only")
	downloadCmd.MarkFlagsMutuallyExclusive("comprehensive", "financial-only")

	queryCmd.Flags().StringVarP(&querySymbol, "symbol", "s", "", "symbol to query")
	queryCmd.Flags().StringVar(&queryStartDate, "start-date", "", "window start (YYYY-MM-DD)")
	queryCmd.Flags().StringVar(&queryEndDate, "end-date", "", "window end (YYYY-MM-DD)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 5, "rows to show at each end (0 = all)")

	analyzeCmd.Flags().StringSliceVarP(&analyzeSymbols, "symbols", "s", nil, "symbols to analyze")
	analyzeCmd.Flags().StringSliceVar(&analyzeOperators, "operators", nil, "restrict to operators matching these name prefixes")
	analyzeCmd.Flags().StringVar(&analyzePeriod, "period", "1y", "lookback window: 1mo, 3mo, 6mo, 1y, 2y, max")
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "write reports to this file instead of stdout")
}

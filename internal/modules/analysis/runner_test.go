package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/marketdata"
)

func newTestRunner(t *testing.T) (*Runner, *marketdata.Repository) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    ":memory:",
		Profile: database.ProfileStandard,
		Name:    "analysis-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.EnsureCoreSchema(db))

	marketRepo := marketdata.NewRepository(db.Conn(), zerolog.Nop())
	repo := NewRepository(db.Conn(), nil, zerolog.Nop())
	return NewRunner(repo, zerolog.Nop()), marketRepo
}

// seedFlatThenDrop stores 21 closes at 100 followed by one at 80.
func seedFlatThenDrop(t *testing.T, repo *marketdata.Repository, symbol string) {
	t.Helper()
	require.NoError(t, repo.UpsertStock(domain.Stock{Symbol: symbol}))
	var bars []domain.PriceBar
	for i := 0; i < 21; i++ {
		bars = append(bars, domain.PriceBar{
			Date: fmt.Sprintf("2024-01-%02d", i+1),
			Open: 100, High: 100, Low: 100, Close: 100, AdjClose: 100, Volume: 1000,
		})
	}
	bars = append(bars, domain.PriceBar{
		Date: "2024-01-22", Open: 100, High: 100, Low: 80, Close: 80, AdjClose: 80, Volume: 1000,
	})
	_, err := repo.StorePriceBars(symbol, bars)
	require.NoError(t, err)
}

func TestRunSymbol_TrendAndDropAlert(t *testing.T) {
	runner, marketRepo := newTestRunner(t)
	seedFlatThenDrop(t, marketRepo, "AAPL")

	runner.WithOperators(func() []Operator {
		return []Operator{
			&MAOperator{Windows: []int{20}},
			&RSIOperator{Period: 14},
			&DropAlertOperator{Days: 1, ThresholdPct: 15},
		}
	})

	report, err := runner.RunSymbol("AAPL", "", "")
	require.NoError(t, err)

	assert.Equal(t, TrendDown, report.Summary.Trend)
	assert.True(t, report.Summary.DropAlert)
	require.NotNil(t, report.Summary.DropChange)
	assert.Equal(t, -20.0, *report.Summary.DropChange)
	assert.Equal(t, 22, report.Metrics.Rows)

	env := report.Operators["drop_alert_1d"]
	require.NotNil(t, env.Data)
	assert.Equal(t, true, env.Data["drop_alert"])
}

func TestRunSymbol_MissingSymbolWarns(t *testing.T) {
	runner, _ := newTestRunner(t)

	report, err := runner.RunSymbol("MISSING", "", "")
	require.NoError(t, err)
	assert.Empty(t, report.Operators)
	assert.Equal(t, TrendUnknown, report.Summary.Trend)
	assert.Equal(t, SignalNA, report.Summary.RSISignal)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, CodeNoData, report.Errors[0].Code)
	assert.Equal(t, SeverityWarning, report.Errors[0].Severity)
}

func TestRunSymbol_EmptyWindowWarns(t *testing.T) {
	runner, marketRepo := newTestRunner(t)
	seedFlatThenDrop(t, marketRepo, "AAPL")

	report, err := runner.RunSymbol("AAPL", "2025-01-01", "2025-02-01")
	require.NoError(t, err)
	assert.Empty(t, report.Operators)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, CodeNoData, report.Errors[0].Code)
}

func TestRunBatch_PreservesOrder(t *testing.T) {
	runner, marketRepo := newTestRunner(t)
	seedFlatThenDrop(t, marketRepo, "AAPL")
	seedFlatThenDrop(t, marketRepo, "MSFT")

	reports, err := runner.RunBatch(context.Background(), []string{"AAPL", "MISSING", "MSFT"}, "", "")
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "AAPL", reports[0].Symbol)
	assert.Equal(t, "MISSING", reports[1].Symbol)
	assert.Equal(t, "MSFT", reports[2].Symbol)
	assert.NotEmpty(t, reports[0].Operators)
	assert.Empty(t, reports[1].Operators)
}

func TestReport_JSONShape(t *testing.T) {
	runner, marketRepo := newTestRunner(t)
	seedFlatThenDrop(t, marketRepo, "AAPL")

	report, err := runner.RunSymbol("AAPL", "", "")
	require.NoError(t, err)

	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "operators")
	assert.Contains(t, decoded, "summary")
	assert.Contains(t, decoded, "errors")
	assert.Contains(t, decoded, "metrics")

	summary := decoded["summary"].(map[string]interface{})
	assert.Contains(t, summary, "trend")
	assert.Contains(t, summary, "rsi_signal")
	assert.Contains(t, summary, "drop_alert")
	assert.Contains(t, summary, "drop_change")

	metrics := decoded["metrics"].(map[string]interface{})
	assert.Equal(t, float64(22), metrics["rows"])
}

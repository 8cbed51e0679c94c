package analysis

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatThenDrop() *Context {
	closes := make([]float64, 0, 22)
	for i := 0; i < 21; i++ {
		closes = append(closes, 100)
	}
	closes = append(closes, 80)
	return &Context{Symbol: "AAPL", Closes: closes, LatestPrice: 80}
}

func TestMAOperator_PublishesFrameAndLatest(t *testing.T) {
	ctx := flatThenDrop()
	op := &MAOperator{Windows: []int{5, 10, 20, 50}}

	data, err := op.Run(ctx)
	require.NoError(t, err)

	// 22 closes: the 50-day window is skipped.
	assert.Contains(t, data, "ma_5")
	assert.Contains(t, data, "ma_20")
	assert.NotContains(t, data, "ma_50")

	// Last MA20 = (19*100 + 80)/20 = 99.
	assert.Equal(t, 99.0, data["ma_20"])

	require.NotNil(t, ctx.Extras.MA)
	assert.Contains(t, ctx.Extras.MA.Series, 20)
}

func TestMAOperator_InsufficientData(t *testing.T) {
	ctx := &Context{Symbol: "AAPL", Closes: []float64{100, 101}}
	_, err := (&MAOperator{Windows: []int{5}}).Run(ctx)
	require.Error(t, err)

	engine := NewEngine([]Operator{&MAOperator{Windows: []int{5}}}, zerolog.Nop())
	results, errs := engine.Run(ctx)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInsufficientData, errs[0].Code)
	assert.Equal(t, SeverityWarning, errs[0].Severity)
	assert.Nil(t, results["ma"].Data)
}

func TestRSIOperator_Signals(t *testing.T) {
	// Monotonic rise pins Wilder RSI at 100.
	rising := &Context{Symbol: "AAPL"}
	for i := 0; i < 30; i++ {
		rising.Closes = append(rising.Closes, 100+float64(i))
	}
	data, err := (&RSIOperator{Period: 14}).Run(rising)
	require.NoError(t, err)
	assert.Equal(t, SignalOverbought, data["signal"])
	require.NotNil(t, rising.Extras.RSI)
	assert.Equal(t, 14, rising.Extras.RSI.Period)

	falling := &Context{Symbol: "AAPL"}
	for i := 0; i < 30; i++ {
		falling.Closes = append(falling.Closes, 200-float64(i))
	}
	data, err = (&RSIOperator{Period: 14}).Run(falling)
	require.NoError(t, err)
	assert.Equal(t, SignalOversold, data["signal"])
}

func TestRSIOperator_InsufficientData(t *testing.T) {
	ctx := &Context{Symbol: "AAPL", Closes: make([]float64, 14)}
	_, err := (&RSIOperator{Period: 14}).Run(ctx)
	assert.Error(t, err)
}

func TestDropAlertOperator_TriggersOnDrop(t *testing.T) {
	ctx := flatThenDrop()
	data, err := (&DropAlertOperator{Days: 1, ThresholdPct: 15}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, data["drop_alert"])
	assert.Equal(t, -20.0, data["change_pct"])
}

func TestDropAlertOperator_NoAlertWithinThreshold(t *testing.T) {
	ctx := &Context{Symbol: "AAPL", Closes: []float64{100, 100, 95}}
	data, err := (&DropAlertOperator{Days: 1, ThresholdPct: 10}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, false, data["drop_alert"])
	assert.Equal(t, -5.0, data["change_pct"])
}

func TestDropAlertOperator_Naming(t *testing.T) {
	assert.Equal(t, "drop_alert_7d", (&DropAlertOperator{Days: 7}).Name())
	assert.Equal(t, "drop_alert_30d", (&DropAlertOperator{Days: 30}).Name())
}

func finContext() *Context {
	return &Context{
		Symbol:            "AAPL",
		Closes:            []float64{150},
		LatestPrice:       150,
		SharesOutstanding: 1000,
		Income: map[string]map[string]float64{
			"2023-12-31": {"NetIncomeLoss": 25000, "Revenues": 100000},
		},
		Balance: map[string]map[string]float64{
			"2023-12-31": {"Assets": 200000, "Liabilities": 50000, "StockholdersEquity": 150000},
		},
	}
}

func TestFinRatiosOperator_ComputesRatios(t *testing.T) {
	ctx := finContext()
	data, err := (&FinRatiosOperator{}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "2023-12-31", data["period"])
	assert.Equal(t, 25.0, data["net_profit_margin"]) // 25000/100000
	assert.InDelta(t, 16.67, data["roe"], 0.01)      // 25000/150000
	assert.Equal(t, 25.0, data["debt_ratio"])        // 50000/200000
	assert.Equal(t, 6.0, data["pe_ratio"])           // 150 / (25000/1000)

	require.NotNil(t, ctx.Extras.FinRatios)
}

func TestFinRatiosOperator_NoCommonPeriod(t *testing.T) {
	ctx := &Context{
		Symbol:  "AAPL",
		Income:  map[string]map[string]float64{"2023-12-31": {"NetIncomeLoss": 1}},
		Balance: map[string]map[string]float64{"2022-12-31": {"Assets": 1}},
	}
	_, err := (&FinRatiosOperator{}).Run(ctx)
	require.Error(t, err)
}

func TestFinHealthOperator_ScoresAndGrades(t *testing.T) {
	ctx := finContext()
	_, err := (&FinRatiosOperator{}).Run(ctx)
	require.NoError(t, err)

	data, err := (&FinHealthOperator{}).Run(ctx)
	require.NoError(t, err)

	// roe 16.67 -> 20, debt 25 -> 20, npm 25 -> 20, pe 6 -> 20.
	assert.Equal(t, 80, data["score"])
	assert.Equal(t, "A", data["grade"])
}

func TestFinHealthOperator_MissingDependencyDegrades(t *testing.T) {
	engine := NewEngine([]Operator{&FinHealthOperator{}}, zerolog.Nop())
	results, errs := engine.Run(&Context{Symbol: "AAPL", Closes: []float64{1}})
	require.Len(t, errs, 1)
	assert.Equal(t, CodeMissingDependency, errs[0].Code)
	assert.Equal(t, SeverityWarning, results["fin_health"].Error.Severity)
}

func TestHealthGradeBands(t *testing.T) {
	assert.Equal(t, "A", healthGrade(80))
	assert.Equal(t, "B", healthGrade(60))
	assert.Equal(t, "C", healthGrade(40))
	assert.Equal(t, "D", healthGrade(20))
	assert.Equal(t, "F", healthGrade(19))
}

type panicOperator struct{}

func (panicOperator) Name() string                                 { return "boom" }
func (panicOperator) Run(*Context) (map[string]interface{}, error) { panic("index out of range") }

type okOperator struct{}

func (okOperator) Name() string { return "ok" }
func (okOperator) Run(*Context) (map[string]interface{}, error) {
	return map[string]interface{}{"value": 1}, nil
}

func TestEngine_IsolatesCrashes(t *testing.T) {
	engine := NewEngine([]Operator{panicOperator{}, okOperator{}}, zerolog.Nop())
	results, errs := engine.Run(&Context{Symbol: "AAPL"})

	require.Len(t, errs, 1)
	assert.Equal(t, CodeOperatorCrash, errs[0].Code)
	assert.Equal(t, SeverityError, errs[0].Severity)

	// The crash did not stop the next operator.
	require.NotNil(t, results["ok"].Data)
	assert.Equal(t, 1, results["ok"].Data["value"])
}

package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"
)

// DefaultMAWindows are the moving-average window sizes.
var DefaultMAWindows = []int{5, 10, 20, 50}

// RSI signal labels.
const (
	SignalOverbought = "overbought"
	SignalOversold   = "oversold"
	SignalNeutral    = "neutral"
	SignalNA         = "n/a"
)

// DefaultOperators is the standard pipeline order. FinHealth must run
// after FinRatios; DropAlert after MA and RSI.
func DefaultOperators() []Operator {
	return []Operator{
		&MAOperator{Windows: DefaultMAWindows},
		&RSIOperator{Period: 14},
		&DropAlertOperator{Days: 7, ThresholdPct: 10},
		&FinRatiosOperator{},
		&FinHealthOperator{},
	}
}

// MAOperator computes simple moving averages over Close and publishes
// the full series for downstream operators.
type MAOperator struct {
	Windows []int
}

func (o *MAOperator) Name() string { return "ma" }

func (o *MAOperator) Run(ctx *Context) (map[string]interface{}, error) {
	windows := o.Windows
	if len(windows) == 0 {
		windows = DefaultMAWindows
	}
	sort.Ints(windows)
	if len(ctx.Closes) < windows[0] {
		return nil, Warning(CodeInsufficientData,
			fmt.Sprintf("%d closes, smallest window is %d", len(ctx.Closes), windows[0]))
	}

	frame := &MAFrame{Series: make(map[int][]float64, len(windows))}
	data := make(map[string]interface{}, len(windows))
	for _, w := range windows {
		if len(ctx.Closes) < w {
			continue
		}
		series := talib.Sma(ctx.Closes, w)
		frame.Windows = append(frame.Windows, w)
		frame.Series[w] = series
		data[fmt.Sprintf("ma_%d", w)] = round2(series[len(series)-1])
	}
	ctx.Extras.MA = frame
	return data, nil
}

// RSIOperator computes Wilder-smoothed RSI and classifies the latest
// value.
type RSIOperator struct {
	Period int
}

func (o *RSIOperator) Name() string { return "rsi" }

func (o *RSIOperator) Run(ctx *Context) (map[string]interface{}, error) {
	period := o.Period
	if period <= 0 {
		period = 14
	}
	if len(ctx.Closes) <= period {
		return nil, Warning(CodeInsufficientData,
			fmt.Sprintf("%d closes, period is %d", len(ctx.Closes), period))
	}

	values := talib.Rsi(ctx.Closes, period)
	latest := values[len(values)-1]

	signal := SignalNeutral
	switch {
	case latest > 70:
		signal = SignalOverbought
	case latest < 30:
		signal = SignalOversold
	}

	ctx.Extras.RSI = &RSIFrame{Period: period, Values: values}
	return map[string]interface{}{
		"rsi":    round2(latest),
		"period": period,
		"signal": signal,
	}, nil
}

// DropAlertOperator flags a percentage drop over a lookback window.
// The close series is shared by every published frame, so the raw
// closes serve regardless of which upstream operators ran.
type DropAlertOperator struct {
	Days         int
	ThresholdPct float64
}

func (o *DropAlertOperator) Name() string {
	if o.Days == 7 {
		return "drop_alert_7d"
	}
	return fmt.Sprintf("drop_alert_%dd", o.Days)
}

func (o *DropAlertOperator) Run(ctx *Context) (map[string]interface{}, error) {
	if o.Days <= 0 {
		return nil, fmt.Errorf("drop alert lookback must be positive, got %d", o.Days)
	}
	if len(ctx.Closes) <= o.Days {
		return nil, Warning(CodeInsufficientData,
			fmt.Sprintf("%d closes, lookback is %d", len(ctx.Closes), o.Days))
	}

	last := ctx.Closes[len(ctx.Closes)-1]
	past := ctx.Closes[len(ctx.Closes)-1-o.Days]
	if past == 0 {
		return nil, Warning(CodeInsufficientData, "reference close is zero")
	}
	change := (last - past) / past * 100

	return map[string]interface{}{
		"drop_alert":    change <= -o.ThresholdPct,
		"change_pct":    round2(change),
		"days":          o.Days,
		"threshold_pct": o.ThresholdPct,
	}, nil
}

// Financial metric aliases: statement concepts vary by filer, so each
// ratio input is resolved against a candidate list.
var (
	revenueKeys = []string{"Revenues", "RevenueFromContractWithCustomerExcludingAssessedTax",
		"SalesRevenueNet", "revenue", "totalRevenue"}
	netIncomeKeys = []string{"NetIncomeLoss", "ProfitLoss", "netIncome"}
	equityKeys    = []string{"StockholdersEquity",
		"StockholdersEquityIncludingPortionAttributableToNoncontrollingInterest", "totalEquity"}
	liabilityKeys = []string{"Liabilities", "totalLiabilities"}
	assetKeys     = []string{"Assets", "totalAssets"}
)

// FinRatiosOperator derives profitability and leverage ratios from the
// latest period common to the income statement and balance sheet.
type FinRatiosOperator struct{}

func (o *FinRatiosOperator) Name() string { return "fin_ratios" }

func (o *FinRatiosOperator) Run(ctx *Context) (map[string]interface{}, error) {
	period := latestCommonPeriod(ctx.Income, ctx.Balance)
	if period == "" {
		return nil, Warning(CodeNoFinancialData, "no common income/balance period")
	}
	income := ctx.Income[period]
	balance := ctx.Balance[period]

	ratios := make(map[string]float64)
	netIncome, hasNI := lookup(income, netIncomeKeys)
	if revenue, ok := lookup(income, revenueKeys); ok && hasNI && revenue != 0 {
		ratios["net_profit_margin"] = round2(netIncome / revenue * 100)
	}
	if equity, ok := lookup(balance, equityKeys); ok && hasNI && equity != 0 {
		ratios["roe"] = round2(netIncome / equity * 100)
	}
	liabilities, hasL := lookup(balance, liabilityKeys)
	if assets, ok := lookup(balance, assetKeys); ok && hasL && assets != 0 {
		ratios["debt_ratio"] = round2(liabilities / assets * 100)
	}
	if hasNI && netIncome > 0 && ctx.LatestPrice > 0 && ctx.SharesOutstanding > 0 {
		eps := netIncome / ctx.SharesOutstanding
		ratios["pe_ratio"] = round2(ctx.LatestPrice / eps)
	}
	if len(ratios) == 0 {
		return nil, Warning(CodeNoFinancialData,
			fmt.Sprintf("no usable metrics in period %s", period))
	}

	ctx.Extras.FinRatios = ratios
	data := map[string]interface{}{"period": period}
	for name, value := range ratios {
		data[name] = value
	}
	return data, nil
}

// FinHealthOperator scores the fin_ratios hand-off into a letter grade.
type FinHealthOperator struct{}

func (o *FinHealthOperator) Name() string { return "fin_health" }

func (o *FinHealthOperator) Run(ctx *Context) (map[string]interface{}, error) {
	ratios := ctx.Extras.FinRatios
	if ratios == nil {
		return nil, Warning(CodeMissingDependency, "fin_ratios did not produce results")
	}

	components := make(map[string]interface{})
	score := 0

	if roe, ok := ratios["roe"]; ok {
		points := bandAbove(roe, 15, 10, 5)
		components["roe"] = points
		score += points
	}
	if debt, ok := ratios["debt_ratio"]; ok {
		points := bandBelow(debt, 30, 50, 70)
		components["debt_ratio"] = points
		score += points
	}
	if npm, ok := ratios["net_profit_margin"]; ok {
		points := bandAbove(npm, 20, 10, 5)
		components["net_profit_margin"] = points
		score += points
	}
	if pe, ok := ratios["pe_ratio"]; ok && pe > 0 {
		points := bandBelow(pe, 15, 25, 35)
		components["pe_ratio"] = points
		score += points
	}

	return map[string]interface{}{
		"score":      score,
		"grade":      healthGrade(score),
		"components": components,
	}, nil
}

// bandAbove awards 20/15/10/0 for a higher-is-better metric.
func bandAbove(value, high, mid, low float64) int {
	switch {
	case value > high:
		return 20
	case value > mid:
		return 15
	case value > low:
		return 10
	default:
		return 0
	}
}

// bandBelow awards 20/15/10/0 for a lower-is-better metric.
func bandBelow(value, best, mid, worst float64) int {
	switch {
	case value < best:
		return 20
	case value < mid:
		return 15
	case value < worst:
		return 10
	default:
		return 0
	}
}

func healthGrade(score int) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 60:
		return "B"
	case score >= 40:
		return "C"
	case score >= 20:
		return "D"
	default:
		return "F"
	}
}

func latestCommonPeriod(income, balance map[string]map[string]float64) string {
	latest := ""
	for period := range income {
		if _, ok := balance[period]; ok && period > latest {
			latest = period
		}
	}
	return latest
}

func lookup(metrics map[string]float64, candidates []string) (float64, bool) {
	for _, key := range candidates {
		if value, ok := metrics[key]; ok {
			return value, true
		}
	}
	return 0, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

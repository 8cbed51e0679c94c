// Package analysis runs a per-symbol operator pipeline over stored
// price and financial data: moving averages, RSI, drop alerts,
// financial ratios and a composite health score. Operators are
// isolated; one failing never aborts its siblings.
package analysis

// Context carries one symbol's frames through the pipeline. Operators
// read it and publish their hand-off frames into Extras, which is
// populated monotonically as operators complete.
type Context struct {
	Symbol string
	Dates  []string
	Closes []float64

	// Financial pivots: period -> metric -> value.
	Income  map[string]map[string]float64
	Balance map[string]map[string]float64

	LatestPrice       float64
	SharesOutstanding float64

	Extras Extras
}

// Extras holds cross-operator hand-off results, one slot per producer.
type Extras struct {
	MA        *MAFrame
	RSI       *RSIFrame
	FinRatios map[string]float64
}

// MAFrame is the moving-average hand-off: full series per window.
type MAFrame struct {
	Windows []int
	Series  map[int][]float64
}

// RSIFrame is the RSI hand-off.
type RSIFrame struct {
	Period int
	Values []float64
}

// Rows reports the number of price rows loaded into the context.
func (c *Context) Rows() int {
	return len(c.Closes)
}

package analysis

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Trend labels for the per-symbol summary.
const (
	TrendUp      = "up"
	TrendDown    = "down"
	TrendUnknown = "unknown"
)

// Summary condenses the pipeline into the headline signals.
type Summary struct {
	Trend      string   `json:"trend"`
	RSISignal  string   `json:"rsi_signal"`
	DropAlert  bool     `json:"drop_alert"`
	DropChange *float64 `json:"drop_change"`
}

// Metrics reports pipeline scale and cost.
type Metrics struct {
	Rows       int   `json:"rows"`
	DurationMS int64 `json:"duration_ms"`
}

// Report is the JSON-shaped per-symbol result.
type Report struct {
	Symbol    string              `json:"symbol"`
	Operators map[string]Envelope `json:"operators"`
	Summary   Summary             `json:"summary"`
	Errors    []OpError           `json:"errors"`
	Metrics   Metrics             `json:"metrics"`
}

// Runner loads contexts and drives the engine, one report per symbol.
type Runner struct {
	repo      *Repository
	operators func() []Operator
	// Parallelism bounds concurrent symbols in RunBatch. The pipeline
	// itself is read-only, so this never contends with ledger writes.
	Parallelism int
	log         zerolog.Logger
}

// NewRunner creates a runner using the default operator pipeline.
func NewRunner(repo *Repository, log zerolog.Logger) *Runner {
	return &Runner{
		repo:        repo,
		operators:   DefaultOperators,
		Parallelism: 4,
		log:         log.With().Str("service", "analysis").Logger(),
	}
}

// WithOperators overrides the pipeline factory.
func (r *Runner) WithOperators(factory func() []Operator) *Runner {
	r.operators = factory
	return r
}

// RunSymbol executes the pipeline for one symbol over a date window.
// A missing symbol or empty price window yields a warning-level report
// with no operator results.
func (r *Runner) RunSymbol(symbol, startDate, endDate string) (*Report, error) {
	start := time.Now()
	report := &Report{
		Symbol:    symbol,
		Operators: map[string]Envelope{},
		Summary:   Summary{Trend: TrendUnknown, RSISignal: SignalNA},
	}

	exists, err := r.repo.HasSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if !exists {
		report.Errors = append(report.Errors, OpError{
			Code:     CodeNoData,
			Message:  "symbol not found in storage",
			Severity: SeverityWarning,
		})
		report.Metrics.DurationMS = time.Since(start).Milliseconds()
		return report, nil
	}

	ctx, err := r.repo.LoadContext(symbol, startDate, endDate)
	if err != nil {
		return nil, err
	}
	if ctx.Rows() == 0 {
		report.Errors = append(report.Errors, OpError{
			Code:     CodeNoData,
			Message:  "no price rows in window",
			Severity: SeverityWarning,
		})
		report.Metrics.DurationMS = time.Since(start).Milliseconds()
		return report, nil
	}

	engine := NewEngine(r.operators(), r.log)
	report.Operators, report.Errors = engine.Run(ctx)
	report.Summary = summarize(ctx, report.Operators)
	report.Metrics = Metrics{
		Rows:       ctx.Rows(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	return report, nil
}

// RunBatch analyzes symbols with bounded parallelism. Reports keep the
// input order. Per-symbol load failures abort the batch; operator
// failures never do.
func (r *Runner) RunBatch(ctx context.Context, symbols []string, startDate, endDate string) ([]*Report, error) {
	reports := make([]*Report, len(symbols))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.Parallelism)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			report, err := r.RunSymbol(symbol, startDate, endDate)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// summarize derives the headline signals from the operator envelopes.
func summarize(ctx *Context, results map[string]Envelope) Summary {
	summary := Summary{Trend: TrendUnknown, RSISignal: SignalNA}

	if ma := ctx.Extras.MA; ma != nil && len(ctx.Closes) > 0 {
		if series, ok := ma.Series[20]; ok && len(series) > 0 {
			last := ctx.Closes[len(ctx.Closes)-1]
			ma20 := series[len(series)-1]
			if last > ma20 {
				summary.Trend = TrendUp
			} else if last < ma20 {
				summary.Trend = TrendDown
			}
		}
	}

	if env, ok := results["rsi"]; ok && env.Data != nil {
		if signal, ok := env.Data["signal"].(string); ok {
			summary.RSISignal = signal
		}
	}

	for name, env := range results {
		if len(name) < 10 || name[:10] != "drop_alert" || env.Data == nil {
			continue
		}
		if alert, ok := env.Data["drop_alert"].(bool); ok {
			summary.DropAlert = summary.DropAlert || alert
		}
		if change, ok := env.Data["change_pct"].(float64); ok {
			c := change
			summary.DropChange = &c
		}
	}
	return summary
}

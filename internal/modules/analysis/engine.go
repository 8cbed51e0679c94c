package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Severity levels for operator errors.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Error codes emitted by the engine and built-in operators.
const (
	CodeOperatorError     = "operator_error"
	CodeOperatorCrash     = "operator_crash"
	CodeInsufficientData  = "insufficient_data"
	CodeNoFinancialData   = "no_financial_data"
	CodeMissingDependency = "missing_dependency"
	CodeNoData            = "no_data"
)

// OpError is the structured error half of a result envelope.
type OpError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Envelope is the per-operator result: exactly one of Data and Error
// is set.
type Envelope struct {
	Data       map[string]interface{} `json:"data"`
	Error      *OpError               `json:"error"`
	DurationMS int64                  `json:"duration_ms"`
}

// Operator is one pipeline stage. Run returns its result mapping or an
// error; warnings are signalled with Warning(...) and crash recovery
// is the engine's job.
type Operator interface {
	Name() string
	Run(ctx *Context) (map[string]interface{}, error)
}

// warning is a recoverable, non-fatal operator outcome.
type warning struct {
	code string
	msg  string
}

func (w *warning) Error() string { return fmt.Sprintf("%s: %s", w.code, w.msg) }

// Warning builds an operator error that the engine records at warning
// severity instead of error.
func Warning(code, msg string) error {
	return &warning{code: code, msg: msg}
}

// Engine executes operators sequentially over one context. Operator
// failures and panics are captured into the envelope; execution always
// continues with the next operator.
type Engine struct {
	operators []Operator
	log       zerolog.Logger
}

// NewEngine creates an engine over an ordered operator list.
func NewEngine(operators []Operator, log zerolog.Logger) *Engine {
	return &Engine{
		operators: operators,
		log:       log.With().Str("component", "analysis_engine").Logger(),
	}
}

// Run executes the pipeline, returning the envelope per operator name
// and the flattened error list in execution order.
func (e *Engine) Run(ctx *Context) (map[string]Envelope, []OpError) {
	results := make(map[string]Envelope, len(e.operators))
	var errs []OpError

	for _, op := range e.operators {
		envelope := e.runOne(op, ctx)
		results[op.Name()] = envelope
		if envelope.Error != nil {
			errs = append(errs, *envelope.Error)
		}
	}
	return results, errs
}

func (e *Engine) runOne(op Operator, ctx *Context) (envelope Envelope) {
	start := time.Now()
	defer func() {
		envelope.DurationMS = time.Since(start).Milliseconds()
		if p := recover(); p != nil {
			envelope.Data = nil
			envelope.Error = &OpError{
				Code:     CodeOperatorCrash,
				Message:  fmt.Sprintf("%v", p),
				Severity: SeverityError,
			}
			e.log.Error().Str("operator", op.Name()).Interface("panic", p).Msg("Operator crashed")
		}
	}()

	data, err := op.Run(ctx)
	if err != nil {
		var warn *warning
		if errors.As(err, &warn) {
			envelope.Error = &OpError{Code: warn.code, Message: warn.msg, Severity: SeverityWarning}
			e.log.Debug().Str("operator", op.Name()).Str("code", warn.code).Msg("Operator warning")
		} else {
			envelope.Error = &OpError{Code: CodeOperatorError, Message: err.Error(), Severity: SeverityError}
			e.log.Warn().Str("operator", op.Name()).Err(err).Msg("Operator failed")
		}
		return envelope
	}
	envelope.Data = data
	return envelope
}

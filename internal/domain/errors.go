package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors form the failure taxonomy shared by storage, the
// ledger, the downloaders and the CLI. Callers classify with errors.Is.
var (
	// ErrValidation marks bad caller input (symbol, quantity, price,
	// date, cost-basis arguments). Never retried.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientPosition marks a SELL exceeding available shares.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrUnknownLot marks a specific-lot reference to a nonexistent or
	// closed lot.
	ErrUnknownLot = errors.New("unknown lot")

	// ErrConstraintViolation marks a storage uniqueness breach that is
	// not an idempotency target.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound marks a missing row or parent entity.
	ErrNotFound = errors.New("not found")

	// ErrProviderTransient marks a retryable remote failure (429/5xx,
	// timeout, connection reset, rate-limit markers).
	ErrProviderTransient = errors.New("transient provider error")

	// ErrProviderFatal marks a non-retryable remote failure (auth,
	// not-found, schema mismatch) or retry exhaustion.
	ErrProviderFatal = errors.New("fatal provider error")
)

// ValidationError wraps ErrValidation with a field and message.
func ValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// ExitCode maps an error to the process exit code contract:
// 0 success, 1 business error, 2 data-store error, 3 unclassified.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInsufficientPosition),
		errors.Is(err, ErrUnknownLot):
		return 1
	case errors.Is(err, ErrConstraintViolation),
		errors.Is(err, ErrNotFound):
		return 2
	default:
		return 3
	}
}

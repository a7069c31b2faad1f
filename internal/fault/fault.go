// Package fault defines the engine's error taxonomy. Every failure surfaced
// by a core package belongs to exactly one of five kinds, detectable with
// errors.Is against the kind sentinels:
//
//   - ErrValidation: a bad parameter (zero amount, unknown account).
//   - ErrState: the entity is not in the expected state (no pending order,
//     not yet executable, expired, position not found). Keeper races land
//     here and are normal outcomes, not defects.
//   - ErrEconomicLimit: a risk or slippage bound was hit (fill price, skew
//     fraction, cap, leverage, minimum margin, insufficient balance).
//   - ErrOracle: no acceptable price (stale, invalid, cross-source mismatch).
//   - ErrInvariant: post-operation bookkeeping mismatch. Always fatal to the
//     operation, never retried.
//
// Packages pre-wrap their specific sentinels onto a kind:
//
//	var ErrTooEarly = fault.State("orders: order not yet executable")
//
// and call sites add context with fmt.Errorf("%w ...", ErrTooEarly), keeping
// both the sentinel and the kind visible to errors.Is.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad-parameter failures.
	ErrValidation = errors.New("validation error")

	// ErrState marks expected-state failures, including keeper races.
	ErrState = errors.New("state error")

	// ErrEconomicLimit marks risk and slippage bound failures.
	ErrEconomicLimit = errors.New("economic limit error")

	// ErrOracle marks price acquisition failures.
	ErrOracle = errors.New("oracle error")

	// ErrInvariant marks post-operation bookkeeping mismatches.
	ErrInvariant = errors.New("invariant violation")
)

// kindError carries a message and unwraps to its kind sentinel.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// Validation returns a ValidationError with a formatted message.
func Validation(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// State returns a StateError with a formatted message.
func State(format string, args ...any) error {
	return &kindError{kind: ErrState, msg: fmt.Sprintf(format, args...)}
}

// EconomicLimit returns an EconomicLimitError with a formatted message.
func EconomicLimit(format string, args ...any) error {
	return &kindError{kind: ErrEconomicLimit, msg: fmt.Sprintf(format, args...)}
}

// Oracle returns an OracleError with a formatted message.
func Oracle(format string, args ...any) error {
	return &kindError{kind: ErrOracle, msg: fmt.Sprintf(format, args...)}
}

// Invariant returns an InvariantError with a formatted message.
func Invariant(format string, args ...any) error {
	return &kindError{kind: ErrInvariant, msg: fmt.Sprintf(format, args...)}
}

// Kind names the taxonomy bucket of err, or "unknown" if it carries none.
// Used for metrics labels and log fields.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrEconomicLimit):
		return "economic_limit"
	case errors.Is(err, ErrOracle):
		return "oracle"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	default:
		return "unknown"
	}
}

package market

import "errors"

// Sentinel errors, grouped by taxonomy. Every failed call aborts atomically:
// callers observe either the full effect of an operation or none of it.
var (
	// Validation
	ErrUnsupportedToken  = errors.New("market: unsupported collateral token")
	ErrDepositsPaused    = errors.New("market: deposits paused for token")
	ErrBorrowingPaused   = errors.New("market: borrowing paused")
	ErrAmountNotPositive = errors.New("market: amount must be positive")
	ErrTokenExists       = errors.New("market: token already registered")
	ErrNotAuthorized     = errors.New("market: caller not authorized")

	// Capacity
	ErrInsufficientLiquidity = errors.New("market: insufficient vault liquidity")
	ErrLoanPriceUnavailable  = errors.New("market: loan asset price unavailable")

	// Health
	ErrWouldBreachHealth = errors.New("market: operation would breach health factor")
	ErrPositionHealthy   = errors.New("market: position is healthy")

	// Ledger
	ErrExceedsDebt         = errors.New("market: repayment exceeds outstanding debt")
	ErrInsufficientBalance = errors.New("market: insufficient collateral balance")
)

// ErrorCategory buckets an error for transport mapping and metrics labels.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryCapacity   ErrorCategory = "capacity"
	CategoryHealth     ErrorCategory = "health"
	CategoryLedger     ErrorCategory = "ledger"
	CategoryInternal   ErrorCategory = "internal"
)

// Categorize maps an error to its taxonomy bucket.
func Categorize(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrUnsupportedToken),
		errors.Is(err, ErrDepositsPaused),
		errors.Is(err, ErrBorrowingPaused),
		errors.Is(err, ErrAmountNotPositive),
		errors.Is(err, ErrTokenExists),
		errors.Is(err, ErrNotAuthorized):
		return CategoryValidation
	case errors.Is(err, ErrInsufficientLiquidity),
		errors.Is(err, ErrLoanPriceUnavailable):
		return CategoryCapacity
	case errors.Is(err, ErrWouldBreachHealth),
		errors.Is(err, ErrPositionHealthy):
		return CategoryHealth
	case errors.Is(err, ErrExceedsDebt),
		errors.Is(err, ErrInsufficientBalance):
		return CategoryLedger
	default:
		return CategoryInternal
	}
}

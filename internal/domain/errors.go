package domain

import (
	"errors"
	"fmt"
)

// Migration error taxonomy. Every failed migration surfaces exactly one of
// these kinds, possibly wrapping the underlying reason.
var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrFlashRepaymentFailed   = errors.New("flash repayment failed")
	ErrLedgerCallFailed       = errors.New("ledger call failed")
	ErrReentrancyDetected     = errors.New("reentrancy detected")
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrSigningFailed = errors.New("signing failed")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrInvariantViolated is returned when a migration would leave the
	// engine holding assets or leave the source position non-empty.
	ErrInvariantViolated = errors.New("invariant violated")

	// Ledger-side rejection reasons that the engine classifies.
	ErrBelowMinimumCollateral = errors.New("below minimum collateralization")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrPriceLimit             = errors.New("price limit reached")
	ErrFlashNotRepaid         = errors.New("flash loan not repaid")
)

// LedgerError wraps a rejection returned by an external ledger, pool or
// asset. It matches ErrLedgerCallFailed and also unwraps to the original
// reason so callers can inspect it.
type LedgerError struct {
	Ledger string
	Op     string
	Err    error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrLedgerCallFailed, e.Ledger, e.Op, e.Err)
}

func (e *LedgerError) Unwrap() []error {
	return []error{ErrLedgerCallFailed, e.Err}
}

// NewLedgerError wraps err as a ledger rejection. A nil err yields nil.
func NewLedgerError(ledger, op string, err error) error {
	if err == nil {
		return nil
	}
	return &LedgerError{Ledger: ledger, Op: op, Err: err}
}

// ErrorKind is the stable, persisted name of a migration error kind.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindUnauthorized           ErrorKind = "Unauthorized"
	KindInsufficientCollateral ErrorKind = "InsufficientCollateral"
	KindSlippageExceeded       ErrorKind = "SlippageExceeded"
	KindFlashRepaymentFailed   ErrorKind = "FlashRepaymentFailed"
	KindLedgerCallFailed       ErrorKind = "LedgerCallFailed"
	KindReentrancyDetected     ErrorKind = "ReentrancyDetected"
	KindInvalidInput           ErrorKind = "InvalidInput"
	KindInternal               ErrorKind = "Internal"
)

// KindOf classifies err into the migration error taxonomy. Kinds are checked
// in a fixed order so that an error wrapping several sentinels reports the
// most specific one.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrReentrancyDetected), errors.Is(err, ErrLockHeld):
		return KindReentrancyDetected
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrSlippageExceeded):
		return KindSlippageExceeded
	case errors.Is(err, ErrInsufficientCollateral):
		return KindInsufficientCollateral
	case errors.Is(err, ErrFlashRepaymentFailed):
		return KindFlashRepaymentFailed
	case errors.Is(err, ErrLedgerCallFailed):
		return KindLedgerCallFailed
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

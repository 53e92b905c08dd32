package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrUnknownTier             = errors.New("unknown subscription tier")
	ErrUnknownProduct          = errors.New("unknown product")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrTampered                = errors.New("transaction signature mismatch")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadata         = errors.New("invalid metadata")
	ErrInvalidRefund           = errors.New("invalid refund")
	ErrInvalidCatalog          = errors.New("invalid catalog")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrBalanceNotFound         = errors.New("balance not found")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrBalanceConflict         = errors.New("balance version conflict")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateTransaction    = errors.New("duplicate transaction")
	ErrImmutableTransaction    = errors.New("transactions are immutable")
	ErrLedgerDrift             = errors.New("ledger drift")
)

// InsufficientBalanceError reports the balance observed when a debit was rejected.
type InsufficientBalanceError struct {
	Balance  Credits
	Required Credits
}

// Error returns the formatted error message.
func (insufficient InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: balance %d, required %d", ErrInsufficientBalance, insufficient.Balance, insufficient.Required)
}

// Unwrap returns ErrInsufficientBalance.
func (insufficient InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// Unavailable marks an infrastructure failure as transient so callers can map it to ErrStoreUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

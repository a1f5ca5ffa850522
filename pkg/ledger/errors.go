package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountNotFound          = errors.New("account not found")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrDuplicateExternalRef     = errors.New("duplicate external ref")
	ErrInvariantViolation       = errors.New("ledger invariant violation")
	ErrStatusConflict           = errors.New("transaction status conflict")
	ErrNotRollbackable          = errors.New("transaction not rollbackable")
	ErrCurrencyMismatch         = errors.New("currency mismatch")
	ErrInvalidOwnerID           = errors.New("invalid owner id")
	ErrInvalidActorID           = errors.New("invalid actor id")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidExternalRef       = errors.New("invalid external ref")
	ErrInvalidAccountRef        = errors.New("invalid account ref")
	ErrInvalidAccountSubtype    = errors.New("invalid account subtype")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidEntryDirection    = errors.New("invalid entry direction")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

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

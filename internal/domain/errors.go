package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotSettleable is returned when settlement preconditions do not hold.
	ErrNotSettleable = errors.New("session is not settleable")
	// ErrDuplicate is returned by the ledger when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
	// ErrAlreadyTerminal is returned when a terminal write targets a record
	// that has already left its initial state.
	ErrAlreadyTerminal = errors.New("record already terminal")
	// ErrInProgress is returned when an idempotent request is still being processed.
	ErrInProgress = errors.New("request already in progress")
	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// for a request with different terms.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
	// ErrVerificationMismatch is wrapped by PaymentError when the chain
	// event disagrees with the intended transfer.
	ErrVerificationMismatch = errors.New("transfer verification mismatch")
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StrategyError reports a malformed or failed proposal from a decision strategy.
type StrategyError struct {
	Role  Role
	Round int
	Err   error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("%s strategy round %d: %v", e.Role, e.Round, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// PaymentError carries a settlement failure code alongside its cause.
type PaymentError struct {
	Code string
	Err  error
}

func (e *PaymentError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// PaymentFailure builds a PaymentError.
func PaymentFailure(code string, err error) error {
	return &PaymentError{Code: code, Err: err}
}

// PaymentCode extracts the failure code from err, or fallback.
func PaymentCode(err error, fallback string) string {
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return fallback
}

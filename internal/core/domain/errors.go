package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrOrderNotFound     = errors.New("order not found")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrTransientStorage  = errors.New("transient storage error")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	ErrDeductionApplied  = errors.New("stock already deducted for order")
	ErrOrderNotRetryable = errors.New("order is not in a retryable state")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type StockShortageError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested=%d, available=%d", e.ProductID, e.Requested, e.Available)
}

func (e *StockShortageError) Unwrap() error { return ErrInsufficientStock }

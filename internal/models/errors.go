package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoRecord            = errors.New("models: no matching record found")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidToken        = errors.New("invalid payment token")
	ErrGateway             = errors.New("payment gateway error")
	ErrUnknownGateway      = errors.New("unknown payment method")
	ErrInsufficientBalance = errors.New("insufficient carry-over balance")
	ErrInvoiceSettled      = errors.New("invoice already settled")
	ErrConcurrencyConflict = errors.New("concurrent modification")
)

// Token errors all match ErrInvalidToken so callers can treat them alike.
var (
	ErrTokenNotFound = fmt.Errorf("%w: not found", ErrInvalidToken)
	ErrTokenExpired  = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrTokenUsed     = fmt.Errorf("%w: already used", ErrInvalidToken)
	ErrTokenInFlight = fmt.Errorf("%w: already being processed", ErrInvalidToken)
	ErrTokenConflict = fmt.Errorf("%w: %w", ErrInvalidToken, ErrConcurrencyConflict)
)

// Validationf builds an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

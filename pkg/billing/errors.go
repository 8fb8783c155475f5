package billing

import (
	"errors"
	"fmt"
)

// Code classifies payment failures surfaced to API callers.
type Code string

const (
	CodeInvalidProof        Code = "INVALID_PROOF"
	CodeAuthorizationFailed Code = "AUTHORIZATION_FAILED"
	CodeAlreadyProcessed    Code = "ALREADY_PROCESSED"
	CodeExpired             Code = "EXPIRED"
)

// PaymentError is a payment-protocol failure with a machine-readable sub-code.
type PaymentError struct {
	Code Code
	msg  string
}

// NewPaymentError builds a PaymentError with the given sub-code and message.
func NewPaymentError(code Code, format string, args ...any) *PaymentError {
	return &PaymentError{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// AsPaymentError unwraps err into a PaymentError if it is one.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrProviderUnavailable signals a transient provider failure. Callers may
// retry the idempotent operation.
var ErrProviderUnavailable = errors.New("billing provider unavailable")

// ErrNotAuthorized guards settlement ordering: settle called while the
// payment is not in the authorized state.
var ErrNotAuthorized = errors.New("payment not authorized")

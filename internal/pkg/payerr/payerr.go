// Package payerr defines the error kinds shared by the payment packages.
// Match them with errors.Is against the Err* kinds or errors.As into *Error.
package payerr

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration        = errors.New("configuration error")
	ErrValidation           = errors.New("validation error")
	ErrGateway              = errors.New("gateway error")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrIneligible           = errors.New("ineligible")
	ErrConflict             = errors.New("conflict")
	ErrUnsupportedGateway   = errors.New("unsupported gateway")
)

// Error carries a kind, a message safe to show to API clients and an
// optional underlying cause that is only logged.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Configuration(format string, args ...any) *Error {
	return newError(ErrConfiguration, nil, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newError(ErrValidation, nil, format, args...)
}

// Gateway wraps a provider failure. cause may be nil.
func Gateway(cause error, format string, args ...any) *Error {
	return newError(ErrGateway, cause, format, args...)
}

func DuplicateTransaction(transactionID string) *Error {
	return newError(ErrDuplicateTransaction, nil, "transaction %s already exists", transactionID)
}

func InvalidSignature(provider string) *Error {
	return newError(ErrInvalidSignature, nil, "signature check failed for %s", provider)
}

func Ineligible(format string, args ...any) *Error {
	return newError(ErrIneligible, nil, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(ErrConflict, nil, format, args...)
}

func UnsupportedGateway(provider, kind string) *Error {
	return newError(ErrUnsupportedGateway, nil, "no adapter registered for provider %q with kind %q", provider, kind)
}

// PublicMessage returns the client-facing message of err, or "" when err is
// not a payerr.Error.
func PublicMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return ""
}

// Package apperrors is the error taxonomy shared by the engine and the HTTP layer.
//
// Business failures carry a Kind plus actionable details (how many units are left, how much
// money is missing). Infrastructure failures are reported as TransactionFailed or
// PersistenceFailure and expose only a generic message to callers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindEmptyCart           Kind = "empty_cart"
	KindInsufficientStock   Kind = "insufficient_stock"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindAlreadySettled      Kind = "already_settled"
	KindConflict            Kind = "conflict"
	KindTransactionFailed   Kind = "transaction_failed"
	KindPersistenceFailure  Kind = "persistence_failure"
)

// Error represents an application error
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value

	return &Error{Kind: e.Kind, Message: e.Message, Details: details, Err: e.Err}
}

// New creates a new Error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that keeps err in its chain.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Unavailable reports a store failure on a path that has no business outcome of its own. It
// returns nil for nil and leaves errors that already carry a Kind untouched.
func Unavailable(message string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	return Wrap(KindTransactionFailed, message, err)
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest      = New(KindInvalidRequest, "invalid request")
	ErrUnauthorized        = New(KindUnauthorized, "authentication required")
	ErrForbidden           = New(KindForbidden, "forbidden")
	ErrNotFound            = New(KindNotFound, "not found")
	ErrEmptyCart           = New(KindEmptyCart, "cart is empty")
	ErrInsufficientStock   = New(KindInsufficientStock, "insufficient stock")
	ErrInsufficientBalance = New(KindInsufficientBalance, "insufficient balance")
	ErrAlreadySettled      = New(KindAlreadySettled, "already settled")
	ErrConflict            = New(KindConflict, "conflict")
	ErrTransactionFailed   = New(KindTransactionFailed, "transaction failed")
	ErrPersistenceFailure  = New(KindPersistenceFailure, "persistence failure")
)

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// HTTPStatus maps a kind onto a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindEmptyCart:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindInsufficientStock, KindAlreadySettled, KindConflict:
		return http.StatusConflict
	case KindTransactionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may safely submit the same request again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransactionFailed, KindPersistenceFailure:
		return true
	}
	return false
}

// PublicMessage is the message safe to show to an end user.
func PublicMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "Internal server error"
	}

	switch appErr.Kind {
	case KindTransactionFailed:
		return "The system is busy, please try again"
	case KindPersistenceFailure:
		return "Could not save your order, please try again"
	}
	return appErr.Message
}

// PublicDetails returns the details safe to show to an end user.
func PublicDetails(err error) map[string]any {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return nil
	}
	switch appErr.Kind {
	case KindTransactionFailed, KindPersistenceFailure:
		return nil
	}
	return appErr.Details
}

package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := New(KindInsufficientStock, "only 1 left").With("available", 1)

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.NotErrorIs(t, err, ErrInsufficientBalance)

	wrapped := fmt.Errorf("checkout: %w", err)
	assert.ErrorIs(t, wrapped, ErrInsufficientStock)
	assert.Equal(t, KindInsufficientStock, KindOf(wrapped))
}

func TestError_WithCopiesDetails(t *testing.T) {
	base := New(KindInsufficientBalance, "insufficient balance").With("balance", "10.00")
	extended := base.With("shortfall", "5.00")

	assert.Len(t, base.Details, 1)
	assert.Len(t, extended.Details, 2)
	assert.Equal(t, "5.00", extended.Details["shortfall"])
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := Wrap(KindTransactionFailed, "checkout failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "deadlock detected")
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable("list orders", nil))

	business := New(KindNotFound, "order not found")
	assert.Same(t, business, Unavailable("get order", business))

	cause := errors.New("connection refused")
	err := Unavailable("list orders", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransactionFailed, KindOf(err))
	assert.True(t, Retryable(err))
	assert.Equal(t, "The system is busy, please try again", PublicMessage(err))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindInvalidRequest:      http.StatusBadRequest,
		KindEmptyCart:           http.StatusBadRequest,
		KindUnauthorized:        http.StatusUnauthorized,
		KindForbidden:           http.StatusForbidden,
		KindNotFound:            http.StatusNotFound,
		KindInsufficientStock:   http.StatusConflict,
		KindInsufficientBalance: http.StatusPaymentRequired,
		KindAlreadySettled:      http.StatusConflict,
		KindConflict:            http.StatusConflict,
		KindTransactionFailed:   http.StatusServiceUnavailable,
		KindPersistenceFailure:  http.StatusInternalServerError,
		Kind("unknown"):         http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Wrap(KindTransactionFailed, "x", nil)))
	assert.True(t, Retryable(ErrPersistenceFailure))
	assert.False(t, Retryable(ErrInsufficientStock))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestPublicMessage_HidesInfrastructureDetail(t *testing.T) {
	infra := Wrap(KindTransactionFailed, "lock wait on wallets row", errors.New("55P03")).With("table", "wallets")

	assert.Equal(t, "The system is busy, please try again", PublicMessage(infra))
	assert.Nil(t, PublicDetails(infra))

	business := New(KindInsufficientStock, "only 2 units left").With("available", 2)
	assert.Equal(t, "only 2 units left", PublicMessage(business))
	assert.Equal(t, 2, PublicDetails(business)["available"])

	assert.Equal(t, "Internal server error", PublicMessage(errors.New("boom")))
}

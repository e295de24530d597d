// Package apierr maps ledger errors to HTTP statuses and back. The server
// renders the sentinel text as the error message so clients can recover the
// sentinel from the response.
package apierr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/money"
)

type mapping struct {
	err    error
	status int
}

// Order matters: the first match wins.
var table = []mapping{
	{ledger.ErrInvalidAmount, http.StatusBadRequest},
	{money.ErrInvalid, http.StatusBadRequest},
	{ledger.ErrInvalidRequest, http.StatusBadRequest},
	{ledger.ErrInvalidTransaction, http.StatusBadRequest},
	{ledger.ErrForbidden, http.StatusForbidden},
	{ledger.ErrUnknownWallet, http.StatusNotFound},
	{ledger.ErrUnknownAttempt, http.StatusNotFound},
	{ledger.ErrAttemptConflict, http.StatusConflict},
	{ledger.ErrAwaitingCounterparty, http.StatusConflict},
	{ledger.ErrWalletArchived, http.StatusConflict},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity},
	{ledger.ErrCurrencyMismatch, http.StatusUnprocessableEntity},
	{ledger.ErrUnreachable, http.StatusServiceUnavailable},
}

// From converts a ledger error into a fiber error. Unknown errors become 500
// without leaking their text.
func From(err error) error {
	if err == nil {
		return nil
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe
	}
	for _, m := range table {
		if errors.Is(err, m.err) {
			// Bad requests keep their detail when it follows the sentinel.
			msg := m.err.Error()
			if m.status == http.StatusBadRequest && strings.HasPrefix(err.Error(), msg) {
				msg = err.Error()
			}
			return fiber.NewError(m.status, msg)
		}
	}
	return fiber.NewError(http.StatusInternalServerError, "internal error")
}

// Handler is the fiber ErrorHandler rendering every error as {error}.
func Handler(c *fiber.Ctx, err error) error {
	fe, ok := From(err).(*fiber.Error)
	if !ok {
		fe = fiber.ErrInternalServerError
	}
	return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
}

// Parse recovers the ledger sentinel from an error response. Server-side
// failures and anything unrecognised are reported as ErrUnreachable, since
// the caller cannot know whether the request was applied.
func Parse(status int, message string) error {
	if status >= http.StatusInternalServerError {
		return &Error{Status: status, Message: message, err: ledger.ErrUnreachable}
	}
	for _, m := range table {
		if m.status == status && strings.HasPrefix(message, m.err.Error()) {
			return &Error{Status: status, Message: message, err: m.err}
		}
	}
	switch status {
	case http.StatusBadRequest:
		return &Error{Status: status, Message: message, err: ledger.ErrInvalidRequest}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Status: status, Message: message, err: ledger.ErrForbidden}
	case http.StatusNotFound:
		return &Error{Status: status, Message: message, err: ledger.ErrUnknownWallet}
	}
	return &Error{Status: status, Message: message, err: ledger.ErrUnreachable}
}

// Error is a decoded API error response.
type Error struct {
	Status  int
	Message string
	err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/ledger"
)

func TestRoundTrip(t *testing.T) {
	sentinels := []error{
		ledger.ErrInsufficientFunds,
		ledger.ErrUnknownWallet,
		ledger.ErrForbidden,
		ledger.ErrAttemptConflict,
		ledger.ErrAwaitingCounterparty,
		ledger.ErrUnknownAttempt,
		ledger.ErrCurrencyMismatch,
		ledger.ErrInvalidAmount,
	}
	for _, want := range sentinels {
		fe := From(fmt.Errorf("commit: %w", want)).(*fiber.Error)
		if got := Parse(fe.Code, fe.Message); !errors.Is(got, want) {
			t.Fatalf("%v: round trip gave %v (status %d)", want, got, fe.Code)
		}
	}
}

func TestFromHidesInternalErrors(t *testing.T) {
	fe := From(errors.New("pq: connection string leaked")).(*fiber.Error)
	if fe.Code != http.StatusInternalServerError || fe.Message != "internal error" {
		t.Fatalf("unexpected %d %q", fe.Code, fe.Message)
	}
}

func TestParseServerErrorsAreUnreachable(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTeapot} {
		if err := Parse(status, "boom"); !errors.Is(err, ledger.ErrUnreachable) {
			t.Fatalf("status %d: got %v", status, err)
		}
	}
	if err := Parse(http.StatusUnauthorized, "invalid token"); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("401: got %v", err)
	}
}

func TestHandlerRendersJSON(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: Handler})
	app.Get("/", func(c *fiber.Ctx) error { return ledger.ErrInsufficientFunds })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get(fiber.HeaderContentType); ct != fiber.MIMEApplicationJSON {
		t.Fatalf("content type = %q", ct)
	}
}

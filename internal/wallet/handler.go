package wallet

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/apierr"
	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/middleware"
	"github.com/congo-pay/swiftpay/internal/money"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// List returns the caller's wallets.
func (h *Handler) List(c *fiber.Ctx) error {
	wallets, err := h.service.List(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return apierr.From(err)
	}
	out := make([]WalletView, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, NewWalletView(w))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallets": out})
}

// Create provisions a wallet for the authenticated owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	w, err := h.service.Create(c.UserContext(), middleware.UserID(c), req.Currency)
	if err != nil {
		return apierr.From(err)
	}
	return c.Status(http.StatusCreated).JSON(NewWalletView(w))
}

// Deposit credits one of the caller's wallets.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.WalletID == "" {
		return fiber.NewError(http.StatusBadRequest, "wallet_id is required")
	}
	if !money.Positive(req.Amount.Decimal) {
		return apierr.From(ledger.ErrInvalidAmount)
	}
	w, tx, err := h.service.Deposit(c.UserContext(), middleware.UserID(c), req.WalletID, req.Amount.Decimal)
	if err != nil {
		return apierr.From(err)
	}
	return c.Status(http.StatusCreated).JSON(depositResponse{
		Wallet:      NewWalletView(w),
		Transaction: NewTransactionView(tx),
	})
}

// Audit compares the stored balance with the transaction log.
func (h *Handler) Audit(c *fiber.Ctx) error {
	report, err := h.service.Audit(c.UserContext(), middleware.UserID(c), c.Params("walletId"))
	if err != nil {
		return apierr.From(err)
	}
	return c.Status(http.StatusOK).JSON(auditResponse{
		WalletID:   report.WalletID,
		Balance:    money.Format(report.Balance),
		Computed:   money.Format(report.Computed),
		Consistent: report.Consistent(),
	})
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints. Deposits pass
// through depositLimit.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, depositLimit fiber.Handler) {
	r.Get("/wallets", h.List)
	r.Post("/wallets", h.Create)
	r.Post("/wallets/deposit", depositLimit, h.Deposit)
	r.Get("/wallets/:walletId/audit", h.Audit)
}

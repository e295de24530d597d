package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/transactions"
)

// RegisterTransactionRoutes wires history, manual records, and transfer commits.
func RegisterTransactionRoutes(r fiber.Router, h *transactions.Handler, recordLimit fiber.Handler) {
	r.Get("/transactions", h.List)
	r.Post("/transactions", recordLimit, h.Record)
	r.Post("/transfers", h.Transfer)
	r.Get("/transfers/:attemptId", h.Attempt)
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/liveness"
)

// RegisterLivenessRoutes wires the face verification proxy.
func RegisterLivenessRoutes(r fiber.Router, h *liveness.Handler) {
	r.Post("/verify_face", h.Verify)
}

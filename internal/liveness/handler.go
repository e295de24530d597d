package liveness

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/middleware"
)

const maxImages = 10

// Handler exposes POST /verify_face.
type Handler struct {
	verifier Verifier
	logger   *slog.Logger
}

// NewHandler builds the liveness HTTP handler.
func NewHandler(verifier Verifier, logger *slog.Logger) *Handler {
	return &Handler{verifier: verifier, logger: logging.With(logger, "liveness")}
}

type verifyRequest struct {
	Images []string `json:"images"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

// Verify checks the captured frames for the authenticated user.
func (h *Handler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if len(req.Images) == 0 {
		return fiber.NewError(http.StatusBadRequest, "at least one image is required")
	}
	if len(req.Images) > maxImages {
		return fiber.NewError(http.StatusBadRequest, "too many images")
	}

	userID := middleware.UserID(c)
	res, err := h.verifier.Verify(c.UserContext(), userID, req.Images)
	if err != nil {
		h.logger.Error("face verification failed", slog.String("user_id", userID), slog.Any("error", err))
		if errors.Is(err, ErrUnavailable) {
			return fiber.NewError(http.StatusServiceUnavailable, ErrUnavailable.Error())
		}
		return err
	}
	if !res.Success {
		return c.Status(http.StatusUnauthorized).JSON(verifyResponse{Success: false, Message: res.Message})
	}
	return c.Status(http.StatusOK).JSON(verifyResponse{Success: true, Message: res.Message, UserID: userID})
}

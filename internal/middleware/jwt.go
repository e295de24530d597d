package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/auth"
)

const userIDLocal = "user_id"

// BearerAuth returns a middleware that validates JWT access tokens and stores
// the subject as the request's user id.
func BearerAuth(gate *auth.Gate) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		principal, err := gate.Verify(tokenStr)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals(userIDLocal, principal.UserID)
		return c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside BearerAuth.
func UserID(c *fiber.Ctx) string {
	uid, _ := c.Locals(userIDLocal).(string)
	return uid
}

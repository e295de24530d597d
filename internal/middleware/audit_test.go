package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestAuditLogsErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	app := fiber.New()
	app.Use(RequestID(), Audit(logger))
	app.Get("/missing", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "unknown wallet")
	})

	req := httptest.NewRequest(fiber.MethodGet, "/missing", nil)
	req.Header.Set(requestIDHeader, "req-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "req-1" {
		t.Fatalf("request id header = %q", got)
	}

	var line struct {
		Level     string `json:"level"`
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line.Status != fiber.StatusNotFound || line.Level != "WARN" || line.RequestID != "req-1" {
		t.Fatalf("unexpected log line %+v", line)
	}
}

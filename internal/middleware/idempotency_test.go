package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/swiftpay/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *int32, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	logger := logging.Discard()
	// Stand-in for BearerAuth.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(userIDLocal, c.Get("X-Test-User", "user-1"))
		return c.Next()
	})
	app.Use(Idempotency(cache, time.Minute, logger))

	var calls int32
	app.Post("/resource", func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": n})
	})
	app.Post("/fails", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return fiber.NewError(fiber.StatusConflict, "awaiting counterparty commit")
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}

	return app, &calls, cleanup
}

func post(t *testing.T, app *fiber.App, path, key, user string) (int, string) {
	t.Helper()
	return postBody(t, app, path, key, user, "{}")
}

func postBody(t *testing.T, app *fiber.App, path, key, user, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(out)
}

func TestIdempotencyWithoutHeaderPassesThrough(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		if status, _ := post(t, app, "/resource", "", ""); status != fiber.StatusCreated {
			t.Fatalf("expected %d got %d", fiber.StatusCreated, status)
		}
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected handler to run twice, ran %d", got)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	status, payload := post(t, app, "/resource", "abc123", "")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// Second request should return the cached response without invoking handler again.
	status, cachedPayload := post(t, app, "/resource", "abc123", "")
	if status != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status)
	}
	if cachedPayload != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cachedPayload)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("handler ran %d times", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cachedPayload), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeysAreScopedPerUser(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	post(t, app, "/resource", "shared", "alice")
	post(t, app, "/resource", "shared", "bob")
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected each user to reach the handler, got %d calls", got)
	}
}

func TestIdempotencyDoesNotCacheErrors(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		if status, _ := post(t, app, "/fails", "retry-me", ""); status != fiber.StatusConflict {
			t.Fatalf("expected %d got %d", fiber.StatusConflict, status)
		}
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("failed request must be retryable, handler ran %d times", got)
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	if status, _ := postBody(t, app, "/resource", "k1", "", `{"amount":1}`); status != fiber.StatusCreated {
		t.Fatalf("first request: %d", status)
	}
	if status, _ := postBody(t, app, "/resource", "k1", "", `{"amount":2}`); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected %d for a reused key, got %d", fiber.StatusUnprocessableEntity, status)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("handler ran %d times", got)
	}
}

package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/swiftpay/internal/apierr"
	"github.com/congo-pay/swiftpay/internal/auth"
	"github.com/congo-pay/swiftpay/internal/config"
	"github.com/congo-pay/swiftpay/internal/liveness"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/notification"
)

type testAPI struct {
	app      *fiber.App
	token    string
	notifier *notification.Recorder
}

func setup(t *testing.T) testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	cfg := config.Config{
		AppEnv:         "test",
		JWTSecret:      "secret",
		JWTIssuer:      "swiftpay",
		AccessTokenTTL: time.Minute,
		IdempotencyTTL: time.Minute,
		RateLimit:      3,
	}
	rec := &notification.Recorder{}
	app := fiber.New(fiber.Config{ErrorHandler: apierr.Handler})
	err = Setup(app, Deps{
		Cfg:      cfg,
		Cache:    cache,
		Logger:   logging.Discard(),
		Verifier: liveness.StaticVerifier{Accept: true},
		Notifier: rec,
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	gate, err := auth.NewGate(cfg.JWTSecret, cfg.JWTIssuer, time.Minute)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	token, _, err := gate.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return testAPI{app: app, token: token, notifier: rec}
}

func (a testAPI) do(t *testing.T, method, path, body string, headers map[string]string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+a.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.app.Test(req)
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

func TestSetupDepositFlow(t *testing.T) {
	api := setup(t)

	status, body := api.do(t, fiber.MethodPost, "/api/wallets", `{"currency":"XAF"}`, nil)
	if status != fiber.StatusCreated {
		t.Fatalf("create wallet: %d %s", status, body)
	}
	var w struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}

	deposit := `{"wallet_id":"` + w.ID + `","amount":"10"}`
	key := map[string]string{"Idempotency-Key": "dep-1"}
	first, firstBody := api.do(t, fiber.MethodPost, "/api/wallets/deposit", deposit, key)
	again, againBody := api.do(t, fiber.MethodPost, "/api/wallets/deposit", deposit, key)
	if first != fiber.StatusCreated || again != fiber.StatusCreated || firstBody != againBody {
		t.Fatalf("idempotent deposit: %d %s / %d %s", first, firstBody, again, againBody)
	}
	if n := len(api.notifier.Messages()); n != 1 {
		t.Fatalf("replayed deposit must not re-run, got %d notifications", n)
	}

	// Two more deposits reach the limiter; the replay above did not.
	api.do(t, fiber.MethodPost, "/api/wallets/deposit", deposit, nil)
	api.do(t, fiber.MethodPost, "/api/wallets/deposit", deposit, nil)
	if status, _ := api.do(t, fiber.MethodPost, "/api/wallets/deposit", deposit, nil); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", status)
	}

	status, body = api.do(t, fiber.MethodGet, "/api/wallets/"+w.ID+"/audit", "", nil)
	if status != fiber.StatusOK || !strings.Contains(body, `"balance":"30.00"`) || !strings.Contains(body, `"consistent":true`) {
		t.Fatalf("audit: %d %s", status, body)
	}
}

func TestSetupRoutes(t *testing.T) {
	api := setup(t)

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{fiber.MethodGet, "/api/ping", "", fiber.StatusOK},
		{fiber.MethodGet, "/api/wallets", "", fiber.StatusOK},
		{fiber.MethodGet, "/api/transactions", "", fiber.StatusOK},
		{fiber.MethodGet, "/api/transfers/unknown", "", fiber.StatusNotFound},
		{fiber.MethodPost, "/api/verify_face", `{"images":["data:image/jpeg;base64,AAAA"]}`, fiber.StatusOK},
		{fiber.MethodGet, "/healthz", "", fiber.StatusOK},
	}
	for _, tc := range tests {
		if status, body := api.do(t, tc.method, tc.path, tc.body, nil); status != tc.status {
			t.Fatalf("%s %s: expected %d got %d: %s", tc.method, tc.path, tc.status, status, body)
		}
	}
}

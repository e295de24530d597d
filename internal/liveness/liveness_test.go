package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/auth"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/middleware"
)

// faceStub serves /verify_face, accepting only the image "match".
func faceStub(t *testing.T) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/verify_face", func(c *fiber.Ctx) error {
		var req faceRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(faceResponse{Message: "bad body"})
		}
		if req.UserID == "broken" {
			return c.Status(fiber.StatusInternalServerError).SendString("boom")
		}
		for _, img := range req.Images {
			if img == "match" {
				return c.JSON(faceResponse{Success: true, Message: "Visage reconnu"})
			}
		}
		return c.Status(fiber.StatusUnauthorized).JSON(faceResponse{Message: "Visage non reconnu"})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func TestFaceService(t *testing.T) {
	svc := NewFaceService(faceStub(t) + "/")
	ctx := context.Background()

	res, err := svc.Verify(ctx, "user-1", []string{"blurry", "match"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Success || res.Message != "Visage reconnu" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = svc.Verify(ctx, "user-1", []string{"stranger"})
	if err != nil {
		t.Fatalf("verify rejection: %v", err)
	}
	if res.Success {
		t.Fatal("expected rejection")
	}

	if _, err := svc.Verify(ctx, "broken", []string{"match"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on 5xx, got %v", err)
	}
}

func TestFaceServiceUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewFaceService("http://"+addr).Verify(ctx, "u", []string{"match"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHandlerVerify(t *testing.T) {
	gate, err := auth.NewGate("secret", "", time.Minute)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	token, _, err := gate.Issue("user-7")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name     string
		verifier Verifier
		body     string
		status   int
		success  bool
	}{
		{"accepted", StaticVerifier{Accept: true}, `{"images":["data:image/jpeg;base64,AAAA"]}`, fiber.StatusOK, true},
		{"rejected", StaticVerifier{}, `{"images":["data:image/jpeg;base64,AAAA"]}`, fiber.StatusUnauthorized, false},
		{"no images", StaticVerifier{Accept: true}, `{"images":[]}`, fiber.StatusBadRequest, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Post("/verify_face", middleware.BearerAuth(gate), NewHandler(tc.verifier, logging.Discard()).Verify)

			req := httptest.NewRequest(fiber.MethodPost, "/verify_face", strings.NewReader(tc.body))
			req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d got %d", tc.status, resp.StatusCode)
			}
			if tc.status == fiber.StatusBadRequest {
				return
			}
			var out verifyResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Success != tc.success {
				t.Fatalf("success = %v", out.Success)
			}
			if tc.success && out.UserID != "user-7" {
				t.Fatalf("user id = %q", out.UserID)
			}
		})
	}
}

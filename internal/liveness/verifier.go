// Package liveness checks a user's face against a reference before a
// transfer is approved on the device.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ErrUnavailable means the face service could not give an answer.
var ErrUnavailable = errors.New("liveness service unavailable")

const defaultTimeout = 15 * time.Second

// Result is the verdict of one verification.
type Result struct {
	Success bool
	Message string
}

// Verifier decides whether one of the captured images matches userID.
type Verifier interface {
	Verify(ctx context.Context, userID string, images []string) (Result, error)
}

// FaceService calls the external face-matching service.
type FaceService struct {
	baseURL string
	timeout time.Duration
}

// NewFaceService builds a verifier for the service at baseURL.
func NewFaceService(baseURL string) *FaceService {
	return &FaceService{baseURL: strings.TrimRight(baseURL, "/"), timeout: defaultTimeout}
}

type faceRequest struct {
	Images []string `json:"images"`
	UserID string   `json:"userId"`
}

type faceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Verify posts the images. A rejection is a Result, not an error; only
// transport failures and unexpected answers return ErrUnavailable.
func (f *FaceService) Verify(ctx context.Context, userID string, images []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	timeout := f.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	agent := fiber.Post(f.baseURL + "/verify_face")
	agent.JSON(faceRequest{Images: images, UserID: userID})
	agent.Timeout(timeout)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
	}

	var out faceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response (status %d): %w", ErrUnavailable, status, err)
	}
	switch {
	case status == http.StatusOK:
		return Result{Success: out.Success, Message: out.Message}, nil
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return Result{Success: false, Message: out.Message}, nil
	default:
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
}

// StaticVerifier answers every request with the same verdict. It stands in
// for the face service in local runs.
type StaticVerifier struct {
	Accept bool
}

// Verify accepts or rejects any non-empty image set.
func (s StaticVerifier) Verify(_ context.Context, _ string, images []string) (Result, error) {
	if len(images) == 0 || !s.Accept {
		return Result{Success: false, Message: "face not recognised"}, nil
	}
	return Result{Success: true, Message: "face recognised"}, nil
}

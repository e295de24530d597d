// Package ledgerclient lets a device commit transfers against a remote
// Ledger API.
package ledgerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/apierr"
	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/money"
)

const (
	defaultTimeout       = 10 * time.Second
	idempotencyKeyHeader = "Idempotency-Key"
)

// Client calls the /api/transfers endpoints with a bearer token.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
}

// New builds a client for the API at baseURL, e.g. http://localhost:8080.
func New(baseURL, token string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, timeout: defaultTimeout}
}

type transferBody struct {
	AttemptID        string `json:"attempt_id"`
	SenderWalletID   string `json:"sender_wallet_id"`
	ReceiverWalletID string `json:"receiver_wallet_id"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency,omitempty"`
	Side             string `json:"side"`
	CrossLedger      bool   `json:"cross_ledger,omitempty"`
}

type transferResponse struct {
	AttemptID             string       `json:"attempt_id"`
	SenderWalletID        string       `json:"sender_wallet_id"`
	ReceiverWalletID      string       `json:"receiver_wallet_id"`
	Amount                money.Amount `json:"amount"`
	Currency              string       `json:"currency"`
	SenderTransactionID   string       `json:"sender_transaction_id"`
	ReceiverTransactionID string       `json:"receiver_transaction_id"`
	SenderBalance         *string      `json:"sender_balance"`
	ReceiverBalance       *string      `json:"receiver_balance"`
	CreatedAt             time.Time    `json:"created_at"`
	AlreadyApplied        bool         `json:"already_applied"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RecordTransfer posts the commit. The attempt id doubles as the
// Idempotency-Key so a retried request replays the first answer. OwnerID is
// taken from the token on the server side.
func (c *Client) RecordTransfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransferResult, error) {
	body := transferBody{
		AttemptID:        req.AttemptID,
		SenderWalletID:   req.SenderWalletID,
		ReceiverWalletID: req.ReceiverWalletID,
		Amount:           money.Format(req.Amount),
		Currency:         req.Currency,
		Side:             string(req.Side),
		CrossLedger:      req.CrossLedger,
	}

	agent := fiber.Post(c.baseURL + "/api/transfers")
	agent.Set(idempotencyKeyHeader, req.AttemptID)
	agent.JSON(body)

	var out transferResponse
	if err := c.do(ctx, agent, &out); err != nil {
		return ledger.TransferResult{}, err
	}
	res, err := out.result()
	if err != nil {
		return ledger.TransferResult{}, err
	}
	if out.AlreadyApplied {
		return res, ledger.ErrAlreadyApplied
	}
	return res, nil
}

// Attempt reads a recorded attempt.
func (c *Client) Attempt(ctx context.Context, attemptID string) (ledger.TransferResult, error) {
	agent := fiber.Get(c.baseURL + "/api/transfers/" + url.PathEscape(attemptID))
	var out transferResponse
	if err := c.do(ctx, agent, &out); err != nil {
		return ledger.TransferResult{}, err
	}
	return out.result()
}

// do sends the request within ctx's deadline. Network failures and
// undecodable answers wrap ledger.ErrUnreachable.
func (c *Client) do(ctx context.Context, agent *fiber.Agent, out any) error {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return fmt.Errorf("%w: %w", ledger.ErrUnreachable, err)
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	agent.Timeout(timeout)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return fmt.Errorf("%w: %w", ledger.ErrUnreachable, err)
	}

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ledger.ErrUnreachable, errors.Join(errs...))
	}
	if status >= http.StatusBadRequest {
		var e errorResponse
		if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
			e.Error = http.StatusText(status)
		}
		return apierr.Parse(status, e.Error)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ledger.ErrUnreachable, err)
	}
	return nil
}

func (r transferResponse) result() (ledger.TransferResult, error) {
	res := ledger.TransferResult{
		AttemptID:             r.AttemptID,
		SenderWalletID:        r.SenderWalletID,
		ReceiverWalletID:      r.ReceiverWalletID,
		Amount:                r.Amount.Decimal,
		Currency:              r.Currency,
		SenderTransactionID:   r.SenderTransactionID,
		ReceiverTransactionID: r.ReceiverTransactionID,
		CreatedAt:             r.CreatedAt,
	}
	for _, leg := range []struct {
		in  *string
		out **decimal.Decimal
	}{{r.SenderBalance, &res.SenderBalance}, {r.ReceiverBalance, &res.ReceiverBalance}} {
		if leg.in == nil {
			continue
		}
		d, err := decimal.NewFromString(*leg.in)
		if err != nil {
			return ledger.TransferResult{}, fmt.Errorf("%w: decode balance: %w", ledger.ErrUnreachable, err)
		}
		*leg.out = &d
	}
	return res, nil
}

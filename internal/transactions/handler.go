package transactions

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/swiftpay/internal/apierr"
	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/middleware"
	"github.com/congo-pay/swiftpay/internal/money"
	"github.com/congo-pay/swiftpay/internal/wallet"
)

const maxHistoryLimit = 500

// Handler exposes /transactions and /transfers.
type Handler struct {
	service *Service
}

// NewHandler constructs a transactions handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// List returns the caller's history, newest first.
func (h *Handler) List(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return apierr.From(err)
	}
	rows, err := h.service.History(c.UserContext(), middleware.UserID(c), c.Query("wallet_id"), filter)
	if err != nil {
		return apierr.From(err)
	}
	out := make([]wallet.TransactionView, 0, len(rows))
	for _, t := range rows {
		out = append(out, wallet.NewTransactionView(t))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out})
}

// Record appends a manual transaction row.
func (h *Handler) Record(c *fiber.Ctx) error {
	var req recordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.WalletID == "" {
		return fiber.NewError(http.StatusBadRequest, "wallet_id is required")
	}
	if !money.Positive(req.Amount.Decimal) {
		return apierr.From(ledger.ErrInvalidAmount)
	}
	status := req.Status
	if status == "" {
		status = ledger.StatusCompleted
	}
	tx, err := h.service.Record(c.UserContext(), middleware.UserID(c), ledger.RecordInput{
		WalletID:        req.WalletID,
		Type:            req.Type,
		Amount:          req.Amount.Decimal,
		Status:          status,
		Description:     req.Description,
		RelatedWalletID: req.RelatedWalletID,
	})
	if err != nil {
		return apierr.From(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_id": tx.ID,
		"transaction":    wallet.NewTransactionView(tx),
	})
}

// Transfer commits one side of a tap. A replayed attempt answers 200 with
// the original result.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	side := ledger.Side(strings.ToLower(req.Side))
	if side == "" {
		side = ledger.SideSender
	}
	res, replayed, err := h.service.Transfer(c.UserContext(), middleware.UserID(c), ledger.TransferRequest{
		AttemptID:        req.AttemptID,
		SenderWalletID:   req.SenderWalletID,
		ReceiverWalletID: req.ReceiverWalletID,
		Amount:           req.Amount.Decimal,
		Currency:         req.Currency,
		Side:             side,
		CrossLedger:      req.CrossLedger,
	})
	if err != nil {
		return apierr.From(err)
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(newTransferResponse(res, side == ledger.SideSender, side == ledger.SideReceiver, replayed))
}

// Attempt reads back a recorded tap.
func (h *Handler) Attempt(c *fiber.Ctx) error {
	ownerID := middleware.UserID(c)
	res, err := h.service.Attempt(c.UserContext(), ownerID, c.Params("attemptId"))
	if err != nil {
		return apierr.From(err)
	}
	sender, receiver := h.service.Visible(c.UserContext(), ownerID, res)
	return c.Status(http.StatusOK).JSON(newTransferResponse(res, sender, receiver, false))
}

func parseFilter(c *fiber.Ctx) (ledger.Filter, error) {
	f := ledger.Filter{
		Type:   strings.ToLower(c.Query("type")),
		Status: strings.ToLower(c.Query("status")),
	}
	var err error
	if f.From, err = parseDate(c.Query("start_date"), false); err != nil {
		return ledger.Filter{}, err
	}
	if f.To, err = parseDate(c.Query("end_date"), true); err != nil {
		return ledger.Filter{}, err
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return ledger.Filter{}, fiber.NewError(http.StatusBadRequest, "limit must be a positive integer")
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain end date
// covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fiber.NewError(http.StatusBadRequest, "invalid date "+strconv.Quote(v))
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

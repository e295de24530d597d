package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/handshake"
	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/money"
	"github.com/congo-pay/swiftpay/internal/notification"
	"github.com/congo-pay/swiftpay/internal/transport"
)

// User-visible outcome texts.
const (
	MessageCompleted = "The transfer is complete."
	MessageDeclined  = "The transfer did not happen. No money was moved."
	MessageUnknown   = "We could not confirm this transfer. Check your transaction history before trying again."
)

// Ledger is the part of the ledger a device commits against. Both the
// in-process ledger and the HTTP client satisfy it.
type Ledger interface {
	RecordTransfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransferResult, error)
	Attempt(ctx context.Context, attemptID string) (ledger.TransferResult, error)
}

// Kind classifies an attempt from the user's point of view.
type Kind string

const (
	Completed Kind = "completed"
	Declined  Kind = "declined"
	Unknown   Kind = "unknown"
)

// Outcome is the single result of one tap.
type Outcome struct {
	Kind          Kind
	TransactionID string
	AttemptID     string
	Reason        string
	Err           error
	Handshake     handshake.Result
}

// Message returns the text shown to the user.
func (o Outcome) Message() string {
	switch o.Kind {
	case Completed:
		return MessageCompleted
	case Declined:
		return MessageDeclined
	default:
		return MessageUnknown
	}
}

// Config bounds each phase of an attempt.
type Config struct {
	HandshakeDeadline   time.Duration
	CommitTimeout       time.Duration
	ConfirmWindow       time.Duration
	ConfirmPollInterval time.Duration
	// CrossLedger lets the counterparty wallet live on another ledger.
	CrossLedger bool
}

func (c Config) withDefaults() Config {
	if c.HandshakeDeadline <= 0 {
		c.HandshakeDeadline = handshake.DefaultDeadline
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = 15 * time.Second
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 500 * time.Millisecond
	}
	return c
}

// Request describes the local side of a tap.
type Request struct {
	Role     handshake.Role
	WalletID string
	OwnerID  string
	// CounterpartyHint restricts the peer wallet when known in advance.
	CounterpartyHint string
	Amount           decimal.Decimal
	Currency         string
	// MaxAmount caps what a receiver accepts.
	MaxAmount decimal.Decimal
}

// Coordinator runs one tap at a time on the device transport and commits
// the agreed transfer exactly once.
type Coordinator struct {
	guard    *transport.Guard
	ledger   Ledger
	notifier notification.Notifier
	cfg      Config
	logger   *slog.Logger
}

// NewCoordinator constructs a coordinator. notifier may be nil.
func NewCoordinator(guard *transport.Guard, l Ledger, notifier notification.Notifier, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		guard:    guard,
		ledger:   l,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logging.With(logger, "session"),
	}
}

// AttemptTransfer performs the handshake and, once both peers agree, the
// single ledger commit. Cancelling ctx before agreement aborts the tap;
// after agreement the commit runs to completion within CommitTimeout.
func (c *Coordinator) AttemptTransfer(ctx context.Context, req Request) Outcome {
	currency, err := money.Currency(req.Currency)
	if err != nil {
		return Outcome{Kind: Declined, Reason: "invalid_currency", Err: err}
	}

	adapter, release, err := c.guard.Acquire(ctx)
	defer release()
	if err != nil {
		reason := "transport_busy"
		if errors.Is(err, transport.ErrUnavailable) {
			reason = "transport_unavailable"
		}
		c.logger.Warn("transport not acquired", "reason", reason, "error", err)
		return Outcome{Kind: Declined, Reason: reason, Err: err}
	}

	machine := handshake.New(adapter, handshake.Params{
		Role:      req.Role,
		LocalID:   req.WalletID,
		PeerHint:  req.CounterpartyHint,
		Amount:    req.Amount,
		Currency:  currency,
		MaxAmount: req.MaxAmount,
		Deadline:  c.cfg.HandshakeDeadline,
	}, handshake.WithLogger(c.logger))

	res, err := machine.Run(ctx)
	release()
	if err != nil {
		return Outcome{Kind: Declined, Reason: string(res.State), Err: err, Handshake: res}
	}

	out := c.commit(ctx, req, res)
	out.Handshake = res
	c.logger.Info("transfer attempt finished",
		"attempt_id", out.AttemptID,
		"role", string(req.Role),
		"kind", string(out.Kind),
		"reason", out.Reason,
	)
	if out.Kind == Completed {
		c.notify(ctx, req, res)
	}
	return out
}

func (c *Coordinator) commit(ctx context.Context, req Request, res handshake.Result) Outcome {
	tr := ledger.TransferRequest{
		AttemptID:   res.AttemptID,
		Amount:      res.Offer.Amount,
		Currency:    res.Offer.Currency,
		OwnerID:     req.OwnerID,
		CrossLedger: c.cfg.CrossLedger,
	}
	if tr.Currency == "" {
		tr.Currency, _ = money.Currency(req.Currency)
	}
	switch req.Role {
	case handshake.RoleSender:
		tr.Side = ledger.SideSender
		tr.SenderWalletID = req.WalletID
		tr.ReceiverWalletID = res.PeerID
	default:
		tr.Side = ledger.SideReceiver
		tr.SenderWalletID = res.Offer.UserID
		tr.ReceiverWalletID = req.WalletID
	}

	// The attempt is agreed: a user cancelling now must not strand the
	// commit halfway.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	result, err := c.ledger.RecordTransfer(commitCtx, tr)
	switch {
	case err == nil, errors.Is(err, ledger.ErrAlreadyApplied):
		return Outcome{Kind: Completed, TransactionID: result.TransactionFor(req.WalletID), AttemptID: tr.AttemptID}
	case errors.Is(err, ledger.ErrAwaitingCounterparty):
		return c.confirm(ctx, tr.AttemptID, req.WalletID)
	case definitive(err):
		return Outcome{Kind: Declined, AttemptID: tr.AttemptID, Reason: reasonFor(err), Err: err}
	default:
		c.logger.Error("ledger commit failed", "attempt_id", tr.AttemptID, "error", err)
		return Outcome{Kind: Unknown, AttemptID: tr.AttemptID, Reason: "ledger_unreachable", Err: asUnreachable(err)}
	}
}

// confirm waits for the counterparty's commit to show up on a shared
// ledger. It only reads.
func (c *Coordinator) confirm(ctx context.Context, attemptID, walletID string) Outcome {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConfirmWindow)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	lastErr := ledger.ErrAwaitingCounterparty
	for {
		select {
		case <-waitCtx.Done():
			c.logger.Warn("counterparty commit not observed", "attempt_id", attemptID, "error", lastErr)
			return Outcome{Kind: Unknown, AttemptID: attemptID, Reason: "confirmation_timeout", Err: asUnreachable(lastErr)}
		case <-ticker.C:
		}

		result, err := c.ledger.Attempt(waitCtx, attemptID)
		if err == nil {
			return Outcome{Kind: Completed, TransactionID: result.TransactionFor(walletID), AttemptID: attemptID}
		}
		lastErr = err
	}
}

// Resolve re-reads the ledger for an earlier attempt, typically one that
// ended Unknown. Nothing is mutated.
func (c *Coordinator) Resolve(ctx context.Context, attemptID, walletID string) Outcome {
	result, err := c.ledger.Attempt(ctx, attemptID)
	switch {
	case err == nil:
		return Outcome{Kind: Completed, TransactionID: result.TransactionFor(walletID), AttemptID: attemptID}
	case errors.Is(err, ledger.ErrUnknownAttempt):
		return Outcome{Kind: Declined, AttemptID: attemptID, Reason: "not_recorded", Err: err}
	default:
		return Outcome{Kind: Unknown, AttemptID: attemptID, Reason: "ledger_unreachable", Err: asUnreachable(err)}
	}
}

func (c *Coordinator) notify(ctx context.Context, req Request, res handshake.Result) {
	if c.notifier == nil {
		return
	}
	msg := notification.Message{Destination: req.OwnerID}
	amount := money.Format(res.Offer.Amount) + " " + res.Offer.Currency
	if req.Role == handshake.RoleSender {
		msg.Kind = notification.KindTransferSent
		msg.Body = fmt.Sprintf("You sent %s to wallet %s", amount, res.PeerID)
	} else {
		msg.Kind = notification.KindTransferReceived
		msg.Body = fmt.Sprintf("You received %s from wallet %s", amount, res.Offer.UserID)
	}
	if err := c.notifier.Send(context.WithoutCancel(ctx), msg); err != nil {
		c.logger.Warn("send notification", "error", err)
	}
}

// definitive reports ledger errors that guarantee nothing was applied.
func definitive(err error) bool {
	for _, target := range []error{
		ledger.ErrInsufficientFunds,
		ledger.ErrUnknownWallet,
		ledger.ErrInvalidAmount,
		ledger.ErrForbidden,
		ledger.ErrCurrencyMismatch,
		ledger.ErrAttemptConflict,
		ledger.ErrWalletArchived,
		ledger.ErrInvalidRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrUnknownWallet):
		return "unknown_wallet"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrForbidden):
		return "forbidden"
	case errors.Is(err, ledger.ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, ledger.ErrAttemptConflict):
		return "attempt_conflict"
	case errors.Is(err, ledger.ErrWalletArchived):
		return "wallet_archived"
	}
	return "invalid_request"
}

func asUnreachable(err error) error {
	if errors.Is(err, ledger.ErrUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %w", ledger.ErrUnreachable, err)
}

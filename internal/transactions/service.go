// Package transactions serves transaction history, manual records, and the
// transfer commit endpoint devices call after a tap.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/wallet"
)

// ErrCrossLedgerDisabled rejects a cross-ledger commit on a deployment that
// holds both sides of every tap.
var ErrCrossLedgerDisabled = fmt.Errorf("%w: cross-ledger transfers are disabled", ledger.ErrInvalidRequest)

// Service applies per-user ownership rules on top of the ledger.
type Service struct {
	ledger      ledger.Ledger
	wallets     *wallet.Service
	logger      *slog.Logger
	crossLedger bool
}

// Option configures a Service.
type Option func(*Service)

// WithCrossLedger accepts commits whose counterparty wallet lives on
// another ledger.
func WithCrossLedger(enabled bool) Option {
	return func(s *Service) { s.crossLedger = enabled }
}

// NewService constructs the transactions service.
func NewService(l ledger.Ledger, wallets *wallet.Service, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{ledger: l, wallets: wallets, logger: logging.With(logger, "transactions")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History lists ownerID's transactions newest first. An empty walletID
// covers every wallet the user holds.
func (s *Service) History(ctx context.Context, ownerID, walletID string, filter ledger.Filter) ([]ledger.Transaction, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var ids []string
	if walletID != "" {
		if _, err := s.wallets.Owned(ctx, ownerID, walletID); err != nil {
			return nil, err
		}
		ids = []string{walletID}
	} else {
		owned, err := s.wallets.List(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		for _, w := range owned {
			ids = append(ids, w.ID)
		}
	}
	if len(ids) == 0 {
		return []ledger.Transaction{}, nil
	}
	return ledger.Collect(ctx, s.ledger.Query(ctx, ids, filter))
}

// Record appends a manual row on one of ownerID's wallets.
func (s *Service) Record(ctx context.Context, ownerID string, in ledger.RecordInput) (ledger.Transaction, error) {
	in.OwnerID = ownerID
	tx, err := s.ledger.RecordTransaction(ctx, in)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Info("transaction recorded",
		slog.String("transaction_id", tx.ID),
		slog.String("wallet_id", tx.WalletID),
		slog.String("type", tx.Type),
		slog.String("status", tx.Status),
	)
	return tx, nil
}

// Transfer commits one side of a tap for ownerID. replayed is true when
// the attempt had already been applied; res is then the original result.
func (s *Service) Transfer(ctx context.Context, ownerID string, req ledger.TransferRequest) (res ledger.TransferResult, replayed bool, err error) {
	req.OwnerID = ownerID
	if req.CrossLedger && !s.crossLedger {
		return ledger.TransferResult{}, false, ErrCrossLedgerDisabled
	}
	res, err = s.ledger.RecordTransfer(ctx, req)
	switch {
	case errors.Is(err, ledger.ErrAlreadyApplied):
		s.logger.Info("transfer replayed", slog.String("attempt_id", req.AttemptID), slog.String("side", string(req.Side)))
		return res, true, nil
	case err != nil:
		s.logger.Warn("transfer rejected",
			slog.String("attempt_id", req.AttemptID),
			slog.String("side", string(req.Side)),
			slog.Any("error", err),
		)
		return ledger.TransferResult{}, false, err
	}
	s.logger.Info("transfer recorded",
		slog.String("attempt_id", res.AttemptID),
		slog.String("sender_wallet_id", res.SenderWalletID),
		slog.String("receiver_wallet_id", res.ReceiverWalletID),
		slog.String("amount", res.Amount.String()),
	)
	return res, false, nil
}

// Attempt returns a recorded attempt when ownerID holds one of its
// wallets. Attempts of other users look unknown.
func (s *Service) Attempt(ctx context.Context, ownerID, attemptID string) (ledger.TransferResult, error) {
	res, err := s.ledger.Attempt(ctx, attemptID)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	if sender, receiver := s.Visible(ctx, ownerID, res); !sender && !receiver {
		return ledger.TransferResult{}, ledger.ErrUnknownAttempt
	}
	return res, nil
}

// Visible reports which legs of res belong to ownerID. Wallets held on
// another ledger are never visible.
func (s *Service) Visible(ctx context.Context, ownerID string, res ledger.TransferResult) (sender, receiver bool) {
	_, err := s.wallets.Owned(ctx, ownerID, res.SenderWalletID)
	sender = err == nil
	_, err = s.wallets.Owned(ctx, ownerID, res.ReceiverWalletID)
	receiver = err == nil
	return sender, receiver
}

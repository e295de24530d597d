package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/money"
	"github.com/congo-pay/swiftpay/internal/notification"
)

// Service exposes wallet operations backed by the ledger, scoped to the
// wallets a user owns.
type Service struct {
	ledger   ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(l ledger.Ledger, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{ledger: l, notifier: notifier, logger: logging.With(logger, "wallet")}
}

// Create provisions a wallet for ownerID. An empty currency means XAF.
func (s *Service) Create(ctx context.Context, ownerID, currency string) (ledger.Wallet, error) {
	w, err := s.ledger.CreateWallet(ctx, ownerID, currency)
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Info("wallet created", slog.String("wallet_id", w.ID), slog.String("owner_id", ownerID), slog.String("currency", w.Currency))
	return w, nil
}

// List returns every wallet ownerID holds, oldest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]ledger.Wallet, error) {
	return s.ledger.Wallets(ctx, ownerID)
}

// Owned returns the wallet if ownerID holds it.
func (s *Service) Owned(ctx context.Context, ownerID, walletID string) (ledger.Wallet, error) {
	w, err := s.ledger.Wallet(ctx, walletID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	if w.OwnerID != ownerID {
		return ledger.Wallet{}, ledger.ErrForbidden
	}
	return w, nil
}

// Deposit credits one of ownerID's wallets and notifies the owner.
func (s *Service) Deposit(ctx context.Context, ownerID, walletID string, amount decimal.Decimal) (ledger.Wallet, ledger.Transaction, error) {
	if _, err := s.Owned(ctx, ownerID, walletID); err != nil {
		return ledger.Wallet{}, ledger.Transaction{}, err
	}
	w, tx, err := s.ledger.Deposit(ctx, walletID, amount)
	if err != nil {
		return ledger.Wallet{}, ledger.Transaction{}, err
	}

	msg := notification.Message{
		Kind:        notification.KindDeposit,
		Destination: ownerID,
		Body:        fmt.Sprintf("Deposit of %s %s received", money.Format(amount), w.Currency),
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("deposit notification failed", slog.String("wallet_id", walletID), slog.Any("error", err))
	}
	return w, tx, nil
}

// Audit recomputes the balance of one of ownerID's wallets.
func (s *Service) Audit(ctx context.Context, ownerID, walletID string) (ledger.AuditReport, error) {
	if _, err := s.Owned(ctx, ownerID, walletID); err != nil {
		return ledger.AuditReport{}, err
	}
	return s.ledger.Audit(ctx, walletID)
}

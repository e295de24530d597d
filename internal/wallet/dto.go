package wallet

import (
	"time"

	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/money"
)

// WalletView is the JSON shape of a wallet.
type WalletView struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// NewWalletView renders w with a two-decimal balance.
func NewWalletView(w ledger.Wallet) WalletView {
	return WalletView{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Currency:  w.Currency,
		Balance:   money.Format(w.Balance),
		Status:    w.Status,
		CreatedAt: w.CreatedAt,
	}
}

// TransactionView is the JSON shape of a ledger row.
type TransactionView struct {
	ID              string    `json:"id"`
	WalletID        string    `json:"wallet_id"`
	Type            string    `json:"type"`
	Amount          string    `json:"amount"`
	Status          string    `json:"status"`
	Description     string    `json:"description,omitempty"`
	RelatedWalletID string    `json:"related_wallet_id,omitempty"`
	AttemptID       string    `json:"attempt_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewTransactionView renders t with a two-decimal amount.
func NewTransactionView(t ledger.Transaction) TransactionView {
	return TransactionView{
		ID:              t.ID,
		WalletID:        t.WalletID,
		Type:            t.Type,
		Amount:          money.Format(t.Amount),
		Status:          t.Status,
		Description:     t.Description,
		RelatedWalletID: t.RelatedWalletID,
		AttemptID:       t.AttemptID,
		CreatedAt:       t.CreatedAt,
	}
}

type createRequest struct {
	Currency string `json:"currency"`
}

type depositRequest struct {
	WalletID string       `json:"wallet_id"`
	Amount   money.Amount `json:"amount"`
}

type depositResponse struct {
	Wallet      WalletView      `json:"wallet"`
	Transaction TransactionView `json:"transaction"`
}

type auditResponse struct {
	WalletID   string `json:"wallet_id"`
	Balance    string `json:"balance"`
	Computed   string `json:"computed"`
	Consistent bool   `json:"consistent"`
}

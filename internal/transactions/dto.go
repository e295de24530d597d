package transactions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/money"
)

type recordRequest struct {
	WalletID        string       `json:"wallet_id"`
	Type            string       `json:"type"`
	Amount          money.Amount `json:"amount"`
	Status          string       `json:"status"`
	Description     string       `json:"description"`
	RelatedWalletID string       `json:"related_wallet_id"`
}

type transferRequest struct {
	AttemptID        string       `json:"attempt_id"`
	SenderWalletID   string       `json:"sender_wallet_id"`
	ReceiverWalletID string       `json:"receiver_wallet_id"`
	Amount           money.Amount `json:"amount"`
	Currency         string       `json:"currency"`
	Side             string       `json:"side"`
	CrossLedger      bool         `json:"cross_ledger"`
}

type transferResponse struct {
	AttemptID             string    `json:"attempt_id"`
	SenderWalletID        string    `json:"sender_wallet_id"`
	ReceiverWalletID      string    `json:"receiver_wallet_id"`
	Amount                string    `json:"amount"`
	Currency              string    `json:"currency"`
	SenderTransactionID   string    `json:"sender_transaction_id,omitempty"`
	ReceiverTransactionID string    `json:"receiver_transaction_id,omitempty"`
	SenderBalance         *string   `json:"sender_balance"`
	ReceiverBalance       *string   `json:"receiver_balance"`
	CreatedAt             time.Time `json:"created_at"`
	AlreadyApplied        bool      `json:"already_applied"`
}

// newTransferResponse renders res. Balances are only shown for wallets
// ownerID holds.
func newTransferResponse(res ledger.TransferResult, senderVisible, receiverVisible, replayed bool) transferResponse {
	out := transferResponse{
		AttemptID:             res.AttemptID,
		SenderWalletID:        res.SenderWalletID,
		ReceiverWalletID:      res.ReceiverWalletID,
		Amount:                money.Format(res.Amount),
		Currency:              res.Currency,
		SenderTransactionID:   res.SenderTransactionID,
		ReceiverTransactionID: res.ReceiverTransactionID,
		CreatedAt:             res.CreatedAt,
		AlreadyApplied:        replayed,
	}
	if senderVisible {
		out.SenderBalance = formatBalance(res.SenderBalance)
	}
	if receiverVisible {
		out.ReceiverBalance = formatBalance(res.ReceiverBalance)
	}
	return out
}

func formatBalance(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := money.Format(*d)
	return &s
}

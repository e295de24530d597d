package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/money"
)

var (
	// ErrInsufficientFunds occurs when the sender wallet lacks the balance
	// to cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownWallet reports a wallet id the ledger does not hold.
	ErrUnknownWallet = errors.New("unknown wallet")

	// ErrInvalidAmount rejects zero, negative, or sub-cent amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAlreadyApplied accompanies the original result of a replayed
	// attempt id. It is not a failure.
	ErrAlreadyApplied = errors.New("transfer already applied")

	// ErrUnreachable wraps storage or network failures during a commit.
	// The caller cannot tell whether funds moved.
	ErrUnreachable = errors.New("ledger unreachable")

	// ErrForbidden means the requestor does not own the wallet.
	ErrForbidden = errors.New("wallet not owned by requestor")

	// ErrCurrencyMismatch rejects a transfer in a currency the wallet does not hold.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrAttemptConflict reports an attempt id reused with other parameters.
	ErrAttemptConflict = errors.New("attempt id reused with different parameters")

	// ErrAwaitingCounterparty is returned to a receiver on a shared ledger
	// whose sender has not committed yet.
	ErrAwaitingCounterparty = errors.New("awaiting counterparty commit")

	// ErrUnknownAttempt reports an attempt id with no recorded transfer.
	ErrUnknownAttempt = errors.New("unknown attempt")

	// ErrWalletArchived rejects mutations on archived wallets.
	ErrWalletArchived = errors.New("wallet archived")

	// ErrInvalidTransaction rejects a malformed manual transaction record.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidRequest rejects a transfer request missing required fields.
	ErrInvalidRequest = errors.New("invalid transfer request")
)

// Transaction types.
const (
	TypeDeposit  = "deposit"
	TypeTransfer = "transfer"
	TypeReceive  = "receive"
)

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Wallet statuses.
const (
	WalletActive   = "active"
	WalletArchived = "archived"
)

// Side says which leg of a transfer the caller is committing.
type Side string

const (
	SideSender   Side = "sender"
	SideReceiver Side = "receiver"
)

// Wallet is an account-scoped balance in a single currency.
type Wallet struct {
	ID        string
	OwnerID   string
	Currency  string
	Balance   decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID              string
	WalletID        string
	Type            string
	Amount          decimal.Decimal
	Status          string
	Description     string
	RelatedWalletID string
	AttemptID       string
	CreatedAt       time.Time
}

// Credits reports whether the row adds to the wallet balance.
func (t Transaction) Credits() bool {
	return t.Type == TypeDeposit || t.Type == TypeReceive
}

// TransferRequest is the input of RecordTransfer.
type TransferRequest struct {
	AttemptID        string
	SenderWalletID   string
	ReceiverWalletID string
	Amount           decimal.Decimal
	Currency         string
	// OwnerID, when set, must own the wallet of the committing side.
	OwnerID string
	Side    Side
	// CrossLedger allows the counterparty wallet to live on another
	// backend, in which case only the local leg is applied.
	CrossLedger bool
}

// TransferResult is the stored outcome of an applied attempt. A
// transaction id is empty for a leg applied on another ledger.
type TransferResult struct {
	AttemptID             string
	SenderWalletID        string
	ReceiverWalletID      string
	Amount                decimal.Decimal
	Currency              string
	SenderTransactionID   string
	ReceiverTransactionID string
	SenderBalance         *decimal.Decimal
	ReceiverBalance       *decimal.Decimal
	CreatedAt             time.Time
}

// TransactionFor returns the row id recorded on walletID.
func (r TransferResult) TransactionFor(walletID string) string {
	switch walletID {
	case r.SenderWalletID:
		return r.SenderTransactionID
	case r.ReceiverWalletID:
		return r.ReceiverTransactionID
	}
	return ""
}

// RecordInput is a manually recorded transaction (POST /transactions).
type RecordInput struct {
	WalletID        string
	OwnerID         string
	Type            string
	Amount          decimal.Decimal
	Status          string
	Description     string
	RelatedWalletID string
}

// Ledger owns wallet balances and the append-only transaction log. Every
// balance-mutating operation is atomic and serialized per wallet.
type Ledger interface {
	CreateWallet(ctx context.Context, ownerID, currency string) (Wallet, error)
	Wallet(ctx context.Context, id string) (Wallet, error)
	Wallets(ctx context.Context, ownerID string) ([]Wallet, error)
	ArchiveWallet(ctx context.Context, id string) (Wallet, error)
	Deposit(ctx context.Context, walletID string, amount decimal.Decimal) (Wallet, Transaction, error)
	RecordTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Attempt(ctx context.Context, attemptID string) (TransferResult, error)
	RecordTransaction(ctx context.Context, in RecordInput) (Transaction, error)
	Query(ctx context.Context, walletIDs []string, filter Filter) *Iterator
	Audit(ctx context.Context, walletID string) (AuditReport, error)
}

// AuditReport compares the stored balance with the sum of completed rows.
type AuditReport struct {
	WalletID string
	Balance  decimal.Decimal
	Computed decimal.Decimal
}

// Consistent reports whether the stored balance matches the log.
func (a AuditReport) Consistent() bool {
	return a.Balance.Equal(a.Computed)
}

func validAmount(d decimal.Decimal) error {
	if !money.Positive(d) {
		return ErrInvalidAmount
	}
	return nil
}

func validateTransfer(req TransferRequest) error {
	if req.AttemptID == "" {
		return fmt.Errorf("%w: attempt id is required", ErrInvalidRequest)
	}
	if err := validAmount(req.Amount); err != nil {
		return err
	}
	if req.SenderWalletID == "" || req.ReceiverWalletID == "" {
		return ErrUnknownWallet
	}
	if req.SenderWalletID == req.ReceiverWalletID {
		return fmt.Errorf("%w: sender and receiver wallets must differ", ErrInvalidRequest)
	}
	switch req.Side {
	case SideSender, SideReceiver:
	default:
		return fmt.Errorf("%w: side must be sender or receiver", ErrInvalidRequest)
	}
	return nil
}

// sameRequest reports whether req replays the attempt recorded in res.
func sameRequest(res TransferResult, req TransferRequest) bool {
	return res.SenderWalletID == req.SenderWalletID &&
		res.ReceiverWalletID == req.ReceiverWalletID &&
		res.Amount.Equal(req.Amount) &&
		res.Currency == req.Currency
}

func validateRecord(in RecordInput) error {
	switch in.Type {
	case TypeDeposit, TypeTransfer, TypeReceive:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, in.Type)
	}
	switch in.Status {
	case StatusPending, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, in.Status)
	}
	return validAmount(in.Amount)
}

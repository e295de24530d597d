package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/money"
)

type walletEntry struct {
	mu     sync.Mutex
	wallet Wallet
}

type inMemoryLedger struct {
	// mu guards the maps and the transaction log. Wallet balances are
	// guarded by their entry mutex; entry locks are always taken before mu.
	mu           sync.RWMutex
	wallets      map[string]*walletEntry
	attempts     map[string]TransferResult
	reserved     map[string]struct{}
	transactions []Transaction
	now          func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and the tap simulator.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		wallets:  make(map[string]*walletEntry),
		attempts: make(map[string]TransferResult),
		reserved: make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *inMemoryLedger) CreateWallet(_ context.Context, ownerID, currency string) (Wallet, error) {
	if ownerID == "" {
		return Wallet{}, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	code, err := money.Currency(currency)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	w := Wallet{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  code,
		Balance:   decimal.Zero,
		Status:    WalletActive,
		CreatedAt: l.now(),
	}
	l.mu.Lock()
	l.wallets[w.ID] = &walletEntry{wallet: w}
	l.mu.Unlock()
	return w, nil
}

func (l *inMemoryLedger) entry(id string) *walletEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.wallets[id]
}

func (l *inMemoryLedger) Wallet(_ context.Context, id string) (Wallet, error) {
	e := l.entry(id)
	if e == nil {
		return Wallet{}, ErrUnknownWallet
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallet, nil
}

func (l *inMemoryLedger) Wallets(_ context.Context, ownerID string) ([]Wallet, error) {
	l.mu.RLock()
	entries := make([]*walletEntry, 0)
	for _, e := range l.wallets {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Wallet, 0)
	for _, e := range entries {
		e.mu.Lock()
		w := e.wallet
		e.mu.Unlock()
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (l *inMemoryLedger) ArchiveWallet(_ context.Context, id string) (Wallet, error) {
	e := l.entry(id)
	if e == nil {
		return Wallet{}, ErrUnknownWallet
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wallet.Status = WalletArchived
	return e.wallet, nil
}

func (l *inMemoryLedger) Deposit(_ context.Context, walletID string, amount decimal.Decimal) (Wallet, Transaction, error) {
	if err := validAmount(amount); err != nil {
		return Wallet{}, Transaction{}, err
	}
	e := l.entry(walletID)
	if e == nil {
		return Wallet{}, Transaction{}, ErrUnknownWallet
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wallet.Status != WalletActive {
		return Wallet{}, Transaction{}, ErrWalletArchived
	}

	if !money.Fits(e.wallet.Balance.Add(amount)) {
		return Wallet{}, Transaction{}, ErrInvalidAmount
	}
	e.wallet.Balance = e.wallet.Balance.Add(amount)
	tx := l.newTransaction(walletID, TypeDeposit, amount, StatusCompleted)
	tx.Description = "Deposit"
	l.append(tx)
	return e.wallet, tx, nil
}

func (l *inMemoryLedger) RecordTransfer(_ context.Context, req TransferRequest) (TransferResult, error) {
	if err := validateTransfer(req); err != nil {
		return TransferResult{}, err
	}
	if req.Currency != "" {
		code, err := money.Currency(req.Currency)
		if err != nil {
			return TransferResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		req.Currency = code
	}

	sender := l.entry(req.SenderWalletID)
	receiver := l.entry(req.ReceiverWalletID)
	unlock := lockEntries(sender, receiver)
	defer unlock()

	own := sender
	if req.Side == SideReceiver {
		own = receiver
	}
	if own == nil {
		return TransferResult{}, ErrUnknownWallet
	}
	if req.OwnerID != "" && own.wallet.OwnerID != req.OwnerID {
		return TransferResult{}, ErrForbidden
	}
	if req.Currency == "" {
		req.Currency = own.wallet.Currency
	}

	if res, err := l.reserve(req); err != nil {
		return res, err
	}
	defer l.release(req.AttemptID)

	for _, e := range []*walletEntry{sender, receiver} {
		if e == nil {
			continue
		}
		if e.wallet.Status != WalletActive {
			return TransferResult{}, ErrWalletArchived
		}
		if e.wallet.Currency != req.Currency {
			return TransferResult{}, ErrCurrencyMismatch
		}
	}

	res := TransferResult{
		AttemptID:        req.AttemptID,
		SenderWalletID:   req.SenderWalletID,
		ReceiverWalletID: req.ReceiverWalletID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		CreatedAt:        l.now(),
	}

	switch req.Side {
	case SideSender:
		if receiver == nil && !req.CrossLedger {
			return TransferResult{}, ErrUnknownWallet
		}
		if sender.wallet.Balance.LessThan(req.Amount) {
			return TransferResult{}, ErrInsufficientFunds
		}
	case SideReceiver:
		if sender != nil {
			// Shared ledger: the sender's commit applies both legs.
			return TransferResult{}, ErrAwaitingCounterparty
		}
		if !req.CrossLedger {
			return TransferResult{}, ErrUnknownWallet
		}
	}

	if receiver != nil && !money.Fits(receiver.wallet.Balance.Add(req.Amount)) {
		return TransferResult{}, ErrInvalidAmount
	}

	var rows []Transaction
	if sender != nil {
		sender.wallet.Balance = sender.wallet.Balance.Sub(req.Amount)
		tx := l.transferRow(req, req.SenderWalletID, TypeTransfer, req.ReceiverWalletID, res.CreatedAt)
		res.SenderTransactionID = tx.ID
		bal := sender.wallet.Balance
		res.SenderBalance = &bal
		rows = append(rows, tx)
	}
	if receiver != nil {
		receiver.wallet.Balance = receiver.wallet.Balance.Add(req.Amount)
		tx := l.transferRow(req, req.ReceiverWalletID, TypeReceive, req.SenderWalletID, res.CreatedAt)
		res.ReceiverTransactionID = tx.ID
		bal := receiver.wallet.Balance
		res.ReceiverBalance = &bal
		rows = append(rows, tx)
	}

	l.mu.Lock()
	l.transactions = append(l.transactions, rows...)
	l.attempts[req.AttemptID] = res
	l.mu.Unlock()
	return res, nil
}

// reserve claims the attempt id for the caller. A recorded attempt is
// returned as a replay or a conflict.
func (l *inMemoryLedger) reserve(req TransferRequest) (TransferResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prior, ok := l.attempts[req.AttemptID]; ok {
		if !sameRequest(prior, req) {
			return TransferResult{}, ErrAttemptConflict
		}
		return prior, ErrAlreadyApplied
	}
	if _, busy := l.reserved[req.AttemptID]; busy {
		// Identical requests serialize on the wallet locks, so a live
		// reservation here belongs to different wallets.
		return TransferResult{}, ErrAttemptConflict
	}
	l.reserved[req.AttemptID] = struct{}{}
	return TransferResult{}, nil
}

func (l *inMemoryLedger) release(attemptID string) {
	l.mu.Lock()
	delete(l.reserved, attemptID)
	l.mu.Unlock()
}

func (l *inMemoryLedger) Attempt(_ context.Context, attemptID string) (TransferResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res, ok := l.attempts[attemptID]
	if !ok {
		return TransferResult{}, ErrUnknownAttempt
	}
	return res, nil
}

func (l *inMemoryLedger) RecordTransaction(_ context.Context, in RecordInput) (Transaction, error) {
	if err := validateRecord(in); err != nil {
		return Transaction{}, err
	}
	e := l.entry(in.WalletID)
	if e == nil {
		return Transaction{}, ErrUnknownWallet
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if in.OwnerID != "" && e.wallet.OwnerID != in.OwnerID {
		return Transaction{}, ErrForbidden
	}
	if e.wallet.Status != WalletActive {
		return Transaction{}, ErrWalletArchived
	}

	tx := l.newTransaction(in.WalletID, in.Type, in.Amount, in.Status)
	tx.Description = in.Description
	tx.RelatedWalletID = in.RelatedWalletID

	if in.Status == StatusCompleted {
		if tx.Credits() {
			if !money.Fits(e.wallet.Balance.Add(in.Amount)) {
				return Transaction{}, ErrInvalidAmount
			}
			e.wallet.Balance = e.wallet.Balance.Add(in.Amount)
		} else {
			if e.wallet.Balance.LessThan(in.Amount) {
				return Transaction{}, ErrInsufficientFunds
			}
			e.wallet.Balance = e.wallet.Balance.Sub(in.Amount)
		}
	}
	l.append(tx)
	return tx, nil
}

func (l *inMemoryLedger) Query(_ context.Context, walletIDs []string, filter Filter) *Iterator {
	ids := make(map[string]struct{}, len(walletIDs))
	for _, id := range walletIDs {
		ids[id] = struct{}{}
	}
	fetch := func(_ context.Context, after *Cursor, size int) ([]Transaction, error) {
		l.mu.RLock()
		rows := make([]Transaction, 0)
		for _, t := range l.transactions {
			if _, ok := ids[t.WalletID]; !ok {
				continue
			}
			if filter.matches(t) && after.before(t) {
				rows = append(rows, t)
			}
		}
		l.mu.RUnlock()

		sortNewestFirst(rows)
		if len(rows) > size {
			rows = rows[:size]
		}
		return rows, nil
	}
	return newIterator(fetch, filter)
}

func (l *inMemoryLedger) Audit(_ context.Context, walletID string) (AuditReport, error) {
	e := l.entry(walletID)
	if e == nil {
		return AuditReport{}, ErrUnknownWallet
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	computed := decimal.Zero
	l.mu.RLock()
	for _, t := range l.transactions {
		if t.WalletID != walletID || t.Status != StatusCompleted {
			continue
		}
		if t.Credits() {
			computed = computed.Add(t.Amount)
		} else {
			computed = computed.Sub(t.Amount)
		}
	}
	l.mu.RUnlock()
	return AuditReport{WalletID: walletID, Balance: e.wallet.Balance, Computed: computed}, nil
}

func (l *inMemoryLedger) newTransaction(walletID, kind string, amount decimal.Decimal, status string) Transaction {
	return Transaction{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		Type:      kind,
		Amount:    amount,
		Status:    status,
		CreatedAt: l.now(),
	}
}

func (l *inMemoryLedger) transferRow(req TransferRequest, walletID, kind, related string, at time.Time) Transaction {
	tx := l.newTransaction(walletID, kind, req.Amount, StatusCompleted)
	tx.RelatedWalletID = related
	tx.AttemptID = req.AttemptID
	tx.CreatedAt = at
	if kind == TypeTransfer {
		tx.Description = "Transfer sent"
	} else {
		tx.Description = "Transfer received"
	}
	return tx
}

func (l *inMemoryLedger) append(tx Transaction) {
	l.mu.Lock()
	l.transactions = append(l.transactions, tx)
	l.mu.Unlock()
}

// lockEntries locks the non-nil entries in wallet id order and returns the
// matching unlock.
func lockEntries(entries ...*walletEntry) func() {
	locked := make([]*walletEntry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			locked = append(locked, e)
		}
	}
	sort.Slice(locked, func(i, j int) bool { return locked[i].wallet.ID < locked[j].wallet.ID })
	for _, e := range locked {
		e.mu.Lock()
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
}

func sortNewestFirst(rows []Transaction) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
}

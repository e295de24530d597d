package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/money"
)

const (
	uniqueViolation   = "23505"
	numericOutOfRange = "22003"
)

var _ Ledger = (*PostgresLedger)(nil)

// PostgresLedger persists wallets and transactions in PostgreSQL. Every
// mutation runs in one database transaction holding row locks on the
// touched wallets.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgres constructs a Postgres-backed ledger implementation.
func NewPostgres(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// unreachable marks a storage failure. The caller cannot assume any outcome.
// A balance beyond the column precision aborts the statement, so nothing was
// applied and the request is rejected instead.
func unreachable(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == numericOutOfRange {
		return fmt.Errorf("%w: %s exceeds the balance limit", ErrInvalidAmount, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnreachable, op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const walletColumns = `id, owner_id, currency, balance::text, status, created_at`

func scanWallet(row rowScanner) (Wallet, error) {
	var (
		w       Wallet
		balance string
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &balance, &w.Status, &w.CreatedAt); err != nil {
		return Wallet{}, err
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	w.Balance = d
	return w, nil
}

const transactionColumns = `id, wallet_id, type, amount::text, status, description, related_wallet_id, attempt_id, created_at`

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		t      Transaction
		amount string
	)
	if err := row.Scan(&t.ID, &t.WalletID, &t.Type, &amount, &t.Status, &t.Description, &t.RelatedWalletID, &t.AttemptID, &t.CreatedAt); err != nil {
		return Transaction{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	t.Amount = d
	return t, nil
}

const attemptColumns = `id, sender_wallet_id, receiver_wallet_id, amount::text, currency,
        sender_transaction_id, receiver_transaction_id, sender_balance::text, receiver_balance::text, created_at`

func scanAttempt(row rowScanner) (TransferResult, error) {
	var (
		r                  TransferResult
		amount             string
		senderBal, recvBal *string
	)
	if err := row.Scan(&r.AttemptID, &r.SenderWalletID, &r.ReceiverWalletID, &amount, &r.Currency,
		&r.SenderTransactionID, &r.ReceiverTransactionID, &senderBal, &recvBal, &r.CreatedAt); err != nil {
		return TransferResult{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return TransferResult{}, fmt.Errorf("parse amount: %w", err)
	}
	r.Amount = d
	if r.SenderBalance, err = optionalDecimal(senderBal); err != nil {
		return TransferResult{}, err
	}
	if r.ReceiverBalance, err = optionalDecimal(recvBal); err != nil {
		return TransferResult{}, err
	}
	return r, nil
}

func optionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &d, nil
}

func optionalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// CreateWallet inserts an empty active wallet.
func (l *PostgresLedger) CreateWallet(ctx context.Context, ownerID, currency string) (Wallet, error) {
	if ownerID == "" {
		return Wallet{}, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	code, err := money.Currency(currency)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	row := l.db.QueryRow(ctx, `INSERT INTO wallets (id, owner_id, currency, balance, status)
        VALUES ($1, $2, $3, 0, $4)
        RETURNING `+walletColumns, uuid.NewString(), ownerID, code, WalletActive)
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, unreachable("create wallet", err)
	}
	return w, nil
}

// Wallet loads a wallet by id.
func (l *PostgresLedger) Wallet(ctx context.Context, id string) (Wallet, error) {
	w, err := scanWallet(l.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrUnknownWallet
		}
		return Wallet{}, unreachable("load wallet", err)
	}
	return w, nil
}

// Wallets lists the wallets of an owner, oldest first.
func (l *PostgresLedger) Wallets(ctx context.Context, ownerID string) ([]Wallet, error) {
	rows, err := l.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, unreachable("list wallets", err)
	}
	defer rows.Close()

	out := make([]Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, unreachable("scan wallet", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, unreachable("list wallets", err)
	}
	return out, nil
}

// ArchiveWallet marks a wallet archived. Archived wallets are kept but
// reject mutations.
func (l *PostgresLedger) ArchiveWallet(ctx context.Context, id string) (Wallet, error) {
	row := l.db.QueryRow(ctx, `UPDATE wallets SET status = $2 WHERE id = $1 RETURNING `+walletColumns, id, WalletArchived)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrUnknownWallet
		}
		return Wallet{}, unreachable("archive wallet", err)
	}
	return w, nil
}

// Deposit credits a wallet and records a completed deposit row atomically.
func (l *PostgresLedger) Deposit(ctx context.Context, walletID string, amount decimal.Decimal) (Wallet, Transaction, error) {
	if err := validAmount(amount); err != nil {
		return Wallet{}, Transaction{}, err
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, Transaction{}, unreachable("begin deposit", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	locked, err := lockWallets(ctx, tx, walletID)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	w, ok := locked[walletID]
	if !ok {
		return Wallet{}, Transaction{}, ErrUnknownWallet
	}
	if w.Status != WalletActive {
		return Wallet{}, Transaction{}, ErrWalletArchived
	}

	if w, err = adjustBalance(ctx, tx, walletID, amount); err != nil {
		return Wallet{}, Transaction{}, err
	}
	row, err := insertTransaction(ctx, tx, Transaction{
		WalletID:    walletID,
		Type:        TypeDeposit,
		Amount:      amount,
		Status:      StatusCompleted,
		Description: "Deposit",
	})
	if err != nil {
		return Wallet{}, Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, Transaction{}, unreachable("commit deposit", err)
	}
	return w, row, nil
}

// RecordTransfer applies the local legs of a transfer attempt and stores the
// attempt record in the same database transaction.
func (l *PostgresLedger) RecordTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
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

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransferResult{}, unreachable("begin transfer", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	locked, err := lockWallets(ctx, tx, req.SenderWalletID, req.ReceiverWalletID)
	if err != nil {
		return TransferResult{}, err
	}
	sender, hasSender := locked[req.SenderWalletID]
	receiver, hasReceiver := locked[req.ReceiverWalletID]

	own, hasOwn := sender, hasSender
	if req.Side == SideReceiver {
		own, hasOwn = receiver, hasReceiver
	}
	if !hasOwn {
		return TransferResult{}, ErrUnknownWallet
	}
	if req.OwnerID != "" && own.OwnerID != req.OwnerID {
		return TransferResult{}, ErrForbidden
	}
	if req.Currency == "" {
		req.Currency = own.Currency
	}

	prior, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM transfer_attempts WHERE id = $1`, req.AttemptID))
	switch {
	case err == nil:
		if !sameRequest(prior, req) {
			return TransferResult{}, ErrAttemptConflict
		}
		return prior, ErrAlreadyApplied
	case !errors.Is(err, pgx.ErrNoRows):
		return TransferResult{}, unreachable("load attempt", err)
	}

	for _, w := range locked {
		if w.Status != WalletActive {
			return TransferResult{}, ErrWalletArchived
		}
		if w.Currency != req.Currency {
			return TransferResult{}, ErrCurrencyMismatch
		}
	}

	switch req.Side {
	case SideSender:
		if !hasReceiver && !req.CrossLedger {
			return TransferResult{}, ErrUnknownWallet
		}
		if sender.Balance.LessThan(req.Amount) {
			return TransferResult{}, ErrInsufficientFunds
		}
	case SideReceiver:
		if hasSender {
			return TransferResult{}, ErrAwaitingCounterparty
		}
		if !req.CrossLedger {
			return TransferResult{}, ErrUnknownWallet
		}
	}

	res := TransferResult{
		AttemptID:        req.AttemptID,
		SenderWalletID:   req.SenderWalletID,
		ReceiverWalletID: req.ReceiverWalletID,
		Amount:           req.Amount,
		Currency:         req.Currency,
	}
	if hasSender {
		w, err := adjustBalance(ctx, tx, req.SenderWalletID, req.Amount.Neg())
		if err != nil {
			return TransferResult{}, err
		}
		row, err := insertTransaction(ctx, tx, Transaction{
			WalletID:        req.SenderWalletID,
			Type:            TypeTransfer,
			Amount:          req.Amount,
			Status:          StatusCompleted,
			Description:     "Transfer sent",
			RelatedWalletID: req.ReceiverWalletID,
			AttemptID:       req.AttemptID,
		})
		if err != nil {
			return TransferResult{}, err
		}
		res.SenderTransactionID = row.ID
		res.SenderBalance = &w.Balance
	}
	if hasReceiver {
		w, err := adjustBalance(ctx, tx, req.ReceiverWalletID, req.Amount)
		if err != nil {
			return TransferResult{}, err
		}
		row, err := insertTransaction(ctx, tx, Transaction{
			WalletID:        req.ReceiverWalletID,
			Type:            TypeReceive,
			Amount:          req.Amount,
			Status:          StatusCompleted,
			Description:     "Transfer received",
			RelatedWalletID: req.SenderWalletID,
			AttemptID:       req.AttemptID,
		})
		if err != nil {
			return TransferResult{}, err
		}
		res.ReceiverTransactionID = row.ID
		res.ReceiverBalance = &w.Balance
	}

	err = tx.QueryRow(ctx, `INSERT INTO transfer_attempts (id, sender_wallet_id, receiver_wallet_id, amount, currency,
            sender_transaction_id, receiver_transaction_id, sender_balance, receiver_balance)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8::numeric, $9::numeric)
        RETURNING created_at`,
		res.AttemptID, res.SenderWalletID, res.ReceiverWalletID, res.Amount.String(), res.Currency,
		res.SenderTransactionID, res.ReceiverTransactionID, optionalText(res.SenderBalance), optionalText(res.ReceiverBalance),
	).Scan(&res.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// A concurrent attempt with the same id committed first on
			// other wallets.
			return TransferResult{}, ErrAttemptConflict
		}
		return TransferResult{}, unreachable("record attempt", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return TransferResult{}, unreachable("commit transfer", err)
	}
	return res, nil
}

// Attempt returns the stored result of an applied attempt.
func (l *PostgresLedger) Attempt(ctx context.Context, attemptID string) (TransferResult, error) {
	res, err := scanAttempt(l.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM transfer_attempts WHERE id = $1`, attemptID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransferResult{}, ErrUnknownAttempt
		}
		return TransferResult{}, unreachable("load attempt", err)
	}
	return res, nil
}

// RecordTransaction appends a manual row. Only completed rows move the balance.
func (l *PostgresLedger) RecordTransaction(ctx context.Context, in RecordInput) (Transaction, error) {
	if err := validateRecord(in); err != nil {
		return Transaction{}, err
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, unreachable("begin record", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	locked, err := lockWallets(ctx, tx, in.WalletID)
	if err != nil {
		return Transaction{}, err
	}
	w, ok := locked[in.WalletID]
	if !ok {
		return Transaction{}, ErrUnknownWallet
	}
	if in.OwnerID != "" && w.OwnerID != in.OwnerID {
		return Transaction{}, ErrForbidden
	}
	if w.Status != WalletActive {
		return Transaction{}, ErrWalletArchived
	}

	row := Transaction{
		WalletID:        in.WalletID,
		Type:            in.Type,
		Amount:          in.Amount,
		Status:          in.Status,
		Description:     in.Description,
		RelatedWalletID: in.RelatedWalletID,
	}
	if in.Status == StatusCompleted {
		delta := in.Amount
		if !row.Credits() {
			if w.Balance.LessThan(in.Amount) {
				return Transaction{}, ErrInsufficientFunds
			}
			delta = delta.Neg()
		}
		if _, err := adjustBalance(ctx, tx, in.WalletID, delta); err != nil {
			return Transaction{}, err
		}
	}
	if row, err = insertTransaction(ctx, tx, row); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, unreachable("commit record", err)
	}
	return row, nil
}

// Query pages through transactions newest first using keyset pagination.
func (l *PostgresLedger) Query(_ context.Context, walletIDs []string, filter Filter) *Iterator {
	const query = `
        SELECT ` + transactionColumns + `
        FROM transactions
        WHERE wallet_id = ANY($1)
          AND ($2::text = '' OR type = $2)
          AND ($3::text = '' OR status = $3)
          AND ($4::timestamptz IS NULL OR created_at >= $4)
          AND ($5::timestamptz IS NULL OR created_at <= $5)
          AND ($6::timestamptz IS NULL OR (created_at, id) < ($6, $7::text))
        ORDER BY created_at DESC, id DESC
        LIMIT $8`

	ids := append([]string(nil), walletIDs...)
	from, to := optionalTime(filter.From), optionalTime(filter.To)

	fetch := func(ctx context.Context, after *Cursor, size int) ([]Transaction, error) {
		var (
			afterAt *time.Time
			afterID string
		)
		if after != nil {
			afterAt, afterID = &after.CreatedAt, after.ID
		}
		rows, err := l.db.Query(ctx, query, ids, filter.Type, filter.Status, from, to, afterAt, afterID, size)
		if err != nil {
			return nil, unreachable("query transactions", err)
		}
		defer rows.Close()

		page := make([]Transaction, 0, size)
		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				return nil, unreachable("scan transaction", err)
			}
			page = append(page, t)
		}
		if err := rows.Err(); err != nil {
			return nil, unreachable("query transactions", err)
		}
		return page, nil
	}
	return newIterator(fetch, filter)
}

// Audit compares the stored balance with the sum of completed rows in a
// single statement snapshot.
func (l *PostgresLedger) Audit(ctx context.Context, walletID string) (AuditReport, error) {
	const query = `
        SELECT w.balance::text,
               COALESCE(SUM(CASE WHEN t.type IN ('deposit', 'receive') THEN t.amount ELSE -t.amount END)
                        FILTER (WHERE t.status = 'completed'), 0)::text
        FROM wallets w
        LEFT JOIN transactions t ON t.wallet_id = w.id
        WHERE w.id = $1
        GROUP BY w.balance`

	var balance, computed string
	if err := l.db.QueryRow(ctx, query, walletID).Scan(&balance, &computed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditReport{}, ErrUnknownWallet
		}
		return AuditReport{}, unreachable("audit wallet", err)
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return AuditReport{}, fmt.Errorf("parse balance: %w", err)
	}
	c, err := decimal.NewFromString(computed)
	if err != nil {
		return AuditReport{}, fmt.Errorf("parse computed balance: %w", err)
	}
	return AuditReport{WalletID: walletID, Balance: b, Computed: c}, nil
}

// lockWallets takes row locks on the given wallets in id order. Missing
// wallets are simply absent from the result.
func lockWallets(ctx context.Context, tx pgx.Tx, ids ...string) (map[string]Wallet, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	rows, err := tx.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sorted)
	if err != nil {
		return nil, unreachable("lock wallets", err)
	}
	defer rows.Close()

	out := make(map[string]Wallet, len(ids))
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, unreachable("scan wallet", err)
		}
		out[w.ID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, unreachable("lock wallets", err)
	}
	return out, nil
}

func adjustBalance(ctx context.Context, tx pgx.Tx, walletID string, delta decimal.Decimal) (Wallet, error) {
	row := tx.QueryRow(ctx, `UPDATE wallets SET balance = balance + $2::numeric WHERE id = $1 RETURNING `+walletColumns,
		walletID, delta.String())
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, unreachable("update balance", err)
	}
	return w, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	row := tx.QueryRow(ctx, `INSERT INTO transactions (id, wallet_id, type, amount, status, description, related_wallet_id, attempt_id)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
        RETURNING `+transactionColumns,
		uuid.NewString(), t.WalletID, t.Type, t.Amount.String(), t.Status, t.Description, t.RelatedWalletID, t.AttemptID)
	out, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, unreachable("insert transaction", err)
	}
	return out, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

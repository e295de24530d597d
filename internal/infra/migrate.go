package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
        id          TEXT PRIMARY KEY,
        owner_id    TEXT NOT NULL,
        currency    TEXT NOT NULL,
        balance     NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
        status      TEXT NOT NULL DEFAULT 'active',
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS wallets_owner_idx ON wallets (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS transactions (
        id                 TEXT PRIMARY KEY,
        wallet_id          TEXT NOT NULL REFERENCES wallets(id),
        type               TEXT NOT NULL,
        amount             NUMERIC(20,2) NOT NULL CHECK (amount > 0),
        status             TEXT NOT NULL,
        description        TEXT NOT NULL DEFAULT '',
        related_wallet_id  TEXT NOT NULL DEFAULT '',
        attempt_id         TEXT NOT NULL DEFAULT '',
        created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS transactions_wallet_created_idx ON transactions (wallet_id, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS transfer_attempts (
        id                       TEXT PRIMARY KEY,
        sender_wallet_id         TEXT NOT NULL,
        receiver_wallet_id       TEXT NOT NULL,
        amount                   NUMERIC(20,2) NOT NULL,
        currency                 TEXT NOT NULL,
        sender_transaction_id    TEXT NOT NULL DEFAULT '',
        receiver_transaction_id  TEXT NOT NULL DEFAULT '',
        sender_balance           NUMERIC(20,2),
        receiver_balance         NUMERIC(20,2),
        created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
}

// Migrate applies the ledger schema. Statements are idempotent so it runs on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}

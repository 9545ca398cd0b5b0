package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
	id uuid PRIMARY KEY,
	merchant_request_id text NOT NULL DEFAULT '',
	checkout_request_id text NOT NULL DEFAULT '',
	result_code int NOT NULL,
	result_desc text NOT NULL DEFAULT '',
	ticket_type text NOT NULL DEFAULT '',
	quantity int NOT NULL DEFAULT 1,
	account_reference text NOT NULL DEFAULT '',
	buyer_email text NOT NULL DEFAULT '',
	amount bigint NOT NULL DEFAULT 0,
	mpesa_receipt text NOT NULL DEFAULT '',
	phone text NOT NULL DEFAULT '',
	paid_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now()
);`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_mpesa_receipt ON transactions (mpesa_receipt);`,
	`CREATE TABLE IF NOT EXISTS tickets (
	id uuid PRIMARY KEY,
	transaction_id uuid NOT NULL REFERENCES transactions (id),
	ticket_code text NOT NULL UNIQUE,
	qr_payload text NOT NULL DEFAULT '',
	phone text NOT NULL DEFAULT '',
	buyer_email text NOT NULL DEFAULT '',
	account_reference text NOT NULL DEFAULT '',
	mpesa_receipt text NOT NULL DEFAULT '',
	ticket_type text NOT NULL DEFAULT '',
	used boolean NOT NULL DEFAULT FALSE,
	used_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now()
);`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_mpesa_receipt ON tickets (mpesa_receipt);`,
}

// Migrate applies the schema at startup. Statements are idempotent so a
// restart against an existing database is a no-op.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

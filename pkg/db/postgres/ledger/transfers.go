package ledger

import (
	"context"
	"fmt"

	"github.com/canopy-network/custodyx/pkg/db/postgres"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/shopspring/decimal"
)

// initTransfers creates the append-only transfers table
func (db *DB) initTransfers(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS transfers (
			seq BIGSERIAL NOT NULL,
			id UUID PRIMARY KEY,
			sender TEXT NOT NULL REFERENCES accounts (identity),
			receiver TEXT NOT NULL,
			receiver_identity TEXT NOT NULL DEFAULT '',
			amount NUMERIC(30, 8) NOT NULL CHECK (amount > 0),
			tx_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`, `
		CREATE INDEX IF NOT EXISTS transfers_sender_idx ON transfers (sender, seq)
	`, `
		CREATE INDEX IF NOT EXISTS transfers_receiver_identity_idx ON transfers (receiver_identity, seq)
		WHERE receiver_identity <> ''
	`)
}

func (db *DB) AppendTransferRecord(ctx context.Context, r ledger.TransferRecord) error {
	if err := ledger.ValidateAmount(r.Amount); err != nil {
		return err
	}
	err := db.Exec(ctx, `
		INSERT INTO transfers (id, sender, receiver, receiver_identity, amount, tx_hash, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5::numeric, $6, $7)
	`, r.ID, r.Sender, r.Receiver, r.ReceiverIdentity, r.Amount.String(), r.TxHash, r.Timestamp.UTC())
	switch {
	case postgres.IsUniqueViolation(err):
		return fmt.Errorf("transfer %s: %w", r.ID, ledger.ErrConflict)
	case postgres.IsForeignKeyViolation(err):
		return fmt.Errorf("sender %q: %w", r.Sender, ledger.ErrNotFound)
	case postgres.IsCheckViolation(err):
		return fmt.Errorf("transfer %s: %w", r.ID, ledger.ErrInvalidAmount)
	case err != nil:
		return fmt.Errorf("append transfer %s: %w", r.ID, err)
	}
	return nil
}

// ListTransfersFor returns the records sent or received by identity in insertion order.
func (db *DB) ListTransfersFor(ctx context.Context, identity string) ([]ledger.TransferRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT id::text, sender, receiver, receiver_identity, amount::text, tx_hash, created_at
		FROM transfers
		WHERE sender = $1 OR receiver_identity = $1
		ORDER BY seq
	`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.TransferRecord{}
	for rows.Next() {
		var (
			r      ledger.TransferRecord
			amount string
		)
		if err := rows.Scan(&r.ID, &r.Sender, &r.Receiver, &r.ReceiverIdentity, &amount, &r.TxHash, &r.Timestamp); err != nil {
			return nil, err
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("amount of transfer %s: %w", r.ID, err)
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}

	return out, rows.Err()
}

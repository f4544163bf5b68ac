package ledger

import (
	"context"
	"fmt"

	"github.com/canopy-network/custodyx/pkg/db/postgres"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const intentColumns = `id::text, sender, receiver, amount::text, status, tx_hash, reason, created_at, updated_at`

// initIntents creates the transfer_intents table
func (db *DB) initIntents(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS transfer_intents (
			seq BIGSERIAL NOT NULL,
			id UUID PRIMARY KEY,
			sender TEXT NOT NULL REFERENCES accounts (identity),
			receiver TEXT NOT NULL,
			amount NUMERIC(30, 8) NOT NULL CHECK (amount > 0),
			status TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, `
		CREATE INDEX IF NOT EXISTS transfer_intents_open_idx ON transfer_intents (seq)
		WHERE status IN ('pending', 'submitted')
	`)
}

func scanIntent(row pgx.Row) (ledger.Intent, error) {
	var (
		in     ledger.Intent
		amount string
		status string
	)
	if err := row.Scan(&in.ID, &in.Sender, &in.Receiver, &amount, &status, &in.TxHash, &in.Reason, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return ledger.Intent{}, err
	}
	in.Status = ledger.IntentStatus(status)
	var err error
	if in.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Intent{}, fmt.Errorf("amount of intent %s: %w", in.ID, err)
	}
	return in, nil
}

// OpenIntent reserves the amount on the sender and records the intent in one transaction.
func (db *DB) OpenIntent(ctx context.Context, in ledger.Intent) error {
	if in.ID == "" {
		return fmt.Errorf("intent id is required")
	}
	if err := ledger.ValidateAmount(in.Amount); err != nil {
		return err
	}
	return db.InTx(ctx, func(ctx context.Context) error {
		var identity string
		err := db.QueryRow(ctx, `
			UPDATE accounts
			SET reserved = reserved + $2::numeric, updated_at = NOW()
			WHERE identity = $1 AND balance - reserved >= $2::numeric
			RETURNING identity
		`, in.Sender, in.Amount.String()).Scan(&identity)
		if postgres.IsNoRows(err) {
			return db.missingOrShort(ctx, in.Sender, in.Amount.Neg())
		}
		if err != nil {
			return fmt.Errorf("reserve %s on %s: %w", in.Amount, in.Sender, err)
		}

		err = db.Exec(ctx, `
			INSERT INTO transfer_intents (id, sender, receiver, amount, status, created_at, updated_at)
			VALUES ($1::uuid, $2, $3, $4::numeric, $5, NOW(), NOW())
		`, in.ID, in.Sender, in.Receiver, in.Amount.String(), string(ledger.IntentPending))
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("intent %s: %w", in.ID, ledger.ErrConflict)
		}
		return err
	})
}

func (db *DB) MarkIntentSubmitted(ctx context.Context, id, txHash string) error {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `
		UPDATE transfer_intents
		SET status = $2, tx_hash = $3, updated_at = NOW()
		WHERE id = $1::uuid AND status IN ('pending', 'submitted')
	`, id, string(ledger.IntentSubmitted), txHash)
	if err != nil {
		return fmt.Errorf("mark intent %s submitted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return db.closedOrMissing(ctx, id)
	}
	return nil
}

// CloseIntent finishes an open intent and releases its reservation. The sender row is
// locked before the intent row, matching the order Atomically uses.
func (db *DB) CloseIntent(ctx context.Context, id string, status ledger.IntentStatus, reason string) error {
	if status != ledger.IntentCommitted && status != ledger.IntentFailed {
		return fmt.Errorf("intent %s cannot be closed as %q", id, status)
	}
	return db.InTx(ctx, func(ctx context.Context) error {
		var sender string
		err := db.QueryRow(ctx, `SELECT sender FROM transfer_intents WHERE id = $1::uuid`, id).Scan(&sender)
		if postgres.IsNoRows(err) {
			return fmt.Errorf("intent %s: %w", id, ledger.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := db.Exec(ctx, `SELECT 1 FROM accounts WHERE identity = $1 FOR UPDATE`, sender); err != nil {
			return fmt.Errorf("lock %s: %w", sender, err)
		}

		var amount string
		err = db.QueryRow(ctx, `
			UPDATE transfer_intents
			SET status = $2, reason = $3, updated_at = NOW()
			WHERE id = $1::uuid AND status IN ('pending', 'submitted')
			RETURNING amount::text
		`, id, string(status), reason).Scan(&amount)
		if postgres.IsNoRows(err) {
			return db.closedOrMissing(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("close intent %s: %w", id, err)
		}

		return db.Exec(ctx, `
			UPDATE accounts
			SET reserved = GREATEST(reserved - $2::numeric, 0), updated_at = NOW()
			WHERE identity = $1
		`, sender, amount)
	})
}

func (db *DB) closedOrMissing(ctx context.Context, id string) error {
	in, err := db.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("intent %s is %s: %w", id, in.Status, ledger.ErrIntentClosed)
}

func (db *DB) GetIntent(ctx context.Context, id string) (ledger.Intent, error) {
	in, err := scanIntent(db.QueryRow(ctx, `SELECT `+intentColumns+` FROM transfer_intents WHERE id = $1::uuid`, id))
	if postgres.IsNoRows(err) {
		return ledger.Intent{}, fmt.Errorf("intent %s: %w", id, ledger.ErrNotFound)
	}
	return in, err
}

func (db *DB) ListOpenIntents(ctx context.Context) ([]ledger.Intent, error) {
	rows, err := db.Query(ctx, `
		SELECT `+intentColumns+`
		FROM transfer_intents
		WHERE status IN ('pending', 'submitted')
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.Intent{}
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

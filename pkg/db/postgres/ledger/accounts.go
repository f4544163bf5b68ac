package ledger

import (
	"context"
	"fmt"

	"github.com/canopy-network/custodyx/pkg/db/postgres"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const accountColumns = `identity, credential_ref, chain_address, balance::text, reserved::text, created_at, updated_at`

// initAccounts creates the accounts table
func (db *DB) initAccounts(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			identity TEXT PRIMARY KEY,
			credential_ref TEXT NOT NULL,
			chain_address TEXT NOT NULL,
			balance NUMERIC(30, 8) NOT NULL CHECK (balance >= 0),
			reserved NUMERIC(30, 8) NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT accounts_reserved_within_balance CHECK (reserved <= balance)
		)
	`, `
		CREATE UNIQUE INDEX IF NOT EXISTS accounts_chain_address_key ON accounts (lower(chain_address))
	`)
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a                 ledger.Account
		balance, reserved string
	)
	if err := row.Scan(&a.Identity, &a.CredentialRef, &a.ChainAddress, &balance, &reserved, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return ledger.Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return ledger.Account{}, fmt.Errorf("balance of %s: %w", a.Identity, err)
	}
	if a.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return ledger.Account{}, fmt.Errorf("reserved of %s: %w", a.Identity, err)
	}
	return a, nil
}

func (db *DB) GetAccount(ctx context.Context, identity string) (ledger.Account, error) {
	a, err := scanAccount(db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE identity = $1`, identity))
	if postgres.IsNoRows(err) {
		return ledger.Account{}, fmt.Errorf("account %q: %w", identity, ledger.ErrNotFound)
	}
	return a, err
}

func (db *DB) FindAccountByAddress(ctx context.Context, address string) (ledger.Account, error) {
	a, err := scanAccount(db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(chain_address) = lower($1)`, address))
	if postgres.IsNoRows(err) {
		return ledger.Account{}, fmt.Errorf("address %q: %w", address, ledger.ErrNotFound)
	}
	return a, err
}

func (db *DB) CreateAccount(ctx context.Context, identity, credentialRef, chainAddress string) (ledger.Account, error) {
	if identity == "" || chainAddress == "" {
		return ledger.Account{}, fmt.Errorf("identity and chain address are required")
	}
	a, err := scanAccount(db.QueryRow(ctx, `
		INSERT INTO accounts (identity, credential_ref, chain_address, balance, reserved, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, 0, NOW(), NOW())
		RETURNING `+accountColumns,
		identity, credentialRef, chainAddress, ledger.StartingBalance.String(),
	))
	if postgres.IsUniqueViolation(err) {
		return ledger.Account{}, fmt.Errorf("account %q / %q: %w", identity, chainAddress, ledger.ErrConflict)
	}
	return a, err
}

// AdjustBalance is a single conditional UPDATE, so the check and the write happen under
// the row lock.
func (db *DB) AdjustBalance(ctx context.Context, identity string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := db.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2::numeric, updated_at = NOW()
		WHERE identity = $1 AND balance + $2::numeric >= reserved
		RETURNING balance::text
	`, identity, delta.String()).Scan(&balance)
	if postgres.IsNoRows(err) || postgres.IsCheckViolation(err) {
		return decimal.Zero, db.missingOrShort(ctx, identity, delta)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance of %s: %w", identity, err)
	}
	return decimal.NewFromString(balance)
}

func (db *DB) missingOrShort(ctx context.Context, identity string, amount decimal.Decimal) error {
	a, err := db.GetAccount(ctx, identity)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: balance %s, reserved %s, change %s",
		ledger.ErrInsufficientFunds, a.Balance, a.Reserved, amount)
}

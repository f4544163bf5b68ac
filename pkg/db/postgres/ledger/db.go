// Package ledger is the PostgreSQL backend of ledger.Store. Balances are NUMERIC(30,8)
// and travel as text so no float ever touches an amount.
package ledger

import (
	"context"
	"fmt"

	"github.com/canopy-network/custodyx/pkg/db/postgres"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/utils"
	"go.uber.org/zap"
)

// DB represents the ledger database
type DB struct {
	postgres.Client
	Name string
}

var _ ledger.Store = (*DB)(nil)

// NewWithPoolConfig connects to the ledger database and makes sure its tables exist.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, &poolConfig)
	if err != nil {
		return nil, err
	}

	db := &DB{
		Client: client,
		Name:   client.TargetDatabase,
	}

	if err := db.InitializeDB(ctx); err != nil {
		db.Pool.Close()
		return nil, err
	}

	return db, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing ledger database", zap.String("database", db.Name))

	db.Logger.Debug("Initialize accounts table", zap.String("database", db.Name))
	if err := db.initAccounts(ctx); err != nil {
		return fmt.Errorf("init accounts: %w", err)
	}

	db.Logger.Debug("Initialize transfers table", zap.String("database", db.Name))
	if err := db.initTransfers(ctx); err != nil {
		return fmt.Errorf("init transfers: %w", err)
	}

	db.Logger.Debug("Initialize transfer_intents table", zap.String("database", db.Name))
	if err := db.initIntents(ctx); err != nil {
		return fmt.Errorf("init transfer_intents: %w", err)
	}

	return nil
}

func (db *DB) execAll(ctx context.Context, statements ...string) error {
	for _, q := range statements {
		if err := db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Atomically locks the named account rows in identity order with SELECT ... FOR UPDATE
// and runs fn in the same transaction.
func (db *DB) Atomically(ctx context.Context, identities []string, fn func(ctx context.Context) error) error {
	if postgres.HasTx(ctx) {
		return ledger.ErrNestedUnit
	}
	ids := utils.SortedUnique(identities...)
	return db.InTx(ctx, func(ctx context.Context) error {
		rows, err := db.Query(ctx, `
			SELECT identity
			FROM accounts
			WHERE identity = ANY($1)
			ORDER BY identity
			FOR UPDATE
		`, ids)
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}
		locked := 0
		for rows.Next() {
			locked++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}
		if locked != len(ids) {
			return fmt.Errorf("lock accounts %v: %w", ids, ledger.ErrNotFound)
		}
		return fn(ctx)
	})
}

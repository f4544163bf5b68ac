// Package ledger defines the internal account book: accounts, immutable transfer records,
// and the intents that hold funds while a transfer is in flight on chain.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an account, record or intent does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an identity, chain address or record id is already taken.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientFunds is returned when a debit or reservation would exceed available funds.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrIntentClosed is returned when closing an intent that is already committed or failed.
	ErrIntentClosed = errors.New("intent already closed")
	// ErrNestedUnit is returned by Atomically when ctx already belongs to an atomic unit.
	ErrNestedUnit = errors.New("atomic units cannot be nested")
)

// Account is one user of the ledger. Balance never goes below zero and never below Reserved.
type Account struct {
	Identity      string
	CredentialRef string
	ChainAddress  string
	Balance       decimal.Decimal
	Reserved      decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available is the part of the balance not held by open intents.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// TransferRecord is written once per committed transfer and never modified.
type TransferRecord struct {
	ID               string
	Sender           string
	Receiver         string
	ReceiverIdentity string
	Amount           decimal.Decimal
	Timestamp        time.Time
	TxHash           string
}

// Involves reports whether identity sent or received the transfer.
func (r TransferRecord) Involves(identity string) bool {
	return r.Sender == identity || (r.ReceiverIdentity != "" && r.ReceiverIdentity == identity)
}

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSubmitted IntentStatus = "submitted"
	IntentCommitted IntentStatus = "committed"
	IntentFailed    IntentStatus = "failed"
)

// Open reports whether the intent still holds a reservation.
func (s IntentStatus) Open() bool {
	return s == IntentPending || s == IntentSubmitted
}

// Intent is the durable trace of a transfer between validation and commit.
type Intent struct {
	ID        string
	Sender    string
	Receiver  string
	Amount    decimal.Decimal
	Status    IntentStatus
	TxHash    string
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence contract shared by every ledger backend.
//
// Calls made with the context handed to Atomically's callback take part in the same
// atomic unit; every other call is atomic on its own.
type Store interface {
	GetAccount(ctx context.Context, identity string) (Account, error)
	FindAccountByAddress(ctx context.Context, address string) (Account, error)
	CreateAccount(ctx context.Context, identity, credentialRef, chainAddress string) (Account, error)
	AdjustBalance(ctx context.Context, identity string, delta decimal.Decimal) (decimal.Decimal, error)

	AppendTransferRecord(ctx context.Context, record TransferRecord) error
	ListTransfersFor(ctx context.Context, identity string) ([]TransferRecord, error)

	OpenIntent(ctx context.Context, intent Intent) error
	MarkIntentSubmitted(ctx context.Context, id, txHash string) error
	CloseIntent(ctx context.Context, id string, status IntentStatus, reason string) error
	GetIntent(ctx context.Context, id string) (Intent, error)
	ListOpenIntents(ctx context.Context) ([]Intent, error)

	// Atomically runs fn holding the locks of the named accounts, taken in ascending
	// identity order. If fn returns an error nothing it did is kept.
	Atomically(ctx context.Context, identities []string, fn func(ctx context.Context) error) error

	Close() error
}

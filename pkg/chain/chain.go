// Package chain mirrors ledger transfers as native value transactions on an
// Ethereum-compatible network.
package chain

import (
	"context"
	"errors"
	"math/big"
)

const (
	// GasLimit is the fixed gas allowance of a plain value transfer.
	GasLimit uint64 = 21000
	// GasPriceWei is the fixed gas price, 1 gwei.
	GasPriceWei int64 = 1_000_000_000
)

var (
	ErrInsufficientOnChainFunds = errors.New("insufficient on-chain funds")
	ErrSubmission               = errors.New("chain submission failed")
)

// Transfer is one value transaction. From is the logical origin recorded for the user;
// the funds always leave from the signing credential's address.
type Transfer struct {
	From  string
	To    string
	Value *big.Int
}

// Client is what the transfer engine needs from the network.
type Client interface {
	EstimateTransferCost() *big.Int
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	SubmitTransfer(ctx context.Context, t Transfer) (string, error)
}

type TxStatus int

const (
	TxUnknown TxStatus = iota
	TxPending
	TxSucceeded
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxSucceeded:
		return "succeeded"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// ReceiptReader reports what became of a broadcast transaction.
type ReceiptReader interface {
	TransferStatus(ctx context.Context, txHash string) (TxStatus, error)
}

// TransferCost is GasLimit * GasPriceWei.
func TransferCost() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(GasLimit), big.NewInt(GasPriceWei))
}

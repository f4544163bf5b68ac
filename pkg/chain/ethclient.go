package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/canopy-network/custodyx/pkg/retry"
	"github.com/canopy-network/custodyx/pkg/rpc"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Backend is the subset of *ethclient.Client the client uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// EthClient signs value transfers with one SigningCredential and broadcasts them.
type EthClient struct {
	backend Backend
	cred    *SigningCredential
	logger  *zap.Logger

	// submitMu keeps nonce lookup and broadcast of one transfer together.
	submitMu sync.Mutex

	chainMu sync.Mutex
	chainID *big.Int
}

var (
	_ Client        = (*EthClient)(nil)
	_ ReceiptReader = (*EthClient)(nil)
)

func NewEthClient(backend Backend, cred *SigningCredential, logger *zap.Logger) *EthClient {
	return &EthClient{backend: backend, cred: cred, logger: logger}
}

// Dial connects to a JSON-RPC endpoint through a circuit breaking transport and
// verifies the node answers before returning.
func Dial(ctx context.Context, url string, cred *SigningCredential, logger *zap.Logger, transport http.RoundTripper) (*EthClient, error) {
	if url == "" {
		return nil, errors.New("chain rpc url is empty")
	}
	if cred == nil {
		return nil, errors.New("signing credential is required")
	}
	if transport == nil {
		transport = rpc.NewTransport(rpc.Opts{})
	}

	var c *EthClient
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "chain_rpc_connection", func() error {
		rc, err := gethrpc.DialOptions(ctx, url, gethrpc.WithHTTPClient(&http.Client{Transport: transport}))
		if err != nil {
			return retry.Permanent(fmt.Errorf("dial chain rpc: %w", err))
		}
		candidate := NewEthClient(ethclient.NewClient(rc), cred, logger)
		id, err := candidate.ensureChainID(ctx)
		if err != nil {
			rc.Close()
			return err
		}
		logger.Info("Connected to chain",
			zap.String("chain_id", id.String()),
			zap.String("signer", cred.Address().Hex()))
		c = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *EthClient) SignerAddress() common.Address { return c.cred.Address() }

func (c *EthClient) EstimateTransferCost() *big.Int { return TransferCost() }

func (c *EthClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if !IsAddress(address) {
		return nil, fmt.Errorf("invalid chain address %q", address)
	}
	return c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
}

func (c *EthClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	if !IsAddress(address) {
		return 0, fmt.Errorf("invalid chain address %q", address)
	}
	return c.backend.PendingNonceAt(ctx, common.HexToAddress(address))
}

func (c *EthClient) ensureChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

// SubmitTransfer pays t.Value to t.To from the signer's address. The signer must hold
// the value plus the fixed fee.
func (c *EthClient) SubmitTransfer(ctx context.Context, t Transfer) (string, error) {
	if t.Value == nil || t.Value.Sign() <= 0 {
		return "", fmt.Errorf("%w: value must be positive", ErrSubmission)
	}
	if !IsAddress(t.To) {
		return "", fmt.Errorf("%w: invalid receiver %q", ErrSubmission, t.To)
	}
	to := common.HexToAddress(t.To)
	from := c.cred.Address()

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	chainID, err := c.ensureChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	balance, err := c.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("%w: balance of %s: %v", ErrSubmission, from.Hex(), err)
	}
	required := new(big.Int).Add(t.Value, c.EstimateTransferCost())
	if balance.Cmp(required) < 0 {
		return "", fmt.Errorf("%w: %s holds %s wei, transfer needs %s wei",
			ErrInsufficientOnChainFunds, from.Hex(), balance, required)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce of %s: %v", ErrSubmission, from.Hex(), err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(t.Value),
		Gas:      GasLimit,
		GasPrice: big.NewInt(GasPriceWei),
	})
	signed, err := c.cred.sign(tx, chainID)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrSubmission, err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return "", fmt.Errorf("%w: %v", ErrInsufficientOnChainFunds, err)
		}
		return "", fmt.Errorf("%w: broadcast: %v", ErrSubmission, err)
	}

	hash := signed.Hash().Hex()
	c.logger.Info("Transfer broadcast",
		zap.String("tx_hash", hash),
		zap.String("origin", t.From),
		zap.String("to", to.Hex()),
		zap.String("value_wei", t.Value.String()),
		zap.Uint64("nonce", nonce))
	return hash, nil
}

func (c *EthClient) TransferStatus(ctx context.Context, txHash string) (TxStatus, error) {
	hash := common.HexToHash(txHash)
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return TxSucceeded, nil
		}
		return TxReverted, nil
	case !errors.Is(err, ethereum.NotFound):
		return TxUnknown, fmt.Errorf("receipt %s: %w", txHash, err)
	}

	_, pending, err := c.backend.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return TxUnknown, nil
	case err != nil:
		return TxUnknown, fmt.Errorf("transaction %s: %w", txHash, err)
	case pending:
		return TxPending, nil
	default:
		// mined but the receipt is not indexed yet
		return TxPending, nil
	}
}

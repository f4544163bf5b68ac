package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const receiver = "0x00000000000000000000000000000000000000b0"

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func TestEstimateTransferCost(t *testing.T) {
	c := NewEthClient(newFakeBackend(), nil, zaptest.NewLogger(t))
	assert.Equal(t, "21000000000000", c.EstimateTransferCost().String())
}

func TestSubmitTransferSignsWithCredential(t *testing.T) {
	backend := newFakeBackend()
	cred, _ := newTestCredential(t)
	backend.balances[cred.Address()] = ether(10)
	c := NewEthClient(backend, cred, zaptest.NewLogger(t))

	hash, err := c.SubmitTransfer(context.Background(), Transfer{From: "0x00000000000000000000000000000000000000a0", To: receiver, Value: ether(2)})
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, GasLimit, tx.Gas())
	assert.Equal(t, big.NewInt(GasPriceWei), tx.GasPrice())
	assert.Equal(t, ether(2), tx.Value())
	assert.Equal(t, common.HexToAddress(receiver), *tx.To())
	assert.Equal(t, uint64(0), tx.Nonce())

	from, err := types.Sender(types.NewEIP155Signer(backend.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, cred.Address(), from)
}

func TestSubmitTransferInsufficientOnChainFunds(t *testing.T) {
	backend := newFakeBackend()
	cred, _ := newTestCredential(t)
	// exactly the value, nothing left for gas
	backend.balances[cred.Address()] = ether(1)
	c := NewEthClient(backend, cred, zaptest.NewLogger(t))

	_, err := c.SubmitTransfer(context.Background(), Transfer{To: receiver, Value: ether(1)})
	require.ErrorIs(t, err, ErrInsufficientOnChainFunds)
	assert.Empty(t, backend.sent)
}

func TestSubmitTransferNodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(b *fakeBackend)
		wantErr error
	}{
		{name: "balance lookup fails", setup: func(b *fakeBackend) { b.balErr = errors.New("connection refused") }, wantErr: ErrSubmission},
		{name: "broadcast rejected", setup: func(b *fakeBackend) { b.sendErr = errors.New("replacement transaction underpriced") }, wantErr: ErrSubmission},
		{name: "node reports funds", setup: func(b *fakeBackend) { b.sendErr = errors.New("insufficient funds for gas * price + value") }, wantErr: ErrInsufficientOnChainFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			cred, _ := newTestCredential(t)
			backend.balances[cred.Address()] = ether(10)
			tt.setup(backend)
			c := NewEthClient(backend, cred, zaptest.NewLogger(t))

			_, err := c.SubmitTransfer(context.Background(), Transfer{To: receiver, Value: ether(1)})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSubmitTransferRejectsBadInput(t *testing.T) {
	cred, _ := newTestCredential(t)
	c := NewEthClient(newFakeBackend(), cred, zaptest.NewLogger(t))

	_, err := c.SubmitTransfer(context.Background(), Transfer{To: "not-an-address", Value: ether(1)})
	require.ErrorIs(t, err, ErrSubmission)
	_, err = c.SubmitTransfer(context.Background(), Transfer{To: receiver, Value: big.NewInt(0)})
	require.ErrorIs(t, err, ErrSubmission)
}

func TestConcurrentSubmissionsUseDistinctNonces(t *testing.T) {
	backend := newFakeBackend()
	cred, _ := newTestCredential(t)
	backend.balances[cred.Address()] = ether(100)
	c := NewEthClient(backend, cred, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SubmitTransfer(context.Background(), Transfer{To: receiver, Value: ether(1)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, backend.sent, 8)
	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
}

func TestTransferStatus(t *testing.T) {
	backend := newFakeBackend()
	cred, _ := newTestCredential(t)
	backend.balances[cred.Address()] = ether(10)
	c := NewEthClient(backend, cred, zaptest.NewLogger(t))
	ctx := context.Background()

	hash, err := c.SubmitTransfer(ctx, Transfer{To: receiver, Value: ether(1)})
	require.NoError(t, err)

	status, err := c.TransferStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, TxPending, status)

	backend.receipts[common.HexToHash(hash)] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	status, err = c.TransferStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, TxSucceeded, status)

	other := "0x" + common.Bytes2Hex(make([]byte, 32))
	backend.receipts[common.HexToHash(other)] = &types.Receipt{Status: types.ReceiptStatusFailed}
	status, err = c.TransferStatus(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, TxReverted, status)

	status, err = c.TransferStatus(ctx, "0x1234")
	require.NoError(t, err)
	assert.Equal(t, TxUnknown, status)
}

func TestBalanceAndNonce(t *testing.T) {
	backend := newFakeBackend()
	addr := common.HexToAddress(receiver)
	backend.balances[addr] = ether(3)
	backend.nonces[addr] = 7
	c := NewEthClient(backend, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	bal, err := c.GetBalance(ctx, receiver)
	require.NoError(t, err)
	assert.Equal(t, ether(3), bal)

	nonce, err := c.PendingNonce(ctx, receiver)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)

	_, err = c.GetBalance(ctx, "nope")
	require.Error(t, err)
}

func TestSigningCredential(t *testing.T) {
	cred, hexKey := newTestCredential(t)
	again, err := NewSigningCredential(hexKey)
	require.NoError(t, err)
	assert.Equal(t, cred.Address(), again.Address())
	assert.NotContains(t, cred.String(), hexKey)

	_, err = NewSigningCredential("")
	require.Error(t, err)
	_, err = NewSigningCredential("zz")
	require.Error(t, err)
}

func TestDenomination(t *testing.T) {
	v, err := Ether.ToNative(decimal.RequireFromString("200"))
	require.NoError(t, err)
	assert.Equal(t, ether(200), v)

	v, err = Ether.ToNative(decimal.RequireFromString("0.00000001"))
	require.NoError(t, err)
	assert.Equal(t, "10000000000", v.String())

	coarse := Denomination{Exponent: 2}
	_, err = coarse.ToNative(decimal.RequireFromString("0.001"))
	require.Error(t, err)

	assert.Equal(t, "1.5", Ether.FromNative(new(big.Int).Div(ether(3), big.NewInt(2))).String())
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", got)

	_, err = NormalizeAddress("0x123")
	require.Error(t, err)
	assert.False(t, IsAddress(""))
}

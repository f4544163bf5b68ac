// Package ledgertest holds the behaviour every ledger.Store backend must share.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty-or-shared store for one subtest.
type Factory func(t *testing.T) ledger.Store

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// UniqueIdentity returns a name that will not collide across runs on a shared database.
func UniqueIdentity(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// UniqueAddress returns a random, well formed chain address.
func UniqueAddress() string {
	id := uuid.New()
	return fmt.Sprintf("0x%x%x", id[:], id[:4])
}

func createAccount(t *testing.T, s ledger.Store, prefix string) ledger.Account {
	t.Helper()
	acct, err := s.CreateAccount(context.Background(), UniqueIdentity(prefix), "hash", UniqueAddress())
	require.NoError(t, err)
	return acct
}

// Run exercises the ledger.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct := createAccount(t, s, "alice")
		assert.True(t, acct.Balance.Equal(ledger.StartingBalance))
		assert.True(t, acct.Reserved.IsZero())

		got, err := s.GetAccount(ctx, acct.Identity)
		require.NoError(t, err)
		assert.Equal(t, acct.ChainAddress, got.ChainAddress)
		assert.Equal(t, "hash", got.CredentialRef)

		byAddr, err := s.FindAccountByAddress(ctx, acct.ChainAddress)
		require.NoError(t, err)
		assert.Equal(t, acct.Identity, byAddr.Identity)

		_, err = s.GetAccount(ctx, UniqueIdentity("ghost"))
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = s.FindAccountByAddress(ctx, UniqueAddress())
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("create conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct := createAccount(t, s, "alice")

		_, err := s.CreateAccount(ctx, acct.Identity, "hash", UniqueAddress())
		require.ErrorIs(t, err, ledger.ErrConflict)
		_, err = s.CreateAccount(ctx, UniqueIdentity("other"), "hash", acct.ChainAddress)
		require.ErrorIs(t, err, ledger.ErrConflict)
	})

	t.Run("adjust balance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct := createAccount(t, s, "alice")

		bal, err := s.AdjustBalance(ctx, acct.Identity, d("-250.5"))
		require.NoError(t, err)
		assert.Equal(t, "749.5", bal.String())

		_, err = s.AdjustBalance(ctx, acct.Identity, d("-749.50000001"))
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		bal, err = s.AdjustBalance(ctx, acct.Identity, d("-749.5"))
		require.NoError(t, err)
		assert.True(t, bal.IsZero())

		_, err = s.AdjustBalance(ctx, UniqueIdentity("ghost"), d("1"))
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("intent reserves and releases", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct := createAccount(t, s, "alice")

		in := ledger.Intent{ID: uuid.NewString(), Sender: acct.Identity, Receiver: UniqueAddress(), Amount: d("600")}
		require.NoError(t, s.OpenIntent(ctx, in))

		got, err := s.GetAccount(ctx, acct.Identity)
		require.NoError(t, err)
		assert.Equal(t, "600", got.Reserved.String())
		assert.Equal(t, "400", got.Available().String())

		second := ledger.Intent{ID: uuid.NewString(), Sender: acct.Identity, Receiver: UniqueAddress(), Amount: d("400.00000001")}
		require.ErrorIs(t, s.OpenIntent(ctx, second), ledger.ErrInsufficientFunds)

		_, err = s.AdjustBalance(ctx, acct.Identity, d("-500"))
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds, "reserved funds cannot be debited")

		require.NoError(t, s.MarkIntentSubmitted(ctx, in.ID, "0xabc"))
		open, err := s.ListOpenIntents(ctx)
		require.NoError(t, err)
		assert.True(t, containsIntent(open, in.ID, ledger.IntentSubmitted))

		require.NoError(t, s.CloseIntent(ctx, in.ID, ledger.IntentFailed, "rpc down"))
		require.ErrorIs(t, s.CloseIntent(ctx, in.ID, ledger.IntentCommitted, ""), ledger.ErrIntentClosed)

		stored, err := s.GetIntent(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.IntentFailed, stored.Status)
		assert.Equal(t, "0xabc", stored.TxHash)
		assert.Equal(t, "rpc down", stored.Reason)

		got, err = s.GetAccount(ctx, acct.Identity)
		require.NoError(t, err)
		assert.True(t, got.Reserved.IsZero())
		assert.True(t, got.Balance.Equal(ledger.StartingBalance))

		_, err = s.GetIntent(ctx, uuid.NewString())
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("transfer records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := createAccount(t, s, "alice")
		bob := createAccount(t, s, "bob")
		carol := createAccount(t, s, "carol")

		base := time.Now().UTC().Truncate(time.Millisecond)
		first := ledger.TransferRecord{ID: uuid.NewString(), Sender: alice.Identity, Receiver: bob.ChainAddress, ReceiverIdentity: bob.Identity, Amount: d("1"), Timestamp: base, TxHash: "0x01"}
		second := ledger.TransferRecord{ID: uuid.NewString(), Sender: carol.Identity, Receiver: alice.ChainAddress, ReceiverIdentity: alice.Identity, Amount: d("2"), Timestamp: base.Add(time.Second), TxHash: "0x02"}
		third := ledger.TransferRecord{ID: uuid.NewString(), Sender: carol.Identity, Receiver: UniqueAddress(), Amount: d("3"), Timestamp: base.Add(2 * time.Second), TxHash: "0x03"}
		for _, r := range []ledger.TransferRecord{first, second, third} {
			require.NoError(t, s.AppendTransferRecord(ctx, r))
		}
		require.ErrorIs(t, s.AppendTransferRecord(ctx, first), ledger.ErrConflict)

		got, err := s.ListTransfersFor(ctx, alice.Identity)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first.ID, got[0].ID)
		assert.Equal(t, second.ID, got[1].ID)
		assert.Equal(t, "0x01", got[0].TxHash)
		assert.True(t, got[0].Amount.Equal(d("1")))

		got, err = s.ListTransfersFor(ctx, bob.Identity)
		require.NoError(t, err)
		require.Len(t, got, 1)

		got, err = s.ListTransfersFor(ctx, UniqueIdentity("nobody"))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("atomic unit commits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := createAccount(t, s, "alice")
		bob := createAccount(t, s, "bob")
		in := ledger.Intent{ID: uuid.NewString(), Sender: alice.Identity, Receiver: bob.ChainAddress, Amount: d("200")}
		require.NoError(t, s.OpenIntent(ctx, in))

		err := s.Atomically(ctx, []string{bob.Identity, alice.Identity}, func(ctx context.Context) error {
			if err := s.CloseIntent(ctx, in.ID, ledger.IntentCommitted, ""); err != nil {
				return err
			}
			if _, err := s.AdjustBalance(ctx, alice.Identity, d("-200")); err != nil {
				return err
			}
			if _, err := s.AdjustBalance(ctx, bob.Identity, d("200")); err != nil {
				return err
			}
			return s.AppendTransferRecord(ctx, ledger.TransferRecord{
				ID: in.ID, Sender: alice.Identity, Receiver: bob.ChainAddress, ReceiverIdentity: bob.Identity,
				Amount: d("200"), Timestamp: time.Now().UTC(), TxHash: "0xfeed",
			})
		})
		require.NoError(t, err)

		a, _ := s.GetAccount(ctx, alice.Identity)
		b, _ := s.GetAccount(ctx, bob.Identity)
		assert.Equal(t, "800", a.Balance.String())
		assert.True(t, a.Reserved.IsZero())
		assert.Equal(t, "1200", b.Balance.String())

		recs, err := s.ListTransfersFor(ctx, bob.Identity)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, in.ID, recs[0].ID)
	})

	t.Run("atomic unit rolls back", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := createAccount(t, s, "alice")
		bob := createAccount(t, s, "bob")
		in := ledger.Intent{ID: uuid.NewString(), Sender: alice.Identity, Receiver: bob.ChainAddress, Amount: d("100")}
		require.NoError(t, s.OpenIntent(ctx, in))

		boom := errors.New("boom")
		err := s.Atomically(ctx, []string{alice.Identity, bob.Identity}, func(ctx context.Context) error {
			if err := s.CloseIntent(ctx, in.ID, ledger.IntentCommitted, ""); err != nil {
				return err
			}
			if _, err := s.AdjustBalance(ctx, alice.Identity, d("-100")); err != nil {
				return err
			}
			if _, err := s.AdjustBalance(ctx, bob.Identity, d("100")); err != nil {
				return err
			}
			if err := s.AppendTransferRecord(ctx, ledger.TransferRecord{
				ID: in.ID, Sender: alice.Identity, Receiver: bob.ChainAddress, ReceiverIdentity: bob.Identity,
				Amount: d("100"), Timestamp: time.Now().UTC(), TxHash: "0xdead",
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		a, _ := s.GetAccount(ctx, alice.Identity)
		b, _ := s.GetAccount(ctx, bob.Identity)
		assert.True(t, a.Balance.Equal(ledger.StartingBalance))
		assert.Equal(t, "100", a.Reserved.String())
		assert.True(t, b.Balance.Equal(ledger.StartingBalance))

		stored, err := s.GetIntent(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.IntentPending, stored.Status)

		recs, err := s.ListTransfersFor(ctx, alice.Identity)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("atomic unit on unknown account", func(t *testing.T) {
		s := newStore(t)
		called := false
		err := s.Atomically(context.Background(), []string{UniqueIdentity("ghost")}, func(context.Context) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ledger.ErrNotFound)
		assert.False(t, called)
	})

	t.Run("atomic units do not nest", func(t *testing.T) {
		s := newStore(t)
		acct := createAccount(t, s, "nest")
		err := s.Atomically(context.Background(), []string{acct.Identity}, func(ctx context.Context) error {
			return s.Atomically(ctx, []string{acct.Identity}, func(context.Context) error { return nil })
		})
		require.ErrorIs(t, err, ledger.ErrNestedUnit)
	})

	t.Run("concurrent reservations never overdraw", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct := createAccount(t, s, "alice")

		const workers = 12
		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.OpenIntent(ctx, ledger.Intent{ID: uuid.NewString(), Sender: acct.Identity, Receiver: UniqueAddress(), Amount: d("300")})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, ok)
		got, err := s.GetAccount(ctx, acct.Identity)
		require.NoError(t, err)
		assert.Equal(t, "900", got.Reserved.String())
		assert.False(t, got.Available().IsNegative())
	})
}

func containsIntent(list []ledger.Intent, id string, status ledger.IntentStatus) bool {
	for _, in := range list {
		if in.ID == id && in.Status == status {
			return true
		}
	}
	return false
}

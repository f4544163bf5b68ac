package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyStore fails the first atomic commit, as a crash between broadcast and commit would.
type flakyStore struct {
	ledger.Store
	failures int
}

func (s *flakyStore) Atomically(ctx context.Context, ids []string, fn func(context.Context) error) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	return s.Store.Atomically(ctx, ids, fn)
}

func openIntent(t *testing.T, f *fixture, amount string, hash string) ledger.Intent {
	t.Helper()
	ctx := context.Background()
	receiver, err := chain.NormalizeAddress(bobAddr)
	require.NoError(t, err)
	in := ledger.Intent{ID: uuid.NewString(), Sender: "alice", Receiver: receiver, Amount: decimal.RequireFromString(amount)}
	require.NoError(t, f.store.OpenIntent(ctx, in))
	if hash != "" {
		require.NoError(t, f.store.MarkIntentSubmitted(ctx, in.ID, hash))
		in.Status, in.TxHash = ledger.IntentSubmitted, hash
	}
	return in
}

func TestReconcileOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mined := openIntent(t, f, "100", "0xaaa")
	reverted := openIntent(t, f, "50", "0xbbb")
	inFlight := openIntent(t, f, "25", "0xccc")
	orphan := openIntent(t, f, "10", "")
	unknown := openIntent(t, f, "5", "0xddd")
	f.chain.statuses["0xaaa"] = chain.TxSucceeded
	f.chain.statuses["0xbbb"] = chain.TxReverted
	f.chain.statuses["0xccc"] = chain.TxPending

	rec := NewReconciler(f.engine, f.chain, 2, zaptest.NewLogger(t))
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Intents, 5)

	outcomes := map[string]Outcome{}
	for _, ir := range report.Intents {
		outcomes[ir.Intent.ID] = ir.Outcome
	}
	assert.Equal(t, OutcomeCommitted, outcomes[mined.ID])
	assert.Equal(t, OutcomeReleased, outcomes[reverted.ID])
	assert.Equal(t, OutcomeInFlight, outcomes[inFlight.ID])
	assert.Equal(t, OutcomeNeedsReview, outcomes[orphan.ID])
	assert.Equal(t, OutcomeNeedsReview, outcomes[unknown.ID])

	alice, err := f.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "900", alice.Balance.String())
	assert.Equal(t, "40", alice.Reserved.String(), "in-flight and unresolved intents keep their hold")
	assert.Equal(t, "100", f.balance(t, "bob"))

	recs, err := f.store.ListTransfersFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, mined.ID, recs[0].ID)
	assert.Equal(t, "0xaaa", recs[0].TxHash)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.OpenIntents))

	// a second pass commits nothing twice
	report, err = rec.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Intents, 3)
	assert.Equal(t, 0, report.Count(OutcomeCommitted))
	assert.Equal(t, "900", f.balance(t, "alice"))
}

func TestDeferredCommitIsReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store, failures: 1}
	engine := NewEngine(Config{}, flaky, f.chain, nil, f.metrics, zaptest.NewLogger(t))

	res, err := engine.Execute(ctx, Request{Sender: "alice", Receiver: bobAddr, Amount: "300"})
	require.ErrorIs(t, err, ErrCommitDeferred)
	assert.Equal(t, StateSubmitted, res.State)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitFailures))

	alice, err := f.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1000", alice.Balance.String())
	assert.Equal(t, "300", alice.Reserved.String(), "funds stay held while the commit is outstanding")

	_, err = engine.Execute(ctx, Request{Sender: "alice", Receiver: bobAddr, Amount: "701"})
	requireReason(t, err, ReasonInsufficientFunds)

	f.chain.statuses[res.TxHash] = chain.TxSucceeded
	report, err := NewReconciler(engine, f.chain, 1, zaptest.NewLogger(t)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeCommitted))

	assert.Equal(t, "700", f.balance(t, "alice"))
	assert.Equal(t, "300", f.balance(t, "bob"))
	recs, err := f.store.ListTransfersFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.ID, recs[0].ID)
}

func TestReconcileNothingOpen(t *testing.T) {
	f := newFixture(t)
	report, err := NewReconciler(f.engine, f.chain, 0, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Intents)
}

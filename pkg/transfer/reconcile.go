package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Outcome is what reconciliation did with one open intent.
type Outcome string

const (
	OutcomeCommitted   Outcome = "committed"
	OutcomeReleased    Outcome = "released"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeError       Outcome = "error"
)

type IntentReport struct {
	Intent  ledger.Intent
	Outcome Outcome
	Status  chain.TxStatus
	Err     error
}

type Report struct {
	Intents []IntentReport
}

// Count returns how many intents ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, ir := range r.Intents {
		if ir.Outcome == o {
			n++
		}
	}
	return n
}

// Reconciler settles intents left open by a crash or a failed commit. Submitted intents
// are resolved from their receipts. Pending intents have no known hash and are only
// reported: their funds stay held until an operator decides.
type Reconciler struct {
	engine   *Engine
	receipts chain.ReceiptReader
	workers  int
	logger   *zap.Logger
}

func NewReconciler(engine *Engine, receipts chain.ReceiptReader, workers int, logger *zap.Logger) *Reconciler {
	if workers <= 0 {
		workers = 4
	}
	return &Reconciler{engine: engine, receipts: receipts, workers: workers, logger: logger}
}

// Run makes one pass over the open intents.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	open, err := r.engine.store.ListOpenIntents(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list open intents: %w", err)
	}
	if len(open) == 0 {
		r.engine.metrics.OpenIntents.Set(0)
		return Report{}, nil
	}

	queueSize := len(open)
	if queueSize < 16 {
		queueSize = 16
	}
	pool := pond.NewPool(r.workers, pond.WithQueueSize(queueSize))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	results := xsync.NewMap[string, IntentReport]()
	for _, in := range open {
		in := in
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			results.Store(in.ID, r.reconcileOne(groupCtx, in))
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("some reconciliation tasks failed", zap.Error(err))
	}

	report := Report{Intents: make([]IntentReport, 0, len(open))}
	stillOpen := 0
	for _, in := range open {
		ir, ok := results.Load(in.ID)
		if !ok {
			ir = IntentReport{Intent: in, Outcome: OutcomeError, Err: ctx.Err()}
		}
		if ir.Outcome != OutcomeCommitted && ir.Outcome != OutcomeReleased {
			stillOpen++
		}
		report.Intents = append(report.Intents, ir)
	}
	r.engine.metrics.OpenIntents.Set(float64(stillOpen))

	r.logger.Info("Reconciliation finished",
		zap.Int("open", len(open)),
		zap.Int("committed", report.Count(OutcomeCommitted)),
		zap.Int("released", report.Count(OutcomeReleased)),
		zap.Int("in_flight", report.Count(OutcomeInFlight)),
		zap.Int("needs_review", report.Count(OutcomeNeedsReview)),
		zap.Int("errors", report.Count(OutcomeError)))
	return report, ctx.Err()
}

func (r *Reconciler) reconcileOne(ctx context.Context, in ledger.Intent) IntentReport {
	logger := r.logger.With(zap.String("transfer_id", in.ID), zap.String("sender", in.Sender), zap.String("tx_hash", in.TxHash))
	ir := IntentReport{Intent: in}

	if in.Status == ledger.IntentPending || in.TxHash == "" {
		logger.Warn("Intent has no transaction hash; funds stay reserved until reviewed",
			zap.Time("created_at", in.CreatedAt), zap.Duration("age", time.Since(in.CreatedAt)))
		ir.Outcome = OutcomeNeedsReview
		return ir
	}

	status, err := r.receipts.TransferStatus(ctx, in.TxHash)
	ir.Status = status
	if err != nil {
		logger.Warn("Unable to read transaction status", zap.Error(err))
		ir.Outcome, ir.Err = OutcomeError, err
		return ir
	}

	switch status {
	case chain.TxSucceeded:
		if _, err := r.engine.commit(ctx, in, in.TxHash); err != nil {
			if errors.Is(err, ledger.ErrIntentClosed) {
				ir.Outcome = OutcomeCommitted
				return ir
			}
			logger.Error("Unable to commit reconciled transfer", zap.Error(err))
			ir.Outcome, ir.Err = OutcomeError, err
			return ir
		}
		logger.Info("Reconciled transfer committed")
		ir.Outcome = OutcomeCommitted
	case chain.TxReverted:
		if err := r.engine.store.CloseIntent(ctx, in.ID, ledger.IntentFailed, "transaction reverted"); err != nil && !errors.Is(err, ledger.ErrIntentClosed) {
			ir.Outcome, ir.Err = OutcomeError, err
			return ir
		}
		logger.Info("Reverted transfer released")
		ir.Outcome = OutcomeReleased
	case chain.TxPending:
		ir.Outcome = OutcomeInFlight
	default:
		logger.Warn("Transaction unknown to the node; funds stay reserved until reviewed")
		ir.Outcome = OutcomeNeedsReview
	}
	return ir
}

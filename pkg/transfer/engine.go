// Package transfer moves funds between ledger accounts and mirrors each move on chain.
//
// A transfer goes received -> validated -> submitted -> committed, or stops in
// rejected (validation failed, nothing reserved) or submission_failed (the chain call
// failed, the reservation is released). Funds are reserved on the sender by an intent
// before the chain call so concurrent requests cannot spend the same balance, and no
// account lock is held while the chain is called.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/events"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type State string

const (
	StateReceived         State = "received"
	StateValidated        State = "validated"
	StateSubmitted        State = "submitted"
	StateCommitted        State = "committed"
	StateRejected         State = "rejected"
	StateSubmissionFailed State = "submission_failed"
)

const DefaultSubmitTimeout = 30 * time.Second

// Request is a transfer as received from the caller. Sender is the authenticated identity.
type Request struct {
	Sender   string
	Receiver string
	Amount   string
}

type Result struct {
	ID     string
	State  State
	TxHash string
	Record ledger.TransferRecord
}

type Config struct {
	SubmitTimeout time.Duration
	Denomination  chain.Denomination
}

type Engine struct {
	store     ledger.Store
	chain     chain.Client
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewEngine wires the engine. publisher and m may be nil.
func NewEngine(cfg Config, store ledger.Store, client chain.Client, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.Denomination.Exponent == 0 {
		cfg.Denomination = chain.Ether
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Engine{
		store:     store,
		chain:     client,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one transfer to a final state. A *Rejection error means no ledger state
// changed. ErrCommitDeferred means the transfer is on chain and the ledger will catch up
// through reconciliation. Any other error is internal.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	logger := e.logger.With(zap.String("sender", req.Sender), zap.String("receiver", req.Receiver))
	logger.Debug("Transfer received", zap.String("amount", req.Amount))

	intent, err := e.validate(ctx, req)
	if err != nil {
		e.finish(ctx, started, StateRejected, intent, "", err)
		if r, ok := AsRejection(err); ok {
			logger.Info("Transfer rejected", zap.String("reason", string(r.Reason)), zap.String("detail", r.Detail))
		}
		return Result{ID: intent.ID, State: StateRejected}, err
	}
	logger = logger.With(zap.String("transfer_id", intent.ID))
	logger.Debug("Transfer validated", zap.String("amount", intent.Amount.String()))

	sender, err := e.store.GetAccount(ctx, intent.Sender)
	if err != nil {
		e.release(intent, "sender lookup failed")
		return Result{ID: intent.ID, State: StateRejected}, fmt.Errorf("load sender: %w", err)
	}

	hash, err := e.submit(ctx, sender, intent)
	if err != nil {
		e.release(intent, err.Error())
		e.finish(ctx, started, StateSubmissionFailed, intent, "", err)
		logger.Warn("Transfer submission failed", zap.Error(err))
		return Result{ID: intent.ID, State: StateSubmissionFailed}, err
	}
	logger.Debug("Transfer submitted", zap.String("tx_hash", hash))

	// The transfer is on chain now; finish it even if the caller went away.
	commitCtx := context.WithoutCancel(ctx)
	if err := e.store.MarkIntentSubmitted(commitCtx, intent.ID, hash); err != nil {
		logger.Error("Unable to record transaction hash on intent", zap.String("tx_hash", hash), zap.Error(err))
	}

	record, err := e.commit(commitCtx, intent, hash)
	if err != nil {
		e.metrics.CommitFailures.Inc()
		logger.Error("Transfer broadcast but ledger commit failed; left for reconciliation",
			zap.String("tx_hash", hash), zap.Error(err))
		return Result{ID: intent.ID, State: StateSubmitted, TxHash: hash}, fmt.Errorf("%w: %v", ErrCommitDeferred, err)
	}

	e.finish(ctx, started, StateCommitted, intent, hash, nil)
	logger.Info("Transfer committed", zap.String("tx_hash", hash), zap.String("amount", intent.Amount.String()))
	return Result{ID: intent.ID, State: StateCommitted, TxHash: hash, Record: record}, nil
}

// validate checks the request and reserves the amount on the sender.
func (e *Engine) validate(ctx context.Context, req Request) (ledger.Intent, error) {
	sender := strings.TrimSpace(req.Sender)
	receiver := strings.TrimSpace(req.Receiver)
	rawAmount := strings.TrimSpace(req.Amount)

	var missing []string
	if sender == "" {
		missing = append(missing, "sender")
	}
	if receiver == "" {
		missing = append(missing, "receiver")
	}
	if rawAmount == "" {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return ledger.Intent{}, reject(ReasonMissingField, "missing "+strings.Join(missing, ", "), nil)
	}

	amount, err := ledger.ParseAmount(rawAmount)
	switch {
	case errors.Is(err, ledger.ErrNonPositiveAmount):
		return ledger.Intent{}, reject(ReasonMissingField, "amount must be greater than zero", err)
	case err != nil:
		return ledger.Intent{}, reject(ReasonInvalidAmount, rawAmount, err)
	}
	if _, err := e.cfg.Denomination.ToNative(amount); err != nil {
		return ledger.Intent{}, reject(ReasonInvalidAmount, rawAmount, err)
	}
	receiver, err = chain.NormalizeAddress(receiver)
	if err != nil {
		return ledger.Intent{}, reject(ReasonInvalidAddress, req.Receiver, err)
	}

	if _, err := e.store.GetAccount(ctx, sender); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Intent{}, reject(ReasonUnknownSender, sender, err)
		}
		return ledger.Intent{}, fmt.Errorf("load sender: %w", err)
	}

	intent := ledger.Intent{ID: uuid.NewString(), Sender: sender, Receiver: receiver, Amount: amount}
	if err := e.store.OpenIntent(ctx, intent); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return ledger.Intent{}, reject(ReasonInsufficientFunds, sender, err)
		case errors.Is(err, ledger.ErrNotFound):
			return ledger.Intent{}, reject(ReasonUnknownSender, sender, err)
		default:
			return ledger.Intent{}, fmt.Errorf("reserve funds: %w", err)
		}
	}
	return intent, nil
}

func (e *Engine) submit(ctx context.Context, sender ledger.Account, intent ledger.Intent) (string, error) {
	value, err := e.cfg.Denomination.ToNative(intent.Amount)
	if err != nil {
		return "", reject(ReasonInvalidAmount, intent.Amount.String(), err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SubmitTimeout)
	defer cancel()

	started := time.Now()
	hash, err := e.chain.SubmitTransfer(ctx, chain.Transfer{From: sender.ChainAddress, To: intent.Receiver, Value: value})
	e.metrics.ChainSubmitLatency.Observe(time.Since(started).Seconds())
	switch {
	case err == nil:
		return hash, nil
	case errors.Is(err, chain.ErrInsufficientOnChainFunds):
		return "", reject(ReasonInsufficientOnChainFunds, intent.Receiver, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.logger.Warn("Chain submission timed out; the transaction may still have been broadcast",
			zap.String("transfer_id", intent.ID), zap.Duration("timeout", e.cfg.SubmitTimeout))
		return "", reject(ReasonChainSubmissionError, "timed out after "+e.cfg.SubmitTimeout.String(), err)
	default:
		return "", reject(ReasonChainSubmissionError, intent.Receiver, err)
	}
}

// errReceiverChanged means an account took the receiver address between the lookup and
// the locks; the commit is retried with the new owner.
var errReceiverChanged = errors.New("receiver account changed during commit")

const commitAttempts = 3

// commit applies a submitted intent to the ledger as one atomic unit.
func (e *Engine) commit(ctx context.Context, intent ledger.Intent, hash string) (ledger.TransferRecord, error) {
	var (
		record ledger.TransferRecord
		err    error
	)
	for attempt := 0; attempt < commitAttempts; attempt++ {
		record, err = e.commitOnce(ctx, intent, hash)
		if !errors.Is(err, errReceiverChanged) {
			break
		}
		e.logger.Debug("Receiver registered during commit; retrying",
			zap.String("transfer_id", intent.ID), zap.String("receiver", intent.Receiver))
	}
	return record, err
}

func (e *Engine) resolveReceiver(ctx context.Context, address string) (string, error) {
	acct, err := e.store.FindAccountByAddress(ctx, address)
	switch {
	case err == nil:
		return acct.Identity, nil
	case errors.Is(err, ledger.ErrNotFound):
		return "", nil
	default:
		return "", fmt.Errorf("resolve receiver: %w", err)
	}
}

func (e *Engine) commitOnce(ctx context.Context, intent ledger.Intent, hash string) (ledger.TransferRecord, error) {
	receiverIdentity, err := e.resolveReceiver(ctx, intent.Receiver)
	if err != nil {
		return ledger.TransferRecord{}, err
	}

	record := ledger.TransferRecord{
		ID:               intent.ID,
		Sender:           intent.Sender,
		Receiver:         intent.Receiver,
		ReceiverIdentity: receiverIdentity,
		Amount:           intent.Amount,
		Timestamp:        e.now(),
		TxHash:           hash,
	}

	err = e.store.Atomically(ctx, []string{intent.Sender, receiverIdentity}, func(ctx context.Context) error {
		// The owner may have changed before the locks were taken.
		owner, err := e.resolveReceiver(ctx, intent.Receiver)
		if err != nil {
			return err
		}
		if owner != receiverIdentity {
			return errReceiverChanged
		}
		if err := e.store.CloseIntent(ctx, intent.ID, ledger.IntentCommitted, ""); err != nil {
			return err
		}
		if _, err := e.store.AdjustBalance(ctx, intent.Sender, intent.Amount.Neg()); err != nil {
			return fmt.Errorf("debit %s: %w", intent.Sender, err)
		}
		if receiverIdentity != "" {
			if _, err := e.store.AdjustBalance(ctx, receiverIdentity, intent.Amount); err != nil {
				return fmt.Errorf("credit %s: %w", receiverIdentity, err)
			}
		}
		return e.store.AppendTransferRecord(ctx, record)
	})
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	return record, nil
}

// release closes an intent as failed so its reservation returns to the sender.
func (e *Engine) release(intent ledger.Intent, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.CloseIntent(ctx, intent.ID, ledger.IntentFailed, reason); err != nil {
		e.logger.Error("Unable to release reservation",
			zap.String("transfer_id", intent.ID), zap.String("sender", intent.Sender), zap.Error(err))
	}
}

func (e *Engine) finish(ctx context.Context, started time.Time, state State, intent ledger.Intent, hash string, err error) {
	reason := ""
	if r, ok := AsRejection(err); ok {
		reason = string(r.Reason)
	}
	e.metrics.RecordTransfer(string(state), reason, started)
	if intent.ID == "" {
		return
	}
	e.publisher.PublishTransfer(ctx, events.Transfer{
		ID:        intent.ID,
		State:     string(state),
		Reason:    reason,
		Sender:    intent.Sender,
		Receiver:  intent.Receiver,
		Amount:    intent.Amount.String(),
		TxHash:    hash,
		Timestamp: e.now(),
	})
}

// EstimateFee returns the fixed on-chain cost of one transfer in native units and in
// ledger units.
func (e *Engine) EstimateFee() (native string, units decimal.Decimal) {
	cost := e.chain.EstimateTransferCost()
	return cost.String(), e.cfg.Denomination.FromNative(cost)
}

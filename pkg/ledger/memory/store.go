// Package memory is the volatile ledger backend. Every account carries its own mutex;
// atomic units hold the mutexes of the accounts they touch and undo their writes on error.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)


type entry struct {
	mu   sync.Mutex
	acct ledger.Account
}

// unit is the state of one Atomically call, carried in the context.
type unit struct {
	held   map[string]*entry
	undo   []func()
	staged []ledger.TransferRecord
}

type unitKey struct{}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

func (u *unit) onRollback(fn func()) {
	if u != nil {
		u.undo = append(u.undo, fn)
	}
}

// Store keeps everything in process memory. Lock order: account mutexes (ascending
// identity), then intentMu, then recMu.
type Store struct {
	logger *zap.Logger
	now    func() time.Time

	createMu sync.Mutex
	accounts *xsync.Map[string, *entry]
	byAddr   *xsync.Map[string, string]

	recMu   sync.RWMutex
	records []ledger.TransferRecord
	recIDs  map[string]struct{}

	intentMu sync.Mutex
	intents  map[string]*ledger.Intent
	order    []string
}

var _ ledger.Store = (*Store)(nil)

func New(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		accounts: xsync.NewMap[string, *entry](),
		byAddr:   xsync.NewMap[string, string](),
		recIDs:   map[string]struct{}{},
		intents:  map[string]*ledger.Intent{},
	}
}

// withAccount runs fn with the account's mutex held, either by this call or by the
// enclosing atomic unit.
func (s *Store) withAccount(ctx context.Context, identity string, fn func(e *entry, u *unit) error) error {
	e, ok := s.accounts.Load(identity)
	if !ok {
		return fmt.Errorf("account %q: %w", identity, ledger.ErrNotFound)
	}
	if u := unitFrom(ctx); u != nil {
		if _, held := u.held[identity]; !held {
			return fmt.Errorf("account %q is not part of the atomic unit", identity)
		}
		return fn(e, u)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e, nil)
}

func (s *Store) GetAccount(ctx context.Context, identity string) (ledger.Account, error) {
	var out ledger.Account
	err := s.withAccount(ctx, identity, func(e *entry, _ *unit) error {
		out = e.acct
		return nil
	})
	return out, err
}

func (s *Store) FindAccountByAddress(ctx context.Context, address string) (ledger.Account, error) {
	identity, ok := s.byAddr.Load(strings.ToLower(strings.TrimSpace(address)))
	if !ok {
		return ledger.Account{}, fmt.Errorf("address %q: %w", address, ledger.ErrNotFound)
	}
	return s.GetAccount(ctx, identity)
}

func (s *Store) CreateAccount(_ context.Context, identity, credentialRef, chainAddress string) (ledger.Account, error) {
	if identity == "" || chainAddress == "" {
		return ledger.Account{}, errors.New("identity and chain address are required")
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()

	key := strings.ToLower(chainAddress)
	if _, ok := s.accounts.Load(identity); ok {
		return ledger.Account{}, fmt.Errorf("identity %q: %w", identity, ledger.ErrConflict)
	}
	if _, ok := s.byAddr.Load(key); ok {
		return ledger.Account{}, fmt.Errorf("chain address %q: %w", chainAddress, ledger.ErrConflict)
	}

	now := s.now()
	acct := ledger.Account{
		Identity:      identity,
		CredentialRef: credentialRef,
		ChainAddress:  chainAddress,
		Balance:       ledger.StartingBalance,
		Reserved:      decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.accounts.Store(identity, &entry{acct: acct})
	s.byAddr.Store(key, identity)
	s.logger.Debug("Account created", zap.String("identity", identity), zap.String("address", chainAddress))
	return acct, nil
}

func (s *Store) AdjustBalance(ctx context.Context, identity string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.withAccount(ctx, identity, func(e *entry, u *unit) error {
		next := e.acct.Balance.Add(delta)
		if next.IsNegative() || next.LessThan(e.acct.Reserved) {
			return fmt.Errorf("%w: balance %s, reserved %s, delta %s",
				ledger.ErrInsufficientFunds, e.acct.Balance, e.acct.Reserved, delta)
		}
		prev := e.acct
		e.acct.Balance = next
		e.acct.UpdatedAt = s.now()
		u.onRollback(func() { e.acct = prev })
		balance = next
		return nil
	})
	return balance, err
}

func (s *Store) AppendTransferRecord(ctx context.Context, record ledger.TransferRecord) error {
	if record.ID == "" {
		return errors.New("transfer record id is required")
	}
	if u := unitFrom(ctx); u != nil {
		if s.hasRecord(record.ID) || slices.ContainsFunc(u.staged, func(r ledger.TransferRecord) bool { return r.ID == record.ID }) {
			return fmt.Errorf("transfer %s: %w", record.ID, ledger.ErrConflict)
		}
		u.staged = append(u.staged, record)
		return nil
	}

	s.recMu.Lock()
	defer s.recMu.Unlock()
	if _, ok := s.recIDs[record.ID]; ok {
		return fmt.Errorf("transfer %s: %w", record.ID, ledger.ErrConflict)
	}
	s.records = append(s.records, record)
	s.recIDs[record.ID] = struct{}{}
	return nil
}

func (s *Store) hasRecord(id string) bool {
	s.recMu.RLock()
	defer s.recMu.RUnlock()
	_, ok := s.recIDs[id]
	return ok
}

func (s *Store) ListTransfersFor(_ context.Context, identity string) ([]ledger.TransferRecord, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()
	out := []ledger.TransferRecord{}
	for _, r := range s.records {
		if r.Involves(identity) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) OpenIntent(ctx context.Context, intent ledger.Intent) error {
	if intent.ID == "" {
		return errors.New("intent id is required")
	}
	if err := ledger.ValidateAmount(intent.Amount); err != nil {
		return err
	}
	return s.withAccount(ctx, intent.Sender, func(e *entry, u *unit) error {
		s.intentMu.Lock()
		defer s.intentMu.Unlock()

		if _, dup := s.intents[intent.ID]; dup {
			return fmt.Errorf("intent %s: %w", intent.ID, ledger.ErrConflict)
		}
		if e.acct.Available().LessThan(intent.Amount) {
			return fmt.Errorf("%w: available %s, requested %s",
				ledger.ErrInsufficientFunds, e.acct.Available(), intent.Amount)
		}

		now := s.now()
		prev := e.acct
		e.acct.Reserved = e.acct.Reserved.Add(intent.Amount)
		e.acct.UpdatedAt = now

		in := intent
		in.Status = ledger.IntentPending
		in.TxHash = ""
		in.Reason = ""
		in.CreatedAt = now
		in.UpdatedAt = now
		s.intents[in.ID] = &in
		s.order = append(s.order, in.ID)

		u.onRollback(func() {
			e.acct = prev
			s.intentMu.Lock()
			delete(s.intents, in.ID)
			s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == in.ID })
			s.intentMu.Unlock()
		})
		return nil
	})
}

func (s *Store) MarkIntentSubmitted(ctx context.Context, id, txHash string) error {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, ledger.ErrNotFound)
	}
	if !in.Status.Open() {
		return fmt.Errorf("intent %s is %s: %w", id, in.Status, ledger.ErrIntentClosed)
	}
	prev := *in
	in.Status = ledger.IntentSubmitted
	in.TxHash = txHash
	in.UpdatedAt = s.now()
	unitFrom(ctx).onRollback(func() {
		s.intentMu.Lock()
		*in = prev
		s.intentMu.Unlock()
	})
	return nil
}

func (s *Store) CloseIntent(ctx context.Context, id string, status ledger.IntentStatus, reason string) error {
	if status != ledger.IntentCommitted && status != ledger.IntentFailed {
		return fmt.Errorf("intent %s cannot be closed as %q", id, status)
	}
	s.intentMu.Lock()
	in, ok := s.intents[id]
	var sender string
	if ok {
		sender = in.Sender
	}
	s.intentMu.Unlock()
	if !ok {
		return fmt.Errorf("intent %s: %w", id, ledger.ErrNotFound)
	}

	return s.withAccount(ctx, sender, func(e *entry, u *unit) error {
		s.intentMu.Lock()
		defer s.intentMu.Unlock()
		if !in.Status.Open() {
			return fmt.Errorf("intent %s is %s: %w", id, in.Status, ledger.ErrIntentClosed)
		}

		now := s.now()
		prevIntent := *in
		prevAcct := e.acct
		in.Status = status
		in.Reason = reason
		in.UpdatedAt = now
		e.acct.Reserved = decimal.Max(decimal.Zero, e.acct.Reserved.Sub(in.Amount))
		e.acct.UpdatedAt = now

		u.onRollback(func() {
			e.acct = prevAcct
			s.intentMu.Lock()
			*in = prevIntent
			s.intentMu.Unlock()
		})
		return nil
	})
}

func (s *Store) GetIntent(_ context.Context, id string) (ledger.Intent, error) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return ledger.Intent{}, fmt.Errorf("intent %s: %w", id, ledger.ErrNotFound)
	}
	return *in, nil
}

func (s *Store) ListOpenIntents(_ context.Context) ([]ledger.Intent, error) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	out := []ledger.Intent{}
	for _, id := range s.order {
		if in := s.intents[id]; in.Status.Open() {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (s *Store) Atomically(ctx context.Context, identities []string, fn func(ctx context.Context) error) error {
	if unitFrom(ctx) != nil {
		return ledger.ErrNestedUnit
	}

	u := &unit{held: map[string]*entry{}}
	locked := make([]*entry, 0, len(identities))
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()
	for _, id := range utils.SortedUnique(identities...) {
		e, ok := s.accounts.Load(id)
		if !ok {
			return fmt.Errorf("account %q: %w", id, ledger.ErrNotFound)
		}
		e.mu.Lock()
		locked = append(locked, e)
		u.held[id] = e
	}

	if err := fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		u.rollback()
		return err
	}

	s.recMu.Lock()
	defer s.recMu.Unlock()
	for _, r := range u.staged {
		if _, ok := s.recIDs[r.ID]; ok {
			u.rollback()
			return fmt.Errorf("transfer %s: %w", r.ID, ledger.ErrConflict)
		}
	}
	for _, r := range u.staged {
		s.records = append(s.records, r)
		s.recIDs[r.ID] = struct{}{}
	}
	return nil
}

func (u *unit) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
	u.staged = nil
}

func (s *Store) Close() error { return nil }

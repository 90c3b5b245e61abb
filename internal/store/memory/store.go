// Package memory keeps ledger, stock and operation state in process. Each transaction works on a
// copy of the state that replaces the original only when the callback succeeds, so a failed
// operation leaves nothing behind. Transactions are serialised.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/orchestration"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type accountKey struct {
	tenant string
	code   string
}

type operationKey struct {
	tenant string
	kind   orchestration.OperationKind
	key    string
}

type state struct {
	accounts     map[accountKey]accounting.Account
	sequences    map[string]int64
	entries      []accounting.JournalEntry
	layers       []inventory.Layer
	consumptions []inventory.ConsumptionRecord
	operations   map[operationKey]orchestration.Operation
	lineSeq      int64
}

func newState() *state {
	return &state{
		accounts:   make(map[accountKey]accounting.Account),
		sequences:  make(map[string]int64),
		operations: make(map[operationKey]orchestration.Operation),
	}
}

// clone copies every collection. Entry lines are never mutated in place, so their backing arrays are shared.
func (s *state) clone() *state {
	return &state{
		accounts:     maps.Clone(s.accounts),
		sequences:    maps.Clone(s.sequences),
		entries:      slices.Clone(s.entries),
		layers:       slices.Clone(s.layers),
		consumptions: slices.Clone(s.consumptions),
		operations:   maps.Clone(s.operations),
		lineSeq:      s.lineSeq,
	}
}

// Store is the in-process backend.
type Store struct {
	mu    sync.Mutex
	state *state

	auditMu  sync.Mutex
	audit    []shared.AuditLog
	auditErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) withTx(ctx context.Context, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Tenants lists every tenant with a chart of accounts, sorted.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range s.state.accounts {
		seen[key.tenant] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

// Accounting returns the ledger repository port.
func (s *Store) Accounting() accounting.RepositoryPort { return accountingRepo{store: s} }

// Inventory returns the layer repository port.
func (s *Store) Inventory() inventory.RepositoryPort { return inventoryRepo{store: s} }

// Orchestration returns the unit-of-work port spanning ledger, stock and operations.
func (s *Store) Orchestration() orchestration.RepositoryPort { return orchestrationRepo{store: s} }

type accountingRepo struct{ store *Store }

func (r accountingRepo) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	return r.store.withTx(ctx, func(st *state) error { return fn(ctx, ledgerTx{st: st}) })
}

type inventoryRepo struct{ store *Store }

func (r inventoryRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return r.store.withTx(ctx, func(st *state) error { return fn(ctx, stockTx{st: st}) })
}

type orchestrationRepo struct{ store *Store }

func (r orchestrationRepo) WithTx(ctx context.Context, fn func(context.Context, orchestration.UnitOfWork) error) error {
	return r.store.withTx(ctx, func(st *state) error { return fn(ctx, unitOfWork{st: st}) })
}

type unitOfWork struct{ st *state }

func (u unitOfWork) Ledger() accounting.TxRepository { return ledgerTx{st: u.st} }
func (u unitOfWork) Stock() inventory.TxRepository { return stockTx{st: u.st} }
func (u unitOfWork) Operations() orchestration.OperationRepository { return operationsTx{st: u.st} }

package orchestration

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository runs orchestrated operations in one PostgreSQL transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within a repeatable-read transaction shared by ledger, stock and operations.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, UnitOfWork) error) error {
	if r == nil {
		return errors.New("orchestration repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &unitOfWork{
			ledger: accounting.NewTxRepository(tx),
			stock:  inventory.NewTxRepository(tx),
			ops:    &operationRepository{tx: tx},
		})
	})
}

type unitOfWork struct {
	ledger accounting.TxRepository
	stock  inventory.TxRepository
	ops    OperationRepository
}

func (u *unitOfWork) Ledger() accounting.TxRepository { return u.ledger }
func (u *unitOfWork) Stock() inventory.TxRepository { return u.stock }
func (u *unitOfWork) Operations() OperationRepository { return u.ops }

type operationRepository struct {
	tx pgx.Tx
}

func (r *operationRepository) GetOperation(ctx context.Context, tenantID string, kind OperationKind, naturalKey string) (Operation, error) {
	var op Operation
	var entryID *int64
	err := r.tx.QueryRow(ctx, `SELECT tenant_id, kind, natural_key, entry_id, payload, created_at
FROM operations WHERE tenant_id=$1 AND kind=$2 AND natural_key=$3`, tenantID, string(kind), naturalKey).
		Scan(&op.TenantID, &op.Kind, &op.NaturalKey, &entryID, &op.Payload, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Operation{}, ErrOperationNotFound
	}
	if err != nil {
		return Operation{}, err
	}
	if entryID != nil {
		op.EntryID = *entryID
	}
	return op, nil
}

func (r *operationRepository) InsertOperation(ctx context.Context, op Operation) error {
	var entryID *int64
	if op.EntryID != 0 {
		entryID = &op.EntryID
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO operations (tenant_id, kind, natural_key, entry_id, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, op.TenantID, string(op.Kind), op.NaturalKey, entryID, []byte(op.Payload), op.CreatedAt)
	if db.IsUniqueViolation(err, "uq_operations_key") {
		return ErrOperationConflict
	}
	return err
}

package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists FIFO layers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// NewTxRepository binds the layer statements to a transaction owned by the caller.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

const layerColumns = `id, tenant_id, product_id, location_id, original_qty, remaining_qty, unit_cost, received_at, COALESCE(source, ''), created_at`

func scanLayers(rows pgx.Rows) ([]Layer, error) {
	defer rows.Close()
	var layers []Layer
	for rows.Next() {
		var l Layer
		var unitCost int64
		if err := rows.Scan(&l.ID, &l.TenantID, &l.ProductID, &l.LocationID, &l.OriginalQty, &l.RemainingQty,
			&unitCost, &l.ReceivedAt, &l.Source, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.UnitCost = money.New(unitCost)
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (r *txRepository) LockOpenLayers(ctx context.Context, tenantID, productID, locationID string) ([]Layer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM fifo_layers
WHERE tenant_id=$1 AND product_id=$2 AND location_id=$3 AND remaining_qty > 0
ORDER BY received_at, id
FOR UPDATE`, tenantID, productID, locationID)
	if err != nil {
		return nil, err
	}
	return scanLayers(rows)
}

func (r *txRepository) InsertLayer(ctx context.Context, l Layer) (Layer, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO fifo_layers (tenant_id, product_id, location_id, original_qty, remaining_qty, unit_cost, received_at, source, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9) RETURNING id`,
		l.TenantID, l.ProductID, l.LocationID, l.OriginalQty, l.RemainingQty, l.UnitCost.Minor(), l.ReceivedAt, l.Source, l.CreatedAt).Scan(&l.ID)
	if err != nil {
		return Layer{}, err
	}
	return l, nil
}

func (r *txRepository) DecrementLayer(ctx context.Context, tenantID string, layerID, expectedRemaining, qty int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE fifo_layers SET remaining_qty = remaining_qty - $4
WHERE tenant_id=$1 AND id=$2 AND remaining_qty=$3 AND remaining_qty >= $4`, tenantID, layerID, expectedRemaining, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerConflict
	}
	return nil
}

func (r *txRepository) InsertConsumptions(ctx context.Context, records []ConsumptionRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := r.tx.CopyFrom(ctx,
		pgx.Identifier{"layer_consumptions"},
		[]string{"tenant_id", "operation_key", "layer_id", "product_id", "location_id", "qty", "unit_cost", "created_at"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			rec := records[i]
			return []any{rec.TenantID, rec.OperationKey, rec.LayerID, rec.ProductID, rec.LocationID,
				rec.Quantity, rec.UnitCost.Minor(), rec.CreatedAt}, nil
		}),
	)
	return err
}

func (r *txRepository) ListConsumptions(ctx context.Context, tenantID, operationKey string) ([]ConsumptionRecord, error) {
	rows, err := r.tx.Query(ctx, `SELECT c.id, c.tenant_id, c.operation_key, c.product_id, c.location_id, c.layer_id, c.qty, c.unit_cost, l.received_at, c.created_at
FROM layer_consumptions c
JOIN fifo_layers l ON l.id = c.layer_id
WHERE c.tenant_id=$1 AND c.operation_key=$2
ORDER BY c.id`, tenantID, operationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConsumptionRecord
	for rows.Next() {
		var rec ConsumptionRecord
		var unitCost int64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.OperationKey, &rec.ProductID, &rec.LocationID,
			&rec.LayerID, &rec.Quantity, &unitCost, &rec.ReceivedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.UnitCost = money.New(unitCost)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *txRepository) ListLayers(ctx context.Context, tenantID string, filter LayerFilter) ([]Layer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM fifo_layers
WHERE tenant_id=$1
  AND ($2::text = '' OR product_id = $2)
  AND ($3::text = '' OR location_id = $3)
  AND ($4::boolean OR remaining_qty > 0)
ORDER BY product_id, location_id, received_at, id`, tenantID, filter.ProductID, filter.LocationID, filter.IncludeConsumed)
	if err != nil {
		return nil, err
	}
	return scanLayers(rows)
}

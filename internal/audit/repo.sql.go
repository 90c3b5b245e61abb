package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository reads audit_logs from PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PostgresRepository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// AuditTimeline returns matching records, newest first.
func (r *PostgresRepository) AuditTimeline(ctx context.Context, q TimelineQuery) ([]TimelineRow, error) {
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	rows, err := r.pool.Query(ctx, `SELECT occurred_at, COALESCE(branch_id, ''), actor, action, entity, entity_id, before_state, after_state
FROM audit_logs
WHERE tenant_id=$1
  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
  AND ($3::timestamptz IS NULL OR occurred_at <= $3)
  AND ($4::text = '' OR actor = $4)
  AND ($5::text = '' OR entity = $5)
  AND ($6::text = '' OR entity_id = $6)
  AND ($7::text = '' OR action = $7)
ORDER BY occurred_at DESC, id DESC
OFFSET $8 LIMIT $9`,
		q.TenantID, nullTime(q.From), nullTime(q.To), q.Actor, q.Entity, q.EntityID, q.Action, q.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var before, after []byte
		if err := rows.Scan(&row.At, &row.BranchID, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &before, &after); err != nil {
			return nil, err
		}
		row.Before = before
		row.After = after
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	TenantID string
	BranchID string
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Before   any
	After    any
	At       time.Time
}

// Validate checks the fields every audit record requires.
func (l AuditLog) Validate() error {
	if l.TenantID == "" || l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires tenant/action/entity/entity_id")
	}
	return nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	before, err := marshalState(log.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(log.After)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (tenant_id, branch_id, actor, action, entity, entity_id, before_state, after_state, occurred_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		log.TenantID, log.BranchID, log.Actor, log.Action, log.Entity, log.EntityID, before, after, at)
	return err
}

func marshalState(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/audit"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit re-deliveries so they never wait behind long checks.
	QueueAudit = "audit"
	// TaskLedgerIntegrity verifies per tenant that every entry balances and the ledger nets to zero.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskInventoryValuation snapshots FIFO stock value per tenant.
	TaskInventoryValuation = "inventory:valuation"
	// TaskAuditRetry re-delivers audit records whose first write failed.
	TaskAuditRetry = audit.TaskRetry
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// TenantPayload scopes a job to one tenant; empty means every tenant.
type TenantPayload struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// TenantSource lists tenants known to the store.
type TenantSource interface {
	Tenants(ctx context.Context) ([]string, error)
}

// NewLedgerIntegrityTask constructs an Asynq task for the integrity check.
func NewLedgerIntegrityTask(tenantID string) (*asynq.Task, error) {
	return newTenantTask(TaskLedgerIntegrity, tenantID)
}

// NewInventoryValuationTask constructs an Asynq task for the valuation snapshot.
func NewInventoryValuationTask(tenantID string) (*asynq.Task, error) {
	return newTenantTask(TaskInventoryValuation, tenantID)
}

func newTenantTask(kind, tenantID string) (*asynq.Task, error) {
	body, err := json.Marshal(TenantPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(kind, body, asynq.Queue(QueueDefault)), nil
}

func decodeTenantPayload(task *asynq.Task) (TenantPayload, error) {
	var payload TenantPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, asynq.SkipRetry
	}
	return payload, nil
}

func resolveTenants(ctx context.Context, source TenantSource, tenantID string) ([]string, error) {
	if tenantID != "" {
		return []string{tenantID}, nil
	}
	if source == nil {
		return nil, errors.New("jobs: tenant source not configured")
	}
	return source.Tenants(ctx)
}

// forEachTenant runs fn for every tenant with bounded parallelism. The first error cancels the rest.
func forEachTenant(ctx context.Context, tenants []string, limit int, fn func(context.Context, string) error) error {
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, tenantID := range tenants {
		g.Go(func() error { return fn(gctx, tenantID) })
	}
	return g.Wait()
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}

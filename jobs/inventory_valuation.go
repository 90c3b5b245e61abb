package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/reporting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ValuationReader renders FIFO stock value.
type ValuationReader interface {
	InventoryValuation(ctx context.Context, scope shared.Scope, productID, locationID string) (reporting.ValuationReport, error)
}

// InventoryValuationJob logs and exports the stock value of each tenant.
type InventoryValuationJob struct {
	Reports     ValuationReader
	Tenants     TenantSource
	Parallelism int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewInventoryValuationJob constructs the job handler.
func NewInventoryValuationJob(reports ValuationReader, tenants TenantSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *InventoryValuationJob {
	return &InventoryValuationJob{Reports: reports, Tenants: tenants, Logger: logger, Metrics: metrics}
}

// Handle snapshots valuation for the payload's tenant, or for every tenant.
func (j *InventoryValuationJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Reports == nil {
		return errors.New("inventory valuation: dependencies not configured")
	}
	payload, err := decodeTenantPayload(task)
	if err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskInventoryValuation)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	tenants, err := resolveTenants(ctx, j.Tenants, payload.TenantID)
	if err != nil {
		resultErr = err
		j.log().Error("resolve tenants", slog.Any("error", err))
		return resultErr
	}
	start := time.Now()
	err = forEachTenant(ctx, tenants, j.Parallelism, func(ctx context.Context, tenantID string) error {
		_, err := j.Snapshot(ctx, tenantID)
		return err
	})
	if err != nil {
		resultErr = err
		j.log().Error("valuation snapshot failed", slog.Any("error", err))
		return resultErr
	}
	j.log().Info("inventory valuation snapshot", slog.Int("tenants", len(tenants)), slog.Duration("duration", time.Since(start)))
	return resultErr
}

// Snapshot values one tenant's stock and records it.
func (j *InventoryValuationJob) Snapshot(ctx context.Context, tenantID string) (reporting.ValuationReport, error) {
	scope := shared.Scope{TenantID: tenantID, Actor: "job:" + TaskInventoryValuation}
	report, err := j.Reports.InventoryValuation(ctx, scope, "", "")
	if err != nil {
		return reporting.ValuationReport{}, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	j.metrics().SetValuation(tenantID, report.TotalValue.Minor())
	j.log().Info("tenant stock value",
		slog.String("tenant_id", tenantID),
		slog.Int("positions", len(report.Rows)),
		slog.Int64("quantity", report.TotalQuantity),
		slog.Int64("value_minor", report.TotalValue.Minor()),
	)
	return report, nil
}

func (j *InventoryValuationJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InventoryValuationJob) log() *slog.Logger {
	return jobLogger(j.Logger, TaskInventoryValuation)
}

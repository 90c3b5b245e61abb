package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/reporting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ErrIntegrityViolation is returned by a run that found at least one violation.
var ErrIntegrityViolation = errors.New("jobs: ledger integrity violated")

// LedgerReader is the ledger surface the integrity check reads.
type LedgerReader interface {
	ListEntries(ctx context.Context, scope shared.Scope, from, to time.Time) ([]accounting.JournalEntry, error)
	AccountBalances(ctx context.Context, scope shared.Scope, asOf time.Time) ([]accounting.Account, map[string]accounting.AccountTotals, error)
}

// InventoryReconciler compares the inventory control account with FIFO layers.
type InventoryReconciler interface {
	ReconcileInventory(ctx context.Context, scope shared.Scope, inventoryCode string) (reporting.Reconciliation, error)
}

// Violation describes one integrity failure.
type Violation struct {
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Detail   string `json:"detail"`
}

// IntegrityReport summarises one tenant's check.
type IntegrityReport struct {
	TenantID    string       `json:"tenant_id"`
	Entries     int          `json:"entries"`
	TotalDebit  money.Amount `json:"total_debit"`
	TotalCredit money.Amount `json:"total_credit"`
	Violations  []Violation  `json:"violations"`
}

// LedgerIntegrityJob verifies double-entry invariants per tenant.
type LedgerIntegrityJob struct {
	Ledger  LedgerReader
	Stock   InventoryReconciler
	Tenants TenantSource
	// InventoryAccount enables the layer reconciliation when set.
	InventoryAccount string
	Parallelism      int
	Logger           *slog.Logger
	Metrics          *jobmetrics.Metrics
}

// NewLedgerIntegrityJob constructs the job handler.
func NewLedgerIntegrityJob(ledger LedgerReader, stock InventoryReconciler, tenants TenantSource, inventoryAccount string, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Ledger:           ledger,
		Stock:            stock,
		Tenants:          tenants,
		InventoryAccount: inventoryAccount,
		Logger:           logger,
		Metrics:          metrics,
	}
}

// Handle executes the integrity check for the payload's tenant, or for every tenant.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: dependencies not configured")
	}
	payload, err := decodeTenantPayload(task)
	if err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskLedgerIntegrity)
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

	var (
		mu         sync.Mutex
		violations int
	)
	start := time.Now()
	err = forEachTenant(ctx, tenants, j.Parallelism, func(ctx context.Context, tenantID string) error {
		report, err := j.Check(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		for _, v := range report.Violations {
			j.log().Error("integrity violation",
				slog.String("tenant_id", v.TenantID),
				slog.String("kind", v.Kind),
				slog.String("subject", v.Subject),
				slog.String("detail", v.Detail),
			)
		}
		mu.Lock()
		violations += len(report.Violations)
		mu.Unlock()
		return nil
	})
	if err != nil {
		resultErr = err
		j.log().Error("integrity check aborted", slog.Any("error", err))
		return resultErr
	}
	j.log().Info("ledger integrity checked",
		slog.Int("tenants", len(tenants)),
		slog.Int("violations", violations),
		slog.Duration("duration", time.Since(start)),
	)
	if violations > 0 {
		// rerunning cannot repair data
		resultErr = fmt.Errorf("%w: %d violations: %w", ErrIntegrityViolation, violations, asynq.SkipRetry)
	}
	return resultErr
}

// Check runs every invariant for one tenant and reports violations without failing on them.
func (j *LedgerIntegrityJob) Check(ctx context.Context, tenantID string) (IntegrityReport, error) {
	scope := shared.Scope{TenantID: tenantID, Actor: "job:" + TaskLedgerIntegrity}
	report := IntegrityReport{TenantID: tenantID}
	violate := func(kind, subject, detail string) {
		report.Violations = append(report.Violations, Violation{TenantID: tenantID, Kind: kind, Subject: subject, Detail: detail})
	}

	entries, err := j.Ledger.ListEntries(ctx, scope, time.Time{}, time.Time{})
	if err != nil {
		return report, err
	}
	report.Entries = len(entries)
	for _, entry := range entries {
		subject := "entry #" + strconv.FormatInt(entry.Number, 10)
		if len(entry.Lines) == 0 {
			violate("empty_entry", subject, "entry has no lines")
			continue
		}
		debit, credit, err := entry.Totals()
		if err != nil {
			violate("overflow", subject, err.Error())
			continue
		}
		if !debit.Equal(credit) {
			violate("unbalanced_entry", subject, fmt.Sprintf("debit %s credit %s", debit, credit))
		}
	}

	_, totals, err := j.Ledger.AccountBalances(ctx, scope, time.Time{})
	if err != nil {
		return report, err
	}
	for _, row := range totals {
		if report.TotalDebit, err = report.TotalDebit.Add(row.Debit); err != nil {
			return report, err
		}
		if report.TotalCredit, err = report.TotalCredit.Add(row.Credit); err != nil {
			return report, err
		}
	}
	if !report.TotalDebit.Equal(report.TotalCredit) {
		violate("unbalanced_ledger", "ledger", fmt.Sprintf("debit %s credit %s", report.TotalDebit, report.TotalCredit))
	}

	if j.InventoryAccount != "" && j.Stock != nil {
		rec, err := j.Stock.ReconcileInventory(ctx, scope, j.InventoryAccount)
		switch {
		case errors.Is(err, accounting.ErrUnknownAccount):
			// tenant without an inventory control account
		case err != nil:
			return report, err
		case !rec.Matched():
			violate("inventory_mismatch", "account "+j.InventoryAccount,
				fmt.Sprintf("ledger %s layers %s", rec.LedgerBalance, rec.LayerValue))
		}
	}
	j.metrics().AddImbalances(TaskLedgerIntegrity, tenantID, len(report.Violations))
	return report, nil
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) log() *slog.Logger {
	return jobLogger(j.Logger, TaskLedgerIntegrity)
}

package reporting_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/orchestration"
	"github.com/odyssey-erp/odyssey-ledger/internal/reporting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/store/memory"
)

var (
	day1  = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2  = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	scope = shared.Scope{TenantID: "t1", BranchID: "hq", Actor: "dana"}
)

type env struct {
	reports *reporting.Service
	ledger  *accounting.Service
	stock   *inventory.Service
	orch    *orchestration.Orchestrator
	cache   *reporting.Cache
}

// newEnv wires the cache as invalidator when invalidate is set; without it stale hits are observable.
func newEnv(t *testing.T, invalidate bool) env {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := reporting.NewCache(client, time.Minute)

	store := memory.New()
	var ledgerCfg accounting.ServiceConfig
	var stockCfg inventory.ServiceConfig
	if invalidate {
		ledgerCfg.Invalidator = cache
		stockCfg.Invalidator = cache
	}
	ledger := accounting.NewService(store.Accounting(), nil, ledgerCfg)
	stock := inventory.NewService(store.Inventory(), nil, stockCfg)
	for _, in := range []accounting.CreateAccountInput{
		{Code: "1000", Name: "Cash", Type: accounting.AccountTypeAsset},
		{Code: "1200", Name: "Inventory", Type: accounting.AccountTypeAsset},
		{Code: "2000", Name: "Payables", Type: accounting.AccountTypeLiability},
		{Code: "3000", Name: "Capital", Type: accounting.AccountTypeEquity},
		{Code: "4000", Name: "Sales", Type: accounting.AccountTypeRevenue},
		{Code: "6000", Name: "Rent", Type: accounting.AccountTypeExpense},
	} {
		_, err := ledger.CreateAccount(context.Background(), scope, in)
		require.NoError(t, err)
	}
	orch := orchestration.New(store.Orchestration(), ledger, stock, nil)
	return env{
		reports: reporting.NewService(ledger, stock, orch, cache, nil),
		ledger:  ledger,
		stock:   stock,
		orch:    orch,
		cache:   cache,
	}
}

func (e env) post(t *testing.T, date time.Time, debit, credit string, amount int64) {
	t.Helper()
	_, err := e.ledger.CreateEntry(context.Background(), scope, accounting.EntryInput{
		Date:        date,
		Description: debit + " from " + credit,
		Lines: []accounting.LineInput{
			{AccountCode: debit, Debit: money.New(amount)},
			{AccountCode: credit, Credit: money.New(amount)},
		},
		Reference: accounting.ManualRef("m-" + debit),
	})
	require.NoError(t, err)
}

func TestStatementsFromPostings(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	e.post(t, day1, "1000", "3000", 100000)
	e.post(t, day1, "1000", "4000", 25000)
	e.post(t, day2, "6000", "1000", 8000)

	tb, err := e.reports.TrialBalance(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Balanced())
	assert.Equal(t, int64(133000), tb.TotalDebit.Minor())

	pl, err := e.reports.ProfitAndLoss(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(25000), pl.Revenue.Total.Minor())
	assert.Equal(t, int64(8000), pl.Expense.Total.Minor())
	assert.Equal(t, int64(17000), pl.NetIncome.Minor())

	bs, err := e.reports.BalanceSheet(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.True(t, bs.Balanced())
	assert.Equal(t, int64(17000), bs.CurrentEarnings.Minor())

	// as of day1 excludes the rent
	pl, err = e.reports.ProfitAndLoss(ctx, scope, day1)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), pl.NetIncome.Minor())
}

func TestCommitsInvalidateCachedReports(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	e.post(t, day1, "1000", "4000", 500)

	tb, err := e.reports.TrialBalance(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(500), tb.TotalDebit.Minor())

	e.post(t, day2, "1000", "4000", 700)
	tb, err = e.reports.TrialBalance(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), tb.TotalDebit.Minor())
}

func TestReportsServedFromCacheUntilBump(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	e.post(t, day1, "1000", "4000", 500)

	first, err := e.reports.TrialBalance(ctx, scope, time.Time{})
	require.NoError(t, err)

	e.post(t, day2, "1000", "4000", 700)
	stale, err := e.reports.TrialBalance(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, first.TotalDebit, stale.TotalDebit)

	require.NoError(t, e.cache.Bump(ctx, scope.TenantID))
	fresh, err := e.reports.TrialBalance(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), fresh.TotalDebit.Minor())
}

func TestAccountLedgerReport(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	e.post(t, day1, "1000", "3000", 1000)
	e.post(t, day2, "6000", "1000", 300)

	report, err := e.reports.AccountLedger(ctx, scope, "1000", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, report.Lines, 2)
	assert.Equal(t, "Cash", report.Name)
	assert.Equal(t, int64(1000), report.Lines[0].Balance.Minor())
	assert.Equal(t, int64(700), report.Lines[1].Balance.Minor())
	assert.Equal(t, string(accounting.RefManual), report.Lines[0].RefKind)
	assert.Equal(t, "m-1000", report.Lines[0].RefID)
	assert.Equal(t, int64(700), report.Closing.Minor())

	// served from cache the second time, same content
	again, err := e.reports.AccountLedger(ctx, scope, "1000", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, report.Closing, again.Closing)
	assert.Len(t, again.Lines, 2)

	_, err = e.reports.AccountLedger(ctx, scope, "9999", time.Time{}, time.Time{})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestInventoryValuationAndReconciliation(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	_, err := e.stock.AddLayer(ctx, scope, inventory.AddLayerInput{ProductID: "P", LocationID: "L", Quantity: 10, UnitCost: money.New(500), ReceivedAt: day1})
	require.NoError(t, err)
	_, err = e.stock.AddLayer(ctx, scope, inventory.AddLayerInput{ProductID: "Q", LocationID: "L", Quantity: 4, UnitCost: money.New(250), ReceivedAt: day1})
	require.NoError(t, err)
	e.post(t, day1, "1200", "2000", 6000)

	val, err := e.reports.InventoryValuation(ctx, scope, "", "")
	require.NoError(t, err)
	require.Len(t, val.Rows, 2)
	assert.Equal(t, int64(14), val.TotalQuantity)
	assert.Equal(t, int64(6000), val.TotalValue.Minor())

	only, err := e.reports.InventoryValuation(ctx, scope, "Q", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), only.TotalValue.Minor())

	rec, err := e.reports.ReconcileInventory(ctx, scope, "1200")
	require.NoError(t, err)
	assert.True(t, rec.Matched())

	_, err = e.stock.AddLayer(ctx, scope, inventory.AddLayerInput{ProductID: "P", LocationID: "L", Quantity: 1, UnitCost: money.New(75), ReceivedAt: day2})
	require.NoError(t, err)
	rec, err = e.reports.ReconcileInventory(ctx, scope, "1200")
	require.NoError(t, err)
	assert.False(t, rec.Matched())
	assert.Equal(t, int64(-75), rec.Difference.Minor())

	_, err = e.reports.ReconcileInventory(ctx, scope, "nope")
	require.ErrorIs(t, err, accounting.ErrUnknownAccount)
}

func TestReconciliationHoldsWhileSalesCommit(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	_, err := e.orch.RecordPurchase(ctx, scope, orchestration.PurchaseInput{
		PurchaseID: "po-1",
		Date:       day1,
		Lines:      []orchestration.PurchaseLine{{ProductID: "P", LocationID: "L", Quantity: 30, UnitCost: money.New(500)}},
		Accounts:   orchestration.PurchaseAccounts{Inventory: "1200", Settlement: "2000"},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 25; i++ {
			_, err := e.orch.RecordSale(ctx, scope, orchestration.SaleInput{
				SaleID:   fmt.Sprintf("so-%d", i),
				Date:     day2,
				Lines:    []orchestration.SaleLine{{ProductID: "P", LocationID: "L", Quantity: 1, Amount: money.New(900)}},
				Accounts: orchestration.SaleAccounts{Settlement: "1000", Revenue: "4000", COGS: "6000", Inventory: "1200"},
			})
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for finished := false; !finished; {
		select {
		case err := <-done:
			require.NoError(t, err)
			finished = true
		default:
		}
		rec, err := e.reports.ReconcileInventory(ctx, scope, "1200")
		require.NoError(t, err)
		require.True(t, rec.Matched(), "ledger %s layers %s", rec.LedgerBalance, rec.LayerValue)
	}

	rec, err := e.reports.ReconcileInventory(ctx, scope, "1200")
	require.NoError(t, err)
	assert.Equal(t, int64(5*500), rec.LayerValue.Minor())
	assert.Equal(t, rec.LayerValue, rec.LedgerBalance)
}

func TestReportsRequireTenant(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.reports.TrialBalance(context.Background(), shared.Scope{}, time.Time{})
	require.ErrorIs(t, err, shared.ErrTenantRequired)
}

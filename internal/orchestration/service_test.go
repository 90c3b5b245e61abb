package orchestration_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/audit"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/orchestration"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/store/memory"
)

var (
	day1  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2  = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	day5  = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	now   = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	scope = shared.Scope{TenantID: "t1", BranchID: "hq", Actor: "carol"}

	saleAccounts     = orchestration.SaleAccounts{Settlement: "1000", Revenue: "4000", COGS: "5000", Inventory: "1200"}
	purchaseAccounts = orchestration.PurchaseAccounts{Inventory: "1200", Settlement: "2000"}
	adjustAccounts   = orchestration.AdjustmentAccounts{Inventory: "1200", Gain: "4900", Loss: "5900"}
)

type outcomes struct {
	mu   sync.Mutex
	seen map[string]int
}

func (o *outcomes) ObserveOperation(kind, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = make(map[string]int)
	}
	o.seen[kind+"/"+outcome]++
}

func (o *outcomes) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seen[key]
}

type harness struct {
	orch    *orchestration.Orchestrator
	ledger  *accounting.Service
	stock   *inventory.Service
	store   *memory.Store
	redis   *miniredis.Miniredis
	metrics *outcomes
}

func newHarness(t *testing.T) harness {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.New()
	notifier := audit.NewNotifier(store, nil, nil)
	clock := func() time.Time { return now }
	ledger := accounting.NewService(store.Accounting(), notifier, accounting.ServiceConfig{})
	ledger.WithNow(clock)
	stock := inventory.NewService(store.Inventory(), notifier, inventory.ServiceConfig{Locker: cache.NewLocker(client, time.Minute)})
	stock.WithNow(clock)
	metrics := &outcomes{}
	orch := orchestration.New(store.Orchestration(), ledger, stock, notifier,
		orchestration.WithMetrics(metrics),
		orchestration.WithClock(clock),
	)
	h := harness{orch: orch, ledger: ledger, stock: stock, store: store, redis: srv, metrics: metrics}

	chart := []accounting.CreateAccountInput{
		{Code: "1000", Name: "Cash", Type: accounting.AccountTypeAsset},
		{Code: "1200", Name: "Inventory", Type: accounting.AccountTypeAsset},
		{Code: "2000", Name: "Payables", Type: accounting.AccountTypeLiability},
		{Code: "4000", Name: "Sales", Type: accounting.AccountTypeRevenue},
		{Code: "4900", Name: "Stock gains", Type: accounting.AccountTypeRevenue},
		{Code: "5000", Name: "COGS", Type: accounting.AccountTypeExpense},
		{Code: "5900", Name: "Shrinkage", Type: accounting.AccountTypeExpense},
	}
	for _, in := range chart {
		_, err := ledger.CreateAccount(context.Background(), scope, in)
		require.NoError(t, err)
	}
	return h
}

func (h harness) purchase(t *testing.T, id string, qty, cost int64, received time.Time) orchestration.PurchaseResult {
	t.Helper()
	res, err := h.orch.RecordPurchase(context.Background(), scope, orchestration.PurchaseInput{
		PurchaseID: id,
		Date:       received,
		Lines:      []orchestration.PurchaseLine{{ProductID: "P", LocationID: "L", Quantity: qty, UnitCost: money.New(cost)}},
		Accounts:   purchaseAccounts,
	})
	require.NoError(t, err)
	return res
}

func (h harness) sale(id string, qty, amount int64) (orchestration.SaleResult, error) {
	return h.orch.RecordSale(context.Background(), scope, orchestration.SaleInput{
		SaleID:   id,
		Date:     day5,
		Lines:    []orchestration.SaleLine{{ProductID: "P", LocationID: "L", Quantity: qty, Amount: money.New(amount)}},
		Accounts: saleAccounts,
	})
}

func (h harness) balance(t *testing.T, code string) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), scope, code, time.Time{})
	require.NoError(t, err)
	return b.Minor()
}

func (h harness) entries(t *testing.T) []accounting.JournalEntry {
	t.Helper()
	out, err := h.ledger.ListEntries(context.Background(), scope, time.Time{}, time.Time{})
	require.NoError(t, err)
	return out
}

func TestPurchaseAddsLayersAndPostsInventory(t *testing.T) {
	h := newHarness(t)
	res := h.purchase(t, "po-1", 10, 500, day1)
	require.Len(t, res.Layers, 1)
	assert.Equal(t, day1, res.Layers[0].ReceivedAt)
	assert.Equal(t, "PURCHASE:po-1", res.Layers[0].Source)
	assert.Equal(t, int64(5000), res.Total.Minor())
	assert.Equal(t, accounting.PurchaseRef("po-1"), res.Entry.Reference)
	assert.Equal(t, int64(5000), h.balance(t, "1200"))
	assert.Equal(t, int64(5000), h.balance(t, "2000"))

	replay, err := h.orch.RecordPurchase(context.Background(), scope, orchestration.PurchaseInput{
		PurchaseID: "po-1",
		Lines:      []orchestration.PurchaseLine{{ProductID: "P", LocationID: "L", Quantity: 99, UnitCost: money.New(1)}},
		Accounts:   purchaseAccounts,
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Entry.ID, replay.Entry.ID)
	assert.Equal(t, res.Layers[0].ID, replay.Layers[0].ID)
	assert.Len(t, h.entries(t), 1)
	assert.Equal(t, 1, h.metrics.count("PURCHASE/replayed"))
}

func TestSaleConsumesFIFOAndPostsCOGS(t *testing.T) {
	h := newHarness(t)
	h.purchase(t, "po-1", 10, 500, day1)
	h.purchase(t, "po-2", 5, 600, day2)

	res, err := h.sale("s1", 12, 10000)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(10000), res.Revenue.Minor())
	assert.Equal(t, int64(6200), res.COGS.Minor())
	require.Len(t, res.Consumptions, 1)
	require.Len(t, res.Consumptions[0].Steps, 2)
	assert.Equal(t, accounting.SaleRef("s1"), res.Entry.Reference)
	require.Len(t, res.Entry.Lines, 4)

	assert.Equal(t, int64(10000), h.balance(t, "1000"))
	assert.Equal(t, int64(10000), h.balance(t, "4000"))
	assert.Equal(t, int64(6200), h.balance(t, "5000"))
	assert.Equal(t, int64(1800), h.balance(t, "1200"))

	value, err := h.stock.CalculateInventoryValue(context.Background(), scope, "P", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), value.Minor())

	logs := h.store.AuditLogs("t1")
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Contains(t, actions, "operation.sale")
	assert.Equal(t, 1, h.metrics.count("SALE/committed"))
}

func TestSaleIsIdempotentBySaleID(t *testing.T) {
	h := newHarness(t)
	h.purchase(t, "po-1", 10, 500, day1)
	first, err := h.sale("s1", 4, 4000)
	require.NoError(t, err)

	again, err := h.sale("s1", 4, 4000)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.Equal(t, first.COGS, again.COGS)
	assert.Equal(t, first.Consumptions, again.Consumptions)

	avg, err := h.stock.CalculateAverageCost(context.Background(), scope, "P", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(6), avg.Quantity)
	assert.Len(t, h.entries(t), 2)
}

func TestSaleIsAllOrNothingAcrossLines(t *testing.T) {
	h := newHarness(t)
	h.purchase(t, "po-1", 10, 500, day1)
	input := orchestration.SaleInput{
		SaleID: "s-multi",
		Date:   day5,
		Lines: []orchestration.SaleLine{
			{ProductID: "P", LocationID: "L", Quantity: 5, Amount: money.New(5000)},
			{ProductID: "Q", LocationID: "L", Quantity: 1, Amount: money.New(900)},
		},
		Accounts: saleAccounts,
	}
	_, err := h.orch.RecordSale(context.Background(), scope, input)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, 1, h.metrics.count("SALE/rejected"))

	layers, err := h.stock.ListLayers(context.Background(), scope, inventory.LayerFilter{ProductID: "P"})
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, int64(10), layers[0].RemainingQty)
	assert.Len(t, h.entries(t), 1)

	_, err = h.orch.RecordPurchase(context.Background(), scope, orchestration.PurchaseInput{
		PurchaseID: "po-q",
		Date:       day2,
		Lines:      []orchestration.PurchaseLine{{ProductID: "Q", LocationID: "L", Quantity: 1, UnitCost: money.New(300)}},
		Accounts:   purchaseAccounts,
	})
	require.NoError(t, err)
	res, err := h.orch.RecordSale(context.Background(), scope, input)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(2800), res.COGS.Minor())
}

func TestSaleRejectsUnknownAccountWithoutTouchingStock(t *testing.T) {
	h := newHarness(t)
	h.purchase(t, "po-1", 10, 500, day1)
	_, err := h.orch.RecordSale(context.Background(), scope, orchestration.SaleInput{
		SaleID:   "s1",
		Lines:    []orchestration.SaleLine{{ProductID: "P", LocationID: "L", Quantity: 2, Amount: money.New(100)}},
		Accounts: orchestration.SaleAccounts{Settlement: "1000", Revenue: "9999", COGS: "5000", Inventory: "1200"},
	})
	require.ErrorIs(t, err, accounting.ErrUnknownAccount)
	avg, err := h.stock.CalculateAverageCost(context.Background(), scope, "P", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avg.Quantity)
}

func TestSaleReversalCreatesNewLayersAtRecordedCost(t *testing.T) {
	h := newHarness(t)
	a := h.purchase(t, "po-1", 10, 500, day1)
	h.purchase(t, "po-2", 5, 600, day2)
	sale, err := h.sale("s1", 12, 10000)
	require.NoError(t, err)

	rev, err := h.orch.RecordSaleReversal(context.Background(), scope, "s1", "customer return")
	require.NoError(t, err)
	assert.True(t, rev.Original.Voided)
	assert.Equal(t, sale.Entry.ID, rev.Original.ID)
	require.NotNil(t, rev.Reversal.ReversesID)
	assert.Equal(t, sale.Entry.ID, *rev.Reversal.ReversesID)
	require.Len(t, rev.Layers, 2)
	assert.Equal(t, int64(10), rev.Layers[0].OriginalQty)
	assert.Equal(t, int64(500), rev.Layers[0].UnitCost.Minor())
	assert.Equal(t, int64(2), rev.Layers[1].OriginalQty)
	assert.Equal(t, int64(600), rev.Layers[1].UnitCost.Minor())
	assert.Equal(t, now, rev.Layers[0].ReceivedAt)
	assert.Equal(t, "SALE_REVERSAL:s1", rev.Layers[0].Source)

	all, err := h.stock.ListLayers(context.Background(), scope, inventory.LayerFilter{ProductID: "P", IncludeConsumed: true})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for _, l := range all {
		if l.ID == a.Layers[0].ID {
			assert.Zero(t, l.RemainingQty, "drained layers stay drained")
		}
	}

	assert.Zero(t, h.balance(t, "4000"))
	assert.Zero(t, h.balance(t, "5000"))
	assert.Equal(t, int64(8000), h.balance(t, "1200"))

	replay, err := h.orch.RecordSaleReversal(context.Background(), scope, "s1", "again")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, rev.Reversal.ID, replay.Reversal.ID)
	assert.Equal(t, rev.Original.ID, replay.Original.ID)

	_, err = h.orch.RecordSaleReversal(context.Background(), scope, "nope", "")
	assert.ErrorIs(t, err, orchestration.ErrSaleNotFound)
}

func TestOperationEntriesVoidOnlyThroughReversal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.purchase(t, "po-1", 10, 500, day1)
	sale, err := h.sale("s1", 4, 4000)
	require.NoError(t, err)

	_, _, err = h.ledger.VoidEntry(ctx, scope, sale.Entry.ID, "typo")
	require.ErrorIs(t, err, accounting.ErrOperationOwned)
	assert.ErrorIs(t, err, shared.ErrConflict)
	_, _, err = h.ledger.VoidEntry(ctx, scope, p.Entry.ID, "typo")
	require.ErrorIs(t, err, accounting.ErrOperationOwned)

	entry, err := h.ledger.GetEntry(ctx, scope, sale.Entry.ID)
	require.NoError(t, err)
	assert.False(t, entry.Voided)
	assert.Len(t, h.entries(t), 2)

	rev, err := h.orch.RecordSaleReversal(ctx, scope, "s1", "customer return")
	require.NoError(t, err)
	assert.True(t, rev.Original.Voided)

	value, err := h.stock.CalculateInventoryValue(ctx, scope, "P", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), value.Minor())
	assert.Equal(t, value.Minor(), h.balance(t, "1200"))
}

func TestAdjustments(t *testing.T) {
	h := newHarness(t)
	h.purchase(t, "po-1", 10, 500, day1)
	ctx := context.Background()

	loss, err := h.orch.RecordAdjustment(ctx, scope, orchestration.AdjustmentInput{
		AdjustmentID: "adj-1", ProductID: "P", LocationID: "L", Quantity: -2, Reason: "damaged", Accounts: adjustAccounts,
	})
	require.NoError(t, err)
	require.NotNil(t, loss.Consumption)
	require.NotNil(t, loss.Entry)
	assert.Equal(t, int64(1000), loss.Value.Minor())
	assert.Equal(t, int64(1000), h.balance(t, "5900"))

	gain, err := h.orch.RecordAdjustment(ctx, scope, orchestration.AdjustmentInput{
		AdjustmentID: "adj-2", ProductID: "P", LocationID: "L", Quantity: 3, UnitCost: money.New(700), Reason: "found", Accounts: adjustAccounts,
	})
	require.NoError(t, err)
	require.NotNil(t, gain.Layer)
	assert.Equal(t, int64(2100), gain.Value.Minor())
	assert.Equal(t, int64(2100), h.balance(t, "4900"))
	assert.Equal(t, int64(5000-1000+2100), h.balance(t, "1200"))

	replay, err := h.orch.RecordAdjustment(ctx, scope, orchestration.AdjustmentInput{
		AdjustmentID: "adj-1", ProductID: "P", LocationID: "L", Quantity: -2, Reason: "damaged", Accounts: adjustAccounts,
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	require.NotNil(t, replay.Entry)
	assert.Equal(t, loss.Entry.ID, replay.Entry.ID)

	_, err = h.orch.RecordAdjustment(ctx, scope, orchestration.AdjustmentInput{
		AdjustmentID: "adj-3", ProductID: "P", LocationID: "L", Quantity: 1, Reason: "free", Accounts: adjustAccounts,
	})
	assert.ErrorIs(t, err, orchestration.ErrUnitCostRequired)
	_, err = h.orch.RecordAdjustment(ctx, scope, orchestration.AdjustmentInput{
		AdjustmentID: "adj-4", ProductID: "P", LocationID: "L", Quantity: -100, Reason: "gone", Accounts: adjustAccounts,
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
}

func TestBusyStockLockRejectsWithConcurrencyError(t *testing.T) {
	h := newHarness(t)
	h.purchase(t, "po-1", 10, 500, day1)
	require.NoError(t, h.redis.Set(shared.StockLockKey("t1", "P", "L"), "elsewhere"))

	_, err := h.sale("s1", 1, 100)
	require.ErrorIs(t, err, shared.ErrConcurrency)
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, 1, h.metrics.count("SALE/concurrency"))
	assert.Len(t, h.entries(t), 1)

	h.redis.Del(shared.StockLockKey("t1", "P", "L"))
	_, err = h.sale("s1", 1, 100)
	require.NoError(t, err)
}

func TestConcurrentSalesWithSameKeyCommitOnce(t *testing.T) {
	h := newHarness(t)
	h.purchase(t, "po-1", 10, 500, day1)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sale("s-race", 3, 900)
			if err != nil && !errors.Is(err, shared.ErrConcurrency) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	for {
		res, err := h.sale("s-race", 3, 900)
		if errors.Is(err, shared.ErrConcurrency) {
			continue
		}
		require.NoError(t, err)
		if res.Replayed {
			break
		}
	}
	avg, err := h.stock.CalculateAverageCost(context.Background(), scope, "P", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(7), avg.Quantity)
	assert.Len(t, h.entries(t), 2)
}

func TestOperationIDIsStable(t *testing.T) {
	a := orchestration.OperationID("t1", orchestration.KindSale, "s1")
	b := orchestration.OperationID("t1", orchestration.KindSale, "s1")
	c := orchestration.OperationID("t2", orchestration.KindSale, "s1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-ledger/internal/audit/http"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/orchestration"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, int32(2), cfg.MoneyScale)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.True(t, cfg.BlockDeactivateWithBalance)
	assert.False(t, cfg.IsProduction())
}

func TestConfigValidate(t *testing.T) {
	base := Config{StoreDriver: StoreDriverMemory, LockTTL: time.Second, MoneyScale: 2}
	require.NoError(t, base.Validate())

	bad := base
	bad.StoreDriver = "sqlite"
	require.Error(t, bad.Validate())

	bad = base
	bad.MoneyScale = 12
	require.Error(t, bad.Validate())

	bad = base
	bad.StoreDriver = StoreDriverPostgres
	bad.PGDSN = ""
	require.Error(t, bad.Validate())
}

func TestLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, &Config{LogFormat: "json", LogLevel: "warn"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func newTestServices(t *testing.T, sink audit.FailureSink) *Services {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := &Config{
		StoreDriver:                StoreDriverMemory,
		RedisAddr:                  srv.Addr(),
		LockTTL:                    time.Minute,
		ReportCacheTTL:             time.Minute,
		BlockDeactivateWithBalance: true,
	}
	svc, err := NewServices(context.Background(), cfg, nil, ServiceOptions{Redis: client, AuditSink: sink, Metrics: observability.NewMetrics()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestServicesWireTheCore(t *testing.T) {
	svc := newTestServices(t, nil)
	ctx := context.Background()
	scope := shared.Scope{TenantID: "acme", Actor: "ops"}
	for _, in := range []accounting.CreateAccountInput{
		{Code: "1000", Name: "Cash", Type: accounting.AccountTypeAsset},
		{Code: "1200", Name: "Inventory", Type: accounting.AccountTypeAsset},
		{Code: "2000", Name: "Payables", Type: accounting.AccountTypeLiability},
		{Code: "4000", Name: "Sales", Type: accounting.AccountTypeRevenue},
		{Code: "5000", Name: "COGS", Type: accounting.AccountTypeExpense},
	} {
		_, err := svc.Ledger.CreateAccount(ctx, scope, in)
		require.NoError(t, err)
	}
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Orchestrator.RecordPurchase(ctx, scope, orchestration.PurchaseInput{
		PurchaseID: "po-1",
		Date:       day,
		Lines:      []orchestration.PurchaseLine{{ProductID: "P", LocationID: "L", Quantity: 5, UnitCost: money.New(200)}},
		Accounts:   orchestration.PurchaseAccounts{Inventory: "1200", Settlement: "2000"},
	})
	require.NoError(t, err)
	_, err = svc.Orchestrator.RecordSale(ctx, scope, orchestration.SaleInput{
		SaleID:   "so-1",
		Date:     day,
		Lines:    []orchestration.SaleLine{{ProductID: "P", LocationID: "L", Quantity: 2, Amount: money.New(900)}},
		Accounts: orchestration.SaleAccounts{Settlement: "1000", Revenue: "4000", COGS: "5000", Inventory: "1200"},
	})
	require.NoError(t, err)

	tb, err := svc.Reports.TrialBalance(ctx, scope, time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Balanced())

	rec, err := svc.Reports.ReconcileInventory(ctx, scope, "1200")
	require.NoError(t, err)
	assert.True(t, rec.Matched())
	assert.Equal(t, int64(600), rec.LayerValue.Minor())

	tenants, err := svc.Tenants.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)

	timeline, err := svc.Audit.Timeline(ctx, audit.TimelineFilters{TenantID: "acme", PageSize: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, timeline.Rows)

	require.NoError(t, svc.Ready(ctx))
}

func TestServicesSurfaceAuditFailures(t *testing.T) {
	sink := audit.NewChannelSink(4, nil)
	svc := newTestServices(t, sink)
	svc.Memory.FailAudit(errors.New("audit store down"))

	_, err := svc.Ledger.CreateAccount(context.Background(), shared.Scope{TenantID: "acme"},
		accounting.CreateAccountInput{Code: "1000", Name: "Cash", Type: accounting.AccountTypeAsset})
	require.NoError(t, err)

	select {
	case failure := <-sink.C():
		assert.Equal(t, "acme", failure.Log.TenantID)
		assert.EqualError(t, failure.Err, "audit store down")
	case <-time.After(time.Second):
		t.Fatal("audit failure not surfaced")
	}
}

func TestRouterOpsEndpoints(t *testing.T) {
	svc := newTestServices(t, nil)
	router := NewRouter(RouterParams{
		Config:       svc.Config,
		Metrics:      svc.Metrics,
		Ready:        svc.Ready,
		JobHandler:   jobs.NewHandler(nil, nil),
		AuditHandler: audithttp.NewHandler(nil, svc.Audit),
	})

	get := func(path string, header ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for i := 0; i+1 < len(header); i += 2 {
			req.Header.Set(header[i], header[i+1])
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := get("/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, http.StatusOK, get("/readyz").Code)
	assert.Equal(t, http.StatusOK, get("/jobs/health").Code)
	assert.Equal(t, http.StatusOK, get("/audit", audithttp.TenantHeader, "acme").Code)

	metrics := get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `odyssey_http_requests_total{code="200",route="/healthz"}`)
}

func TestRouterReadinessFailure(t *testing.T) {
	router := NewRouter(RouterParams{
		Metrics: observability.NewMetrics(),
		Ready:   func(context.Context) error { return errors.New("redis: down") },
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "redis: down")
}

func TestMemoryDriverKeepsAuditFailuresLocal(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := &Config{StoreDriver: StoreDriverMemory, LockTTL: time.Minute, AuditFailureBuffer: 2}
	svc, err := NewServices(context.Background(), cfg, nil, ServiceOptions{Redis: client, Metrics: observability.NewMetrics()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	require.NotNil(t, svc.AuditFailures)
	assert.Nil(t, svc.Jobs)

	svc.Memory.FailAudit(errors.New("disk full"))
	_, err = svc.Ledger.CreateAccount(context.Background(), shared.Scope{TenantID: "acme"},
		accounting.CreateAccountInput{Code: "1000", Name: "Cash", Type: accounting.AccountTypeAsset})
	require.NoError(t, err)

	select {
	case failure := <-svc.AuditFailures.C():
		assert.Equal(t, "1000", failure.Log.EntityID)
	case <-time.After(time.Second):
		t.Fatal("audit failure not buffered")
	}
}

package accounting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/store/memory"
)

var (
	day1  = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	day2  = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	day3  = time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	scope = shared.Scope{TenantID: "t1", BranchID: "hq", Actor: "alice"}
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Notify(_ context.Context, log shared.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type countingInvalidator struct {
	mu    sync.Mutex
	bumps map[string]int
}

func (c *countingInvalidator) Bump(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bumps == nil {
		c.bumps = make(map[string]int)
	}
	c.bumps[tenantID]++
	return nil
}

type fixture struct {
	svc   *accounting.Service
	store *memory.Store
	audit *recordingAudit
	inval *countingInvalidator
}

func newFixture(t *testing.T, cfg accounting.ServiceConfig) fixture {
	t.Helper()
	store := memory.New()
	audit := &recordingAudit{}
	inval := &countingInvalidator{}
	cfg.Invalidator = inval
	svc := accounting.NewService(store.Accounting(), audit, cfg)
	svc.WithNow(func() time.Time { return day3 })
	f := fixture{svc: svc, store: store, audit: audit, inval: inval}
	chart := []accounting.CreateAccountInput{
		{Code: "1000-Cash", Name: "Cash", Type: accounting.AccountTypeAsset},
		{Code: "1200", Name: "Inventory", Type: accounting.AccountTypeAsset},
		{Code: "2000", Name: "Payables", Type: accounting.AccountTypeLiability},
		{Code: "4000-Revenue", Name: "Revenue", Type: accounting.AccountTypeRevenue},
		{Code: "6000", Name: "Expenses", Type: accounting.AccountTypeExpense},
		{Code: "6100", Name: "Rent", Type: accounting.AccountTypeExpense, ParentCode: "6000"},
	}
	for _, in := range chart {
		_, err := svc.CreateAccount(context.Background(), scope, in)
		require.NoError(t, err)
	}
	return f
}

func (f fixture) balance(t *testing.T, code string) int64 {
	t.Helper()
	b, err := f.svc.GetBalance(context.Background(), scope, code, time.Time{})
	require.NoError(t, err)
	return b.Minor()
}

func TestRecordIncomeScenario(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	before := f.balance(t, "1000-Cash")

	entry, err := f.svc.RecordIncome(ctx, scope, money.New(15050), "4000-Revenue", "1000-Cash", day1, accounting.ManualRef("r-1"))
	require.NoError(t, err)
	require.Len(t, entry.Lines, 2)
	assert.Equal(t, "1000-Cash", entry.Lines[0].AccountCode)
	assert.Equal(t, int64(15050), entry.Lines[0].Debit.Minor())
	assert.Equal(t, "4000-Revenue", entry.Lines[1].AccountCode)
	assert.Equal(t, int64(15050), entry.Lines[1].Credit.Minor())
	assert.Equal(t, int64(1), entry.Number)
	assert.Equal(t, "hq", entry.BranchID)
	assert.Equal(t, "alice", entry.CreatedBy)

	assert.Equal(t, before+15050, f.balance(t, "1000-Cash"))
	assert.Equal(t, int64(15050), f.balance(t, "4000-Revenue"))
}

func TestVoidEntryScenario(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	before := f.balance(t, "1000-Cash")
	entry, err := f.svc.RecordIncome(ctx, scope, money.New(15050), "4000-Revenue", "1000-Cash", day1, accounting.ManualRef("r-1"))
	require.NoError(t, err)

	original, reversal, err := f.svc.VoidEntry(ctx, scope, entry.ID, "keyed twice")
	require.NoError(t, err)
	assert.True(t, original.Voided)
	require.NotNil(t, original.ReversedByID)
	assert.Equal(t, reversal.ID, *original.ReversedByID)
	require.NotNil(t, reversal.ReversesID)
	assert.Equal(t, entry.ID, *reversal.ReversesID)
	assert.Equal(t, "Reversal of JE 1: keyed twice", reversal.Description)
	assert.Equal(t, entry.Reference, reversal.Reference)
	assert.Equal(t, day3, reversal.Date)
	require.Len(t, reversal.Lines, 2)
	assert.Equal(t, "1000-Cash", reversal.Lines[0].AccountCode)
	assert.Equal(t, int64(15050), reversal.Lines[0].Credit.Minor())
	assert.Equal(t, "4000-Revenue", reversal.Lines[1].AccountCode)
	assert.Equal(t, int64(15050), reversal.Lines[1].Debit.Minor())

	assert.Equal(t, before, f.balance(t, "1000-Cash"))
	assert.Zero(t, f.balance(t, "4000-Revenue"))

	stored, err := f.svc.GetEntry(ctx, scope, entry.ID)
	require.NoError(t, err)
	assert.True(t, stored.Voided)
	assert.Equal(t, accounting.EntryStatusVoided, stored.Status())
	assert.Equal(t, "keyed twice", stored.VoidReason)
	assert.Equal(t, entry.Lines[0].Debit, stored.Lines[0].Debit)

	_, _, err = f.svc.VoidEntry(ctx, scope, entry.ID, "again")
	assert.ErrorIs(t, err, accounting.ErrAlreadyVoided)
	assert.ErrorIs(t, err, shared.ErrConflict)
	_, _, err = f.svc.VoidEntry(ctx, scope, reversal.ID, "undo")
	assert.ErrorIs(t, err, accounting.ErrReversalNotVoidable)
	_, _, err = f.svc.VoidEntry(ctx, scope, entry.ID, "")
	assert.ErrorIs(t, err, accounting.ErrReasonRequired)
	_, _, err = f.svc.VoidEntry(ctx, scope, 999, "missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	assert.Contains(t, f.audit.actions(), "journal.void")
}

func TestBalanceBetweenEntryAndVoidDates(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	entry, err := f.svc.RecordIncome(ctx, scope, money.New(2500), "4000-Revenue", "1000-Cash", day1, accounting.ManualRef("r-9"))
	require.NoError(t, err)
	_, reversal, err := f.svc.VoidEntry(ctx, scope, entry.ID, "wrong customer")
	require.NoError(t, err)
	require.Equal(t, day3, reversal.Date)

	onDay2, err := f.svc.GetBalance(ctx, scope, "4000-Revenue", day2)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), onDay2.Minor())

	onDay3, err := f.svc.GetBalance(ctx, scope, "4000-Revenue", day3)
	require.NoError(t, err)
	assert.Zero(t, onDay3.Minor())
}

func TestBalanceAsOfExcludesLaterEntries(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	_, err := f.svc.RecordIncome(ctx, scope, money.New(100), "4000-Revenue", "1000-Cash", day1, accounting.Reference{})
	require.NoError(t, err)
	_, err = f.svc.RecordExpense(ctx, scope, money.New(30), "6100", "1000-Cash", day2, accounting.Reference{})
	require.NoError(t, err)

	b, err := f.svc.GetBalance(ctx, scope, "1000-Cash", day1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Minor())
	assert.Equal(t, int64(70), f.balance(t, "1000-Cash"))
	assert.Equal(t, int64(30), f.balance(t, "6100"))
}

func TestCreateEntryRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	cases := map[string]struct {
		input accounting.EntryInput
		want  error
	}{
		"empty": {
			input: accounting.EntryInput{Date: day1, Description: "x"},
			want:  accounting.ErrEmptyEntry,
		},
		"unbalanced": {
			input: accounting.EntryInput{Date: day1, Description: "x", Lines: []accounting.LineInput{
				{AccountCode: "1000-Cash", Debit: money.New(100)},
				{AccountCode: "4000-Revenue", Credit: money.New(99)},
			}},
			want: accounting.ErrUnbalanced,
		},
		"both sides": {
			input: accounting.EntryInput{Date: day1, Description: "x", Lines: []accounting.LineInput{
				{AccountCode: "1000-Cash", Debit: money.New(100), Credit: money.New(100)},
			}},
			want: accounting.ErrInvalidLine,
		},
		"zero line": {
			input: accounting.EntryInput{Date: day1, Description: "x", Lines: []accounting.LineInput{
				{AccountCode: "1000-Cash"},
			}},
			want: accounting.ErrInvalidLine,
		},
		"unknown account": {
			input: accounting.EntryInput{Date: day1, Description: "x", Lines: []accounting.LineInput{
				{AccountCode: "9999", Debit: money.New(100)},
				{AccountCode: "4000-Revenue", Credit: money.New(100)},
			}},
			want: accounting.ErrUnknownAccount,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateEntry(ctx, scope, tc.input)
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	entries, err := f.svc.ListEntries(ctx, scope, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.svc.CreateEntry(ctx, shared.Scope{}, accounting.EntryInput{})
	assert.ErrorIs(t, err, shared.ErrTenantRequired)
}

func TestEntryNumbersAreSequentialPerTenant(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	other := shared.Scope{TenantID: "t2"}
	_, err := f.svc.CreateAccount(ctx, other, accounting.CreateAccountInput{Code: "1000-Cash", Name: "Cash", Type: accounting.AccountTypeAsset})
	require.NoError(t, err)
	_, err = f.svc.CreateAccount(ctx, other, accounting.CreateAccountInput{Code: "4000-Revenue", Name: "Revenue", Type: accounting.AccountTypeRevenue})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		e, err := f.svc.RecordIncome(ctx, scope, money.New(10), "4000-Revenue", "1000-Cash", day1, accounting.Reference{})
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Number)
	}
	e, err := f.svc.RecordIncome(ctx, other, money.New(10), "4000-Revenue", "1000-Cash", day1, accounting.Reference{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Number)

	byNumber, err := f.svc.GetEntryByNumber(ctx, scope, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byNumber.Number)
	_, err = f.svc.GetEntry(ctx, other, byNumber.ID)
	assert.ErrorIs(t, err, accounting.ErrJournalNotFound)
}

func TestCreateAccountRules(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateAccount(ctx, scope, accounting.CreateAccountInput{Code: "1000-Cash", Name: "Dup", Type: accounting.AccountTypeAsset})
	assert.ErrorIs(t, err, accounting.ErrDuplicateCode)
	_, err = f.svc.CreateAccount(ctx, scope, accounting.CreateAccountInput{Code: "7000", Name: "Bad", Type: "INCOME"})
	assert.ErrorIs(t, err, accounting.ErrInvalidAccountType)
	_, err = f.svc.CreateAccount(ctx, scope, accounting.CreateAccountInput{Code: "7000", Name: "Orphan", Type: accounting.AccountTypeExpense, ParentCode: "nope"})
	assert.ErrorIs(t, err, accounting.ErrInvalidParent)
	_, err = f.svc.CreateAccount(ctx, scope, accounting.CreateAccountInput{Code: "7000", Name: "Self", Type: accounting.AccountTypeExpense, ParentCode: "7000"})
	assert.ErrorIs(t, err, accounting.ErrInvalidParent)
}

func TestReparentRejectsCycles(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, scope, accounting.CreateAccountInput{Code: "6110", Name: "Office rent", Type: accounting.AccountTypeExpense, ParentCode: "6100"})
	require.NoError(t, err)

	_, err = f.svc.ReparentAccount(ctx, scope, "6000", "6110")
	assert.ErrorIs(t, err, accounting.ErrInvalidParent)
	_, err = f.svc.ReparentAccount(ctx, scope, "6000", "6000")
	assert.ErrorIs(t, err, accounting.ErrInvalidParent)

	moved, err := f.svc.ReparentAccount(ctx, scope, "6110", "6000")
	require.NoError(t, err)
	assert.Equal(t, "6000", moved.ParentCode)

	tree, err := f.svc.GetHierarchy(ctx, scope)
	require.NoError(t, err)
	var expenses accounting.AccountNode
	for _, node := range tree {
		if node.Code == "6000" {
			expenses = node
		}
	}
	require.Len(t, expenses.Children, 2)
	assert.Equal(t, "6100", expenses.Children[0].Code)
	assert.Equal(t, "6110", expenses.Children[1].Code)
}

func TestDeactivatedAccountRejectsPostings(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	acc, err := f.svc.DeactivateAccount(ctx, scope, "6100")
	require.NoError(t, err)
	assert.False(t, acc.IsActive)

	_, err = f.svc.RecordExpense(ctx, scope, money.New(10), "6100", "1000-Cash", day1, accounting.Reference{})
	assert.ErrorIs(t, err, accounting.ErrUnknownAccount)

	_, err = f.svc.ReactivateAccount(ctx, scope, "6100")
	require.NoError(t, err)
	_, err = f.svc.RecordExpense(ctx, scope, money.New(10), "6100", "1000-Cash", day1, accounting.Reference{})
	require.NoError(t, err)
	assert.Equal(t, []string{"account.deactivate", "account.reactivate", "journal.post"}, f.audit.actions()[6:])
}

func TestDeactivateWithBalancePolicy(t *testing.T) {
	ctx := context.Background()
	blocked := newFixture(t, accounting.ServiceConfig{BlockDeactivateWithBalance: true})
	_, err := blocked.svc.RecordExpense(ctx, scope, money.New(10), "6100", "1000-Cash", day1, accounting.Reference{})
	require.NoError(t, err)
	_, err = blocked.svc.DeactivateAccount(ctx, scope, "6100")
	assert.ErrorIs(t, err, accounting.ErrAccountInUse)
	_, err = blocked.svc.DeactivateAccount(ctx, scope, "2000")
	assert.NoError(t, err)

	open := newFixture(t, accounting.ServiceConfig{})
	_, err = open.svc.RecordExpense(ctx, scope, money.New(10), "6100", "1000-Cash", day1, accounting.Reference{})
	require.NoError(t, err)
	_, err = open.svc.DeactivateAccount(ctx, scope, "6100")
	assert.NoError(t, err)
	assert.Equal(t, int64(10), open.balance(t, "6100"))
}

func TestAccountLedgerRunningBalance(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	_, err := f.svc.RecordIncome(ctx, scope, money.New(500), "4000-Revenue", "1000-Cash", day1, accounting.Reference{})
	require.NoError(t, err)
	_, err = f.svc.RecordExpense(ctx, scope, money.New(120), "6100", "1000-Cash", day2, accounting.Reference{})
	require.NoError(t, err)
	_, err = f.svc.RecordIncome(ctx, scope, money.New(80), "4000-Revenue", "1000-Cash", day3, accounting.Reference{})
	require.NoError(t, err)

	ledger, err := f.svc.GetAccountLedger(ctx, scope, "1000-Cash", day2, day3)
	require.NoError(t, err)
	assert.Equal(t, int64(500), ledger.Opening.Minor())
	require.Len(t, ledger.Rows, 2)
	assert.Equal(t, int64(380), ledger.Rows[0].Balance.Minor())
	assert.Equal(t, int64(460), ledger.Rows[1].Balance.Minor())
	assert.Equal(t, int64(460), ledger.Closing.Minor())

	postings, err := f.svc.GetEntriesByAccount(ctx, scope, "1000-Cash", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, postings, 3)

	_, err = f.svc.GetAccountLedger(ctx, scope, "1000-Cash", day3, day1)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestCommitsInvalidateReports(t *testing.T) {
	f := newFixture(t, accounting.ServiceConfig{})
	ctx := context.Background()
	baseline := f.inval.bumps["t1"]
	_, err := f.svc.RecordIncome(ctx, scope, money.New(1), "4000-Revenue", "1000-Cash", day1, accounting.Reference{})
	require.NoError(t, err)
	assert.Equal(t, baseline+1, f.inval.bumps["t1"])

	_, err = f.svc.RecordIncome(ctx, scope, money.New(-1), "4000-Revenue", "1000-Cash", day1, accounting.Reference{})
	assert.ErrorIs(t, err, accounting.ErrInvalidAmount)
	assert.Equal(t, baseline+1, f.inval.bumps["t1"])
}

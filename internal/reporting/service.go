package reporting

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/reports"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/orchestration"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// LedgerReader is the read side of the ledger used by reports.
type LedgerReader interface {
	AccountBalances(ctx context.Context, scope shared.Scope, asOf time.Time) ([]accounting.Account, map[string]accounting.AccountTotals, error)
	GetAccountLedger(ctx context.Context, scope shared.Scope, code string, from, to time.Time) (accounting.AccountLedger, error)
}

// StockReader is the read side of FIFO costing used by reports.
type StockReader interface {
	Valuation(ctx context.Context, scope shared.Scope, productID, locationID string) ([]inventory.Valuation, error)
}

// PositionReader reads the inventory control account and the FIFO layers in one transaction.
type PositionReader interface {
	InventoryPosition(ctx context.Context, scope shared.Scope, inventoryCode string) (orchestration.InventoryPosition, error)
}

// Service renders ledger and stock reports through the versioned cache.
type Service struct {
	ledger    LedgerReader
	stock     StockReader
	positions PositionReader
	cache     *Cache
	logger    *slog.Logger
}

// NewService wires readers with a Cache helper. A nil cache renders every call.
func NewService(ledger LedgerReader, stock StockReader, positions PositionReader, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, stock: stock, positions: positions, cache: cache, logger: logger}
}

// LedgerLine is one posting of an account ledger report.
type LedgerLine struct {
	EntryID     int64        `json:"entry_id"`
	EntryNumber int64        `json:"entry_number"`
	Date        time.Time    `json:"date"`
	Description string       `json:"description"`
	RefKind     string       `json:"ref_kind,omitempty"`
	RefID       string       `json:"ref_id,omitempty"`
	Voided      bool         `json:"voided"`
	BranchID    string       `json:"branch_id,omitempty"`
	Debit       money.Amount `json:"debit"`
	Credit      money.Amount `json:"credit"`
	Balance     money.Amount `json:"balance"`
}

// LedgerReport is the running-balance view of one account.
type LedgerReport struct {
	Code    string                 `json:"code"`
	Name    string                 `json:"name"`
	Type    accounting.AccountType `json:"type"`
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	Opening money.Amount           `json:"opening"`
	Lines   []LedgerLine           `json:"lines"`
	Closing money.Amount           `json:"closing"`
}

// ValuationReport lists stock value per product/location with totals.
type ValuationReport struct {
	Rows          []inventory.Valuation `json:"rows"`
	TotalQuantity int64                 `json:"total_quantity"`
	TotalValue    money.Amount          `json:"total_value"`
}

// Reconciliation compares the inventory control account with FIFO layer value.
type Reconciliation struct {
	AccountCode   string       `json:"account_code"`
	LedgerBalance money.Amount `json:"ledger_balance"`
	LayerValue    money.Amount `json:"layer_value"`
	Difference    money.Amount `json:"difference"`
}

// Matched reports whether ledger and layers agree.
func (r Reconciliation) Matched() bool { return r.Difference.IsZero() }

// TrialBalance returns grouped account balances as of asOf (inclusive; zero means all time).
func (s *Service) TrialBalance(ctx context.Context, scope shared.Scope, asOf time.Time) (reports.TrialBalance, error) {
	var out reports.TrialBalance
	err := s.cached(ctx, scope, &out, func(ctx context.Context) (any, error) {
		rows, err := s.balances(ctx, scope, asOf)
		if err != nil {
			return nil, err
		}
		return reports.BuildTrialBalance(rows)
	}, "tb", stamp(asOf))
	return out, err
}

// ProfitAndLoss returns revenue and expense sections with net income as of asOf.
func (s *Service) ProfitAndLoss(ctx context.Context, scope shared.Scope, asOf time.Time) (reports.ProfitAndLoss, error) {
	var out reports.ProfitAndLoss
	err := s.cached(ctx, scope, &out, func(ctx context.Context) (any, error) {
		rows, err := s.balances(ctx, scope, asOf)
		if err != nil {
			return nil, err
		}
		return reports.BuildProfitAndLoss(rows)
	}, "pl", stamp(asOf))
	return out, err
}

// BalanceSheet returns assets against liabilities and equity as of asOf.
func (s *Service) BalanceSheet(ctx context.Context, scope shared.Scope, asOf time.Time) (reports.BalanceSheet, error) {
	var out reports.BalanceSheet
	err := s.cached(ctx, scope, &out, func(ctx context.Context) (any, error) {
		rows, err := s.balances(ctx, scope, asOf)
		if err != nil {
			return nil, err
		}
		return reports.BuildBalanceSheet(rows)
	}, "bs", stamp(asOf))
	return out, err
}

// AccountLedger returns the postings of an account with opening and running balance.
func (s *Service) AccountLedger(ctx context.Context, scope shared.Scope, code string, from, to time.Time) (LedgerReport, error) {
	var out LedgerReport
	err := s.cached(ctx, scope, &out, func(ctx context.Context) (any, error) {
		ledger, err := s.ledger.GetAccountLedger(ctx, scope, code, from, to)
		if err != nil {
			return nil, err
		}
		return toLedgerReport(ledger), nil
	}, "ledger", code, stamp(from), stamp(to))
	return out, err
}

// InventoryValuation returns remaining stock value. Empty filters match everything.
func (s *Service) InventoryValuation(ctx context.Context, scope shared.Scope, productID, locationID string) (ValuationReport, error) {
	var out ValuationReport
	err := s.cached(ctx, scope, &out, func(ctx context.Context) (any, error) {
		rows, err := s.stock.Valuation(ctx, scope, productID, locationID)
		if err != nil {
			return nil, err
		}
		return buildValuation(rows)
	}, "valuation", token(productID), token(locationID))
	return out, err
}

// ReconcileInventory compares the control account with the layer value, both taken from
// one snapshot. It bypasses the cache.
func (s *Service) ReconcileInventory(ctx context.Context, scope shared.Scope, inventoryCode string) (Reconciliation, error) {
	if err := scope.Validate(); err != nil {
		return Reconciliation{}, err
	}
	if s.positions == nil {
		return Reconciliation{}, errors.New("reporting: inventory position reader not configured")
	}
	pos, err := s.positions.InventoryPosition(ctx, scope, inventoryCode)
	if err != nil {
		return Reconciliation{}, err
	}
	balance, err := accounting.SignedBalance(pos.Account.Type, pos.Totals.Debit, pos.Totals.Credit)
	if err != nil {
		return Reconciliation{}, err
	}
	valuation, err := buildValuation(pos.Valuation)
	if err != nil {
		return Reconciliation{}, err
	}
	diff, err := balance.Subtract(valuation.TotalValue)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		AccountCode:   inventoryCode,
		LedgerBalance: balance,
		LayerValue:    valuation.TotalValue,
		Difference:    diff,
	}, nil
}

func (s *Service) balances(ctx context.Context, scope shared.Scope, asOf time.Time) ([]reports.AccountBalance, error) {
	accounts, totals, err := s.ledger.AccountBalances(ctx, scope, asOf)
	if err != nil {
		return nil, err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Code < accounts[j].Code })
	rows := make([]reports.AccountBalance, 0, len(accounts))
	for _, acc := range accounts {
		t := totals[acc.Code]
		rows = append(rows, reports.AccountBalance{
			Code:   acc.Code,
			Name:   acc.Name,
			Type:   acc.Type,
			Debit:  t.Debit,
			Credit: t.Credit,
		})
	}
	return rows, nil
}

func (s *Service) cached(ctx context.Context, scope shared.Scope, dest any, loader func(context.Context) (any, error), parts ...string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	key, err := s.cache.BuildKey(ctx, scope.TenantID, parts...)
	if err != nil {
		// a cache outage degrades to direct rendering
		s.logger.Warn("report cache unavailable", slog.String("tenant_id", scope.TenantID), slog.Any("error", err))
		return decodeInto(ctx, loader, dest)
	}
	return s.cache.FetchJSON(ctx, key, dest, loader)
}

func toLedgerReport(ledger accounting.AccountLedger) LedgerReport {
	out := LedgerReport{
		Code:    ledger.Account.Code,
		Name:    ledger.Account.Name,
		Type:    ledger.Account.Type,
		From:    ledger.From,
		To:      ledger.To,
		Opening: ledger.Opening,
		Closing: ledger.Closing,
		Lines:   make([]LedgerLine, 0, len(ledger.Rows)),
	}
	for _, row := range ledger.Rows {
		out.Lines = append(out.Lines, LedgerLine{
			EntryID:     row.EntryID,
			EntryNumber: row.EntryNumber,
			Date:        row.Date,
			Description: row.Description,
			RefKind:     string(row.Reference.Kind()),
			RefID:       row.Reference.ID(),
			Voided:      row.Voided,
			BranchID:    row.BranchID,
			Debit:       row.Debit,
			Credit:      row.Credit,
			Balance:     row.Balance,
		})
	}
	return out
}

func buildValuation(rows []inventory.Valuation) (ValuationReport, error) {
	out := ValuationReport{Rows: rows}
	if out.Rows == nil {
		out.Rows = []inventory.Valuation{}
	}
	for _, row := range rows {
		var err error
		if out.TotalValue, err = out.TotalValue.Add(row.Value); err != nil {
			return ValuationReport{}, err
		}
		if row.Quantity > 0 && out.TotalQuantity > math.MaxInt64-row.Quantity {
			return ValuationReport{}, inventory.ErrQuantityOverflow
		}
		out.TotalQuantity += row.Quantity
	}
	return out, nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "all"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func token(v string) string {
	if v == "" {
		return "*"
	}
	return v
}

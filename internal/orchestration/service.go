package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AuditPort receives committed business events.
type AuditPort interface {
	Notify(ctx context.Context, log shared.AuditLog)
}

// Metrics counts orchestrated outcomes.
type Metrics interface {
	ObserveOperation(kind string, outcome string)
}

// Orchestrator composes the ledger and the FIFO engine into atomic business operations.
type Orchestrator struct {
	repo     RepositoryPort
	ledger   *accounting.Service
	stock    *inventory.Service
	audit    AuditPort
	metrics  Metrics
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithMetrics records operation outcomes.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock for testing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs the orchestrator.
func New(repo RepositoryPort, ledger *accounting.Service, stock *inventory.Service, audit AuditPort, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		ledger:   ledger,
		stock:    stock,
		audit:    audit,
		validate: validator.New(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OperationID derives the stable identifier of an operation from its natural key.
func OperationID(tenantID string, kind OperationKind, naturalKey string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"|"+operationKey(kind, naturalKey)))
}

// RecordSale consumes FIFO layers for every line and posts one entry:
// Dr settlement / Cr revenue for the sale amount and Dr COGS / Cr inventory for the consumed cost.
// Any failing line aborts the whole sale. Replaying a committed SaleID returns the first result.
func (o *Orchestrator) RecordSale(ctx context.Context, scope shared.Scope, input SaleInput) (result SaleResult, err error) {
	defer func() { o.observe(KindSale, result.Replayed, err) }()
	if err := scope.Validate(); err != nil {
		return SaleResult{}, err
	}
	if err := o.checkSale(input); err != nil {
		return SaleResult{}, err
	}
	if prior, ok, err := o.replaySale(ctx, scope, input.SaleID); err != nil || ok {
		return prior, err
	}
	keys := make([]inventory.StockKey, 0, len(input.Lines))
	for _, line := range input.Lines {
		keys = append(keys, inventory.StockKey{ProductID: line.ProductID, LocationID: line.LocationID})
	}
	release, err := o.stock.Lock(ctx, scope, keys...)
	if err != nil {
		return SaleResult{}, err
	}
	defer release()

	opKey := operationKey(KindSale, input.SaleID)
	err = o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		prior, ok, err := loadSale(ctx, uow, scope, input.SaleID)
		if err != nil {
			return err
		}
		if ok {
			result = prior
			return nil
		}
		result = SaleResult{SaleID: input.SaleID}
		for idx, line := range input.Lines {
			consumed, err := o.stock.ConsumeLayersTx(ctx, uow.Stock(), scope, inventory.ConsumeInput{
				ProductID:    line.ProductID,
				LocationID:   line.LocationID,
				Quantity:     line.Quantity,
				OperationKey: opKey,
			})
			if err != nil {
				return fmt.Errorf("sale %s line %d: %w", input.SaleID, idx, err)
			}
			cost, err := consumed.TotalCost()
			if err != nil {
				return err
			}
			if result.COGS, err = result.COGS.Add(cost); err != nil {
				return err
			}
			if result.Revenue, err = result.Revenue.Add(line.Amount); err != nil {
				return err
			}
			result.Consumptions = append(result.Consumptions, consumed)
		}
		var lines []accounting.LineInput
		lines = appendPair(lines, input.Accounts.Settlement, input.Accounts.Revenue, result.Revenue, "Sale "+input.SaleID)
		lines = appendPair(lines, input.Accounts.COGS, input.Accounts.Inventory, result.COGS, "COGS "+input.SaleID)
		entry, err := o.ledger.CreateEntryTx(ctx, uow.Ledger(), scope, accounting.EntryInput{
			Date:        o.dateOr(input.Date),
			Description: describe(input.Description, "Sale "+input.SaleID),
			Reference:   accounting.SaleRef(input.SaleID),
			Lines:       lines,
		})
		if err != nil {
			return err
		}
		result.Entry = entry
		return saveOperation(ctx, uow, scope, KindSale, input.SaleID, entry.ID, result, o.now())
	})
	if err != nil {
		return SaleResult{}, err
	}
	if !result.Replayed {
		o.committed(ctx, scope,
			operationAudit(scope, KindSale, input.SaleID, result),
			accounting.EntryAudit("journal.post", result.Entry, nil),
		)
	}
	return result, nil
}

func (o *Orchestrator) checkSale(input SaleInput) error {
	if err := o.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	for idx, line := range input.Lines {
		if line.Quantity <= 0 {
			return fmt.Errorf("sale line %d: %w", idx, inventory.ErrInvalidQuantity)
		}
		if line.Amount.IsNegative() {
			return fmt.Errorf("sale line %d: %w", idx, ErrInvalidAmount)
		}
	}
	return nil
}

func (o *Orchestrator) replaySale(ctx context.Context, scope shared.Scope, saleID string) (SaleResult, bool, error) {
	var (
		prior SaleResult
		found bool
	)
	err := o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		prior, found, err = loadSale(ctx, uow, scope, saleID)
		return err
	})
	return prior, found, err
}

func loadSale(ctx context.Context, uow UnitOfWork, scope shared.Scope, saleID string) (SaleResult, bool, error) {
	var result SaleResult
	entry, found, err := loadOperation(ctx, uow, scope, KindSale, saleID, &result)
	if err != nil || !found {
		return SaleResult{}, found, err
	}
	result.Entry = entry
	result.Replayed = true
	return result, true, nil
}

// RecordPurchase appends one layer per line and posts Dr inventory / Cr settlement as one unit.
func (o *Orchestrator) RecordPurchase(ctx context.Context, scope shared.Scope, input PurchaseInput) (result PurchaseResult, err error) {
	defer func() { o.observe(KindPurchase, result.Replayed, err) }()
	if err := scope.Validate(); err != nil {
		return PurchaseResult{}, err
	}
	if err := o.validate.Struct(input); err != nil {
		return PurchaseResult{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	keys := make([]inventory.StockKey, 0, len(input.Lines))
	for idx, line := range input.Lines {
		if line.Quantity <= 0 {
			return PurchaseResult{}, fmt.Errorf("purchase line %d: %w", idx, inventory.ErrInvalidQuantity)
		}
		if line.UnitCost.IsNegative() {
			return PurchaseResult{}, fmt.Errorf("purchase line %d: %w", idx, inventory.ErrInvalidUnitCost)
		}
		keys = append(keys, inventory.StockKey{ProductID: line.ProductID, LocationID: line.LocationID})
	}
	if prior, ok, err := o.replayPurchase(ctx, scope, input.PurchaseID); err != nil || ok {
		return prior, err
	}
	release, err := o.stock.Lock(ctx, scope, keys...)
	if err != nil {
		return PurchaseResult{}, err
	}
	defer release()

	err = o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		prior, ok, err := loadPurchase(ctx, uow, scope, input.PurchaseID)
		if err != nil {
			return err
		}
		if ok {
			result = prior
			return nil
		}
		result = PurchaseResult{PurchaseID: input.PurchaseID}
		received := input.ReceivedAt
		if received.IsZero() {
			received = o.dateOr(input.Date)
		}
		for idx, line := range input.Lines {
			layer, err := o.stock.AddLayerTx(ctx, uow.Stock(), scope, inventory.AddLayerInput{
				ProductID:  line.ProductID,
				LocationID: line.LocationID,
				Quantity:   line.Quantity,
				UnitCost:   line.UnitCost,
				ReceivedAt: received,
				Source:     operationKey(KindPurchase, input.PurchaseID),
			})
			if err != nil {
				return fmt.Errorf("purchase %s line %d: %w", input.PurchaseID, idx, err)
			}
			value, err := layer.Value()
			if err != nil {
				return err
			}
			if result.Total, err = result.Total.Add(value); err != nil {
				return err
			}
			result.Layers = append(result.Layers, layer)
		}
		lines := appendPair(nil, input.Accounts.Inventory, input.Accounts.Settlement, result.Total, "Purchase "+input.PurchaseID)
		entry, err := o.ledger.CreateEntryTx(ctx, uow.Ledger(), scope, accounting.EntryInput{
			Date:        o.dateOr(input.Date),
			Description: describe(input.Description, "Purchase "+input.PurchaseID),
			Reference:   accounting.PurchaseRef(input.PurchaseID),
			Lines:       lines,
		})
		if err != nil {
			return err
		}
		result.Entry = entry
		return saveOperation(ctx, uow, scope, KindPurchase, input.PurchaseID, entry.ID, result, o.now())
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	if !result.Replayed {
		o.committed(ctx, scope,
			operationAudit(scope, KindPurchase, input.PurchaseID, result),
			accounting.EntryAudit("journal.post", result.Entry, nil),
		)
	}
	return result, nil
}

func (o *Orchestrator) replayPurchase(ctx context.Context, scope shared.Scope, purchaseID string) (PurchaseResult, bool, error) {
	var (
		prior PurchaseResult
		found bool
	)
	err := o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		prior, found, err = loadPurchase(ctx, uow, scope, purchaseID)
		return err
	})
	return prior, found, err
}

func loadPurchase(ctx context.Context, uow UnitOfWork, scope shared.Scope, purchaseID string) (PurchaseResult, bool, error) {
	var result PurchaseResult
	entry, found, err := loadOperation(ctx, uow, scope, KindPurchase, purchaseID, &result)
	if err != nil || !found {
		return PurchaseResult{}, found, err
	}
	result.Entry = entry
	result.Replayed = true
	return result, true, nil
}

// RecordSaleReversal voids the sale entry and returns the sold goods to stock as new layers
// at the unit costs recorded when the sale consumed them. Original layers are never restored.
func (o *Orchestrator) RecordSaleReversal(ctx context.Context, scope shared.Scope, saleID, reason string) (result SaleReversalResult, err error) {
	defer func() { o.observe(KindSaleReversal, result.Replayed, err) }()
	if err := scope.Validate(); err != nil {
		return SaleReversalResult{}, err
	}
	if saleID == "" {
		return SaleReversalResult{}, fmt.Errorf("%w: sale id required", shared.ErrValidation)
	}
	if reason == "" {
		reason = "sale " + saleID + " reversed"
	}
	var sale SaleResult
	var replay SaleReversalResult
	var replayed bool
	err = o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var found bool
		var err error
		if replay, replayed, err = loadReversal(ctx, uow, scope, saleID); err != nil || replayed {
			return err
		}
		sale, found, err = loadSale(ctx, uow, scope, saleID)
		if err != nil {
			return err
		}
		if !found {
			return ErrSaleNotFound
		}
		return nil
	})
	if err != nil {
		return SaleReversalResult{}, err
	}
	if replayed {
		return replay, nil
	}
	keys := make([]inventory.StockKey, 0, len(sale.Consumptions))
	for _, c := range sale.Consumptions {
		keys = append(keys, inventory.StockKey{ProductID: c.ProductID, LocationID: c.LocationID})
	}
	release, err := o.stock.Lock(ctx, scope, keys...)
	if err != nil {
		return SaleReversalResult{}, err
	}
	defer release()

	var before accounting.JournalEntry
	err = o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		prior, ok, err := loadReversal(ctx, uow, scope, saleID)
		if err != nil {
			return err
		}
		if ok {
			result = prior
			return nil
		}
		if before, err = uow.Ledger().GetJournalWithLines(ctx, scope.TenantID, sale.Entry.ID); err != nil {
			return err
		}
		original, reversal, err := o.ledger.VoidEntryTx(ctx, uow.Ledger(), scope, sale.Entry.ID, reason)
		if err != nil {
			return err
		}
		result = SaleReversalResult{SaleID: saleID, Original: original, Reversal: reversal}
		consumed, err := o.stock.ConsumptionsTx(ctx, uow.Stock(), scope, operationKey(KindSale, saleID))
		if err != nil {
			return err
		}
		if len(consumed) == 0 {
			consumed = sale.Consumptions
		}
		for _, c := range consumed {
			for _, step := range c.Steps {
				layer, err := o.stock.AddLayerTx(ctx, uow.Stock(), scope, inventory.AddLayerInput{
					ProductID:  c.ProductID,
					LocationID: c.LocationID,
					Quantity:   step.Quantity,
					UnitCost:   step.UnitCost,
					ReceivedAt: o.now(),
					Source:     operationKey(KindSaleReversal, saleID),
				})
				if err != nil {
					return err
				}
				result.Layers = append(result.Layers, layer)
			}
		}
		return saveOperation(ctx, uow, scope, KindSaleReversal, saleID, reversal.ID, result, o.now())
	})
	if err != nil {
		return SaleReversalResult{}, err
	}
	if !result.Replayed {
		o.committed(ctx, scope,
			operationAudit(scope, KindSaleReversal, saleID, result),
			accounting.EntryAudit("journal.void", result.Original, &before),
			accounting.EntryAudit("journal.post", result.Reversal, nil),
		)
	}
	return result, nil
}

func loadReversal(ctx context.Context, uow UnitOfWork, scope shared.Scope, saleID string) (SaleReversalResult, bool, error) {
	var result SaleReversalResult
	reversal, found, err := loadOperation(ctx, uow, scope, KindSaleReversal, saleID, &result)
	if err != nil || !found {
		return SaleReversalResult{}, found, err
	}
	result.Reversal = reversal
	if reversal.ReversesID != nil {
		if result.Original, err = uow.Ledger().GetJournalWithLines(ctx, scope.TenantID, *reversal.ReversesID); err != nil {
			return SaleReversalResult{}, false, err
		}
	}
	result.Replayed = true
	return result, true, nil
}

// RecordAdjustment corrects stock. Gains post Dr inventory / Cr gain at the given unit cost;
// losses consume FIFO and post Dr loss / Cr inventory at the consumed cost.
func (o *Orchestrator) RecordAdjustment(ctx context.Context, scope shared.Scope, input AdjustmentInput) (result AdjustmentResult, err error) {
	defer func() { o.observe(KindAdjustment, result.Replayed, err) }()
	if err := scope.Validate(); err != nil {
		return AdjustmentResult{}, err
	}
	if err := o.validate.Struct(input); err != nil {
		return AdjustmentResult{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if input.Quantity == 0 {
		return AdjustmentResult{}, inventory.ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return AdjustmentResult{}, inventory.ErrInvalidUnitCost
	}
	if input.Quantity > 0 && input.UnitCost.IsZero() {
		return AdjustmentResult{}, ErrUnitCostRequired
	}
	if prior, ok, err := o.replayAdjustment(ctx, scope, input.AdjustmentID); err != nil || ok {
		return prior, err
	}
	release, err := o.stock.Lock(ctx, scope, inventory.StockKey{ProductID: input.ProductID, LocationID: input.LocationID})
	if err != nil {
		return AdjustmentResult{}, err
	}
	defer release()

	err = o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		prior, ok, err := loadAdjustment(ctx, uow, scope, input.AdjustmentID)
		if err != nil {
			return err
		}
		if ok {
			result = prior
			return nil
		}
		result = AdjustmentResult{AdjustmentID: input.AdjustmentID}
		var lines []accounting.LineInput
		if input.Quantity > 0 {
			layer, err := o.stock.AddLayerTx(ctx, uow.Stock(), scope, inventory.AddLayerInput{
				ProductID:  input.ProductID,
				LocationID: input.LocationID,
				Quantity:   input.Quantity,
				UnitCost:   input.UnitCost,
				ReceivedAt: o.dateOr(input.Date),
				Source:     operationKey(KindAdjustment, input.AdjustmentID),
			})
			if err != nil {
				return err
			}
			if result.Value, err = layer.Value(); err != nil {
				return err
			}
			result.Layer = &layer
			lines = appendPair(lines, input.Accounts.Inventory, input.Accounts.Gain, result.Value, input.Reason)
		} else {
			consumed, err := o.stock.ConsumeLayersTx(ctx, uow.Stock(), scope, inventory.ConsumeInput{
				ProductID:    input.ProductID,
				LocationID:   input.LocationID,
				Quantity:     -input.Quantity,
				OperationKey: operationKey(KindAdjustment, input.AdjustmentID),
			})
			if err != nil {
				return err
			}
			if result.Value, err = consumed.TotalCost(); err != nil {
				return err
			}
			result.Consumption = &consumed
			lines = appendPair(lines, input.Accounts.Loss, input.Accounts.Inventory, result.Value, input.Reason)
		}
		var entryID int64
		if len(lines) > 0 {
			entry, err := o.ledger.CreateEntryTx(ctx, uow.Ledger(), scope, accounting.EntryInput{
				Date:        o.dateOr(input.Date),
				Description: describe(input.Reason, "Adjustment "+input.AdjustmentID),
				Reference:   accounting.AdjustmentRef(input.AdjustmentID),
				Lines:       lines,
			})
			if err != nil {
				return err
			}
			result.Entry = &entry
			entryID = entry.ID
		}
		return saveOperation(ctx, uow, scope, KindAdjustment, input.AdjustmentID, entryID, result, o.now())
	})
	if err != nil {
		return AdjustmentResult{}, err
	}
	if !result.Replayed {
		logs := []shared.AuditLog{operationAudit(scope, KindAdjustment, input.AdjustmentID, result)}
		if result.Entry != nil {
			logs = append(logs, accounting.EntryAudit("journal.post", *result.Entry, nil))
		}
		o.committed(ctx, scope, logs...)
	}
	return result, nil
}

func (o *Orchestrator) replayAdjustment(ctx context.Context, scope shared.Scope, adjustmentID string) (AdjustmentResult, bool, error) {
	var (
		prior AdjustmentResult
		found bool
	)
	err := o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		prior, found, err = loadAdjustment(ctx, uow, scope, adjustmentID)
		return err
	})
	return prior, found, err
}

func loadAdjustment(ctx context.Context, uow UnitOfWork, scope shared.Scope, adjustmentID string) (AdjustmentResult, bool, error) {
	var result AdjustmentResult
	entry, found, err := loadOperation(ctx, uow, scope, KindAdjustment, adjustmentID, &result)
	if err != nil || !found {
		return AdjustmentResult{}, found, err
	}
	if entry.ID != 0 {
		result.Entry = &entry
	}
	result.Replayed = true
	return result, true, nil
}

// loadOperation decodes a committed operation payload into out and loads its entry.
func loadOperation(ctx context.Context, uow UnitOfWork, scope shared.Scope, kind OperationKind, naturalKey string, out any) (accounting.JournalEntry, bool, error) {
	op, err := uow.Operations().GetOperation(ctx, scope.TenantID, kind, naturalKey)
	if errors.Is(err, ErrOperationNotFound) {
		return accounting.JournalEntry{}, false, nil
	}
	if err != nil {
		return accounting.JournalEntry{}, false, err
	}
	if err := json.Unmarshal(op.Payload, out); err != nil {
		return accounting.JournalEntry{}, false, fmt.Errorf("orchestration: decode %s %s: %w", kind, naturalKey, err)
	}
	if op.EntryID == 0 {
		return accounting.JournalEntry{}, true, nil
	}
	entry, err := uow.Ledger().GetJournalWithLines(ctx, scope.TenantID, op.EntryID)
	if err != nil {
		return accounting.JournalEntry{}, false, err
	}
	return entry, true, nil
}

func saveOperation(ctx context.Context, uow UnitOfWork, scope shared.Scope, kind OperationKind, naturalKey string, entryID int64, payload any, at time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("orchestration: encode %s %s: %w", kind, naturalKey, err)
	}
	return uow.Operations().InsertOperation(ctx, Operation{
		TenantID:   scope.TenantID,
		Kind:       kind,
		NaturalKey: naturalKey,
		EntryID:    entryID,
		Payload:    raw,
		CreatedAt:  at,
	})
}

// appendPair adds a debit/credit pair for amount; zero amounts add nothing.
func appendPair(lines []accounting.LineInput, debitCode, creditCode string, amount money.Amount, memo string) []accounting.LineInput {
	if !amount.IsPositive() {
		return lines
	}
	return append(lines,
		accounting.LineInput{AccountCode: debitCode, Debit: amount, Memo: memo},
		accounting.LineInput{AccountCode: creditCode, Credit: amount, Memo: memo},
	)
}

func describe(description, fallback string) string {
	if description != "" {
		return description
	}
	return fallback
}

func (o *Orchestrator) dateOr(date time.Time) time.Time {
	if date.IsZero() {
		return o.now()
	}
	return date
}

func operationAudit(scope shared.Scope, kind OperationKind, naturalKey string, after any) shared.AuditLog {
	return shared.AuditLog{
		Action:   "operation." + strings.ToLower(string(kind)),
		Entity:   "operation",
		EntityID: OperationID(scope.TenantID, kind, naturalKey).String(),
		After:    after,
	}
}

// committed notifies audit of every log and drops cached reports of the tenant.
func (o *Orchestrator) committed(ctx context.Context, scope shared.Scope, logs ...shared.AuditLog) {
	if o.audit != nil {
		for _, log := range logs {
			log.TenantID = scope.TenantID
			if log.BranchID == "" {
				log.BranchID = scope.BranchID
			}
			log.Actor = scope.ActorOrSystem()
			log.At = o.now()
			o.audit.Notify(ctx, log)
		}
	}
	o.ledger.Invalidate(ctx, scope.TenantID)
}

func (o *Orchestrator) observe(kind OperationKind, replayed bool, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "committed"
	switch {
	case err != nil && errors.Is(err, shared.ErrConcurrency):
		outcome = "concurrency"
	case err != nil:
		outcome = "rejected"
	case replayed:
		outcome = "replayed"
	}
	o.metrics.ObserveOperation(string(kind), outcome)
}
